package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	primaryColor = lipgloss.Color("#00ff9f")
	dimColor     = lipgloss.Color("#6e7681")
	warnColor    = lipgloss.Color("#ff5f5f")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	labelStyle = lipgloss.NewStyle().Foreground(dimColor).Width(18)
	valueStyle = lipgloss.NewStyle().Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(warnColor)
	dimStyle   = lipgloss.NewStyle().Foreground(dimColor)
	barStyle   = lipgloss.NewStyle().Foreground(primaryColor)
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)
)

// field renders one "label value" row.
func field(label string, value any) string {
	return labelStyle.Render(label) + valueStyle.Render(fmt.Sprint(value))
}

// panel renders a titled box around rows.
func panel(title string, rows ...string) string {
	body := titleStyle.Render(title) + "\n" + strings.Join(rows, "\n")
	return panelStyle.Render(body)
}

// levelBar renders value out of full as a horizontal bar of width cells.
func levelBar(value, full, width int) string {
	if width <= 0 || full <= 0 {
		return ""
	}
	n := value * width / full
	n = max(0, min(n, width))
	return barStyle.Render(strings.Repeat("█", n)) + dimStyle.Render(strings.Repeat("░", width-n))
}

func orUnknown[T any](v *T) string {
	if v == nil {
		return "unknown"
	}
	return fmt.Sprint(*v)
}
