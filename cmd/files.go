package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/audiolibrelab/reclink/internal/play"
	"github.com/audiolibrelab/reclink/internal/service"
	"github.com/audiolibrelab/reclink/internal/transfer"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List recordings on the SD card",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		ctx, stop := signalContext()
		defer stop()

		svc, err := connect(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		entries, err := svc.RefreshFiles(ctx)
		if err != nil {
			return fmt.Errorf("failed to list files: %w", err)
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}

		if len(entries) == 0 {
			fmt.Println(dimStyle.Render("No files on the device"))
			return nil
		}

		fmt.Println(titleStyle.Render(fmt.Sprintf("%d file(s) on %s", len(entries), cfg.Device)))
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{e.Path, formatBytes(e.SizeBytes), orUnknown(e.IsNewRecordingSegment)})
		}
		t := table.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(primaryColor)).
			Headers("PATH", "SIZE", "NEW TAKE").
			Rows(rows...)
		fmt.Println(t.Render())
		return nil
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [device-path]",
	Short: "Download a recording from the device",
	Long: `Download a file from the SD card into the download directory.
Without a path, the newest recording is fetched.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		playAfter, _ := cmd.Flags().GetBool("play")

		ctx, stop := signalContext()
		defer stop()

		svc, err := connect(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		if output != "" {
			svc.SetDownloadDirectory(output)
		}

		devicePath := ""
		if len(args) == 1 {
			devicePath = args[0]
		}
		localPath, err := fetchRecording(ctx, svc, devicePath)
		if err != nil {
			return err
		}

		if playAfter {
			return play.New(svc.GetConfig()).Play(localPath)
		}
		return nil
	},
}

// fetchRecording downloads devicePath, or the newest recording when it is
// empty, and returns the local file. A short transfer is kept but reported.
func fetchRecording(ctx context.Context, svc service.Service, devicePath string) (string, error) {
	if devicePath == "" {
		latest, err := svc.LatestRecording(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to find newest recording: %w", err)
		}
		devicePath = latest.Path
	}

	fmt.Printf("Downloading %s...\n", devicePath)
	res, err := svc.Download(ctx, devicePath)
	if res != nil && res.SizeMismatch {
		fmt.Println(warnStyle.Render(fmt.Sprintf("Warning: %s arrived incomplete (%s)", devicePath, res.SizeHuman)))
	}
	if err != nil && !errors.Is(err, transfer.ErrSizeMismatch) {
		return "", fmt.Errorf("download failed: %w", err)
	}
	fmt.Printf("Saved %s (%s)\n", res.LocalPath, res.SizeHuman)
	return res.LocalPath, nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func init() {
	filesCmd.Flags().Bool("json", false, "print the list as JSON")
	fetchCmd.Flags().StringP("output", "o", "", "download directory (overrides config)")
	fetchCmd.Flags().Bool("play", false, "play the file after downloading")
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(fetchCmd)
}
