package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sdinfoCmd = &cobra.Command{
	Use:   "sdinfo",
	Short: "Show SD card usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		svc, err := connect(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		report, err := svc.SDInfo(ctx)
		if err != nil {
			return fmt.Errorf("failed to read SD card info: %w", err)
		}

		var rows []string
		if report.Info != nil {
			rows = append(rows,
				field("Total", fmt.Sprintf("%.0f MB", report.Info.TotalMB)),
				field("Used", fmt.Sprintf("%.0f MB", report.Info.UsedMB)),
				field("Free", fmt.Sprintf("%.0f MB", report.Info.FreeMB)),
			)
			if report.Info.TotalMB > 0 {
				rows = append(rows, levelBar(int(report.Info.UsedMB), int(report.Info.TotalMB), 30))
			}
		}
		// over serial the device prints its figures as text
		rows = append(rows, report.Lines...)
		if len(rows) == 0 {
			rows = append(rows, dimStyle.Render("The device did not report SD card usage"))
		}
		fmt.Println(panel("SD card", rows...))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sdinfoCmd)
}
