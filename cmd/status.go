package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/audiolibrelab/reclink/internal/session"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the recorder status",
	Long:  `Connect to the recorder and show its threshold, next recording slot, power source and SD card usage.`,
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

		if _, err := svc.RefreshStatus(ctx); err != nil {
			return fmt.Errorf("failed to read status: %w", err)
		}
		snap := svc.Snapshot()

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}

		fmt.Println(renderStatus(cfg.Device, snap))
		return nil
	},
}

func renderStatus(deviceName string, snap session.Snapshot) string {
	st := snap.Status
	power := "unknown"
	if st.USBConnected != nil {
		power = "battery"
		if *st.USBConnected {
			power = "USB"
		}
	}
	next := "unknown"
	if st.DirNumber != nil && st.RecNumber != nil {
		next = fmt.Sprintf("dir%d/rec%d", *st.DirNumber, *st.RecNumber)
	}

	rows := []string{
		field("Connection", fmt.Sprintf("%s (%s)", snap.StateName, snap.Transport)),
		field("Endpoint", snap.Endpoint),
		field("Threshold", orUnknown(st.Threshold)),
		field("Next recording", next),
		field("New recording", orUnknown(st.NewRecordingFlag)),
		field("Power", power),
	}
	if snap.SD != nil {
		rows = append(rows, field("SD card", fmt.Sprintf("%.0f MB used of %.0f MB (%.0f MB free)",
			snap.SD.UsedMB, snap.SD.TotalMB, snap.SD.FreeMB)))
	}
	if snap.Recording {
		rows = append(rows, warnStyle.Render("Recording in progress"))
	}
	return panel("Recorder "+deviceName, rows...)
}

func init() {
	statusCmd.Flags().Bool("json", false, "print the status as JSON")
	rootCmd.AddCommand(statusCmd)
}
