package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/audiolibrelab/reclink/internal/session"

	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print every event from the device session",
	Long: `Stay connected and print the session's events as they happen: status
changes, recordings, device log lines and protocol anomalies. Use --stream to
include live levels.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		withLevels, _ := cmd.Flags().GetBool("stream")

		ctx, stop := signalContext()
		defer stop()

		svc, err := connect(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		sub := svc.Subscribe(1024)
		defer sub.Close()
		defer func() {
			if n := sub.Dropped(); n > 0 {
				slog.Warn("Monitor fell behind and missed events", "dropped", n)
			}
		}()

		if withLevels {
			if err := svc.StartStream(ctx); err != nil {
				return fmt.Errorf("failed to start streaming: %w", err)
			}
		}

		enc := json.NewEncoder(os.Stdout)
		for {
			select {
			case e, ok := <-sub.Events():
				if !ok {
					return nil
				}
				if asJSON {
					if err := enc.Encode(monitorRecord{Time: time.Now(), Type: e.Type(), Data: e}); err != nil {
						return err
					}
					continue
				}
				fmt.Println(describeEvent(e))
			case <-ctx.Done():
				return nil
			}
		}
	},
}

type monitorRecord struct {
	Time time.Time         `json:"time"`
	Type session.EventType `json:"type"`
	Data session.Event     `json:"data"`
}

// describeEvent renders an event as one human-readable line.
func describeEvent(e session.Event) string {
	stamp := dimStyle.Render(time.Now().Format("15:04:05.000"))
	var text string
	switch ev := e.(type) {
	case session.ConnectionChanged:
		text = "disconnected"
		if ev.Connected {
			text = "connected"
		} else if ev.Err != nil {
			text = warnStyle.Render("connection lost: " + ev.Err.Error())
		}
	case session.StatusChanged:
		text = fmt.Sprintf("status threshold=%s dir=%s rec=%s new=%s usb=%s",
			orUnknown(ev.Threshold), orUnknown(ev.DirNumber), orUnknown(ev.RecNumber),
			orUnknown(ev.NewRecordingFlag), orUnknown(ev.USBConnected))
	case session.SDInfoChanged:
		text = fmt.Sprintf("sd total=%.0fMB used=%.0fMB free=%.0fMB", ev.TotalMB, ev.UsedMB, ev.FreeMB)
	case session.LevelSampled:
		text = fmt.Sprintf("level %d", ev.Value)
	case session.FileCatalogReplaced:
		text = fmt.Sprintf("file list: %d file(s)", len(ev.Entries))
	case session.FileAdded:
		text = "new file " + ev.Entry.Path
	case session.FileTransferCompleted:
		text = fmt.Sprintf("received %s (%s)", ev.Filename, formatBytes(int64(ev.Size)))
		if ev.SizeMismatch {
			text += warnStyle.Render(fmt.Sprintf(" expected %d bytes", ev.ExpectedSize))
		}
	case session.RecordingStateChanged:
		text = "recording stopped"
		if ev.Recording {
			text = "recording started"
		} else if ev.Path != "" {
			text += ": " + ev.Path
		}
	case session.UsbPowerChanged:
		text = "power: battery"
		if ev.Connected {
			text = "power: USB"
		}
	case session.Anomaly:
		text = warnStyle.Render(fmt.Sprintf("%s: %s", ev.Kind, ev.Detail))
	case session.DeviceLog:
		text = dimStyle.Render("device: ") + ev.Text
	default:
		text = string(e.Type())
	}
	return stamp + " " + text
}

func init() {
	monitorCmd.Flags().Bool("json", false, "print events as JSON lines")
	monitorCmd.Flags().Bool("stream", false, "also stream live levels")
	rootCmd.AddCommand(monitorCmd)
}
