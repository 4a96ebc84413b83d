package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/audiolibrelab/reclink/internal/protocol"
	"github.com/audiolibrelab/reclink/internal/session"
	"github.com/audiolibrelab/reclink/internal/waveform"

	"github.com/spf13/cobra"
)

const (
	streamBarWidth   = 40
	streamSparkWidth = 60
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Show the live input level",
	Long: `Stream the input level from the device and draw it as a bar and a rolling
waveform. Runs until Ctrl+C or until --duration elapses.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetDuration("duration")

		ctx, stop := signalContext()
		defer stop()
		if duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, duration)
			defer cancel()
		}

		svc, err := connect(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		sub := svc.Subscribe(256)
		defer sub.Close()

		if err := svc.StartStream(ctx); err != nil {
			return fmt.Errorf("failed to start streaming: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := svc.StopStream(stopCtx); err != nil {
				fmt.Println()
				fmt.Println(warnStyle.Render(fmt.Sprintf("Failed to stop streaming: %v", err)))
			}
		}()

		threshold := -1
		if t := svc.Snapshot().Status.Threshold; t != nil {
			threshold = *t
		}

		wave := waveform.NewN(streamSparkWidth)
		for {
			select {
			case e, ok := <-sub.Events():
				if !ok {
					fmt.Println()
					return nil
				}
				switch ev := e.(type) {
				case session.LevelSampled:
					wave.Add(ev.Value)
					fmt.Print("\r" + renderLevel(ev.Value, threshold, wave))
				case session.StatusChanged:
					if ev.Threshold != nil {
						threshold = *ev.Threshold
					}
				case session.ConnectionChanged:
					if !ev.Connected {
						fmt.Println()
						if ev.Err != nil {
							return fmt.Errorf("connection lost: %w", ev.Err)
						}
						return nil
					}
				}
			case <-ctx.Done():
				fmt.Println()
				return nil
			}
		}
	},
}

// renderLevel draws one status line: the level bar, the value and the
// rolling waveform. Levels at or above the threshold are highlighted.
func renderLevel(value, threshold int, wave *waveform.Buffer) string {
	label := fmt.Sprintf("%4d", value)
	if threshold >= 0 && value >= threshold {
		label = warnStyle.Render(label)
	}
	return levelBar(value, protocol.MaxLevel, streamBarWidth) + " " + label + " " + dimStyle.Render(wave.Sparkline(streamSparkWidth))
}

func init() {
	streamCmd.Flags().Duration("duration", 0, "stop after this long (0 = until Ctrl+C)")
	rootCmd.AddCommand(streamCmd)
}
