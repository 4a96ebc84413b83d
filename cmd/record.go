package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/audiolibrelab/reclink/internal/service"
	"github.com/audiolibrelab/reclink/internal/session"

	"github.com/spf13/cobra"
)

// fileAddedGrace is how long to wait for the new file's event after the
// device reported completion.
const fileAddedGrace = 300 * time.Millisecond

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Trigger one recording on the device",
	Long: `Start a recording on the device and wait until it reports completion.
With -p, continue with the following pipeline steps (e.g., -p rfp fetches and plays it).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		svc, err := connect(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		p, err := recordOnce(ctx, svc)
		if err != nil {
			return err
		}
		if p != "" {
			fmt.Printf("Recorded: %s\n", p)
		} else {
			fmt.Println("Recording completed")
		}

		// Execute pipeline if specified
		return executePipeline(ctx, svc, 'r')
	},
}

// recordOnce triggers a recording and returns the device path of the new
// file when the device announces one. The web API does not, so the path is
// empty there.
func recordOnce(ctx context.Context, svc service.Service) (string, error) {
	sub := svc.Subscribe(64)
	defer sub.Close()

	slog.Info("Recording... the device stops on its own when the take is over")
	if err := svc.Record(ctx); err != nil {
		return "", fmt.Errorf("recording failed: %w", err)
	}

	grace := time.NewTimer(fileAddedGrace)
	defer grace.Stop()
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return "", nil
			}
			if added, ok := e.(session.FileAdded); ok {
				return added.Entry.Path, nil
			}
		case <-grace.C:
			return "", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func init() {
	rootCmd.AddCommand(recordCmd)
}
