package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/audiolibrelab/reclink/internal/devicesim"

	"github.com/spf13/cobra"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated recorder web API",
	Long: `Serve a simulated recorder on the same web API as the real device, with a
wandering input level and a few recordings on its SD card. Point a device
profile at it with transport: http and http.base_url: http://localhost:<port>.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		seed, _ := cmd.Flags().GetInt("files")
		recordDuration, _ := cmd.Flags().GetDuration("record-duration")

		dev := devicesim.New()
		dev.RecordDuration = recordDuration
		dev.Wander()
		seedFiles(dev, seed)

		ctx, stop := signalContext()
		defer stop()

		srv := &http.Server{
			Addr:              addr,
			Handler:           dev.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			slog.Info("Simulated recorder listening", "addr", addr, "files", seed)
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			errCh <- err
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("simulator failed: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	},
}

// seedFiles records n takes up front so the card is not empty.
func seedFiles(dev *devicesim.Device, n int) {
	wait := dev.RecordDuration
	dev.RecordDuration = 0
	defer func() { dev.RecordDuration = wait }()

	for i := 0; i < n; i++ {
		if _, err := dev.Record(context.Background()); err != nil {
			slog.Warn("Failed to seed recording", "error", err)
			return
		}
	}
}

func init() {
	simulateCmd.Flags().String("addr", ":8081", "listen address")
	simulateCmd.Flags().Int("files", 3, "number of recordings on the simulated SD card")
	simulateCmd.Flags().Duration("record-duration", 3*time.Second, "how long a triggered recording takes")
	rootCmd.AddCommand(simulateCmd)
}
