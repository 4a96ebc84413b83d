package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/audiolibrelab/reclink/internal/config"
	"github.com/audiolibrelab/reclink/internal/server"
	"github.com/audiolibrelab/reclink/internal/service"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web bridge for remote control",
	Long: `Start a local web server that keeps one session to the recorder open and
exposes it as a JSON API with a websocket event feed. Use it to control the
recorder from a phone or another machine on the same network.

The server starts even when the recorder is unreachable; connect later with
POST /api/connect.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")

		ctx, stop := signalContext()
		defer stop()

		svc, err := service.Open(cfg)
		if err != nil {
			return fmt.Errorf("failed to open transport: %w", err)
		}
		defer svc.Close()

		if err := svc.Connect(ctx); err != nil {
			slog.Warn("Recorder not reachable yet", "device", cfg.Device, "error", err)
		}

		watchConfig(svc)

		srv := server.New(svc, cfgFile, ":"+port)
		slog.Info("Recorder web bridge starting", "port", port, "config", cfgFile, "device", cfg.Device)

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		slog.Info("Shutting down web bridge")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		return <-errCh
	},
}

// watchConfig reloads the config file when it changes and applies the
// settings that can change on a live session.
func watchConfig(svc service.Service) {
	if _, err := os.Stat(cfgFile); err != nil {
		slog.Debug("Not watching config, file missing", "path", cfgFile)
		return
	}

	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		updated, err := config.LoadWithProfile(cfgFile, device)
		if err != nil {
			slog.Warn("Ignoring invalid config change", "path", e.Name, "error", err)
			return
		}
		current := svc.GetConfig()
		if updated.Download.Directory != current.Download.Directory {
			svc.SetDownloadDirectory(updated.Download.Directory)
		}
		if updated.Transport != current.Transport || updated.Serial != current.Serial || updated.HTTP != current.HTTP {
			slog.Warn("Transport settings changed, restart serve to apply them")
		}
	})
	viper.SetConfigFile(cfgFile)
	viper.WatchConfig()
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the web server")
}
