package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/reclink/internal/config"
	"github.com/audiolibrelab/reclink/internal/service"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	device       string
	pipeline     string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "reclink",
	Short: "Control a standalone audio recorder over USB serial or Wi-Fi",
	Long: `reclink talks to a threshold-triggered audio recorder over its USB serial
line or its Wi-Fi web API.

It reads and sets the trigger threshold, starts recordings, lists and
downloads files from the SD card, streams the live input level and can
expose all of it through a local web server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)

		// Commands that never touch a device profile
		switch cmd.Name() {
		case "ports", "simulate", "help", "completion":
			return nil
		}

		explicit := cfgFile != ""
		if !explicit {
			cfgFile = os.ExpandEnv("$HOME/.config/reclink.yaml")
		}

		if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) && !explicit {
			slog.Debug("No config file, using built-in defaults", "path", cfgFile)
			cfg = config.Default()
			if device != "" && device != "default" {
				return fmt.Errorf("device profile '%s' not found: %s does not exist", device, cfgFile)
			}
		} else {
			var err error
			cfg, err = config.LoadWithProfile(cfgFile, device)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
		}

		// Validate pipeline if provided
		return validatePipeline()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/reclink.yaml)")
	rootCmd.PersistentFlags().StringVarP(&device, "device", "d", "", "device profile to use (overrides active_device from file)")
	rootCmd.PersistentFlags().StringVarP(&pipeline, "pipeline", "p", "", "pipeline steps: r=record, f=fetch newest, p=play (e.g., 'rfp', 'fp')")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=protocol tracing")

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(serveCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	case 1, 2:
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     slogLevel,
		AddSource: level >= 2,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	slog.SetDefault(slog.New(handler))
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// connect opens the configured transport and connects to the device. The
// caller closes the returned service.
func connect(ctx context.Context) (service.Service, error) {
	svc, err := service.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open transport: %w", err)
	}

	slog.Debug("Connecting", "device", cfg.Device, "transport", cfg.Transport)
	if err := svc.Connect(ctx); err != nil {
		svc.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Device, err)
	}
	snap := svc.Snapshot()
	slog.Debug("Connected", "transport", snap.Transport, "endpoint", snap.Endpoint)
	return svc, nil
}
