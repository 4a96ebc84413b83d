package cmd

import (
	"fmt"

	"github.com/audiolibrelab/reclink/internal/config"
	"github.com/audiolibrelab/reclink/internal/transport"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the resolved device configuration",
	Long:  `Display the resolved configuration of the selected device profile with inheritance indicators. Shows which values are inherited from the default profile, set globally, or profile-specific.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		inh := cfg.Inheritance
		if inh == nil {
			inh = &config.InheritanceInfo{}
		}

		fmt.Printf("=== DEVICE ===\n")
		fmt.Printf("config_file: %s\n", cfgFile)
		fmt.Printf("device: %s\n", cfg.Device)

		fmt.Printf("\n=== RESOLVED CONFIGURATION ===\n")

		fmt.Printf("\n[Transport]\n")
		fmt.Printf("transport: %s %s\n", cfg.Transport, getInheritanceIndicator(inh.Transport))
		if cfg.Transport == config.TransportAuto {
			fmt.Printf("available: %v\n", transport.GetAvailableTransports())
		}

		fmt.Printf("\n[Serial]\n")
		fmt.Printf("port: %s %s\n", cfg.Serial.Port, getInheritanceIndicator(inh.Serial.Port))
		fmt.Printf("baud_rate: %d %s\n", cfg.Serial.BaudRate, getInheritanceIndicator(inh.Serial.BaudRate))
		fmt.Printf("framing: %d data bits, %d stop bits, parity %s %s\n",
			cfg.Serial.DataBits, cfg.Serial.StopBits, cfg.Serial.Parity, getInheritanceIndicator(inh.Serial.Framing))

		fmt.Printf("\n[HTTP]\n")
		fmt.Printf("base_url: %s %s\n", cfg.HTTP.BaseURL, getInheritanceIndicator(inh.HTTP.BaseURL))

		fmt.Printf("\n[Timeouts] %s\n", getInheritanceIndicator(inh.Timeouts))
		fmt.Printf("level: %s\n", cfg.Timeouts.Level)
		fmt.Printf("default: %s\n", cfg.Timeouts.Default)
		fmt.Printf("record: %s\n", cfg.Timeouts.Record)
		fmt.Printf("download: %s\n", cfg.Timeouts.Download)

		fmt.Printf("\n[Polling] %s\n", getInheritanceIndicator(inh.Polling))
		fmt.Printf("status: %s\n", cfg.Polling.Status)
		fmt.Printf("http_level: %s\n", cfg.Polling.HTTPLevel)
		fmt.Printf("serial_level: %s\n", cfg.Polling.SerialLevel)

		fmt.Printf("\n[Download]\n")
		fmt.Printf("directory: %s %s\n", cfg.Download.Directory, getInheritanceIndicator(inh.Download.Directory))

		fmt.Printf("\n[Connect]\n")
		fmt.Printf("attempts: %d %s\n", cfg.Connect.Attempts, getInheritanceIndicator(inh.Connect))

		return nil
	},
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	case "global":
		return "[global]"
	case "":
		return "[default]"
	default:
		return "[unknown]"
	}
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
