package cmd

import (
	"fmt"
	"runtime"

	"github.com/audiolibrelab/reclink/internal/transport"

	"github.com/spf13/cobra"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports and available transports",
	Long:  `List the serial ports present on this machine, likely USB adapters first, and the transports that can be used to reach the recorder.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listPorts()
	},
}

func listPorts() error {
	fmt.Printf("🔌 Recorder transports (%s)\n", runtime.GOOS)
	fmt.Printf("═══════════════════════════════════════\n\n")

	available := transport.GetAvailableTransports()
	fmt.Printf("📡 AVAILABLE TRANSPORTS:\n")
	for _, t := range available {
		fmt.Printf("  • %s\n", t)
	}

	ports, err := transport.ListPorts()
	if err != nil {
		return fmt.Errorf("failed to list serial ports: %w", err)
	}

	fmt.Printf("\n📋 SERIAL PORTS (%d found):\n", len(ports))
	for i, port := range ports {
		fmt.Printf("  %d. %s\n", i+1, port)
	}

	fmt.Printf("\n💡 Usage:\n")
	fmt.Printf("  • serial.port: \"auto\" picks the first port listed above\n")
	fmt.Printf("  • Example: serial.port: \"/dev/ttyUSB0\"\n")
	fmt.Printf("  • Over Wi-Fi set transport: http and http.base_url: \"http://192.168.4.1\"\n\n")

	return nil
}
