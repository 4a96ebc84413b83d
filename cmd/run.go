package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute pipeline steps against the device",
	Long: `Execute the specified pipeline steps in order. Use -p to specify which steps to run:
r records a take, f downloads the newest recording (the one just recorded when
r ran first) and p plays the downloaded file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if pipeline == "" {
			return fmt.Errorf("no pipeline specified, use -p flag (e.g., -p rfp)")
		}

		ctx, stop := signalContext()
		defer stop()

		svc, err := connect(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		output, _ := cmd.Flags().GetString("output")
		if output != "" {
			svc.SetDownloadDirectory(output)
		}

		steps := []rune(strings.ToLower(pipeline))
		return runSteps(ctx, &pipelineRun{svc: svc}, steps)
	},
}

func init() {
	runCmd.Flags().StringP("output", "o", "", "download directory (overrides config)")
}
