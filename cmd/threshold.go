package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var thresholdCmd = &cobra.Command{
	Use:   "threshold [value]",
	Short: "Show or set the recording trigger threshold",
	Long: `Without an argument, print the current trigger threshold.
With a value between 0 and 4095, set it and wait for the device to confirm.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := -1
		if len(args) == 1 {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid threshold %q: must be an integer", args[0])
			}
			value = v
		}

		ctx, stop := signalContext()
		defer stop()

		svc, err := connect(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		if len(args) == 0 {
			current, err := svc.GetThreshold(ctx)
			if err != nil {
				return fmt.Errorf("failed to read threshold: %w", err)
			}
			fmt.Println(field("Threshold", current))
			return nil
		}

		confirmed, err := svc.SetThreshold(ctx, value)
		if err != nil {
			return fmt.Errorf("failed to set threshold: %w", err)
		}
		fmt.Println(field("Threshold", confirmed))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(thresholdCmd)
}
