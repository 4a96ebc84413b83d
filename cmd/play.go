package cmd

import (
	"fmt"

	"github.com/audiolibrelab/reclink/internal/play"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [file]",
	Short: "Play a downloaded recording",
	Long: `Play a recording from the download directory, or any local file path,
with the first audio player found (vlc, mpv, ffplay or aplay).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := play.New(cfg).Play(args[0]); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	},
}
