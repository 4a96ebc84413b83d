package play

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/audiolibrelab/reclink/internal/config"
)

// players in order of preference
var players = []string{"vlc", "mpv", "ffplay", "aplay"}

// lookPath is replaced in tests.
var lookPath = exec.LookPath

type Player struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Player {
	return &Player{cfg: cfg}
}

// Resolve finds a downloaded recording. A bare name is looked up in the
// download directory; a path is used as is.
func (p *Player) Resolve(name string) (string, error) {
	audioFile := name
	if !strings.ContainsRune(name, filepath.Separator) {
		audioFile = filepath.Join(p.cfg.Download.Directory, name)
	}
	if _, err := os.Stat(audioFile); err != nil {
		return "", fmt.Errorf("audio file not found: %s", audioFile)
	}
	return audioFile, nil
}

// Play plays a downloaded recording with the first available player.
func (p *Player) Play(name string) error {
	audioFile, err := p.Resolve(name)
	if err != nil {
		return err
	}

	fmt.Printf("Playing: %s\n", audioFile)

	player, err := p.findAudioPlayer()
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}

	cmd, err := playerCommand(player, audioFile)
	if err != nil {
		return err
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}

	fmt.Println("Playback completed")
	return nil
}

func playerCommand(player, audioFile string) (*exec.Cmd, error) {
	switch player {
	case "vlc":
		return exec.Command("vlc", "--play-and-exit", audioFile), nil
	case "mpv":
		return exec.Command("mpv", "--no-video", audioFile), nil
	case "ffplay":
		return exec.Command("ffplay", "-nodisp", "-autoexit", audioFile), nil
	case "aplay":
		// aplay only understands WAV
		if !strings.EqualFold(filepath.Ext(audioFile), ".wav") {
			return nil, fmt.Errorf("aplay requires a WAV file, got %s", filepath.Base(audioFile))
		}
		return exec.Command("aplay", audioFile), nil
	default:
		return nil, fmt.Errorf("unsupported player: %s", player)
	}
}

func (p *Player) findAudioPlayer() (string, error) {
	for _, player := range players {
		if _, err := lookPath(player); err == nil {
			return player, nil
		}
	}

	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(players, ", "))
}
