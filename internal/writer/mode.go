package writer

import (
	"fmt"
	"strings"

	"github.com/audiolibrelab/blackbox/internal/errs"
)

// OutputMode selects how the selected channels are laid out on disk.
type OutputMode string

const (
	// ModeSingle writes one file. One or two selected channels give a mono or
	// stereo file, more than two give a multichannel file.
	ModeSingle OutputMode = "single"
	// ModeMultichannel writes one file with every selected channel interleaved.
	ModeMultichannel OutputMode = "multichannel"
	// ModeSplit writes one mono file per selected channel.
	ModeSplit OutputMode = "split"
)

// MaxChannels is the highest number of device channels that can be selected.
const MaxChannels = 64

// ParseOutputMode validates a configured output mode string.
func ParseOutputMode(s string) (OutputMode, error) {
	switch m := OutputMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSingle, ModeMultichannel, ModeSplit:
		return m, nil
	default:
		return "", fmt.Errorf("%w: invalid output mode %q (expected single, multichannel or split)", errs.ErrConfig, s)
	}
}

// layout is the file topology derived from a mode and a channel selection.
type layout int

const (
	layoutStandard layout = iota
	layoutMultichannel
	layoutSplit
)

func resolveLayout(mode OutputMode, channels int) layout {
	switch {
	case mode == ModeSplit:
		return layoutSplit
	case channels > 2:
		return layoutMultichannel
	default:
		return layoutStandard
	}
}

// fileChannels returns the channel count of each file for a layout.
func (l layout) fileChannels(selected int) int {
	switch l {
	case layoutSplit:
		return 1
	case layoutMultichannel:
		return selected
	default:
		if selected == 1 {
			return 1
		}
		return 2
	}
}

func validateChannels(channels []int) error {
	if len(channels) == 0 {
		return fmt.Errorf("%w: no channels selected", errs.ErrConfig)
	}
	seen := make(map[int]bool, len(channels))
	for _, ch := range channels {
		if ch < 0 || ch >= MaxChannels {
			return fmt.Errorf("%w: channel %d out of range (0-%d)", errs.ErrConfig, ch, MaxChannels-1)
		}
		if seen[ch] {
			return fmt.Errorf("%w: channel %d selected twice", errs.ErrConfig, ch)
		}
		seen[ch] = true
	}
	return nil
}
