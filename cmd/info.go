package cmd

import (
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/blackbox/internal/silence"
)

var infoCmd = &cobra.Command{
	Use:   "info <file.wav>...",
	Short: "Show format and level of recorded files",
	Long: `Display the format, duration and level of WAV files, and whether the
silence check with the configured threshold would delete them.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold := cfg.Recording.SilenceThreshold
		if cmd.Flags().Changed("silence-threshold") {
			threshold, _ = cmd.Flags().GetFloat64("silence-threshold")
		}

		var failed int
		for _, path := range args {
			a, err := silence.Analyze(path)
			if err != nil {
				fmt.Printf("=== %s ===\nerror: %v\n\n", path, err)
				failed++
				continue
			}

			fmt.Printf("=== %s ===\n", path)
			fmt.Printf("format: %d Hz, %d ch, %d bit\n", a.SampleRate, a.Channels, a.BitDepth)
			fmt.Printf("duration: %s\n", a.Duration())
			fmt.Printf("peak: %.4f (%s)\n", a.Peak, formatDBFS(a.Peak))
			fmt.Printf("rms: %.8f\n", a.RMS)
			fmt.Printf("silent: %s\n\n", silentVerdict(a, threshold))
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d files could not be read", failed, len(args))
		}
		return nil
	},
}

func silentVerdict(a *silence.Analysis, threshold float64) string {
	switch {
	case threshold <= 0:
		return "check disabled"
	case a.Samples == 0 || a.RMS < threshold:
		return fmt.Sprintf("yes (threshold %g)", threshold)
	default:
		return fmt.Sprintf("no (threshold %g)", threshold)
	}
}

func formatDBFS(peak float64) string {
	if peak <= 0 {
		return "-inf dBFS"
	}
	return fmt.Sprintf("%.1f dBFS", 20*math.Log10(peak))
}

func init() {
	infoCmd.Flags().Float64("silence-threshold", 0, "threshold to evaluate (overrides config)")
	rootCmd.AddCommand(infoCmd)
}
