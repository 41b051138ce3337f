package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/blackbox/internal/audio"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available capture devices",
	Long: `List the capture devices the configured backend can record from, with
their input channel count and default sample rate.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name := cfg.Audio.Backend
		if cmd.Flags().Changed("backend") {
			name, _ = cmd.Flags().GetString("backend")
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		backend, err := audio.NewBackend(name)
		if err != nil {
			return err
		}
		sources, err := backend.ListSources()
		if err != nil {
			return fmt.Errorf("failed to get %s sources: %w", backend.GetType(), err)
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(sources)
		}
		printSources(backend.GetType(), sources)
		return nil
	},
}

func init() {
	sourcesCmd.Flags().String("backend", "", "backend to query (overrides config)")
	sourcesCmd.Flags().Bool("json", false, "print sources as JSON")
}

func printSources(backendType audio.BackendType, sources []audio.Source) {
	fmt.Printf("🎵 Audio Sources (%s)\n", runtime.GOOS)
	fmt.Printf("═══════════════════════════════════════\n\n")

	fmt.Printf("📋 %s SOURCES (%d found):\n", backendType, len(sources))
	for i, source := range sources {
		marker := ""
		if source.Default {
			marker = " [default]"
		}
		if source.DefaultSampleRate > 0 {
			fmt.Printf("  %d. %s (%d ch, %.0f Hz)%s\n", i+1, source.Name, source.Channels, source.DefaultSampleRate, marker)
		} else {
			fmt.Printf("  %d. %s (%d ch)%s\n", i+1, source.Name, source.Channels, marker)
		}
	}

	fmt.Printf("\n💡 Usage:\n")
	fmt.Printf("  • Select a device with audio.device or --device (substring match)\n")
	fmt.Printf("  • Pick channels with audio.channels or --channels, e.g. \"0,2-4\"\n")
	fmt.Printf("  • Available backends: %v\n\n", audio.GetAvailableBackends())
}
