package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/audiolibrelab/blackbox/internal/config"

	// Registers the PortAudio capture backend.
	_ "github.com/audiolibrelab/blackbox/internal/audio/portaudio"
)

var (
	cfg          *config.Config
	loader       *config.Loader
	cfgFile      string
	envFile      string
	profile      string
	logFile      string
	verboseLevel int

	// closes the log file opened by setupLogging, if any
	closeLog = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "blackbox",
	Short: "Continuous multichannel audio recorder",
	Long: `Blackbox records selected channels of an audio interface straight to WAV
files, like a flight recorder for your rehearsal room.

In continuous mode it rotates to a new file set at a fixed cadence, removes
recordings that turned out to be silent and stops writing before the disk
fills up.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel, nil)

		if err := loadEnvFile(envFile); err != nil {
			return err
		}

		// config init has to work when the existing file is broken
		if cmd.Name() == "init" {
			return nil
		}

		loader = config.NewLoader(cfgFile, profile)
		var err error
		cfg, err = loader.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if used := loader.ConfigFileUsed(); used != "" {
			slog.Debug("Loaded configuration", "file", used)
		} else {
			slog.Debug("No configuration file found, using defaults and environment")
		}

		if logFile != "" {
			cfg.Logging.File = logFile
		}
		if cfg.Logging.File != "" {
			setupLogging(verboseLevel, &cfg.Logging)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeLog()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		closeLog()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $BLACKBOX_CONFIG, ./blackbox.yaml, ~/.config/blackbox/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with BLACKBOX_* overrides, ignored when missing")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_profile from file)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file, rotated by size")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourcesCmd)
}

// loadEnvFile exports the dotenv file's variables without overriding ones
// already set in the environment
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	slog.Debug("Loaded environment file", "file", path)
	return nil
}

// setupLogging configures slog based on the verbose level. When logging
// config names a file, output goes to both stderr and that file.
func setupLogging(level int, lc *config.LoggingConfig) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	default:
		slogLevel = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}

	var out io.Writer = os.Stderr
	if lc != nil && lc.File != "" {
		fileLog := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
		}
		out = io.MultiWriter(os.Stderr, fileLog)
		closeLog = fileLog.Close
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, opts)))
}
