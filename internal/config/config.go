package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/audiolibrelab/blackbox/internal/errs"
	"github.com/audiolibrelab/blackbox/internal/writer"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. BLACKBOX_OUTPUT_MODE.
const EnvPrefix = "BLACKBOX"

type Config struct {
	Audio     AudioConfig     `mapstructure:"audio" yaml:"audio"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
}

type AudioConfig struct {
	Backend           string `mapstructure:"backend" yaml:"backend"` // "portaudio", "pipewire", "synthetic", "auto"
	Device            string `mapstructure:"device" yaml:"device"`
	SampleRate        int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	DeviceChannels    int    `mapstructure:"device_channels" yaml:"device_channels"` // 0 = ask the device
	FramesPerBuffer   int    `mapstructure:"frames_per_buffer" yaml:"frames_per_buffer"`
	Channels          string `mapstructure:"channels" yaml:"channels"` // selector, e.g. "0,2-4"
	RingBufferSeconds int    `mapstructure:"ring_buffer_seconds" yaml:"ring_buffer_seconds"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	Mode      string `mapstructure:"mode" yaml:"mode"` // "single", "multichannel", "split"
}

type RecordingConfig struct {
	Duration         int     `mapstructure:"duration" yaml:"duration"` // seconds, 0 = until interrupted
	Continuous       bool    `mapstructure:"continuous" yaml:"continuous"`
	Cadence          int     `mapstructure:"cadence" yaml:"cadence"` // seconds between rotations
	SilenceThreshold float64 `mapstructure:"silence_threshold" yaml:"silence_threshold"`
	MinDiskSpaceMB   uint64  `mapstructure:"min_disk_space_mb" yaml:"min_disk_space_mb"`
}

type LoggingConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

type ServerConfig struct {
	Address string `mapstructure:"address" yaml:"address"` // empty disables the status server
}

// DefaultConfig returns the settings used when neither a file nor the
// environment says otherwise.
func DefaultConfig() Config {
	return Config{
		Audio: AudioConfig{
			Backend:           "auto",
			SampleRate:        48000,
			FramesPerBuffer:   512,
			Channels:          "0",
			RingBufferSeconds: 2,
		},
		Output: OutputConfig{
			Directory: "recordings",
			Mode:      string(writer.ModeSingle),
		},
		Recording: RecordingConfig{
			Duration:         30,
			Continuous:       false,
			Cadence:          300,
			SilenceThreshold: 0.01,
			MinDiskSpaceMB:   500,
		},
		Logging: LoggingConfig{
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("active_profile", "")
	v.SetDefault("audio.backend", d.Audio.Backend)
	v.SetDefault("audio.device", d.Audio.Device)
	v.SetDefault("audio.sample_rate", d.Audio.SampleRate)
	v.SetDefault("audio.device_channels", d.Audio.DeviceChannels)
	v.SetDefault("audio.frames_per_buffer", d.Audio.FramesPerBuffer)
	v.SetDefault("audio.channels", d.Audio.Channels)
	v.SetDefault("audio.ring_buffer_seconds", d.Audio.RingBufferSeconds)
	v.SetDefault("output.directory", d.Output.Directory)
	v.SetDefault("output.mode", d.Output.Mode)
	v.SetDefault("recording.duration", d.Recording.Duration)
	v.SetDefault("recording.continuous", d.Recording.Continuous)
	v.SetDefault("recording.cadence", d.Recording.Cadence)
	v.SetDefault("recording.silence_threshold", d.Recording.SilenceThreshold)
	v.SetDefault("recording.min_disk_space_mb", d.Recording.MinDiskSpaceMB)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("server.address", d.Server.Address)
}

// Loader resolves a Config from defaults, an optional YAML file, the
// selected profile and BLACKBOX_* environment variables, in that order.
type Loader struct {
	v       *viper.Viper
	file    string
	profile string
}

// NewLoader prepares a loader. An empty configFile means "search the usual
// places"; a missing file in that case is not an error.
func NewLoader(configFile, profile string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile == "" {
		configFile = FindConfigFile()
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	}
	return &Loader{v: v, file: configFile, profile: profile}
}

// LoadWithProfile is the one-shot form of NewLoader(...).Load().
func LoadWithProfile(configFile, profile string) (*Config, error) {
	return NewLoader(configFile, profile).Load()
}

// ConfigFileUsed returns the file the loader reads, or "" when running on
// defaults and environment only.
func (l *Loader) ConfigFileUsed() string {
	return l.file
}

func (l *Loader) Load() (*Config, error) {
	if l.file != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: error reading config file %s: %v", errs.ErrConfig, l.file, err)
		}
	}

	name := l.profile
	if name == "" {
		name = l.v.GetString("active_profile")
	}
	if name != "" {
		key := "profiles." + strings.ToLower(name)
		if !l.v.IsSet(key) {
			return nil, fmt.Errorf("%w: configuration profile '%s' not found", errs.ErrConfig, name)
		}
		if err := l.v.MergeConfigMap(l.v.GetStringMap(key)); err != nil {
			return nil, fmt.Errorf("%w: error applying profile '%s': %v", errs.ErrConfig, name, err)
		}
		slog.Debug("Applied configuration profile", "profile", name)
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: error unmarshaling config: %v", errs.ErrConfig, err)
	}

	cfg.Output.Directory = expandPath(cfg.Output.Directory)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// FindConfigFile looks for a config file in BLACKBOX_CONFIG, the working
// directory, the user config directory and /etc, returning the first that
// exists.
func FindConfigFile() string {
	var candidates []string
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		candidates = append(candidates, expandPath(p))
	}
	candidates = append(candidates, "blackbox.yaml")
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "blackbox", "config.yaml"))
	}
	candidates = append(candidates, filepath.Join("/etc", "blackbox", "config.yaml"))

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

// Validate checks every field the recorder depends on.
func Validate(cfg *Config) error {
	if _, err := ParseChannels(cfg.Audio.Channels); err != nil {
		return err
	}
	if _, err := writer.ParseOutputMode(cfg.Output.Mode); err != nil {
		return err
	}
	if cfg.Audio.SampleRate <= 0 {
		return fmt.Errorf("%w: audio.sample_rate must be positive, got %d", errs.ErrConfig, cfg.Audio.SampleRate)
	}
	if cfg.Audio.DeviceChannels < 0 || cfg.Audio.DeviceChannels > writer.MaxChannels {
		return fmt.Errorf("%w: audio.device_channels must be between 0 and %d, got %d", errs.ErrConfig, writer.MaxChannels, cfg.Audio.DeviceChannels)
	}
	if cfg.Audio.FramesPerBuffer < 0 {
		return fmt.Errorf("%w: audio.frames_per_buffer cannot be negative", errs.ErrConfig)
	}
	if cfg.Audio.RingBufferSeconds <= 0 {
		return fmt.Errorf("%w: audio.ring_buffer_seconds must be positive, got %d", errs.ErrConfig, cfg.Audio.RingBufferSeconds)
	}
	if cfg.Output.Directory == "" {
		return fmt.Errorf("%w: output.directory is required", errs.ErrConfig)
	}
	if cfg.Recording.Duration < 0 {
		return fmt.Errorf("%w: recording.duration cannot be negative", errs.ErrConfig)
	}
	if cfg.Recording.Cadence < 0 {
		return fmt.Errorf("%w: recording.cadence cannot be negative", errs.ErrConfig)
	}
	if cfg.Recording.Continuous && cfg.Recording.Cadence == 0 {
		return fmt.Errorf("%w: recording.cadence must be set in continuous mode", errs.ErrConfig)
	}
	return nil
}

// ChannelList returns the parsed channel selector.
func (c *Config) ChannelList() ([]int, error) {
	return ParseChannels(c.Audio.Channels)
}

// RotationCadence is zero unless continuous mode is on.
func (c *Config) RotationCadence() time.Duration {
	if !c.Recording.Continuous {
		return 0
	}
	return time.Duration(c.Recording.Cadence) * time.Second
}

// RecordingDuration is how long a non-continuous recording runs; zero means
// until interrupted. Continuous recordings always run until interrupted.
func (c *Config) RecordingDuration() time.Duration {
	if c.Recording.Continuous {
		return 0
	}
	return time.Duration(c.Recording.Duration) * time.Second
}

// Snapshot extracts the settings the writer re-reads at every rotation.
func (c *Config) Snapshot() (*writer.Snapshot, error) {
	channels, err := c.ChannelList()
	if err != nil {
		return nil, err
	}
	return &writer.Snapshot{
		Channels:         channels,
		Mode:             c.Output.Mode,
		SilenceThreshold: c.Recording.SilenceThreshold,
	}, nil
}

// YAML renders the config the way it would appear in a file.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// WriteDefault writes the default configuration to path, creating parent
// directories. An existing file is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	path = expandPath(path)
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%w: config file %s already exists", errs.ErrConfig, path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}

	d := DefaultConfig()
	data, err := d.YAML()
	if err != nil {
		return fmt.Errorf("%w: error encoding default config: %v", errs.ErrConfig, err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: error creating %s: %v", errs.ErrIO, dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: error writing config file %s: %v", errs.ErrIO, path, err)
	}
	return nil
}

// UpdateActiveProfile rewrites the active_profile key of an existing file.
func UpdateActiveProfile(configFile, profile string) error {
	if configFile == "" {
		return fmt.Errorf("%w: no config file specified", errs.ErrConfig)
	}

	// Separate instance so the caller's loader keeps its merged state.
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: error reading config file %s: %v", errs.ErrConfig, configFile, err)
	}
	if profile != "" && !v.IsSet("profiles."+strings.ToLower(profile)) {
		return fmt.Errorf("%w: configuration profile '%s' not found", errs.ErrConfig, profile)
	}

	v.Set("active_profile", profile)
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("%w: error writing config file %s: %v", errs.ErrIO, configFile, err)
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
