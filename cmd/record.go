package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/blackbox/internal/audio"
	"github.com/audiolibrelab/blackbox/internal/config"
	"github.com/audiolibrelab/blackbox/internal/errs"
	"github.com/audiolibrelab/blackbox/internal/metrics"
	"github.com/audiolibrelab/blackbox/internal/server"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record the selected channels to WAV files",
	Long: `Record the selected input channels of the capture device to WAV files.

Without --continuous the recording stops after --duration seconds (0 runs
until interrupted). With --continuous it runs until Ctrl+C, starting a new
file set every --cadence seconds and deleting finished files whose level
stayed under --silence-threshold.

Files are written as <timestamp>.recording.wav and renamed to <timestamp>.wav
once complete.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applyRecordFlags(cmd, cfg); err != nil {
			return err
		}
		return runRecording(cmd.Context(), cmd, cfg)
	},
}

func init() {
	recordCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
	recordCmd.Flags().StringP("channels", "c", "", "channels to record, e.g. \"0,2-4\" (overrides config)")
	recordCmd.Flags().StringP("mode", "m", "", "output mode: single, multichannel or split (overrides config)")
	recordCmd.Flags().IntP("duration", "d", 0, "recording length in seconds, 0 for unlimited (overrides config)")
	recordCmd.Flags().Bool("continuous", false, "rotate files every cadence until interrupted (overrides config)")
	recordCmd.Flags().Int("cadence", 0, "seconds between file rotations in continuous mode (overrides config)")
	recordCmd.Flags().Float64("silence-threshold", 0, "RMS level under which finished files are deleted, 0 disables (overrides config)")
	recordCmd.Flags().String("backend", "", "capture backend: portaudio, pipewire, synthetic or auto (overrides config)")
	recordCmd.Flags().String("device", "", "capture device name (overrides config)")
	recordCmd.Flags().Int("sample-rate", 0, "sample rate in Hz (overrides config)")
	recordCmd.Flags().String("listen", "", "address for the status server, e.g. :8090 (overrides config)")
	recordCmd.Flags().Float64("tone", 0, "sine frequency in Hz for the synthetic backend")
}

// applyRecordFlags copies explicitly set flags over the loaded config
func applyRecordFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("output") {
		c.Output.Directory, _ = flags.GetString("output")
	}
	if flags.Changed("channels") {
		c.Audio.Channels, _ = flags.GetString("channels")
	}
	if flags.Changed("mode") {
		c.Output.Mode, _ = flags.GetString("mode")
	}
	if flags.Changed("duration") {
		c.Recording.Duration, _ = flags.GetInt("duration")
	}
	if flags.Changed("continuous") {
		c.Recording.Continuous, _ = flags.GetBool("continuous")
	}
	if flags.Changed("cadence") {
		c.Recording.Cadence, _ = flags.GetInt("cadence")
	}
	if flags.Changed("silence-threshold") {
		c.Recording.SilenceThreshold, _ = flags.GetFloat64("silence-threshold")
	}
	if flags.Changed("backend") {
		c.Audio.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("device") {
		c.Audio.Device, _ = flags.GetString("device")
	}
	if flags.Changed("sample-rate") {
		c.Audio.SampleRate, _ = flags.GetInt("sample-rate")
	}
	if flags.Changed("listen") {
		c.Server.Address, _ = flags.GetString("listen")
	}

	if err := config.Validate(c); err != nil {
		return fmt.Errorf("invalid recording options: %w", err)
	}
	return nil
}

func runRecording(ctx context.Context, cmd *cobra.Command, c *config.Config) error {
	backend, err := audio.NewBackend(c.Audio.Backend)
	if err != nil {
		return err
	}
	if synth, ok := backend.(*audio.SyntheticBackend); ok && cmd.Flags().Changed("tone") {
		synth.Frequency, _ = cmd.Flags().GetFloat64("tone")
	}

	channels, err := c.ChannelList()
	if err != nil {
		return err
	}

	// Channel, mode and threshold edits to the config file apply at the next rotation
	snapshots, err := config.NewSnapshotStore(c)
	if err != nil {
		return err
	}
	if c.Recording.Continuous && loader != nil {
		loader.Watch(snapshots, func(reloaded *config.Config) error {
			return applyRecordFlags(cmd, reloaded)
		})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(reg)

	rec := audio.NewCaptureRecorder(audio.Options{
		Backend:           backend,
		Device:            c.Audio.Device,
		SampleRate:        c.Audio.SampleRate,
		DeviceChannels:    c.Audio.DeviceChannels,
		FramesPerBuffer:   c.Audio.FramesPerBuffer,
		Channels:          channels,
		OutputMode:        c.Output.Mode,
		OutputDir:         c.Output.Directory,
		SilenceThreshold:  c.Recording.SilenceThreshold,
		MinDiskSpaceMB:    c.Recording.MinDiskSpaceMB,
		Cadence:           c.RotationCadence(),
		RingBufferSeconds: c.Audio.RingBufferSeconds,
		Snapshot:          snapshots.Load,
		Observer:          collector,
	})
	metrics.RegisterRecorder(reg, rec)

	if err := rec.Start(); err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}

	ctx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if c.Server.Address != "" {
		srv := server.New(rec, c.Output.Directory, c.Server.Address, reg, cancel)
		g.Go(func() error { return srv.Run(gctx) })
	}

	var diskFull bool
	g.Go(func() error {
		defer cancel()
		return waitForEnd(gctx, rec, c.RecordingDuration(), &diskFull)
	})

	if c.Recording.Continuous {
		slog.Info("Recording continuously - Press Ctrl+C to stop", "cadence", c.RotationCadence())
	} else if d := c.RecordingDuration(); d > 0 {
		slog.Info("Recording - Press Ctrl+C to stop early", "duration", d)
	} else {
		slog.Info("Recording - Press Ctrl+C to stop")
	}

	waitErr := g.Wait()
	stopErr := rec.Stop()

	stats := rec.Stats()
	slog.Info("Recording finished",
		"output_dir", c.Output.Directory,
		"samples", stats.Samples,
		"dropped_samples", stats.DroppedSamples,
		"write_errors", stats.WriteErrors)

	if diskFull {
		stopErr = errors.Join(stopErr, fmt.Errorf("%w: recording stopped because free disk space fell below %d MB", errs.ErrIO, c.Recording.MinDiskSpaceMB))
	}
	return errors.Join(waitErr, stopErr)
}

// waitForEnd blocks until the recording should stop: cancellation, the
// configured duration elapsing, or the writer stopping on low disk space
func waitForEnd(ctx context.Context, rec *audio.CaptureRecorder, duration time.Duration, diskFull *bool) error {
	var timeout <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		slog.Info("Stopping recording...")
	case <-timeout:
		slog.Info("Recording duration reached", "duration", duration)
	case <-rec.DiskFull():
		*diskFull = true
	}
	return nil
}
