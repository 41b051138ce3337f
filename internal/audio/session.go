package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/blackbox/internal/ringbuf"
	"github.com/audiolibrelab/blackbox/internal/writer"
)

const (
	// DefaultRingBufferSeconds sizes the sample ring when not configured.
	DefaultRingBufferSeconds = 2

	diskPollInterval = 250 * time.Millisecond
)

// Options configures a CaptureRecorder
type Options struct {
	Backend         Backend
	Device          string
	SampleRate      int
	DeviceChannels  int
	FramesPerBuffer int

	Channels          []int
	OutputMode        string
	OutputDir         string
	SilenceThreshold  float64
	MinDiskSpaceMB    uint64
	Cadence           time.Duration
	RingBufferSeconds int

	// Snapshot is consulted by the writer at every rotation
	Snapshot    func() *writer.Snapshot
	Observer    writer.Observer
	FreeSpaceMB func(dir string) (uint64, error)
}

// CaptureRecorder records a capture stream to WAV files. The device callback
// only touches the lock-free producer; the mutex guards the control path.
type CaptureRecorder struct {
	opts Options

	// Recording state
	mutex    sync.RWMutex
	status   Status
	session  *SessionInfo
	stream   Stream
	handle   *writer.Handle
	state    *writer.State
	levels   *writer.Levels
	stopChan chan struct{}
	diskFull chan struct{}

	// Shared with the real-time and writer goroutines
	producer    atomic.Pointer[Producer]
	rotate      atomic.Bool
	writeErrors atomic.Uint64
	diskLow     atomic.Bool
}

// NewCaptureRecorder creates a recorder in STANDBY
func NewCaptureRecorder(opts Options) *CaptureRecorder {
	return &CaptureRecorder{
		opts:   opts,
		status: StatusStandby,
	}
}

// Start opens the capture stream, prepares the first file set and starts
// recording. Invalid output settings and low disk space surface here.
func (r *CaptureRecorder) Start() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.stream != nil {
		return fmt.Errorf("recording already in progress, current: %s", r.status)
	}
	if r.opts.Backend == nil {
		return fmt.Errorf("no capture backend configured")
	}

	stream, err := r.opts.Backend.Open(StreamRequest{
		Device:          r.opts.Device,
		SampleRate:      r.opts.SampleRate,
		Channels:        r.opts.DeviceChannels,
		FramesPerBuffer: r.opts.FramesPerBuffer,
	}, r.process)
	if err != nil {
		r.status = StatusError
		return fmt.Errorf("failed to open capture stream: %w", err)
	}
	info := stream.Info()

	r.writeErrors.Store(0)
	r.diskLow.Store(false)
	r.rotate.Store(false)
	levels := writer.NewLevels(info.Channels)

	st, err := writer.New(writer.Options{
		OutputDir:        r.opts.OutputDir,
		SampleRate:       info.SampleRate,
		Channels:         r.opts.Channels,
		DeviceChannels:   info.Channels,
		Mode:             r.opts.OutputMode,
		SilenceThreshold: r.opts.SilenceThreshold,
		MinDiskSpaceMB:   r.opts.MinDiskSpaceMB,
		WriteErrors:      &r.writeErrors,
		DiskLow:          &r.diskLow,
		Snapshot:         r.opts.Snapshot,
		FreeSpaceMB:      r.opts.FreeSpaceMB,
		Observer:         r.opts.Observer,
		Levels:           levels,
	})
	if err != nil {
		stream.Close()
		r.status = StatusError
		if r.diskLow.Load() {
			r.status = StatusDiskFull
		}
		return fmt.Errorf("failed to prepare output files: %w", err)
	}

	seconds := r.opts.RingBufferSeconds
	if seconds <= 0 {
		seconds = DefaultRingBufferSeconds
	}
	ringProducer, ringConsumer := ringbuf.New[float32](ringbuf.CapacityFor(info.SampleRate, info.Channels, seconds))
	r.producer.Store(NewProducer(ringProducer, &r.rotate, r.opts.Cadence, nil))
	handle := writer.Start(ringConsumer, &r.rotate, st)

	if err := stream.Start(); err != nil {
		r.producer.Store(nil)
		if shutdownErr := handle.Shutdown(); shutdownErr != nil {
			slog.Error("Failed to finalize files after stream error", "error", shutdownErr)
		}
		stream.Close()
		r.status = StatusError
		return fmt.Errorf("failed to start capture stream: %w", err)
	}

	r.stream = stream
	r.handle = handle
	r.state = st
	r.levels = levels
	r.session = &SessionInfo{
		ID:             uuid.NewString(),
		StartTime:      time.Now(),
		Backend:        string(r.opts.Backend.GetType()),
		Device:         info.Device,
		SampleRate:     info.SampleRate,
		DeviceChannels: info.Channels,
		Channels:       append([]int(nil), r.opts.Channels...),
		OutputMode:     string(st.Mode()),
		OutputDir:      r.opts.OutputDir,
	}
	r.status = StatusRecording
	r.stopChan = make(chan struct{})
	r.diskFull = make(chan struct{})
	go r.watchDisk(r.stopChan, r.diskFull)

	slog.Info("Recording started",
		"session", r.session.ID,
		"device", info.Device,
		"sample_rate", info.SampleRate,
		"device_channels", info.Channels,
		"channels", r.opts.Channels,
		"mode", st.Mode(),
		"cadence", r.opts.Cadence)
	return nil
}

func (r *CaptureRecorder) process(in []float32) {
	if p := r.producer.Load(); p != nil {
		p.Process(in)
	}
}

// watchDisk moves the recorder to DISK_FULL once the writer stops on low
// disk space and closes diskFull
func (r *CaptureRecorder) watchDisk(stop <-chan struct{}, diskFull chan struct{}) {
	ticker := time.NewTicker(diskPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !r.diskLow.Load() {
				continue
			}
			r.mutex.Lock()
			if r.status == StatusRecording {
				r.status = StatusDiskFull
			}
			r.mutex.Unlock()
			slog.Warn("Recording stopped: disk space low")
			close(diskFull)
			return
		}
	}
}

// DiskFull is closed when the current session stops writing on low disk space
func (r *CaptureRecorder) DiskFull() <-chan struct{} {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.diskFull
}

// Stop ends the capture stream, drains the ring and finalizes all files
func (r *CaptureRecorder) Stop() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.stream == nil {
		return fmt.Errorf("no recording in progress")
	}

	slog.Debug("Stopping recording...", "session", r.session.ID)
	close(r.stopChan)

	var errList []error
	if err := r.stream.Stop(); err != nil {
		errList = append(errList, fmt.Errorf("failed to stop capture stream: %w", err))
	}
	r.stream.Close()

	if err := r.handle.Shutdown(); err != nil {
		errList = append(errList, fmt.Errorf("failed to finalize recording: %w", err))
	}
	r.state.WaitBackground()

	r.stream = nil
	r.handle = nil
	r.state = nil

	if len(errList) > 0 {
		r.status = StatusError
		return errors.Join(errList...)
	}

	r.status = StatusStandby
	slog.Info("Recording stopped", "session", r.session.ID,
		"write_errors", r.writeErrors.Load(), "dropped_samples", r.droppedLocked())
	return nil
}

// GetStatus returns the current status and session info
func (r *CaptureRecorder) GetStatus() (Status, *SessionInfo) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if r.session == nil {
		return r.status, nil
	}
	info := *r.session
	info.Channels = append([]int(nil), r.session.Channels...)
	return r.status, &info
}

// Stats returns the shared counters of the last or current session
func (r *CaptureRecorder) Stats() Stats {
	stats := Stats{
		WriteErrors:  r.writeErrors.Load(),
		DiskSpaceLow: r.diskLow.Load(),
	}
	if p := r.producer.Load(); p != nil {
		stats.DroppedSamples = p.Dropped()
		stats.Samples = p.Pushed()
	}
	return stats
}

func (r *CaptureRecorder) droppedLocked() uint64 {
	if p := r.producer.Load(); p != nil {
		return p.Dropped()
	}
	return 0
}

// Levels returns per device channel peak levels since the last reset
func (r *CaptureRecorder) Levels(reset bool) []float32 {
	r.mutex.RLock()
	levels := r.levels
	r.mutex.RUnlock()
	return levels.Peaks(reset)
}

// Cleanup stops any recording in progress
func (r *CaptureRecorder) Cleanup() error {
	r.mutex.RLock()
	active := r.stream != nil
	r.mutex.RUnlock()
	if active {
		return r.Stop()
	}
	return nil
}
