// Package writer owns every file the recorder touches. A single writer
// goroutine drains the sample ring, de-interleaves the selected channels into
// 16-bit WAV encoders, rotates file sets on request, watches free disk space
// and finalizes everything on shutdown.
package writer

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/blackbox/internal/errs"
)

// DiskCheckInterval is the minimum time between two free space checks.
const DiskCheckInterval = 10 * time.Second

// Snapshot carries the settings re-read at every rotation.
type Snapshot struct {
	Channels         []int
	Mode             string
	SilenceThreshold float64
}

// Spec describes the format of the currently open files.
type Spec struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Options configures a writer State.
type Options struct {
	OutputDir        string
	SampleRate       int
	Channels         []int
	DeviceChannels   int
	Mode             string
	SilenceThreshold float64
	MinDiskSpaceMB   uint64

	// WriteErrors and DiskLow are shared with status reporting. They are
	// allocated when nil.
	WriteErrors *atomic.Uint64
	DiskLow     *atomic.Bool

	// Snapshot, when set, is called at each rotation to pick up new channel,
	// mode and silence settings. Returning nil keeps the current ones.
	Snapshot func() *Snapshot
	// FreeSpaceMB reports free space for a directory. Defaults to a
	// filesystem query.
	FreeSpaceMB func(dir string) (uint64, error)
	// Now defaults to time.Now.
	Now      func() time.Time
	Observer Observer
	Levels   *Levels
}

// State is the writer goroutine's view of the recording. It is not safe for
// concurrent use; only the goroutine started by Start may call its methods
// once the loop runs.
type State struct {
	mode           OutputMode
	layout         layout
	channels       []int
	deviceChannels int
	outputDir      string
	sampleRate     int
	spec           Spec

	writer       *wavFile
	splitWriters []*wavFile
	pending      []pendingFile
	remainder    []float32

	silenceThreshold float64
	writeErrors      *atomic.Uint64

	minDiskSpaceMB uint64
	diskLow        *atomic.Bool
	diskStopped    bool
	lastDiskCheck  time.Time

	snapshot    func() *Snapshot
	freeSpaceMB func(string) (uint64, error)
	now         func() time.Time
	observer    Observer
	levels      *Levels

	frame    []float32
	scratch  [][]int
	peaks    []float32
	silenceW sync.WaitGroup
}

// New validates opts, checks free disk space and opens the first file set.
// An unknown output mode yields an errs.ErrConfig error. When free space is
// already below MinDiskSpaceMB the shared disk-low flag is set and an
// errs.ErrIO error is returned before any file is created.
func New(opts Options) (*State, error) {
	mode, err := ParseOutputMode(opts.Mode)
	if err != nil {
		return nil, err
	}
	if err := validateChannels(opts.Channels); err != nil {
		return nil, err
	}
	if opts.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid sample rate %d", errs.ErrConfig, opts.SampleRate)
	}

	s := &State{
		mode:             mode,
		channels:         append([]int(nil), opts.Channels...),
		deviceChannels:   opts.DeviceChannels,
		outputDir:        opts.OutputDir,
		sampleRate:       opts.SampleRate,
		silenceThreshold: opts.SilenceThreshold,
		writeErrors:      opts.WriteErrors,
		minDiskSpaceMB:   opts.MinDiskSpaceMB,
		diskLow:          opts.DiskLow,
		snapshot:         opts.Snapshot,
		freeSpaceMB:      opts.FreeSpaceMB,
		now:              opts.Now,
		observer:         opts.Observer,
		levels:           opts.Levels,
	}
	if s.writeErrors == nil {
		s.writeErrors = new(atomic.Uint64)
	}
	if s.diskLow == nil {
		s.diskLow = new(atomic.Bool)
	}
	if s.freeSpaceMB == nil {
		s.freeSpaceMB = DiskFreeMB
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}

	if err := os.MkdirAll(s.outputDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create output directory %s: %v", errs.ErrIO, s.outputDir, err)
	}

	if s.minDiskSpaceMB > 0 {
		if free, err := s.freeSpaceMB(s.outputDir); err != nil {
			slog.Warn("Could not determine free disk space", "dir", s.outputDir, "error", err)
		} else if free < s.minDiskSpaceMB {
			s.diskLow.Store(true)
			return nil, fmt.Errorf("%w: insufficient disk space: %dMB available, %dMB required",
				errs.ErrIO, free, s.minDiskSpaceMB)
		}
	}
	s.lastDiskCheck = s.now()

	if err := s.openFiles(true); err != nil {
		s.closeAll()
		return nil, err
	}
	return s, nil
}

// openFiles creates a fresh file set for the current mode and channels.
// With strict set the first failure aborts and is returned; otherwise the
// failing file is logged and skipped.
func (s *State) openFiles(strict bool) error {
	s.layout = resolveLayout(s.mode, len(s.channels))
	planned := planFiles(s.outputDir, s.now(), s.layout, s.channels)

	s.writer = nil
	s.splitWriters = nil
	if s.layout == layoutSplit {
		s.splitWriters = make([]*wavFile, len(s.channels))
	}
	s.scratch = make([][]int, len(planned))
	s.spec = Spec{SampleRate: s.sampleRate, Channels: planned[0].channels, BitDepth: BitDepth}

	for i, p := range planned {
		w, err := createWav(p.final, s.sampleRate, p.channels)
		if err != nil {
			if strict {
				return err
			}
			slog.Error("Failed to create recording file, skipping", "file", p.final, "error", err)
			continue
		}
		if s.layout == layoutSplit {
			s.splitWriters[i] = w
		} else {
			s.writer = w
		}
		s.pending = append(s.pending, w.pendingFile)
		s.observer.FileOpened(w.final)
		slog.Info("Created recording file", "file", w.final, "channels", p.channels, "sample_rate", s.sampleRate)
	}
	return nil
}

// openWriters returns every open encoder.
func (s *State) openWriters() []*wavFile {
	var out []*wavFile
	if s.writer != nil {
		out = append(out, s.writer)
	}
	for _, w := range s.splitWriters {
		if w != nil {
			out = append(out, w)
		}
	}
	return out
}

// closeAll closes and forgets every encoder without renaming anything.
func (s *State) closeAll() {
	for _, w := range s.openWriters() {
		w.close()
	}
	s.writer = nil
	s.splitWriters = nil
}

// Mode returns the active output mode.
func (s *State) Mode() OutputMode { return s.mode }

// Channels returns the selected device channels.
func (s *State) Channels() []int { return append([]int(nil), s.channels...) }

// CurrentSpec returns the format of the open files.
func (s *State) CurrentSpec() Spec { return s.spec }

// PendingFiles returns the temporary paths of the files being written.
func (s *State) PendingFiles() []string {
	out := make([]string, len(s.pending))
	for i, p := range s.pending {
		out[i] = p.tmp
	}
	return out
}

// DiskStopped reports whether writing ended because disk space ran low.
func (s *State) DiskStopped() bool { return s.diskStopped }

// SetDeviceChannels sets the interleaved channel count of incoming samples.
// Zero means unknown and turns WriteSamples into a no-op.
func (s *State) SetDeviceChannels(n int) {
	s.deviceChannels = n
	s.remainder = s.remainder[:0]
}

// WaitBackground blocks until silence checks started by rotations finish.
func (s *State) WaitBackground() {
	s.silenceW.Wait()
}
