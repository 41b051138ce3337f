package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/audiolibrelab/blackbox/internal/errs"
)

// SyntheticBackend generates a tone instead of reading a device. It drives
// the same callback contract as a real device and is used for dry runs and
// tests.
type SyntheticBackend struct {
	// Frequency of the generated sine in Hz. Zero generates silence.
	Frequency float64
	// Amplitude of the sine, nominally in [0, 1]. Zero defaults to 0.5.
	Amplitude float64
	// MaxFrames stops generation after this many frames. Zero is unlimited.
	MaxFrames int
}

// NewSyntheticBackend creates a backend producing a sine at the given frequency
func NewSyntheticBackend(frequency, amplitude float64) *SyntheticBackend {
	return &SyntheticBackend{Frequency: frequency, Amplitude: amplitude}
}

// ListSources returns the single synthetic device
func (b *SyntheticBackend) ListSources() ([]Source, error) {
	return []Source{{Name: "synthetic", Channels: 8, DefaultSampleRate: 48000, Default: true}}, nil
}

// GetType returns the backend type
func (b *SyntheticBackend) GetType() BackendType {
	return BackendTypeSynthetic
}

// Open creates a generator stream
func (b *SyntheticBackend) Open(req StreamRequest, cb Callback) (Stream, error) {
	if req.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid sample rate %d", errs.ErrAudioDevice, req.SampleRate)
	}
	channels := req.Channels
	if channels == 0 {
		channels = 2
	}
	frames := req.FramesPerBuffer
	if frames <= 0 {
		frames = req.SampleRate / 100
	}
	amplitude := b.Amplitude
	if amplitude == 0 {
		amplitude = 0.5
	}

	return &syntheticStream{
		info:      StreamInfo{Device: "synthetic", SampleRate: req.SampleRate, Channels: channels},
		frequency: b.Frequency,
		amplitude: amplitude,
		maxFrames: b.MaxFrames,
		callback:  cb,
		buf:       make([]float32, frames*channels),
	}, nil
}

type syntheticStream struct {
	info      StreamInfo
	frequency float64
	amplitude float64
	maxFrames int
	callback  Callback
	buf       []float32

	mutex   sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	written int
}

func (s *syntheticStream) Info() StreamInfo { return s.info }

func (s *syntheticStream) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.stop != nil {
		return fmt.Errorf("%w: stream already started", errs.ErrAudioDevice)
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.generate(s.stop, s.done)

	slog.Debug("Synthetic capture started", "channels", s.info.Channels, "frequency", s.frequency)
	return nil
}

func (s *syntheticStream) generate(stop, done chan struct{}) {
	defer close(done)

	frames := len(s.buf) / s.info.Channels
	period := time.Duration(frames) * time.Second / time.Duration(s.info.SampleRate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		n := frames
		if s.maxFrames > 0 {
			if s.written >= s.maxFrames {
				continue
			}
			if remaining := s.maxFrames - s.written; remaining < n {
				n = remaining
			}
		}
		s.fill(n)
		s.callback(s.buf[:n*s.info.Channels])
	}
}

// fill writes n frames of the tone, the same value on every channel
func (s *syntheticStream) fill(n int) {
	step := 2 * math.Pi * s.frequency / float64(s.info.SampleRate)
	for f := 0; f < n; f++ {
		v := float32(s.amplitude * math.Sin(step*float64(s.written+f)))
		if s.frequency == 0 {
			v = 0
		}
		for c := 0; c < s.info.Channels; c++ {
			s.buf[f*s.info.Channels+c] = v
		}
	}
	s.written += n
}

func (s *syntheticStream) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.stop == nil {
		return nil
	}
	close(s.stop)
	<-s.done
	s.stop = nil
	return nil
}

func (s *syntheticStream) Close() error {
	return s.Stop()
}
