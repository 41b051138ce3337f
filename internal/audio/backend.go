package audio

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/audiolibrelab/blackbox/internal/errs"
)

// BackendType represents the type of capture backend
type BackendType string

const (
	BackendTypePortAudio BackendType = "portaudio"
	BackendTypePipeWire  BackendType = "pipewire"
	BackendTypeSynthetic BackendType = "synthetic"
	BackendTypeAuto      BackendType = "auto"
)

// Callback receives interleaved float samples from the capture device. It
// runs on the device's real-time thread and must not block.
type Callback func(in []float32)

// StreamRequest describes the capture stream to open.
type StreamRequest struct {
	// Device is a backend specific device name. Empty selects the default input.
	Device     string
	SampleRate int
	// Channels is the number of interleaved device channels to capture. Zero
	// asks for every input channel the device has.
	Channels        int
	FramesPerBuffer int
}

// StreamInfo reports what a backend actually opened.
type StreamInfo struct {
	Device     string
	SampleRate int
	Channels   int
}

// Stream is an opened capture stream.
type Stream interface {
	Info() StreamInfo
	Start() error
	Stop() error
	Close() error
}

// Source is a capture device or port reported by a backend.
type Source struct {
	Name              string  `json:"name"`
	Channels          int     `json:"channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
	Default           bool    `json:"default"`
}

// Backend defines the interface for capture backend implementations
type Backend interface {
	// Open prepares a stream that delivers samples to cb once started
	Open(req StreamRequest, cb Callback) (Stream, error)

	// List available capture sources
	ListSources() ([]Source, error)

	// Get the backend type
	GetType() BackendType
}

var (
	registryMu sync.RWMutex
	registry   = map[BackendType]func() Backend{}
)

// RegisterBackend makes a backend available by type. Backends that need
// cgo register themselves from their own package.
func RegisterBackend(t BackendType, factory func() Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t] = factory
}

// NewBackend returns the backend named by the configuration value.
func NewBackend(name string) (Backend, error) {
	t := determineBackend(name)

	registryMu.RLock()
	factory, ok := registry[t]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend %q is not available in this build", errs.ErrAudioDevice, t)
	}
	return factory(), nil
}

// determineBackend resolves the configured backend, preferring PortAudio
// for "auto" when it is compiled in
func determineBackend(name string) BackendType {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "portaudio":
		return BackendTypePortAudio
	case "pipewire":
		return BackendTypePipeWire
	case "synthetic":
		return BackendTypeSynthetic
	}

	registryMu.RLock()
	defer registryMu.RUnlock()
	if _, ok := registry[BackendTypePortAudio]; ok {
		return BackendTypePortAudio
	}
	return BackendTypePipeWire
}

// GetAvailableBackends returns the registered backends
func GetAvailableBackends() []BackendType {
	registryMu.RLock()
	defer registryMu.RUnlock()

	backends := make([]BackendType, 0, len(registry))
	for t := range registry {
		backends = append(backends, t)
	}
	sort.Slice(backends, func(i, j int) bool { return backends[i] < backends[j] })
	return backends
}

func init() {
	RegisterBackend(BackendTypePipeWire, func() Backend { return &PipeWireBackend{pw: NewPipeWire()} })
	RegisterBackend(BackendTypeSynthetic, func() Backend { return NewSyntheticBackend(440, 0.5) })
}
