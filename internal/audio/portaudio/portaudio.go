// Package portaudio captures from local input devices through PortAudio.
// Importing it registers the "portaudio" backend.
package portaudio

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gordonklaus/portaudio"

	"github.com/audiolibrelab/blackbox/internal/audio"
	"github.com/audiolibrelab/blackbox/internal/errs"
)

func init() {
	audio.RegisterBackend(audio.BackendTypePortAudio, func() audio.Backend { return &Backend{} })
}

// Backend implements audio.Backend on top of PortAudio
type Backend struct{}

// GetType returns the backend type
func (b *Backend) GetType() audio.BackendType {
	return audio.BackendTypePortAudio
}

// ListSources returns the devices that have input channels
func (b *Backend) ListSources() ([]audio.Source, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio init: %v", errs.ErrAudioDevice, err)
	}
	defer portaudio.Terminate() //nolint:errcheck

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list devices: %v", errs.ErrAudioDevice, err)
	}
	def, _ := portaudio.DefaultInputDevice()

	var sources []audio.Source
	for _, d := range devices {
		if d.MaxInputChannels == 0 {
			continue
		}
		sources = append(sources, audio.Source{
			Name:              d.Name,
			Channels:          d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			Default:           def != nil && d.Name == def.Name,
		})
	}
	return sources, nil
}

// Open opens an input stream on the requested device. The stream keeps
// PortAudio initialized until it is closed.
func (b *Backend) Open(req audio.StreamRequest, cb audio.Callback) (audio.Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio init: %v", errs.ErrAudioDevice, err)
	}

	device, err := findDevice(req.Device)
	if err != nil {
		portaudio.Terminate() //nolint:errcheck
		return nil, err
	}

	channels := req.Channels
	if channels == 0 || channels > device.MaxInputChannels {
		channels = device.MaxInputChannels
	}

	params := portaudio.LowLatencyParameters(device, nil)
	params.Input.Channels = channels
	params.SampleRate = float64(req.SampleRate)
	if req.FramesPerBuffer > 0 {
		params.FramesPerBuffer = req.FramesPerBuffer
	}

	stream, err := portaudio.OpenStream(params, func(in []float32) {
		cb(in)
	})
	if err != nil {
		portaudio.Terminate() //nolint:errcheck
		return nil, fmt.Errorf("%w: failed to open %q: %v", errs.ErrAudioDevice, device.Name, err)
	}

	slog.Debug("PortAudio stream opened", "device", device.Name, "channels", channels, "sample_rate", req.SampleRate)
	return &inputStream{
		s: stream,
		info: audio.StreamInfo{
			Device:     device.Name,
			SampleRate: req.SampleRate,
			Channels:   channels,
		},
	}, nil
}

// findDevice returns the default input for an empty name, otherwise the
// first input device whose name contains it
func findDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		d, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: no default input device: %v", errs.ErrAudioDevice, err)
		}
		return d, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list devices: %v", errs.ErrAudioDevice, err)
	}
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), strings.ToLower(name)) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: input device %q not found", errs.ErrAudioDevice, name)
}

type inputStream struct {
	s      *portaudio.Stream
	info   audio.StreamInfo
	closed bool
}

func (s *inputStream) Info() audio.StreamInfo { return s.info }

func (s *inputStream) Start() error {
	if err := s.s.Start(); err != nil {
		return fmt.Errorf("%w: portaudio start stream: %v", errs.ErrAudioDevice, err)
	}
	return nil
}

func (s *inputStream) Stop() error {
	if err := s.s.Stop(); err != nil {
		return fmt.Errorf("%w: portaudio stop stream: %v", errs.ErrAudioDevice, err)
	}
	return nil
}

func (s *inputStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.s.Close()
	portaudio.Terminate() //nolint:errcheck
	return err
}
