package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/audiolibrelab/blackbox/internal/errs"
)

const (
	defaultFramesPerBuffer = 512
	stopTimeout            = 5 * time.Second
)

// PipeWireBackend captures through pw-record, reading raw 32-bit float
// samples from its standard output
type PipeWireBackend struct {
	pw *PipeWire
}

// ListSources returns the PipeWire nodes that expose capture ports
func (p *PipeWireBackend) ListSources() ([]Source, error) {
	return p.pw.ListNodes()
}

// GetType returns the backend type
func (p *PipeWireBackend) GetType() BackendType {
	return BackendTypePipeWire
}

// Open prepares a pw-record process; it is spawned by Start
func (p *PipeWireBackend) Open(req StreamRequest, cb Callback) (Stream, error) {
	if req.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid sample rate %d", errs.ErrAudioDevice, req.SampleRate)
	}

	channels := req.Channels
	if channels == 0 && req.Device != "" {
		ports, err := p.pw.NodePorts(req.Device)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrAudioDevice, err)
		}
		channels = len(ports)
	}
	if channels == 0 {
		channels = 2
	}

	frames := req.FramesPerBuffer
	if frames <= 0 {
		frames = defaultFramesPerBuffer
	}

	device := req.Device
	if device == "" {
		device = "default"
	}

	return &pipeWireStream{
		info:     StreamInfo{Device: device, SampleRate: req.SampleRate, Channels: channels},
		target:   req.Device,
		callback: cb,
		raw:      make([]byte, frames*channels*4),
		samples:  make([]float32, frames*channels),
	}, nil
}

type pipeWireStream struct {
	info     StreamInfo
	target   string
	callback Callback

	mutex     sync.Mutex
	cmd       *exec.Cmd
	readDone   chan struct{}
	outputDone chan struct{}
	stderrBuf  lockedBuffer

	raw     []byte
	samples []float32
}

func (s *pipeWireStream) Info() StreamInfo { return s.info }

func (s *pipeWireStream) args() []string {
	args := []string{
		"--raw",
		"--format", "f32",
		"--rate", strconv.Itoa(s.info.SampleRate),
		"--channels", strconv.Itoa(s.info.Channels),
	}
	if s.target != "" {
		args = append(args, "--target", s.target)
	}
	return append(args, "-")
}

// Start spawns pw-record and begins delivering samples
func (s *pipeWireStream) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cmd != nil {
		return fmt.Errorf("%w: stream already started", errs.ErrAudioDevice)
	}

	cmd := exec.Command("pw-record", s.args()...)
	slog.Debug("Starting pw-record", "args", s.args())
	if err := s.startCmd(cmd); err != nil {
		return err
	}

	slog.Info("PipeWire capture started", "device", s.info.Device, "channels", s.info.Channels, "sample_rate", s.info.SampleRate)
	return nil
}

// startCmd starts cmd and the goroutines reading its stdout and stderr.
// Callers hold s.mutex.
func (s *pipeWireStream) startCmd(cmd *exec.Cmd) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: failed to create stdout pipe: %v", errs.ErrAudioDevice, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: failed to create stderr pipe: %v", errs.ErrAudioDevice, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: failed to start %s: %v", errs.ErrAudioDevice, filepath.Base(cmd.Path), err)
	}

	s.cmd = cmd
	s.readDone = make(chan struct{})
	s.outputDone = make(chan struct{})
	go s.readOutput(stderr)
	go s.readSamples(stdout)
	return nil
}

// readSamples decodes little-endian float32 frames and hands them to the callback
func (s *pipeWireStream) readSamples(pipe io.ReadCloser) {
	defer close(s.readDone)
	defer pipe.Close()

	frameBytes := s.info.Channels * 4
	filled := 0
	for {
		n, err := pipe.Read(s.raw[filled:])
		filled += n

		// Partial frames stay at the front of raw for the next read
		usable := filled - filled%frameBytes
		if usable > 0 {
			count := usable / 4
			for i := 0; i < count; i++ {
				s.samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(s.raw[i*4:]))
			}
			s.callback(s.samples[:count])
			filled = copy(s.raw, s.raw[usable:filled])
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.Error("PipeWire capture read failed", "error", err)
			}
			return
		}
	}
}

// readOutput logs diagnostic output from pw-record
func (s *pipeWireStream) readOutput(pipe io.ReadCloser) {
	defer close(s.outputDone)
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		s.stderrBuf.WriteString(line + "\n")
		slog.Debug("pw-record output", "line", line)
	}
	pipe.Close()
}

// Stop interrupts pw-record and waits for it to exit, killing it after a timeout
func (s *pipeWireStream) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cmd == nil {
		return nil
	}
	cmd := s.cmd
	s.cmd = nil

	if cmd.Process != nil {
		slog.Debug("Sending SIGINT to pw-record")
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			slog.Debug("Failed to interrupt pw-record, killing", "error", err)
			cmd.Process.Kill()
		}
	}

	// Wait closes both pipes, so both readers have to finish first
	readDone, outputDone := s.readDone, s.outputDone
	done := make(chan error, 1)
	go func() {
		<-readDone
		<-outputDone
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && exitErr.ProcessState != nil {
				state := exitErr.ProcessState.String()
				if state == "signal: interrupt" || state == "signal: killed" {
					slog.Debug("pw-record exited on signal", "state", state)
					return nil
				}
			}
			slog.Debug("pw-record stderr", "output", s.stderrBuf.String())
			return fmt.Errorf("%w: pw-record failed: %v", errs.ErrAudioDevice, err)
		}
		return nil

	case <-time.After(stopTimeout):
		slog.Warn("pw-record did not exit within timeout, force killing")
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		<-done
		return nil
	}
}

func (s *pipeWireStream) Close() error {
	return s.Stop()
}

// lockedBuffer collects process output written from one goroutine and read from another
type lockedBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *lockedBuffer) WriteString(str string) {
	b.mu.Lock()
	b.buf = append(b.buf, str...)
	b.mu.Unlock()
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
