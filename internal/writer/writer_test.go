package writer

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/audiolibrelab/blackbox/internal/errs"
	"github.com/audiolibrelab/blackbox/internal/ringbuf"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 15, 14, 30, 5, 0, time.Local)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type countingObserver struct {
	mu        sync.Mutex
	opened    []string
	finalized []string
	deleted   []string
	frames    int
	rotations int
	stops     int
}

func (o *countingObserver) FileOpened(p string) {
	o.mu.Lock()
	o.opened = append(o.opened, p)
	o.mu.Unlock()
}
func (o *countingObserver) FileFinalized(p string) {
	o.mu.Lock()
	o.finalized = append(o.finalized, p)
	o.mu.Unlock()
}
func (o *countingObserver) FileDeleted(p string) {
	o.mu.Lock()
	o.deleted = append(o.deleted, p)
	o.mu.Unlock()
}
func (o *countingObserver) FramesWritten(n int) {
	o.mu.Lock()
	o.frames += n
	o.mu.Unlock()
}
func (o *countingObserver) Rotated() {
	o.mu.Lock()
	o.rotations++
	o.mu.Unlock()
}
func (o *countingObserver) DiskStopped() {
	o.mu.Lock()
	o.stops++
	o.mu.Unlock()
}

func testOptions(dir string, clock *fakeClock) Options {
	return Options{
		OutputDir:      dir,
		SampleRate:     48000,
		Channels:       []int{0, 1},
		DeviceChannels: 2,
		Mode:           "single",
		FreeSpaceMB:    func(string) (uint64, error) { return 1 << 20, nil },
		Now:            clock.Now,
	}
}

func readWav(t *testing.T, path string) (*audio.IntBuffer, int, int) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("Failed to decode %s: %v", path, err)
	}
	return buf, int(dec.NumChans), int(dec.BitDepth)
}

func listFiles(t *testing.T, dir string) (finals, temps []string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to list %s: %v", dir, err)
	}
	for _, e := range entries {
		if IsTempPath(e.Name()) {
			temps = append(temps, e.Name())
		} else {
			finals = append(finals, e.Name())
		}
	}
	sort.Strings(finals)
	sort.Strings(temps)
	return finals, temps
}

func interleaved(frames, channels int) []float32 {
	data := make([]float32, frames*channels)
	for i := range data {
		data[i] = float32((i%200)-100) / 100
	}
	return data
}

func TestParseOutputMode(t *testing.T) {
	for _, s := range []string{"single", "split", "multichannel", " Split "} {
		if _, err := ParseOutputMode(s); err != nil {
			t.Errorf("Expected %q to be valid, got %v", s, err)
		}
	}
	if _, err := ParseOutputMode("surround"); !errors.Is(err, errs.ErrConfig) {
		t.Errorf("Expected config error, got %v", err)
	}
}

func TestNew_InvalidModeCreatesNothing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	opts := testOptions(dir, newFakeClock())
	opts.Mode = "quad"

	_, err := New(opts)
	if !errors.Is(err, errs.ErrConfig) {
		t.Fatalf("Expected config error, got %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("Expected output directory not to be created")
	}
}

func TestNew_InvalidChannels(t *testing.T) {
	for _, channels := range [][]int{nil, {64}, {1, 1}, {-1}} {
		opts := testOptions(t.TempDir(), newFakeClock())
		opts.Channels = channels
		if _, err := New(opts); !errors.Is(err, errs.ErrConfig) {
			t.Errorf("Channels %v: expected config error, got %v", channels, err)
		}
	}
}

func TestNew_DiskLowAtConstruction(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir, newFakeClock())
	opts.MinDiskSpaceMB = 100
	opts.FreeSpaceMB = func(string) (uint64, error) { return 50, nil }
	opts.DiskLow = new(atomic.Bool)

	_, err := New(opts)
	if !errors.Is(err, errs.ErrIO) {
		t.Fatalf("Expected io error, got %v", err)
	}
	if !opts.DiskLow.Load() {
		t.Error("Expected disk-low flag to be set")
	}
	finals, temps := listFiles(t, dir)
	if len(finals)+len(temps) != 0 {
		t.Errorf("Expected no files, got %v %v", finals, temps)
	}
}

func TestSingleMode_UnalignedChunks(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	st, err := New(testOptions(dir, clock))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	data := interleaved(4800, 2)
	for i := 0; i < len(data); i += 333 {
		end := i + 333
		if end > len(data) {
			end = len(data)
		}
		st.WriteSamples(data[i:end])
	}
	if err := st.FinalizeAll(); err != nil {
		t.Fatalf("FinalizeAll failed: %v", err)
	}

	finals, temps := listFiles(t, dir)
	if len(temps) != 0 || len(finals) != 1 || finals[0] != "2024-01-15-14-30-05.wav" {
		t.Fatalf("Unexpected files: finals=%v temps=%v", finals, temps)
	}

	buf, channels, bitDepth := readWav(t, filepath.Join(dir, finals[0]))
	if channels != 2 || bitDepth != 16 {
		t.Errorf("Expected 2 channels at 16 bit, got %d at %d", channels, bitDepth)
	}
	if buf.NumFrames() != 4800 {
		t.Errorf("Expected 4800 frames, got %d", buf.NumFrames())
	}
	for i, v := range buf.Data {
		if v != ToPCM16(data[i]) {
			t.Fatalf("Sample %d: expected %d, got %d", i, ToPCM16(data[i]), v)
		}
	}
}

func TestWriteSamples_ChunkingIsLossless(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	data := interleaved(3000, 5)

	write := func(dir string, chunked bool) []int {
		opts := testOptions(dir, newFakeClock())
		opts.DeviceChannels = 5
		opts.Channels = []int{4, 1, 2}
		st, err := New(opts)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if chunked {
			for i := 0; i < len(data); {
				n := 1 + rng.Intn(50)
				if i+n > len(data) {
					n = len(data) - i
				}
				st.WriteSamples(data[i : i+n])
				i += n
			}
		} else {
			st.WriteSamples(data)
		}
		if err := st.FinalizeAll(); err != nil {
			t.Fatalf("FinalizeAll failed: %v", err)
		}
		finals, _ := listFiles(t, dir)
		buf, _, _ := readWav(t, filepath.Join(dir, finals[0]))
		return buf.Data
	}

	whole := write(t.TempDir(), false)
	chunked := write(t.TempDir(), true)
	if len(whole) != 3000*3 || len(chunked) != len(whole) {
		t.Fatalf("Expected %d samples, got %d and %d", 3000*3, len(whole), len(chunked))
	}
	for i := range whole {
		if whole[i] != chunked[i] {
			t.Fatalf("Sample %d differs: %d vs %d", i, whole[i], chunked[i])
		}
	}
	// First frame carries channels 4, 1, 2 in selection order.
	for i, ch := range []int{4, 1, 2} {
		if whole[i] != ToPCM16(data[ch]) {
			t.Errorf("Channel %d: expected %d, got %d", ch, ToPCM16(data[ch]), whole[i])
		}
	}
}

func TestLayouts(t *testing.T) {
	tests := []struct {
		name     string
		mode     string
		channels []int
		files    []string
		fileCh   int
	}{
		{"single mono", "single", []int{3}, []string{"2024-01-15-14-30-05.wav"}, 1},
		{"single stereo", "single", []int{0, 2}, []string{"2024-01-15-14-30-05.wav"}, 2},
		{"single many", "single", []int{0, 1, 2}, []string{"2024-01-15-14-30-05-multichannel.wav"}, 3},
		{"multichannel many", "multichannel", []int{0, 1, 2, 3}, []string{"2024-01-15-14-30-05-multichannel.wav"}, 4},
		{"multichannel stereo", "multichannel", []int{1, 3}, []string{"2024-01-15-14-30-05.wav"}, 2},
		{"split", "split", []int{0, 3}, []string{"2024-01-15-14-30-05-ch0.wav", "2024-01-15-14-30-05-ch3.wav"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			opts := testOptions(dir, newFakeClock())
			opts.Mode = tt.mode
			opts.Channels = tt.channels
			opts.DeviceChannels = 4
			st, err := New(opts)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if st.CurrentSpec().Channels != tt.fileCh {
				t.Errorf("Expected spec with %d channels, got %d", tt.fileCh, st.CurrentSpec().Channels)
			}

			st.WriteSamples(interleaved(100, 4))
			if err := st.FinalizeAll(); err != nil {
				t.Fatalf("FinalizeAll failed: %v", err)
			}

			finals, temps := listFiles(t, dir)
			if len(temps) != 0 {
				t.Errorf("Expected no temp files, got %v", temps)
			}
			if strings.Join(finals, ",") != strings.Join(tt.files, ",") {
				t.Fatalf("Expected files %v, got %v", tt.files, finals)
			}
			for _, name := range finals {
				buf, channels, _ := readWav(t, filepath.Join(dir, name))
				if channels != tt.fileCh || buf.NumFrames() != 100 {
					t.Errorf("%s: expected %d channels and 100 frames, got %d and %d",
						name, tt.fileCh, channels, buf.NumFrames())
				}
			}
		})
	}
}

func TestSplitRotation(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	opts := testOptions(dir, clock)
	opts.Mode = "split"
	opts.Channels = []int{0, 2}
	opts.DeviceChannels = 3
	obs := &countingObserver{}
	opts.Observer = obs

	st, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	st.WriteSamples(interleaved(480, 3))

	clock.Advance(5 * time.Minute)
	st.Rotate()

	finals, temps := listFiles(t, dir)
	wantFinals := []string{"2024-01-15-14-30-05-ch0.wav", "2024-01-15-14-30-05-ch2.wav"}
	wantTemps := []string{"2024-01-15-14-35-05-ch0.recording.wav", "2024-01-15-14-35-05-ch2.recording.wav"}
	if strings.Join(finals, ",") != strings.Join(wantFinals, ",") {
		t.Errorf("Expected finals %v, got %v", wantFinals, finals)
	}
	if strings.Join(temps, ",") != strings.Join(wantTemps, ",") {
		t.Errorf("Expected temps %v, got %v", wantTemps, temps)
	}

	for i := 0; i < 3; i++ {
		clock.Advance(5 * time.Minute)
		st.Rotate()
		if st.CurrentSpec().Channels != 1 || len(st.PendingFiles()) != 2 {
			t.Errorf("Rotation %d changed layout: %+v, pending %v", i, st.CurrentSpec(), st.PendingFiles())
		}
	}

	if err := st.FinalizeAll(); err != nil {
		t.Fatalf("FinalizeAll failed: %v", err)
	}
	finals, temps = listFiles(t, dir)
	if len(finals) != 10 || len(temps) != 0 {
		t.Errorf("Expected 10 finals and no temps, got %v %v", finals, temps)
	}
	if obs.rotations != 4 || len(obs.opened) != 10 || len(obs.finalized) != 10 {
		t.Errorf("Unexpected observer counts: %+v", obs)
	}
}

func TestRotation_SameSecondDoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	st, err := New(testOptions(dir, newFakeClock()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	st.WriteSamples(interleaved(10, 2))
	st.Rotate()
	st.WriteSamples(interleaved(20, 2))
	if err := st.FinalizeAll(); err != nil {
		t.Fatalf("FinalizeAll failed: %v", err)
	}

	finals, _ := listFiles(t, dir)
	want := []string{"2024-01-15-14-30-05-1.wav", "2024-01-15-14-30-05.wav"}
	if strings.Join(finals, ",") != strings.Join(want, ",") {
		t.Fatalf("Expected %v, got %v", want, finals)
	}
	buf, _, _ := readWav(t, filepath.Join(dir, want[0]))
	if buf.NumFrames() != 20 {
		t.Errorf("Expected 20 frames in second file, got %d", buf.NumFrames())
	}
}

func TestRotation_SilenceRunsInBackground(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	opts := testOptions(dir, clock)
	opts.SilenceThreshold = 0.01
	obs := &countingObserver{}
	opts.Observer = obs

	st, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	st.WriteSamples(make([]float32, 2000))

	clock.Advance(time.Minute)
	st.Rotate()
	st.WaitBackground()

	finals, temps := listFiles(t, dir)
	if len(finals) != 0 {
		t.Errorf("Expected silent file to be deleted, got %v", finals)
	}
	if len(temps) != 1 {
		t.Errorf("Expected one file in progress, got %v", temps)
	}
	obs.mu.Lock()
	if len(obs.deleted) != 1 {
		t.Errorf("Expected one deletion, got %v", obs.deleted)
	}
	obs.mu.Unlock()
}

func TestRotation_AppliesSnapshot(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	opts := testOptions(dir, clock)
	opts.DeviceChannels = 4
	var snap atomic.Pointer[Snapshot]
	opts.Snapshot = snap.Load

	st, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	snap.Store(&Snapshot{Channels: []int{0, 1, 3}, Mode: "split"})
	clock.Advance(time.Minute)
	st.Rotate()
	if st.Mode() != ModeSplit || len(st.PendingFiles()) != 3 {
		t.Errorf("Expected split mode with 3 files, got %s with %v", st.Mode(), st.PendingFiles())
	}

	snap.Store(&Snapshot{Channels: []int{0}, Mode: "bogus"})
	clock.Advance(time.Minute)
	st.Rotate()
	if st.Mode() != ModeSplit || len(st.PendingFiles()) != 3 {
		t.Errorf("Invalid snapshot must be ignored, got %s with %v", st.Mode(), st.PendingFiles())
	}
	st.FinalizeAll()
}

func TestDiskLowMidRecording(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	var free atomic.Uint64
	free.Store(1000)
	opts := testOptions(dir, clock)
	opts.MinDiskSpaceMB = 100
	opts.FreeSpaceMB = func(string) (uint64, error) { return free.Load(), nil }
	opts.DiskLow = new(atomic.Bool)
	obs := &countingObserver{}
	opts.Observer = obs

	st, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	st.WriteSamples(interleaved(100, 2))

	free.Store(10)
	if !st.CheckDiskSpace() {
		t.Error("Expected check to be rate limited")
	}
	clock.Advance(DiskCheckInterval)
	if st.CheckDiskSpace() {
		t.Error("Expected low disk space to stop writing")
	}
	if !opts.DiskLow.Load() || !st.DiskStopped() {
		t.Error("Expected disk-low state to be latched")
	}

	st.WriteSamples(interleaved(100, 2))
	st.Rotate()
	clock.Advance(DiskCheckInterval)
	if st.CheckDiskSpace() {
		t.Error("Expected writing to stay stopped")
	}
	if err := st.FinalizeAll(); err != nil {
		t.Errorf("Second finalize should be a no-op, got %v", err)
	}

	finals, temps := listFiles(t, dir)
	if len(finals) != 1 || len(temps) != 0 {
		t.Fatalf("Expected one finalized file, got %v %v", finals, temps)
	}
	buf, _, _ := readWav(t, filepath.Join(dir, finals[0]))
	if buf.NumFrames() != 100 {
		t.Errorf("Expected 100 frames, got %d", buf.NumFrames())
	}
	if obs.stops != 1 || len(obs.finalized) != 1 {
		t.Errorf("Expected a single stop and finalize, got %d and %d", obs.stops, len(obs.finalized))
	}
}

func TestMissingDeviceChannelWritesSilence(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir, newFakeClock())
	opts.Channels = []int{1, 5}
	opts.DeviceChannels = 2
	st, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	st.WriteSamples([]float32{0.1, 0.5, 0.2, -0.5})
	st.FinalizeAll()

	finals, _ := listFiles(t, dir)
	buf, _, _ := readWav(t, filepath.Join(dir, finals[0]))
	want := []int{ToPCM16(0.5), 0, ToPCM16(-0.5), 0}
	for i := range want {
		if buf.Data[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, buf.Data)
		}
	}
}

func TestUnknownDeviceChannelsIsNoop(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir, newFakeClock())
	opts.DeviceChannels = 0
	st, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	st.WriteSamples(interleaved(100, 2))
	st.FinalizeAll()

	finals, _ := listFiles(t, dir)
	buf, _, _ := readWav(t, filepath.Join(dir, finals[0]))
	if buf.NumFrames() != 0 {
		t.Errorf("Expected no frames, got %d", buf.NumFrames())
	}
}

func TestToPCM16(t *testing.T) {
	tests := []struct {
		in   float32
		want int
	}{
		{0, 0},
		{1, 32767},
		{-1, -32767},
		{0.5, 16383},
		{-0.5, -16383},
		{1.5, 32767},
		{-2, -32767},
	}
	for _, tt := range tests {
		if got := ToPCM16(tt.in); got != tt.want {
			t.Errorf("ToPCM16(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestLevels(t *testing.T) {
	levels := NewLevels(4)
	opts := testOptions(t.TempDir(), newFakeClock())
	opts.Channels = []int{0, 2}
	opts.DeviceChannels = 4
	opts.Levels = levels
	st, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	st.WriteSamples([]float32{
		0.1, 0.9, -0.7, 0,
		-0.3, 0.2, 0.4, 0,
	})
	defer st.FinalizeAll()

	peaks := levels.Peaks(true)
	want := []float32{0.3, 0, 0.7, 0}
	for i := range want {
		if peaks[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, peaks)
		}
	}
	if again := levels.Peaks(false); again[0] != 0 || again[2] != 0 {
		t.Errorf("Expected reset meters, got %v", again)
	}
}

func TestShutdownDrainsRing(t *testing.T) {
	dir := t.TempDir()
	producer, consumer := ringbuf.New[float32](ringbuf.CapacityFor(48000, 2, 2))
	opts := testOptions(dir, newFakeClock())
	st, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var rotate atomic.Bool
	rotate.Store(true)
	if !producer.Push(interleaved(600, 2)) {
		t.Fatal("Push rejected")
	}

	h := Start(consumer, &rotate, st)
	if err := h.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	<-h.Done()

	if consumer.Available() != 0 {
		t.Errorf("Expected drained ring, %d samples left", consumer.Available())
	}
	finals, temps := listFiles(t, dir)
	if len(temps) != 0 {
		t.Errorf("Expected no temp files, got %v", temps)
	}
	frames := 0
	for _, name := range finals {
		buf, _, _ := readWav(t, filepath.Join(dir, name))
		frames += buf.NumFrames()
	}
	if frames != 600 {
		t.Errorf("Expected 600 frames across %v, got %d", finals, frames)
	}
	if err := h.Shutdown(); err != nil {
		t.Errorf("Shutdown after exit should return nil, got %v", err)
	}
}

func TestLoopRotatesOnFlag(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	producer, consumer := ringbuf.New[float32](48000)
	st, err := New(testOptions(dir, clock))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var rotate atomic.Bool
	h := Start(consumer, &rotate, st)
	producer.Push(interleaved(100, 2))

	deadline := time.Now().Add(5 * time.Second)
	for consumer.Available() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	clock.Advance(time.Minute)
	rotate.Store(true)
	for rotate.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	producer.Push(interleaved(50, 2))

	if err := h.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	finals, _ := listFiles(t, dir)
	if len(finals) != 2 {
		t.Fatalf("Expected two files, got %v", finals)
	}
	first, _, _ := readWav(t, filepath.Join(dir, finals[0]))
	second, _, _ := readWav(t, filepath.Join(dir, finals[1]))
	if first.NumFrames() != 100 || second.NumFrames() != 50 {
		t.Errorf("Expected 100 and 50 frames, got %d and %d", first.NumFrames(), second.NumFrames())
	}
}

func TestWriteSamples_FailedBatchCountsSamples(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir, newFakeClock())
	opts.WriteErrors = new(atomic.Uint64)
	st, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	st.writer.f.Close()
	st.WriteSamples(interleaved(10, 2))
	if got := opts.WriteErrors.Load(); got != 20 {
		t.Errorf("Expected 20 write errors, got %d", got)
	}
	st.WriteSamples(interleaved(5, 2))
	if got := opts.WriteErrors.Load(); got != 30 {
		t.Errorf("Expected 30 write errors after second batch, got %d", got)
	}

	err = st.FinalizeAll()
	if !errors.Is(err, errs.ErrWav) {
		t.Fatalf("Expected ErrWav from FinalizeAll, got %v", err)
	}
	finals, temps := listFiles(t, dir)
	if len(finals) != 0 || len(temps) != 1 {
		t.Errorf("Expected the failed file to keep its temp name, got finals %v temps %v", finals, temps)
	}
}

func TestFinalizeAll_ContinuesAfterFailure(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir, newFakeClock())
	opts.Mode = "split"
	st, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	st.WriteSamples(interleaved(10, 2))

	st.splitWriters[0].f.Close()
	err = st.FinalizeAll()
	if !errors.Is(err, errs.ErrWav) {
		t.Fatalf("Expected ErrWav from FinalizeAll, got %v", err)
	}

	finals, temps := listFiles(t, dir)
	if strings.Join(finals, ",") != "2024-01-15-14-30-05-ch1.wav" {
		t.Errorf("Expected channel 1 to be finalized, got %v", finals)
	}
	if strings.Join(temps, ",") != "2024-01-15-14-30-05-ch0.recording.wav" {
		t.Errorf("Expected channel 0 to keep its temp name, got %v", temps)
	}
	buf, _, _ := readWav(t, filepath.Join(dir, finals[0]))
	if buf.NumFrames() != 10 {
		t.Errorf("Expected 10 frames in channel 1, got %d", buf.NumFrames())
	}

	if err := st.FinalizeAll(); err != nil {
		t.Errorf("Second FinalizeAll should be a no-op, got %v", err)
	}
}

func TestRotation_FailedCloseKeepsTempName(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	opts := testOptions(dir, clock)
	opts.Mode = "split"
	st, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	st.WriteSamples(interleaved(10, 2))

	st.splitWriters[0].f.Close()
	clock.Advance(time.Minute)
	st.Rotate()

	if _, err := os.Stat(filepath.Join(dir, "2024-01-15-14-30-05-ch0.recording.wav")); err != nil {
		t.Errorf("Expected failed file to keep its temp name: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "2024-01-15-14-30-05-ch0.wav")); err == nil {
		t.Error("Failed file must not be renamed to its final name")
	}
	if _, err := os.Stat(filepath.Join(dir, "2024-01-15-14-30-05-ch1.wav")); err != nil {
		t.Errorf("Expected channel 1 to be finalized: %v", err)
	}
	if len(st.PendingFiles()) != 2 {
		t.Errorf("Expected a fresh file set, got %v", st.PendingFiles())
	}
	if err := st.FinalizeAll(); err != nil {
		t.Errorf("FinalizeAll failed: %v", err)
	}
}

func TestRotation_SkipsFileThatCannotBeCreated(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	opts := testOptions(dir, clock)
	opts.Mode = "split"
	st, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	st.WriteSamples(interleaved(10, 2))

	// A dangling link into a missing directory makes the create fail.
	blocked := filepath.Join(dir, "2024-01-15-14-31-05-ch1.recording.wav")
	if err := os.Symlink(filepath.Join(dir, "missing", "target.wav"), blocked); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	clock.Advance(time.Minute)
	st.Rotate()

	pending := st.PendingFiles()
	want := filepath.Join(dir, "2024-01-15-14-31-05-ch0.recording.wav")
	if len(pending) != 1 || pending[0] != want {
		t.Fatalf("Expected only %s pending, got %v", want, pending)
	}

	st.WriteSamples(interleaved(20, 2))
	if err := st.FinalizeAll(); err != nil {
		t.Fatalf("FinalizeAll failed: %v", err)
	}

	finals, _ := listFiles(t, dir)
	wantFinals := []string{
		"2024-01-15-14-30-05-ch0.wav",
		"2024-01-15-14-30-05-ch1.wav",
		"2024-01-15-14-31-05-ch0.wav",
	}
	if strings.Join(finals, ",") != strings.Join(wantFinals, ",") {
		t.Fatalf("Expected %v, got %v", wantFinals, finals)
	}
	buf, _, _ := readWav(t, filepath.Join(dir, wantFinals[2]))
	if buf.NumFrames() != 20 {
		t.Errorf("Expected 20 frames after rotation, got %d", buf.NumFrames())
	}
}
