package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/audiolibrelab/blackbox/internal/audio"
	"github.com/audiolibrelab/blackbox/internal/writer"
)

var _ writer.Observer = (*Collector)(nil)

type fakeRecorder struct {
	status audio.Status
	stats  audio.Stats
}

func (f *fakeRecorder) Start() error                                  { return nil }
func (f *fakeRecorder) Stop() error                                   { return nil }
func (f *fakeRecorder) GetStatus() (audio.Status, *audio.SessionInfo) { return f.status, nil }
func (f *fakeRecorder) Stats() audio.Stats                            { return f.stats }
func (f *fakeRecorder) Levels(bool) []float32                         { return nil }
func (f *fakeRecorder) Cleanup() error                                { return nil }

func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	return values
}

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.FileOpened("a.wav")
	c.FileOpened("b.wav")
	c.FileFinalized("a.wav")
	c.FileDeleted("a.wav")
	c.FramesWritten(480)
	c.FramesWritten(20)
	c.Rotated()
	c.DiskStopped()

	got := gather(t, reg)
	want := map[string]float64{
		"blackbox_files_opened_total":         2,
		"blackbox_files_finalized_total":      1,
		"blackbox_files_deleted_silent_total": 1,
		"blackbox_frames_written_total":       500,
		"blackbox_rotations_total":            1,
		"blackbox_disk_stops_total":           1,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %v, expected %v", name, got[name], v)
		}
	}
}

func TestRegisterRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := &fakeRecorder{
		status: audio.StatusRecording,
		stats:  audio.Stats{WriteErrors: 3, DroppedSamples: 7, Samples: 9600, DiskSpaceLow: true},
	}
	RegisterRecorder(reg, rec)

	got := gather(t, reg)
	want := map[string]float64{
		"blackbox_write_errors_total":     3,
		"blackbox_dropped_samples_total":  7,
		"blackbox_captured_samples_total": 9600,
		"blackbox_disk_space_low":         1,
		"blackbox_recording":              1,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %v, expected %v", name, got[name], v)
		}
	}

	// Values are read at scrape time.
	rec.status = audio.StatusStandby
	rec.stats.DroppedSamples = 10
	got = gather(t, reg)
	if got["blackbox_recording"] != 0 {
		t.Errorf("Expected recording gauge 0 after stop, got %v", got["blackbox_recording"])
	}
	if got["blackbox_dropped_samples_total"] != 10 {
		t.Errorf("Expected dropped 10, got %v", got["blackbox_dropped_samples_total"])
	}
}
