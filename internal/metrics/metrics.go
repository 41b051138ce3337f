// Package metrics exposes recorder activity as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/audiolibrelab/blackbox/internal/audio"
)

const namespace = "blackbox"

// Collector counts file lifecycle events. It implements writer.Observer so
// the writer can report to it directly.
type Collector struct {
	filesOpened    prometheus.Counter
	filesFinalized prometheus.Counter
	filesDeleted   prometheus.Counter
	framesWritten  prometheus.Counter
	rotations      prometheus.Counter
	diskStops      prometheus.Counter
}

// New registers the file lifecycle metrics on reg.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		filesOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_opened_total",
			Help:      "Total number of WAV files created",
		}),
		filesFinalized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_finalized_total",
			Help:      "Total number of WAV files closed and renamed to their final name",
		}),
		filesDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_deleted_silent_total",
			Help:      "Total number of finalized files removed as silent",
		}),
		framesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_written_total",
			Help:      "Total number of frames handed to the encoders",
		}),
		rotations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_total",
			Help:      "Total number of file rotations",
		}),
		diskStops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disk_stops_total",
			Help:      "Number of times recording to disk stopped on low free space",
		}),
	}
}

func (c *Collector) FileOpened(string)    { c.filesOpened.Inc() }
func (c *Collector) FileFinalized(string) { c.filesFinalized.Inc() }
func (c *Collector) FileDeleted(string)   { c.filesDeleted.Inc() }
func (c *Collector) FramesWritten(n int)  { c.framesWritten.Add(float64(n)) }
func (c *Collector) Rotated()             { c.rotations.Inc() }
func (c *Collector) DiskStopped()         { c.diskStops.Inc() }

// RegisterRecorder exports the recorder's shared counters, read at scrape time.
func RegisterRecorder(reg prometheus.Registerer, rec audio.Recorder) {
	factory := promauto.With(reg)

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "write_errors_total",
		Help:      "Samples that could not be written because an encoder failed",
	}, func() float64 { return float64(rec.Stats().WriteErrors) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_samples_total",
		Help:      "Samples discarded because the ring buffer was full",
	}, func() float64 { return float64(rec.Stats().DroppedSamples) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "captured_samples_total",
		Help:      "Samples accepted from the capture device",
	}, func() float64 { return float64(rec.Stats().Samples) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "disk_space_low",
		Help:      "1 when free space is below the configured minimum",
	}, func() float64 { return boolToFloat(rec.Stats().DiskSpaceLow) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "recording",
		Help:      "1 while a recording session is active",
	}, func() float64 {
		status, _ := rec.GetStatus()
		return boolToFloat(status == audio.StatusRecording)
	})
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
