package audio

import (
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/blackbox/internal/ringbuf"
)

// Producer is the real-time side of a recording. Process is installed as the
// device callback: it copies samples into the ring and raises the rotation
// flag when the cadence elapses. It never blocks, locks, allocates or touches
// the filesystem.
type Producer struct {
	ring    *ringbuf.Producer[float32]
	rotate  *atomic.Bool
	cadence time.Duration
	now     func() time.Time

	lastRotation atomic.Int64
	dropped      atomic.Uint64
	pushed       atomic.Uint64
}

// NewProducer wires a ring producer end and the shared rotation flag. A zero
// cadence disables rotation. now defaults to time.Now.
func NewProducer(ring *ringbuf.Producer[float32], rotate *atomic.Bool, cadence time.Duration, now func() time.Time) *Producer {
	if now == nil {
		now = time.Now
	}
	p := &Producer{ring: ring, rotate: rotate, cadence: cadence, now: now}
	p.lastRotation.Store(now().UnixNano())
	return p
}

// Process handles one device buffer of interleaved samples.
func (p *Producer) Process(in []float32) {
	if p.ring.Push(in) {
		p.pushed.Add(uint64(len(in)))
	} else {
		p.dropped.Add(uint64(len(in)))
	}

	if p.cadence <= 0 {
		return
	}
	now := p.now().UnixNano()
	if now-p.lastRotation.Load() >= int64(p.cadence) {
		p.rotate.Store(true)
		p.lastRotation.Store(now)
	}
}

// Dropped returns the number of samples rejected by a full ring.
func (p *Producer) Dropped() uint64 { return p.dropped.Load() }

// Pushed returns the number of samples accepted into the ring.
func (p *Producer) Pushed() uint64 { return p.pushed.Load() }
