package writer

import (
	"math"
	"sync/atomic"
)

// Levels holds the peak absolute amplitude seen on each device channel since
// the last reset. The writer goroutine updates it and any goroutine may read it.
type Levels struct {
	peaks []atomic.Uint32
}

// NewLevels creates meters for n device channels, capped at MaxChannels.
func NewLevels(n int) *Levels {
	if n > MaxChannels {
		n = MaxChannels
	}
	if n < 0 {
		n = 0
	}
	return &Levels{peaks: make([]atomic.Uint32, n)}
}

// Len returns the number of metered channels.
func (l *Levels) Len() int {
	if l == nil {
		return 0
	}
	return len(l.peaks)
}

func (l *Levels) observe(channel int, peak float32) {
	if l == nil || channel >= len(l.peaks) {
		return
	}
	p := &l.peaks[channel]
	for {
		old := p.Load()
		if math.Float32frombits(old) >= peak {
			return
		}
		if p.CompareAndSwap(old, math.Float32bits(peak)) {
			return
		}
	}
}

// Peaks returns the current peak per channel. When reset is true each meter
// is cleared as it is read.
func (l *Levels) Peaks(reset bool) []float32 {
	if l == nil {
		return nil
	}
	out := make([]float32, len(l.peaks))
	for i := range l.peaks {
		var bits uint32
		if reset {
			bits = l.peaks[i].Swap(0)
		} else {
			bits = l.peaks[i].Load()
		}
		out[i] = math.Float32frombits(bits)
	}
	return out
}
