// Package ringbuf implements a fixed-capacity, lock-free ring buffer for
// exactly one producer goroutine and one consumer goroutine.
//
// The producer end is safe to use from a real-time audio callback: Push never
// blocks, takes no lock and does not allocate. The consumer end hands out
// views into the backing array and releases them with Commit.
package ringbuf

import "sync/atomic"

type ring[T any] struct {
	// Cursors grow monotonically and live on separate cache lines.
	writePos atomic.Uint64
	_pad1    [56]byte
	readPos  atomic.Uint64
	_pad2    [56]byte

	buf []T
}

// Producer is the write end of a ring. Only one goroutine may use it.
type Producer[T any] struct {
	r *ring[T]
}

// Consumer is the read end of a ring. Only one goroutine may use it.
type Consumer[T any] struct {
	r *ring[T]
}

// New allocates a ring holding exactly capacity elements and returns its two
// ends. It panics if capacity is not positive.
func New[T any](capacity int) (*Producer[T], *Consumer[T]) {
	if capacity <= 0 {
		panic("ringbuf: capacity must be positive")
	}
	r := &ring[T]{buf: make([]T, capacity)}
	return &Producer[T]{r: r}, &Consumer[T]{r: r}
}

// CapacityFor returns the number of interleaved samples needed to hold the
// given number of seconds of audio.
func CapacityFor(sampleRate, channels, seconds int) int {
	return sampleRate * channels * seconds
}

func (r *ring[T]) used() uint64 {
	return r.writePos.Load() - r.readPos.Load()
}

// Capacity returns the fixed number of elements the ring can hold.
func (p *Producer[T]) Capacity() int { return len(p.r.buf) }

// Free returns the number of elements that can be pushed right now.
func (p *Producer[T]) Free() int {
	return len(p.r.buf) - int(p.r.used())
}

// Push copies all of samples into the ring. It returns false, leaving the
// ring untouched, when there is not enough free space for the whole slice.
func (p *Producer[T]) Push(samples []T) bool {
	r := p.r
	n := uint64(len(samples))
	if n == 0 {
		return true
	}
	size := uint64(len(r.buf))
	w := r.writePos.Load()
	if size-(w-r.readPos.Load()) < n {
		return false
	}

	pos := w % size
	first := size - pos
	if first >= n {
		copy(r.buf[pos:pos+n], samples)
	} else {
		copy(r.buf[pos:], samples[:first])
		copy(r.buf[:n-first], samples[first:])
	}

	r.writePos.Store(w + n)
	return true
}

// Capacity returns the fixed number of elements the ring can hold.
func (c *Consumer[T]) Capacity() int { return len(c.r.buf) }

// Available returns the number of elements ready to be read.
func (c *Consumer[T]) Available() int {
	return int(c.r.used())
}

// Peek returns up to max readable elements as at most two contiguous views.
// second is only non-empty when the readable region wraps around the end of
// the backing array. The views remain valid until Commit is called.
func (c *Consumer[T]) Peek(max int) (first, second []T) {
	r := c.r
	rd := r.readPos.Load()
	avail := r.writePos.Load() - rd
	if max <= 0 || avail == 0 {
		return nil, nil
	}
	n := uint64(max)
	if n > avail {
		n = avail
	}

	size := uint64(len(r.buf))
	pos := rd % size
	head := size - pos
	if head >= n {
		return r.buf[pos : pos+n], nil
	}
	return r.buf[pos:], r.buf[:n-head]
}

// Commit releases n elements previously returned by Peek back to the
// producer. It panics if n exceeds the number of readable elements.
func (c *Consumer[T]) Commit(n int) {
	if n <= 0 {
		return
	}
	r := c.r
	rd := r.readPos.Load()
	if uint64(n) > r.writePos.Load()-rd {
		panic("ringbuf: commit beyond available data")
	}
	r.readPos.Store(rd + uint64(n))
}
