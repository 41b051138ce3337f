package writer

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/blackbox/internal/ringbuf"
)

const (
	// ReadChunk bounds the samples taken from the ring per iteration.
	ReadChunk = 4096
	// IdleSleep is how long the loop sleeps when the ring is empty.
	IdleSleep = time.Millisecond
)

// CommandKind identifies a writer command.
type CommandKind int

const (
	// CmdShutdown drains the ring, finalizes all files and stops the loop.
	CmdShutdown CommandKind = iota
)

// Command is sent to the writer goroutine. The result is delivered on Reply.
type Command struct {
	Kind  CommandKind
	Reply chan error
}

// Handle controls a running writer goroutine.
type Handle struct {
	commands chan Command
	done     chan struct{}
}

// Start runs the writer loop on its own goroutine. The loop owns st and
// consumer from now on. rotate is raised by the producer and cleared here.
func Start(consumer *ringbuf.Consumer[float32], rotate *atomic.Bool, st *State) *Handle {
	h := &Handle{
		commands: make(chan Command, 1),
		done:     make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		run(consumer, rotate, h.commands, st)
	}()
	return h
}

// Shutdown asks the writer to drain the ring and finalize every file, and
// waits for the result. Calling it after the loop has exited returns nil.
func (h *Handle) Shutdown() error {
	reply := make(chan error, 1)
	select {
	case h.commands <- Command{Kind: CmdShutdown, Reply: reply}:
	case <-h.done:
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-h.done:
		select {
		case err := <-reply:
			return err
		default:
			return nil
		}
	}
}

// Done is closed when the writer goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func run(consumer *ringbuf.Consumer[float32], rotate *atomic.Bool, commands <-chan Command, st *State) {
	for {
		select {
		case cmd := <-commands:
			if cmd.Kind == CmdShutdown {
				drainAll(consumer, st)
				err := st.FinalizeAll()
				if err != nil {
					slog.Error("Finalize failed on shutdown", "error", err)
				}
				cmd.Reply <- err
				return
			}
		default:
		}

		st.CheckDiskSpace()

		if rotate.Swap(false) {
			st.Rotate()
		}

		if readAvailable(consumer, st) == 0 {
			time.Sleep(IdleSleep)
		}
	}
}

// readAvailable moves up to ReadChunk samples from the ring into st and
// returns how many were consumed.
func readAvailable(consumer *ringbuf.Consumer[float32], st *State) int {
	first, second := consumer.Peek(ReadChunk)
	n := len(first) + len(second)
	if n == 0 {
		return 0
	}
	st.WriteSamples(first)
	if len(second) > 0 {
		st.WriteSamples(second)
	}
	consumer.Commit(n)
	return n
}

func drainAll(consumer *ringbuf.Consumer[float32], st *State) {
	for readAvailable(consumer, st) > 0 {
	}
}
