package readiness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// ErrTimeout is matched by *TimeoutError via errors.Is.
	ErrTimeout = errors.New("readiness timeout")
	// ErrStreamClosed is returned when the stream ends before the signal appears.
	ErrStreamClosed = errors.New("stream closed before readiness signal")
	// ErrGateUsed is returned when Await is called on a gate more than once.
	ErrGateUsed = errors.New("readiness gate already used")
)

// TimeoutError reports that the signal did not appear within the deadline.
type TimeoutError struct {
	Signal  string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("readiness signal %q not seen after %s", e.Signal, e.Elapsed.Round(time.Millisecond))
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Gate waits for a textual signal in a stream of output chunks.
// A Gate serves exactly one Await call.
type Gate struct {
	signal  string
	timeout time.Duration
	used    atomic.Bool
}

// New returns a gate for signal. A non-positive timeout waits until the
// stream closes or the context is cancelled.
func New(signal string, timeout time.Duration) *Gate {
	return &Gate{signal: signal, timeout: timeout}
}

func (g *Gate) Signal() string { return g.signal }

// AwaitChunks consumes chunks until one completes the signal.
// The caller owns the channel and the producer behind it; the gate never
// closes either. Once AwaitChunks returns, it no longer receives.
func (g *Gate) AwaitChunks(ctx context.Context, chunks <-chan []byte) error {
	if !g.used.CompareAndSwap(false, true) {
		return ErrGateUsed
	}
	start := time.Now()
	var deadline <-chan time.Time
	if g.timeout > 0 {
		t := time.NewTimer(g.timeout)
		defer t.Stop()
		deadline = t.C
	}

	// Carry the last len(signal)-1 bytes so a signal split across two chunks
	// is still found without keeping the whole stream.
	keep := len(g.signal) - 1
	if keep < 0 {
		keep = 0
	}
	var tail string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return &TimeoutError{Signal: g.signal, Elapsed: time.Since(start)}
		case chunk, ok := <-chunks:
			if !ok {
				return ErrStreamClosed
			}
			window := tail + string(chunk)
			if strings.Contains(window, g.signal) {
				return nil
			}
			if len(window) > keep {
				window = window[len(window)-keep:]
			}
			tail = window
		}
	}
}

// Await reads r in chunks and waits for the signal. The reader is not closed;
// a reader blocked in Read when Await returns is left to the caller.
func (g *Gate) Await(ctx context.Context, r io.Reader) error {
	chunks := make(chan []byte)
	done := make(chan struct{})
	defer close(done)
	go pump(r, chunks, done)
	return g.AwaitChunks(ctx, chunks)
}

func pump(r io.Reader, out chan<- []byte, done <-chan struct{}) {
	defer close(out)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}
