// Package devserver starts a project's development server, waits until it
// reports its URL and then starts the worker.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/aoctl/internal/env"
	"github.com/loykin/aoctl/internal/events"
	"github.com/loykin/aoctl/internal/logger"
	"github.com/loykin/aoctl/internal/process"
	"github.com/loykin/aoctl/internal/readiness"
)

// Defaults for RunOptions.
const (
	DefaultPackageManager = "npm"
	DefaultScript         = "dev"
	DefaultSignal         = "http://localhost:"
	DefaultTimeout        = 2 * time.Minute
	// stopGrace is how long Stop waits after SIGTERM before SIGKILL.
	stopGrace = 5 * time.Second
	// exitGrace bounds the wait for exit once the dev server closed stdout.
	exitGrace = 2 * time.Second
)

// Starter starts the worker once the dev server is ready.
type Starter interface {
	Start(ctx context.Context, opts process.StartOptions) (*process.Handle, error)
}

type Options struct {
	Starter Starter
	Bus     *events.Bus
	Logger  *slog.Logger
	Env     *env.Env
	// Output tees dev server output into a rotated "devserver" log file
	// when a file destination is configured.
	Output logger.Config
}

// Sequencer runs the dev server then worker sequence.
type Sequencer struct {
	starter Starter
	bus     *events.Bus
	log     *slog.Logger
	env     *env.Env
	output  logger.Config
}

func New(opts Options) *Sequencer {
	q := &Sequencer{
		starter: opts.Starter,
		bus:     opts.Bus,
		log:     opts.Logger,
		env:     opts.Env,
		output:  opts.Output,
	}
	if q.log == nil {
		q.log = slog.Default()
	}
	if q.env == nil {
		q.env = env.New()
	}
	return q
}

type RunOptions struct {
	Dir            string
	PackageManager string
	Script         string
	// Port is exported to the dev server as PORT when > 0.
	Port    int
	Env     []string
	Timeout time.Duration
	Signal  string
	// StartWorker starts the worker with Worker once the dev server is ready.
	StartWorker bool
	Worker      process.StartOptions
	// Out receives the dev server's stdout and stderr.
	Out io.Writer
}

// Session is a ready dev server and, optionally, its worker.
type Session struct {
	Worker *process.Handle

	cmd      *exec.Cmd
	done     chan struct{}
	err      error
	stopOnce sync.Once
}

// Wait blocks until the dev server exits.
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

// Done is closed when the dev server exits.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop terminates the dev server's process group and waits for it, killing
// it if it ignores SIGTERM. The worker is left alone.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		_ = signalGroup(s.cmd, false)
		select {
		case <-s.done:
		case <-time.After(stopGrace):
			_ = signalGroup(s.cmd, true)
			<-s.done
		}
	})
	return nil
}

func (s *Session) kill() {
	s.stopOnce.Do(func() {
		_ = signalGroup(s.cmd, true)
		<-s.done
	})
}

// awaitExit waits for the dev server to exit after its stdout closed. It
// gives up after exitGrace, at the readiness deadline or when ctx ends.
func (s *Session) awaitExit(ctx context.Context, deadline time.Time) error {
	wait := min(exitGrace, time.Until(deadline))
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrOutputClosed
	}
}

// Run starts `<pm> run <script>` in opts.Dir and returns once the readiness
// signal appeared on its stdout and the worker, if requested, started.
func (q *Sequencer) Run(ctx context.Context, opts RunOptions) (*Session, error) {
	pm := valOr(opts.PackageManager, DefaultPackageManager)
	script := valOr(opts.Script, DefaultScript)
	signal := valOr(opts.Signal, DefaultSignal)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	extra := append([]string(nil), opts.Env...)
	if opts.Port > 0 {
		extra = append(extra, "PORT="+strconv.Itoa(opts.Port))
	}
	cmd := exec.Command(pm, "run", script)
	cmd.Dir = opts.Dir
	cmd.Env = q.env.Merge(extra)
	cmd.WaitDelay = time.Second
	setGroup(cmd)

	out, closeOut := q.outputs(opts.Out)
	cmd.Stderr = out
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeOut()
		return nil, err
	}
	begin := time.Now()
	if err := cmd.Start(); err != nil {
		closeOut()
		q.log.Error("dev server spawn failed", "op", "dev", "name", pm, "error", err)
		return nil, &process.SpawnError{Op: "dev", Name: pm, Err: err}
	}
	q.log.Info("dev server started", "cmd", pm+" run "+script, "pid", cmd.Process.Pid, "port", opts.Port)

	sess := &Session{cmd: cmd, done: make(chan struct{})}
	chunks := make(chan []byte, 16)
	gateDone := make(chan struct{})
	pumped := make(chan struct{})
	go pump(stdout, out, chunks, gateDone, pumped)
	go func() {
		// Wait closes the stdout pipe, so reads must finish first.
		<-pumped
		sess.err = cmd.Wait()
		closeOut()
		close(sess.done)
	}()

	err = readiness.New(signal, timeout).AwaitChunks(ctx, chunks)
	close(gateDone)
	switch {
	case err == nil:
	case errors.Is(err, readiness.ErrStreamClosed):
		if err := sess.awaitExit(ctx, begin.Add(timeout)); err != nil {
			q.log.Error("dev server closed stdout before ready", "op", "dev", "name", pm, "error", err)
			sess.kill()
			return nil, err
		}
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		q.log.Error("dev server exited before ready", "op", "dev", "name", pm, "exit_code", code)
		return nil, &ExitError{Code: code}
	default:
		q.log.Error("dev server not ready", "op", "dev", "name", pm, "signal", signal, "error", err)
		sess.kill()
		return nil, err
	}

	elapsed := time.Since(begin)
	q.log.Info("dev server ready", "dir", opts.Dir, "elapsed", elapsed)
	events.Publish(q.bus, events.DevServerReady{Dir: opts.Dir, Elapsed: elapsed, At: time.Now()})

	if opts.StartWorker {
		if q.starter == nil {
			sess.kill()
			return nil, errors.New("dev: no worker starter configured")
		}
		h, err := q.starter.Start(ctx, opts.Worker)
		if err != nil {
			sess.kill()
			return nil, fmt.Errorf("start worker: %w", err)
		}
		sess.Worker = h
	}
	return sess, nil
}

// outputs combines the caller's writer with the optional log file. The
// returned writer is safe for the stdout pump and the stderr copier.
func (q *Sequencer) outputs(w io.Writer) (io.Writer, func()) {
	var ws []io.Writer
	if w != nil {
		ws = append(ws, w)
	}
	closeFn := func() {}
	if q.output.File.Enabled() {
		outW, _, err := q.output.ProcessWriters("devserver")
		if err != nil {
			q.log.Warn("dev server log file unavailable", "error", err)
		} else if outW != nil {
			ws = append(ws, outW)
			closeFn = func() { _ = outW.Close() }
		}
	}
	return &lockedWriter{w: io.MultiWriter(ws...)}, closeFn
}

// pump copies r to out and feeds chunks to the gate until it resolves.
func pump(r io.Reader, out io.Writer, chunks chan<- []byte, gateDone <-chan struct{}, finished chan<- struct{}) {
	defer close(finished)
	defer close(chunks)
	feeding := true
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			_, _ = out.Write(chunk)
			if feeding {
				select {
				case chunks <- chunk:
				case <-gateDone:
					feeding = false
				}
			}
		}
		if err != nil {
			return
		}
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func valOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
