package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/aoctl/internal/detector"
	"github.com/loykin/aoctl/internal/env"
	"github.com/loykin/aoctl/internal/events"
	"github.com/loykin/aoctl/internal/logger"
)

// DefaultWorker is the worker executable looked up on PATH.
const DefaultWorker = "aos"

// Stdio selects how the worker's standard streams are wired.
type Stdio int

const (
	// StdioInherit shares the caller's terminal.
	StdioInherit Stdio = iota
	// StdioPipe exposes stdout and stderr on the Handle.
	StdioPipe
	// StdioLog writes both streams to rotated files.
	StdioLog
	// StdioDiscard drops all output.
	StdioDiscard
)

// SupervisorOptions configure a Supervisor. Zero values are usable.
type SupervisorOptions struct {
	Worker string
	Store  RecordStore
	Bus    *events.Bus
	Logger *slog.Logger
	// Output is used for StdioLog.
	Output logger.Config
	// Env is the base environment for every spawned command.
	Env *env.Env
}

// Supervisor launches and tracks the single worker process and runs the
// worker's one-shot subcommands.
type Supervisor struct {
	worker string
	store  RecordStore
	bus    *events.Bus
	log    *slog.Logger
	output logger.Config
	env    *env.Env

	mu     sync.Mutex
	state  State
	handle *Handle

	// evalMu serializes one-shot evaluations so a scheduled tick and a
	// manual eval never interleave.
	evalMu sync.Mutex
}

func NewSupervisor(opts SupervisorOptions) *Supervisor {
	s := &Supervisor{
		worker: opts.Worker,
		store:  opts.Store,
		bus:    opts.Bus,
		log:    opts.Logger,
		output: opts.Output,
		env:    opts.Env,
	}
	if s.worker == "" {
		s.worker = DefaultWorker
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.env == nil {
		s.env = env.New()
	}
	return s
}

// Worker returns the executable the supervisor invokes.
func (s *Supervisor) Worker() string { return s.worker }

// StartOptions describe one worker launch.
type StartOptions struct {
	Dir        string
	ConfigPath string
	Launch     LaunchSpec
	Stdio      Stdio
	// Env holds extra K=V pairs applied last.
	Env []string
	// Detach starts the worker in its own session so it outlives the caller.
	Detach bool
}

// Handle refers to a worker started by this Supervisor.
type Handle struct {
	PID       int
	Name      string
	StartedAt time.Time
	// Stdout and Stderr are set only for StdioPipe. The caller must drain
	// them; they reach EOF when the worker exits.
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	cmd     *exec.Cmd
	done    chan struct{}
	err     error
	stopped atomic.Bool
}

// Done is closed once the worker has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the worker exits and returns its exit error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Start spawns the worker. It refuses while a worker is starting, running,
// or recorded on disk with a live PID.
func (s *Supervisor) Start(ctx context.Context, opts StartOptions) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := opts.Launch.Name

	s.mu.Lock()
	if s.state == StateStarting || s.state == StateRunning {
		s.mu.Unlock()
		return nil, ErrProcessAlreadyRunning
	}
	if rec, ok := s.liveRecord(); ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (pid %d)", ErrProcessAlreadyRunning, rec.Name, rec.PID)
	}
	s.state = StateStarting
	s.mu.Unlock()

	cmd := exec.Command(s.worker, opts.Launch.Args()...)
	cmd.Dir = opts.Dir
	cmd.Env = s.env.Merge(opts.Env)
	configureSysProcAttr(cmd, opts.Detach)

	w, err := s.wireStdio(cmd, name, opts.Stdio, opts.Detach)
	if err != nil {
		s.setState(StateIdle)
		return nil, &SpawnError{Op: "start", Name: name, Err: err}
	}
	if err := cmd.Start(); err != nil {
		w.abort()
		s.setState(StateIdle)
		s.log.Error("worker spawn failed", "op", "start", "name", name, "worker", s.worker, "error", err)
		return nil, &SpawnError{Op: "start", Name: name, Err: err}
	}
	w.started()

	pid := cmd.Process.Pid
	h := &Handle{
		PID:       pid,
		Name:      name,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	if w.stdoutR != nil {
		h.Stdout, h.Stderr = w.stdoutR, w.stderrR
	}
	rec := Record{
		PID:        pid,
		Name:       name,
		StartTime:  h.StartedAt,
		ConfigPath: opts.ConfigPath,
		StartUnix:  detector.ProcStartUnix(pid),
	}
	if s.store != nil {
		if err := s.store.Save(rec); err != nil {
			s.log.Warn("failed to write process record", "op", "start", "name", name, "pid", pid, "error", err)
		}
	}

	s.mu.Lock()
	s.state = StateRunning
	s.handle = h
	s.mu.Unlock()

	s.log.Info("worker started", "name", name, "pid", pid, "dir", opts.Dir)
	events.Publish(s.bus, events.ProcessStarted{Name: name, PID: pid, Dir: opts.Dir, StartedAt: h.StartedAt})

	go s.wait(h, w)
	return h, nil
}

func (s *Supervisor) wait(h *Handle, w *wiring) {
	err := h.cmd.Wait()
	w.close()

	s.mu.Lock()
	if s.handle == h {
		s.state = StateStopped
	}
	s.mu.Unlock()

	h.err = err
	close(h.done)

	if h.stopped.Load() {
		return
	}
	ev := events.ProcessStopped{Name: h.Name, PID: h.PID, StoppedAt: time.Now()}
	if err != nil {
		ev.Err = err.Error()
		s.log.Warn("worker exited", "name", h.Name, "pid", h.PID, "error", err)
	} else {
		s.log.Info("worker exited", "name", h.Name, "pid", h.PID)
	}
	events.Publish(s.bus, ev)
}

// Stop signals the recorded worker and forgets it. It does not wait for
// the process to exit. Without a record Stop is a no-op.
func (s *Supervisor) Stop() error {
	rec, ok := s.loadRecord("stop")

	s.mu.Lock()
	h := s.handle
	if !ok && h != nil && s.state == StateRunning {
		rec = Record{PID: h.PID, Name: h.Name, StartTime: h.StartedAt}
		ok = true
	}
	if ok {
		s.state = StateStopped
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if h != nil && h.PID == rec.PID {
		h.stopped.Store(true)
	}

	d := detector.PIDDetector{PID: rec.PID, StartUnix: rec.StartUnix}
	if alive, _ := d.Alive(); alive {
		if err := terminate(rec.PID); err != nil {
			s.log.Warn("failed to signal worker", "op", "stop", "name", rec.Name, "pid", rec.PID, "error", err)
		}
	} else {
		s.log.Info("worker not running, dropping stale record", "name", rec.Name, "pid", rec.PID)
	}

	var err error
	if s.store != nil {
		if derr := s.store.Delete(); derr != nil {
			err = fmt.Errorf("delete process record: %w", derr)
		}
	}
	s.log.Info("worker stopped", "name", rec.Name, "pid", rec.PID)
	events.Publish(s.bus, events.ProcessStopped{Name: rec.Name, PID: rec.PID, StoppedAt: time.Now()})
	return err
}

// Status reports the in-memory state and the persisted record's liveness.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{State: s.state.String()}
	s.mu.Unlock()

	rec, ok := s.loadRecord("status")
	if !ok {
		return st
	}
	st.Record = &rec
	d := detector.PIDDetector{PID: rec.PID, StartUnix: rec.StartUnix}
	if alive, _ := d.Alive(); alive {
		st.Alive = true
		st.DetectedBy = d.Describe()
	}
	return st
}

// Record returns the persisted record, if any.
func (s *Supervisor) Record() (Record, bool) { return s.loadRecord("record") }

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// loadRecord degrades an unreadable record to "none".
func (s *Supervisor) loadRecord(op string) (Record, bool) {
	if s.store == nil {
		return Record{}, false
	}
	rec, ok, err := s.store.Load()
	if err != nil {
		s.log.Warn("ignoring unreadable process record", "op", op, "error", err)
		return Record{}, false
	}
	return rec, ok
}

func (s *Supervisor) liveRecord() (Record, bool) {
	rec, ok := s.loadRecord("start")
	if !ok {
		return Record{}, false
	}
	alive, _ := detector.PIDDetector{PID: rec.PID, StartUnix: rec.StartUnix}.Alive()
	return rec, alive
}

// wiring owns the stream endpoints of one spawned worker.
type wiring struct {
	stdoutR, stderrR *os.File
	stdoutW, stderrW *os.File
	parentFiles      []*os.File
	closers          []io.Closer
}

func (s *Supervisor) wireStdio(cmd *exec.Cmd, name string, mode Stdio, detach bool) (*wiring, error) {
	w := &wiring{}
	switch mode {
	case StdioInherit:
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	case StdioPipe:
		// os.Pipe rather than cmd.StdoutPipe: Wait must not close the read
		// ends while the caller is still draining them.
		or, ow, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		er, ew, err := os.Pipe()
		if err != nil {
			_ = or.Close()
			_ = ow.Close()
			return nil, err
		}
		w.stdoutR, w.stdoutW, w.stderrR, w.stderrW = or, ow, er, ew
		cmd.Stdout = ow
		cmd.Stderr = ew
	case StdioLog:
		if detach {
			// Plain files so the child owns its descriptors; a writer that
			// is not an *os.File would be fed through a pipe copied by
			// this process and die with it.
			outF, errF, err := s.output.ProcessFiles(name)
			if err != nil {
				return nil, err
			}
			if outF != nil {
				cmd.Stdout = outF
				w.parentFiles = append(w.parentFiles, outF)
			}
			if errF != nil {
				cmd.Stderr = errF
				w.parentFiles = append(w.parentFiles, errF)
			}
			break
		}
		outW, errW, err := s.output.ProcessWriters(name)
		if err != nil {
			return nil, err
		}
		if outW != nil {
			cmd.Stdout = outW
			w.closers = append(w.closers, outW)
		}
		if errW != nil {
			cmd.Stderr = errW
			w.closers = append(w.closers, errW)
		}
	}
	return w, nil
}

// started releases the parent's copies of the pipe write ends and of any
// files handed to the child.
func (w *wiring) started() {
	for _, f := range w.parentFiles {
		_ = f.Close()
	}
	w.parentFiles = nil
	if w.stdoutW != nil {
		_ = w.stdoutW.Close()
	}
	if w.stderrW != nil {
		_ = w.stderrW.Close()
	}
}

func (w *wiring) abort() {
	w.started()
	if w.stdoutR != nil {
		_ = w.stdoutR.Close()
	}
	if w.stderrR != nil {
		_ = w.stderrR.Close()
	}
	w.close()
}

func (w *wiring) close() {
	for _, c := range w.closers {
		_ = c.Close()
	}
	w.closers = nil
}
