package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/aoctl/internal/events"
	"github.com/loykin/aoctl/internal/process"
)

// ErrAlreadyRunning is returned by Start on a running scheduler.
var ErrAlreadyRunning = errors.New("scheduler already running")

// Evaluator runs one evaluation against the worker. *process.Supervisor
// satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, input string, opts process.EvalOptions) error
}

// Config is the schedule definition.
// MaxRetries is the number of consecutive failed ticks that stops the
// schedule; 0 stops on the first failure. OnError, when set, is evaluated
// once after the schedule stopped.
type Config struct {
	Interval   time.Duration `json:"interval"`
	Tick       string        `json:"tick"`
	MaxRetries int           `json:"maxRetries"`
	OnError    string        `json:"onError,omitempty"`
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("schedule interval must be > 0, got %s", c.Interval)
	}
	if c.Tick == "" {
		return errors.New("schedule requires a tick operation")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("schedule maxRetries must be >= 0, got %d", c.MaxRetries)
	}
	return nil
}

type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

func WithBus(b *events.Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

// Scheduler evaluates Config.Tick every Config.Interval. Ticks run one at a
// time on the loop goroutine; a slow tick delays the next one instead of
// overlapping it.
type Scheduler struct {
	ev  Evaluator
	cfg Config
	log *slog.Logger
	bus *events.Bus

	mu       sync.Mutex
	running  bool
	failures int
	quit     chan struct{}
	done     chan struct{}
}

func New(ev Evaluator, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{ev: ev, cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Config returns the schedule definition.
func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start begins ticking. The first tick happens one interval after Start.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if s.running {
		return ErrAlreadyRunning
	}
	s.startLocked()
	return nil
}

func (s *Scheduler) startLocked() {
	s.running = true
	s.failures = 0
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.cfg, s.quit, s.done)
	s.log.Info("schedule started", "tick", s.cfg.Tick, "interval", s.cfg.Interval, "max_retries", s.cfg.MaxRetries)
}

// Reconfigure replaces the schedule definition. A running scheduler is
// restarted under the new definition without passing through the stopped
// state; an in-flight tick completes under the old one and is discarded.
func (s *Scheduler) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if !s.running {
		return nil
	}
	close(s.quit)
	s.startLocked()
	return nil
}

// Stop prevents future ticks and resets the failure counter. An in-flight
// tick is not interrupted. Stop on a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.failures = 0
	close(s.quit)
	s.log.Info("schedule stopped", "tick", s.cfg.Tick)
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Failures is the current count of consecutive failed ticks.
func (s *Scheduler) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Done is closed when the tick loop has returned, after Stop or after an
// escalation. It is closed immediately if the scheduler never started.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return s.done
}

func (s *Scheduler) loop(cfg Config, quit, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-quit:
			return
		case <-t.C:
			if s.tick(cfg, quit) {
				return
			}
		}
	}
}

// tick runs one evaluation and reports whether the loop must end.
func (s *Scheduler) tick(cfg Config, quit chan struct{}) bool {
	begin := time.Now()
	err := s.ev.Evaluate(context.Background(), cfg.Tick, process.EvalOptions{Await: true, Timeout: cfg.Interval})

	s.mu.Lock()
	select {
	case <-quit:
		// stopped while the tick was in flight
		s.mu.Unlock()
		return true
	default:
	}
	if err == nil {
		s.failures = 0
		s.mu.Unlock()
		s.log.Debug("tick succeeded", "tick", cfg.Tick, "duration", time.Since(begin))
		events.Publish(s.bus, events.TickSucceeded{Tick: cfg.Tick, Duration: time.Since(begin), At: time.Now()})
		return false
	}
	s.failures++
	failures := s.failures
	escalate := failures >= cfg.MaxRetries
	if escalate {
		s.running = false
		s.failures = 0
		close(quit)
	}
	s.mu.Unlock()

	s.log.Warn("tick failed", "op", "tick", "name", cfg.Tick, "failures", failures, "max_retries", cfg.MaxRetries, "error", err)
	events.Publish(s.bus, events.TickFailed{Tick: cfg.Tick, Failures: failures, Err: err.Error(), At: time.Now()})
	if !escalate {
		return false
	}
	s.escalate(cfg, failures)
	return true
}

func (s *Scheduler) escalate(cfg Config, failures int) {
	s.log.Error("schedule stopped after consecutive failures", "tick", cfg.Tick, "failures", failures, "on_error", cfg.OnError)
	events.Publish(s.bus, events.ScheduleEscalated{Tick: cfg.Tick, OnError: cfg.OnError, Failures: failures, At: time.Now()})
	if cfg.OnError == "" {
		return
	}
	err := s.ev.Evaluate(context.Background(), cfg.OnError, process.EvalOptions{Await: true, Timeout: cfg.Interval})
	if err != nil {
		s.log.Error("error operation failed", "op", "on-error", "name", cfg.OnError, "error", err)
	}
}
