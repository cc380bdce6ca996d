package aoctl

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/aoctl/internal/config"
	"github.com/loykin/aoctl/internal/devserver"
	"github.com/loykin/aoctl/internal/env"
	"github.com/loykin/aoctl/internal/events"
	"github.com/loykin/aoctl/internal/history"
	"github.com/loykin/aoctl/internal/history/factory"
	"github.com/loykin/aoctl/internal/logger"
	"github.com/loykin/aoctl/internal/metrics"
	"github.com/loykin/aoctl/internal/process"
	"github.com/loykin/aoctl/internal/scheduler"
	iapi "github.com/loykin/aoctl/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type LaunchOptions = process.LaunchOptions

type LaunchSpec = process.LaunchSpec

type Tag = process.Tag

type StartOptions = process.StartOptions

type Handle = process.Handle

type Status = process.Status

type EvalOptions = process.EvalOptions

type MonitorOptions = process.MonitorOptions

type WatchOptions = process.WatchOptions

type ListOptions = process.ListOptions

type Descriptor = process.Descriptor

type ScheduleConfig = scheduler.Config

type Scheduler = scheduler.Scheduler

type DevOptions = devserver.RunOptions

type DevSession = devserver.Session

type Sample = metrics.Sample

const (
	StdioInherit = process.StdioInherit
	StdioPipe    = process.StdioPipe
	StdioLog     = process.StdioLog
	StdioDiscard = process.StdioDiscard
)

// Options configure an App. Empty fields fall back to the project
// configuration and then to built-in defaults.
type Options struct {
	// Dir is the project directory holding ao.config.yml.
	Dir string
	// Home is the state directory for records; defaults to $AOCTL_HOME or ~/.aoctl.
	Home string
	// Worker overrides the worker executable.
	Worker   string
	LogLevel string
	// Logger replaces the logger built from the configuration.
	Logger *slog.Logger
	// Registerer receives the metrics collectors; nil skips registration.
	Registerer prometheus.Registerer
}

// App ties one project directory to its worker supervisor, event bus,
// metrics, and lifecycle history.
type App struct {
	dir    string
	home   string
	config Config
	log    *slog.Logger
	output logger.Config
	env    *env.Env
	bus    *events.Bus
	sup    *process.Supervisor

	recorder  *history.Recorder
	unobserve func()
}

// New loads the project configuration and wires the runtime around it.
func New(opts Options) (*App, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	c, err := cfg.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	home := opts.Home
	if home == "" {
		if home, err = process.DefaultHome(); err != nil {
			return nil, fmt.Errorf("state dir: %w", err)
		}
	}
	if opts.Worker != "" {
		c.Worker = opts.Worker
	}
	if opts.LogLevel != "" {
		c.Log.Level = opts.LogLevel
	}

	output := LoggerConfig(c)
	log := opts.Logger
	if log == nil {
		log = output.NewSlogger()
	}

	e := env.New()
	e.FromOS()
	for k, v := range c.Env {
		e.Set(k, v)
	}

	a := &App{
		dir:    dir,
		home:   home,
		config: c,
		log:    log,
		output: output,
		env:    e,
		bus:    events.New(),
	}
	a.sup = process.NewSupervisor(process.SupervisorOptions{
		Worker: c.Worker,
		Store:  process.NewFileRecordStore(home),
		Bus:    a.bus,
		Logger: log,
		Output: output,
		Env:    e,
	})

	if opts.Registerer != nil {
		if err := metrics.Register(opts.Registerer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		a.unobserve = metrics.Observe(a.bus)
	}
	if c.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			// history is best effort; the worker still runs without it
			log.Warn("history disabled", "dsn", c.History.DSN, "error", err)
		} else {
			a.recorder = history.Attach(a.bus, sink, log)
		}
	}
	return a, nil
}

// LoggerConfig maps the log section of a project configuration.
// Output files land in <log.dir> when it is set.
func LoggerConfig(c Config) logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:  c.Log.Level,
			Format: c.Log.Format,
			Color:  c.Log.Format != logger.FormatJSON,
		},
		File: logger.FileConfig{
			Dir:        c.Log.Dir,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

func (a *App) Dir() string                    { return a.dir }
func (a *App) Home() string                   { return a.home }
func (a *App) Config() Config                 { return a.config }
func (a *App) Logger() *slog.Logger           { return a.log }
func (a *App) Bus() *events.Bus               { return a.bus }
func (a *App) Output() logger.Config          { return a.output }
func (a *App) Worker() string                 { return a.sup.Worker() }
func (a *App) Status() Status                 { return a.sup.Status() }
func (a *App) Stop() error                    { return a.sup.Stop() }
func (a *App) Record() (process.Record, bool) { return a.sup.Record() }

// Launch resolves opts against the project configuration.
func (a *App) Launch(opts LaunchOptions) LaunchSpec {
	return process.BuildLaunchSpec(a.config, opts)
}

// Start launches the worker with a spec built from opts.
func (a *App) Start(ctx context.Context, opts LaunchOptions, stdio process.Stdio, detach bool) (*Handle, error) {
	return a.sup.Start(ctx, StartOptions{
		Dir:        a.dir,
		ConfigPath: a.configPath(),
		Launch:     a.Launch(opts),
		Stdio:      stdio,
		Detach:     detach,
	})
}

// Cron launches the worker for name with a cron frequency. The frequency
// must look like "<n>-<unit>", e.g. "10-minutes".
func (a *App) Cron(ctx context.Context, name, frequency string) (*Handle, error) {
	f, err := scheduler.ParseFrequency(frequency)
	if err != nil {
		return nil, err
	}
	return a.Start(ctx, LaunchOptions{Name: name, Cron: f.String()}, process.StdioLog, true)
}

func (a *App) Evaluate(ctx context.Context, input string, opts EvalOptions) error {
	if opts.Dir == "" {
		opts.Dir = a.dir
	}
	return a.sup.Evaluate(ctx, input, opts)
}

func (a *App) Monitor(ctx context.Context, opts MonitorOptions) error {
	if opts.Dir == "" {
		opts.Dir = a.dir
	}
	return a.sup.Monitor(ctx, opts)
}

func (a *App) Watch(ctx context.Context, opts WatchOptions) error {
	if opts.Dir == "" {
		opts.Dir = a.dir
	}
	return a.sup.Watch(ctx, opts)
}

func (a *App) List(ctx context.Context, opts ListOptions) (iter.Seq[Descriptor], error) {
	if opts.Dir == "" {
		opts.Dir = a.dir
	}
	return a.sup.List(ctx, opts)
}

// ScheduleOverride pins schedule fields over the project configuration.
// Zero fields and a nil MaxRetries keep the configured value.
type ScheduleOverride struct {
	Interval   time.Duration
	Tick       string
	MaxRetries *int
	OnError    string
}

// ScheduleConfig merges override over the schedule section of the project
// configuration.
func (a *App) ScheduleConfig(override ScheduleOverride) ScheduleConfig {
	return mergeSchedule(a.config.Schedule, override)
}

func mergeSchedule(s cfg.Schedule, override ScheduleOverride) ScheduleConfig {
	c := ScheduleConfig{Interval: s.Interval, Tick: s.Tick, MaxRetries: s.MaxRetries, OnError: s.OnError}
	if override.Interval > 0 {
		c.Interval = override.Interval
	}
	if override.Tick != "" {
		c.Tick = override.Tick
	}
	if override.MaxRetries != nil {
		c.MaxRetries = *override.MaxRetries
	}
	if override.OnError != "" {
		c.OnError = override.OnError
	}
	return c
}

// WatchConfig reconfigures sched whenever the schedule section of
// ao.config.yml changes. Fields set in override stay pinned. The returned
// function stops watching.
func (a *App) WatchConfig(sched *Scheduler, override ScheduleOverride) (func() error, error) {
	w := cfg.NewWatcher(a.configPath(), cfg.LoadFile, a.log)
	w.OnReload(func(c Config) {
		next := mergeSchedule(c.Schedule, override)
		if next == sched.Config() {
			return
		}
		if err := sched.Reconfigure(next); err != nil {
			a.log.Warn("ignoring schedule change", "path", a.configPath(), "error", err)
			return
		}
		a.log.Info("schedule reloaded", "tick", next.Tick, "interval", next.Interval, "max_retries", next.MaxRetries)
	})
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("watch %s: %w", cfg.FileName, err)
	}
	return w.Stop, nil
}

// NewScheduler builds a scheduler that evaluates through this App's worker.
func (a *App) NewScheduler(c ScheduleConfig) *Scheduler {
	return scheduler.New(evaluator{a}, c, scheduler.WithLogger(a.log), scheduler.WithBus(a.bus))
}

// ScheduleStore is the record of a foreground schedule run.
func (a *App) ScheduleStore() *scheduler.Store { return scheduler.NewStore(a.home) }

// Dev runs the dev server and, when opts.StartWorker is set, the worker.
func (a *App) Dev(ctx context.Context, opts DevOptions) (*DevSession, error) {
	if opts.Dir == "" {
		opts.Dir = a.dir
	}
	if opts.PackageManager == "" {
		opts.PackageManager = a.config.PackageManager
	}
	if opts.Port == 0 {
		opts.Port = a.config.Ports.Dev
	}
	if opts.StartWorker {
		w := &opts.Worker
		if w.Dir == "" {
			w.Dir = opts.Dir
		}
		if w.Launch.Name == "" {
			w.Launch = a.Launch(LaunchOptions{})
		}
		w.ConfigPath = a.configPath()
	}
	q := devserver.New(devserver.Options{
		Starter: a.sup,
		Bus:     a.bus,
		Logger:  a.log,
		Env:     a.env,
		Output:  a.output,
	})
	return q.Run(ctx, opts)
}

// NewSampler samples the recorded worker's resource usage.
func (a *App) NewSampler(interval time.Duration) *metrics.WorkerSampler {
	return metrics.NewWorkerSampler(interval, func() (string, int32, bool) {
		rec, ok := a.sup.Record()
		if !ok {
			return "", 0, false
		}
		return rec.Name, int32(rec.PID), true // #nosec G115 pids fit in int32
	})
}

// NewHTTPServer starts the status API on addr. It fails when addr cannot
// be bound.
func (a *App) NewHTTPServer(addr, basePath string, sched *Scheduler, sampler *metrics.WorkerSampler) (*http.Server, error) {
	opts := iapi.Options{BasePath: basePath, Worker: appWorker{a}, Metrics: metrics.Handler()}
	if sched != nil {
		opts.Schedule = sched
	}
	if sampler != nil {
		opts.Sampler = sampler
	}
	return iapi.NewServer(addr, opts)
}

// Close detaches metrics and history and releases the bus.
func (a *App) Close() error {
	var errs []error
	if a.unobserve != nil {
		a.unobserve()
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history: %w", err))
		}
	}
	if err := a.bus.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) configPath() string {
	p, err := filepath.Abs(cfg.Path(a.dir))
	if err != nil {
		return cfg.Path(a.dir)
	}
	return p
}

type evaluator struct{ a *App }

func (e evaluator) Evaluate(ctx context.Context, input string, opts EvalOptions) error {
	return e.a.Evaluate(ctx, input, opts)
}

type appWorker struct{ a *App }

func (w appWorker) Status() Status { return w.a.Status() }
func (w appWorker) Evaluate(ctx context.Context, input string, opts EvalOptions) error {
	return w.a.Evaluate(ctx, input, opts)
}

// LoadConfig reads <dir>/ao.config.yml merged over the defaults.
func LoadConfig(dir string) (Config, error) { return cfg.Load(dir) }

// Init writes <dir>/ao.config.yml listing the Lua files found under dir.
// An existing file keeps its settings; only luaFiles is refreshed.
func Init(dir string) (Config, error) {
	c, err := cfg.Load(dir)
	if err != nil {
		return Config{}, err
	}
	files, err := process.FindWorkerFiles(dir)
	if err != nil {
		return Config{}, err
	}
	c.LuaFiles = files
	if err := cfg.Save(cfg.Path(dir), c); err != nil {
		return Config{}, fmt.Errorf("write %s: %w", cfg.FileName, err)
	}
	return c, nil
}

// Files lists the worker source files under dir.
func Files(dir string) ([]string, error) { return process.FindWorkerFiles(dir) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ConfigPath returns the ao.config.yml path for a project directory.
func ConfigPath(dir string) string { return cfg.Path(dir) }
