package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/aoctl"
	"github.com/loykin/aoctl/internal/detector"
	"github.com/loykin/aoctl/internal/scheduler"
	"github.com/loykin/aoctl/pkg/client"
)

// samplerInterval is how often `schedule --listen` samples the worker.
const samplerInterval = 5 * time.Second

type command struct {
	global *GlobalFlags
	out    io.Writer
}

func (c *command) app() (*aoctl.App, error) {
	return aoctl.New(aoctl.Options{
		Dir:        c.global.Dir,
		Worker:     c.global.Worker,
		LogLevel:   c.global.LogLevel,
		Registerer: prometheus.DefaultRegisterer,
	})
}

func (c *command) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

// withApp opens the project, runs fn, and releases the project.
func (c *command) withApp(fn func(app *aoctl.App) error) error {
	app, err := c.app()
	if err != nil {
		return err
	}
	err = fn(app)
	if cerr := app.Close(); cerr != nil {
		app.Logger().Debug("close", "error", cerr)
	}
	return err
}

// Start launches the worker. Without --detach it runs in the foreground
// until it exits or the command is interrupted.
func (c *command) Start(ctx context.Context, f StartFlags) error {
	tags, err := pairTags(f.TagNames, f.TagValues)
	if err != nil {
		return err
	}
	opts := aoctl.LaunchOptions{
		Name:       f.Name,
		Wallet:     f.Wallet,
		Load:       f.Load,
		Data:       f.Data,
		Tags:       tags,
		Module:     f.Module,
		Cron:       f.Cron,
		Monitor:    f.Monitor,
		SQLite:     f.SQLite,
		GatewayURL: f.GatewayURL,
		CUURL:      f.CUURL,
		MUURL:      f.MUURL,
	}
	return c.withApp(func(app *aoctl.App) error {
		if f.Detach {
			h, err := app.Start(ctx, opts, aoctl.StdioLog, true)
			if err != nil {
				return err
			}
			c.printf("started %s (pid %d)\n", h.Name, h.PID)
			return nil
		}
		h, err := app.Start(ctx, opts, aoctl.StdioInherit, false)
		if err != nil {
			return err
		}
		select {
		case <-h.Done():
			werr := h.Wait()
			// clears the record of the exited worker
			_ = app.Stop()
			if werr != nil {
				return fmt.Errorf("worker %s exited: %w", h.Name, werr)
			}
			return nil
		case <-ctx.Done():
			if err := app.Stop(); err != nil {
				return err
			}
			<-h.Done()
			return nil
		}
	})
}

func (c *command) Stop() error {
	return c.withApp(func(app *aoctl.App) error {
		rec, ok := app.Record()
		if !ok {
			c.printf("no worker running\n")
			return nil
		}
		if err := app.Stop(); err != nil {
			return err
		}
		c.printf("stopped %s (pid %d)\n", rec.Name, rec.PID)
		return nil
	})
}

func (c *command) Status() error {
	return c.withApp(func(app *aoctl.App) error {
		printJSON(c.out, app.Status())
		return nil
	})
}

func (c *command) Monitor(ctx context.Context, name string, f MonitorFlags) error {
	return c.withApp(func(app *aoctl.App) error {
		return app.Monitor(ctx, aoctl.MonitorOptions{
			Name:    name,
			Pattern: f.Pattern,
			JSON:    f.JSON,
			Filter:  f.Filter,
			Out:     c.out,
		})
	})
}

func (c *command) Watch(ctx context.Context, name, pattern string, f WatchFlags) error {
	return c.withApp(func(app *aoctl.App) error {
		return app.Watch(ctx, aoctl.WatchOptions{
			Name:    name,
			Pattern: pattern,
			Timeout: time.Duration(f.TimeoutMS) * time.Millisecond,
			Count:   f.Count,
			Out:     c.out,
		})
	})
}

func (c *command) List(ctx context.Context, f ListFlags) error {
	return c.withApp(func(app *aoctl.App) error {
		seq, err := app.List(ctx, aoctl.ListOptions{Filter: f.Filter})
		if err != nil {
			return err
		}
		for d := range seq {
			c.printf("%s\n", d.Raw)
		}
		return nil
	})
}

func (c *command) Cron(ctx context.Context, name, frequency string) error {
	return c.withApp(func(app *aoctl.App) error {
		h, err := app.Cron(ctx, name, frequency)
		if err != nil {
			return err
		}
		c.printf("started %s with cron %s (pid %d)\n", h.Name, frequency, h.PID)
		return nil
	})
}

func (c *command) Eval(ctx context.Context, input string, f EvalFlags) error {
	if f.APIUrl != "" {
		cl, err := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
		if err != nil {
			return err
		}
		return cl.Eval(ctx, client.EvalRequest{Input: input, Await: f.Await, TimeoutMS: int64(f.TimeoutMS)})
	}
	return c.withApp(func(app *aoctl.App) error {
		return app.Evaluate(ctx, input, aoctl.EvalOptions{
			Await:   f.Await,
			Timeout: time.Duration(f.TimeoutMS) * time.Millisecond,
			Out:     c.out,
		})
	})
}

// Schedule runs the scheduler in the foreground until interrupted. Without
// --listen it also returns once the schedule escalates.
func (c *command) Schedule(ctx context.Context, f ScheduleFlags) error {
	return c.withApp(func(app *aoctl.App) error {
		store := app.ScheduleStore()
		if rec, ok := liveSchedule(store); ok {
			return fmt.Errorf("%w: pid %d", scheduler.ErrAlreadyRunning, rec.PID)
		}

		override := aoctl.ScheduleOverride{
			Interval: time.Duration(f.IntervalMS) * time.Millisecond,
			Tick:     f.Tick,
			OnError:  f.OnError,
		}
		if f.MaxRetries >= 0 {
			override.MaxRetries = &f.MaxRetries
		}
		sc := app.ScheduleConfig(override)
		sched := app.NewScheduler(sc)
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()

		pid := os.Getpid()
		rec := scheduler.Record{PID: pid, Config: sc, StartedAt: time.Now(), StartUnix: detector.ProcStartUnix(pid)}
		if err := store.Save(rec); err != nil {
			app.Logger().Warn("failed to write schedule record", "path", store.Path, "error", err)
		}
		defer func() { _ = store.Delete() }()

		if f.WatchConfig {
			stop, err := app.WatchConfig(sched, override)
			if err != nil {
				return err
			}
			defer func() { _ = stop() }()
		}

		if f.Listen != "" {
			sampler := app.NewSampler(samplerInterval)
			sampler.Start(ctx)
			defer sampler.Stop()
			srv, err := app.NewHTTPServer(f.Listen, "", sched, sampler)
			if err != nil {
				return fmt.Errorf("listen %s: %w", f.Listen, err)
			}
			c.printf("schedule API listening on %s\n", srv.Addr)
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}

		for {
			done := sched.Done()
			select {
			case <-ctx.Done():
				return nil
			case <-done:
				if sched.Running() {
					// restarted by a config reload
					continue
				}
				cur := sched.Config()
				return fmt.Errorf("schedule %q stopped after %d consecutive failures", cur.Tick, max(cur.MaxRetries, 1))
			}
		}
	})
}

// ScheduleStop signals the foreground schedule recorded in the state dir.
func (c *command) ScheduleStop() error {
	return c.withApp(func(app *aoctl.App) error {
		store := app.ScheduleStore()
		rec, ok, err := store.Load()
		if err != nil {
			return err
		}
		if !ok {
			c.printf("no schedule running\n")
			return nil
		}
		alive, _ := detector.PIDDetector{PID: rec.PID, StartUnix: rec.StartUnix}.Alive()
		if !alive {
			app.Logger().Info("schedule not running, dropping stale record", "pid", rec.PID)
			return store.Delete()
		}
		if err := signalStop(rec.PID); err != nil {
			return fmt.Errorf("signal schedule pid %d: %w", rec.PID, err)
		}
		c.printf("stopping schedule %q (pid %d)\n", rec.Config.Tick, rec.PID)
		return nil
	})
}

// ScheduleStatusView is printed by `schedule-status` without --api-url.
type ScheduleStatusView struct {
	Running   bool              `json:"running"`
	PID       int               `json:"pid,omitempty"`
	StartedAt time.Time         `json:"startedAt,omitzero"`
	Config    *scheduler.Config `json:"config,omitempty"`
}

func (c *command) ScheduleStatus(ctx context.Context, f ScheduleStatusFlags) error {
	if f.APIUrl != "" {
		cl, err := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
		if err != nil {
			return err
		}
		st, err := cl.Status(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, st)
		return nil
	}
	return c.withApp(func(app *aoctl.App) error {
		rec, ok, err := app.ScheduleStore().Load()
		if err != nil {
			return err
		}
		view := ScheduleStatusView{}
		if ok {
			alive, _ := detector.PIDDetector{PID: rec.PID, StartUnix: rec.StartUnix}.Alive()
			view = ScheduleStatusView{Running: alive, PID: rec.PID, StartedAt: rec.StartedAt, Config: &rec.Config}
		}
		printJSON(c.out, view)
		return nil
	})
}

// Dev starts the dev server, optionally followed by the worker, and keeps
// both running until the dev server exits or the command is interrupted.
func (c *command) Dev(ctx context.Context, f DevFlags) error {
	return c.withApp(func(app *aoctl.App) error {
		sess, err := app.Dev(ctx, aoctl.DevOptions{
			Port:        f.Port,
			Timeout:     time.Duration(f.TimeoutMS) * time.Millisecond,
			Script:      f.Script,
			Signal:      f.Signal,
			StartWorker: f.WithWorker || app.Config().RunWithAO,
			Worker:      aoctl.StartOptions{Stdio: aoctl.StdioLog},
			Out:         c.out,
		})
		if err != nil {
			return err
		}
		if sess.Worker != nil {
			c.printf("worker %s started (pid %d)\n", sess.Worker.Name, sess.Worker.PID)
		}
		select {
		case <-sess.Done():
		case <-ctx.Done():
			_ = sess.Stop()
		}
		if sess.Worker != nil {
			if err := app.Stop(); err != nil {
				app.Logger().Warn("failed to stop worker", "op", "dev", "error", err)
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := sess.Wait(); err != nil {
			return fmt.Errorf("dev server exited: %w", err)
		}
		return nil
	})
}

func (c *command) Init() error {
	cfg, err := aoctl.Init(c.dir())
	if err != nil {
		return err
	}
	c.printf("wrote %s (%d lua files)\n", aoctl.ConfigPath(c.dir()), len(cfg.LuaFiles))
	return nil
}

func (c *command) Files() error {
	files, err := aoctl.Files(c.dir())
	if err != nil {
		return err
	}
	for _, f := range files {
		c.printf("%s\n", f)
	}
	return nil
}

func (c *command) dir() string {
	if c.global.Dir == "" {
		return "."
	}
	return c.global.Dir
}

func liveSchedule(store *scheduler.Store) (scheduler.Record, bool) {
	rec, ok, err := store.Load()
	if err != nil || !ok {
		return scheduler.Record{}, false
	}
	alive, _ := detector.PIDDetector{PID: rec.PID, StartUnix: rec.StartUnix}.Alive()
	return rec, alive
}
