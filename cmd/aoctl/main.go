package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot(os.Stdout)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := &command{global: globalFlags, out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createStartCommand(c, &StartFlags{}),
		createStopCommand(c),
		createStatusCommand(c),
		createMonitorCommand(c, &MonitorFlags{}),
		createWatchCommand(c, &WatchFlags{}),
		createListCommand(c, &ListFlags{}),
		createCronCommand(c),
		createEvalCommand(c, &EvalFlags{}),
		createScheduleCommand(c, &ScheduleFlags{}),
		createScheduleStopCommand(c),
		createScheduleStatusCommand(c, &ScheduleStatusFlags{}),
		createDevCommand(c, &DevFlags{}),
		createInitCommand(c),
		createFilesCommand(c),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "aoctl",
		Short: "Run, schedule, and monitor an AO worker process",
		Long: `aoctl supervises the aos worker for a project: it starts and stops the
worker, evaluates code against it on a schedule with bounded retries, and runs
a development server with the worker started once the server is ready.

Examples:
  aoctl start --name=alpha --load=src/main.lua --detach
  aoctl eval 'Send({Target = ao.id, Action = "Tick"})' --await
  aoctl schedule --tick=Tick --interval=60000 --max-retries=3 --listen=:8080
  aoctl dev --with-worker`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.Dir, "dir", ".", "project directory containing ao.config.yml")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&flags.Worker, "worker", "", "worker executable (default from config, else aos)")
	return root
}

func createStartCommand(c *command, f *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"run", "process"},
		Short:   "Start the worker process",
		Long: `Start the worker with flags merged over ao.config.yml. Without --detach the
worker shares this terminal and is stopped on interrupt.

Examples:
  aoctl start --name=alpha
  aoctl start --load=a.lua --load=b.lua --tag-name=App --tag-value=demo
  aoctl run --cron=10-minutes --detach`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "process name (default processName from config)")
	cmd.Flags().StringVar(&f.Wallet, "wallet", "", "wallet file")
	cmd.Flags().StringVar(&f.Data, "data", "", "data file")
	cmd.Flags().StringArrayVar(&f.TagNames, "tag-name", nil, "tag name (repeatable, paired with --tag-value)")
	cmd.Flags().StringArrayVar(&f.TagValues, "tag-value", nil, "tag value (repeatable, paired with --tag-name)")
	cmd.Flags().StringVar(&f.Module, "module", "", "module id")
	cmd.Flags().StringVar(&f.Cron, "cron", "", "cron frequency, e.g. 10-minutes")
	cmd.Flags().BoolVar(&f.Monitor, "monitor", false, "monitor the process")
	cmd.Flags().BoolVar(&f.SQLite, "sqlite", false, "use the sqlite module")
	cmd.Flags().StringVar(&f.GatewayURL, "gateway-url", "", "gateway URL")
	cmd.Flags().StringVar(&f.CUURL, "cu-url", "", "compute unit URL")
	cmd.Flags().StringVar(&f.MUURL, "mu-url", "", "messenger unit URL")
	cmd.Flags().StringArrayVar(&f.Load, "load", nil, "Lua file to load (repeatable; default luaFiles from config)")
	cmd.Flags().BoolVar(&f.Detach, "detach", false, "run in the background with output in log files")
	return cmd
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the recorded worker process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop()
		},
	}
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the worker process status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status()
		},
	}
}

func createMonitorCommand(c *command, f *MonitorFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor [name]",
		Short: "Stream messages of a process",
		Long: `Stream the worker's monitor output. The name defaults to the recorded worker.
--filter keeps only lines matching a glob ('*' any run, '?' one character).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return c.Monitor(cmd.Context(), name, *f)
		},
	}
	cmd.Flags().StringVar(&f.Pattern, "pattern", "", "worker-side message pattern")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "JSON output")
	cmd.Flags().StringVar(&f.Filter, "filter", "", "glob applied to each output line")
	return cmd
}

func createWatchCommand(c *command, f *WatchFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <name> <pattern>",
		Short: "Wait for messages matching a pattern",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Watch(cmd.Context(), args[0], args[1], *f)
		},
	}
	cmd.Flags().IntVar(&f.TimeoutMS, "timeout", 0, "timeout in milliseconds")
	cmd.Flags().IntVar(&f.Count, "count", 0, "number of messages to wait for")
	return cmd
}

func createListCommand(c *command, f *ListFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List processes known to the worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Filter, "filter", "", "glob matched against process names")
	return cmd
}

func createCronCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "cron <name> <frequency>",
		Short: "Start an existing process with a cron frequency",
		Long: `Start the named process in the background with --cron.
The frequency is <n>-<unit> with unit second(s), minute(s), hour(s) or day(s).

Examples:
  aoctl cron alpha 10-minutes`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Cron(cmd.Context(), args[0], args[1])
		},
	}
}

func createEvalCommand(c *command, f *EvalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval <input>",
		Short: "Evaluate input in the running worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Eval(cmd.Context(), args[0], *f)
		},
	}
	cmd.Flags().BoolVar(&f.Await, "await", false, "wait for the response")
	cmd.Flags().IntVar(&f.TimeoutMS, "timeout", 0, "response timeout in milliseconds (default 30000 with --await)")
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "evaluate through a running schedule API (e.g. http://127.0.0.1:8080)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 60*time.Second, "request timeout")
	return cmd
}

func createScheduleCommand(c *command, f *ScheduleFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Evaluate a tick operation periodically",
		Long: `Evaluate --tick every --interval milliseconds in the foreground. After
--max-retries consecutive failures the schedule stops and --on-error is
evaluated once. Values not given fall back to the schedule section of
ao.config.yml.

Examples:
  aoctl schedule --tick=Tick --interval=60000
  aoctl schedule --listen=127.0.0.1:8080 --watch-config`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Schedule(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.IntervalMS, "interval", 0, "tick interval in milliseconds")
	cmd.Flags().StringVar(&f.Tick, "tick", "", "operation evaluated on every tick")
	cmd.Flags().IntVar(&f.MaxRetries, "max-retries", -1, "consecutive failures before stopping (default from config)")
	cmd.Flags().StringVar(&f.OnError, "on-error", "", "operation evaluated once after the schedule stops")
	cmd.Flags().StringVar(&f.Listen, "listen", "", "serve the status API and /metrics on this address")
	cmd.Flags().BoolVar(&f.WatchConfig, "watch-config", false, "reload the schedule when ao.config.yml changes")
	return cmd
}

func createScheduleStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule-stop",
		Short: "Stop the running schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ScheduleStop()
		},
	}
}

func createScheduleStatusCommand(c *command, f *ScheduleStatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule-status",
		Short: "Show the schedule status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ScheduleStatus(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "query a running schedule API instead of the local record")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

func createDevCommand(c *command, f *DevFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Run the development server, then the worker",
		Long: `Run '<packageManager> run dev' and wait for its readiness line. With
--with-worker (or runWithAO in ao.config.yml) the worker starts once the
server is ready.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Dev(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.Port, "port", 0, "dev server port (default ports.dev from config)")
	cmd.Flags().IntVar(&f.TimeoutMS, "timeout", 0, "readiness timeout in milliseconds (default 120000)")
	cmd.Flags().StringVar(&f.Script, "script", "", "package script to run (default dev)")
	cmd.Flags().StringVar(&f.Signal, "signal", "", "readiness text to wait for (default http://localhost:)")
	cmd.Flags().BoolVar(&f.WithWorker, "with-worker", false, "start the worker once the server is ready")
	return cmd
}

func createInitCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write ao.config.yml listing the project's Lua files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Init()
		},
	}
}

func createFilesCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "files",
		Short: "List the project's Lua files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Files()
		},
	}
}
