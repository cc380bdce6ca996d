package process

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/aoctl/internal/env"
	"github.com/loykin/aoctl/internal/events"
	"github.com/loykin/aoctl/internal/logger"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

// fakeWorker stands in for the worker executable. Every invocation writes
// its argv, one per line, to $AOCTL_FAKE_ARGS.
const fakeWorker = `#!/bin/sh
printf '%s\n' "$@" > "$AOCTL_FAKE_ARGS"
case "$1" in
eval)
	case "$2" in
	fail) echo "boom" >&2; exit 3 ;;
	slow) sleep 5 ;;
	esac
	echo "ok:$2"
	exit 0
	;;
list)
	printf 'alpha id-1\n\nbeta id-2\ngamma\n'
	exit 0
	;;
monitor)
	printf 'tick 1\nnoise\ntick 2\n'
	exit 0
	;;
watch)
	echo "matched $3"
	exit 0
	;;
broken)
	exit 9
	;;
say)
	echo "hello from worker"
	echo "oops" >&2
	exit 0
	;;
esac
exec sleep 30
`

type fixture struct {
	dir      string
	worker   string
	argsFile string
	store    *FileRecordStore
	bus      *events.Bus
	sup      *Supervisor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	requireUnix(t)
	dir := t.TempDir()
	worker := filepath.Join(dir, "aos")
	require.NoError(t, os.WriteFile(worker, []byte(fakeWorker), 0o755))
	f := &fixture{
		dir:      dir,
		worker:   worker,
		argsFile: filepath.Join(dir, "args.txt"),
		store:    NewFileRecordStore(filepath.Join(dir, "home")),
		bus:      events.New(),
	}
	t.Cleanup(func() { _ = f.bus.Close() })
	f.sup = f.newSupervisor()
	t.Cleanup(func() { _ = f.sup.Stop() })
	return f
}

func (f *fixture) newSupervisor() *Supervisor {
	return NewSupervisor(SupervisorOptions{
		Worker: f.worker,
		Store:  f.store,
		Bus:    f.bus,
		Env:    env.FromMap(map[string]string{"AOCTL_FAKE_ARGS": f.argsFile}),
		Output: logger.Config{File: logger.FileConfig{Dir: filepath.Join(f.dir, "logs")}},
	})
}

func (f *fixture) args(t *testing.T) []string {
	t.Helper()
	var lines []string
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(f.argsFile)
		if err != nil || len(b) == 0 {
			return false
		}
		lines = strings.Split(strings.TrimRight(string(b), "\n"), "\n")
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return lines
}

func TestLaunchSpecArgsLoadOrder(t *testing.T) {
	l := LaunchSpec{Name: "p1", Load: []string{"a.lua", "b.lua"}}
	assert.Equal(t, []string{"p1", "--load", "a.lua", "--load", "b.lua"}, l.Args())
	assert.Equal(t, []string{"a.lua", "b.lua"}, l.Load, "Args must not modify the spec")
}

func TestLaunchSpecArgsFullOrder(t *testing.T) {
	l := LaunchSpec{
		Name:       "p1",
		Wallet:     "w.json",
		Load:       []string{"a.lua"},
		Data:       "d.txt",
		Tags:       []Tag{{"k1", "v1"}, {"k2", "v2"}},
		Module:     "mod",
		Cron:       "5-minutes",
		Monitor:    true,
		SQLite:     true,
		GatewayURL: "https://gw",
		CUURL:      "https://cu",
		MUURL:      "https://mu",
	}
	want := []string{
		"p1", "--load", "a.lua", "--wallet", "w.json", "--data", "d.txt",
		"--tag-name", "k1", "--tag-value", "v1",
		"--tag-name", "k2", "--tag-value", "v2",
		"--module", "mod", "--cron", "5-minutes", "--monitor", "--sqlite",
		"--gateway-url", "https://gw", "--cu-url", "https://cu", "--mu-url", "https://mu",
	}
	assert.Equal(t, want, l.Args())
	assert.Empty(t, LaunchSpec{}.Args())
}

func TestFindWorkerFiles(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{"a.lua", "sub/b.lua", ".hidden/c.lua", "notes.txt", "sub/.git/d.lua"} {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte("--"), 0o644))
	}
	files, err := FindWorkerFiles(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.lua", "sub/b.lua"}, files)

	empty, err := FindWorkerFiles(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = FindWorkerFiles(filepath.Join(root, "missing"))
	assert.Error(t, err)
}

func TestStartRecordsAndStops(t *testing.T) {
	f := newFixture(t)
	var started, stopped atomic.Int32
	events.Subscribe(f.bus, func(events.ProcessStarted) { started.Add(1) })
	events.Subscribe(f.bus, func(events.ProcessStopped) { stopped.Add(1) })

	h, err := f.sup.Start(context.Background(), StartOptions{
		Dir:        f.dir,
		ConfigPath: filepath.Join(f.dir, "ao.config.yml"),
		Launch:     LaunchSpec{Name: "p1", Load: []string{"a.lua", "b.lua"}},
		Stdio:      StdioDiscard,
	})
	require.NoError(t, err)
	require.Positive(t, h.PID)

	assert.Equal(t, []string{"p1", "--load", "a.lua", "--load", "b.lua"}, f.args(t))

	rec, ok, err := f.store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, h.PID, rec.PID)
	assert.Equal(t, "p1", rec.Name)
	assert.Equal(t, filepath.Join(f.dir, "ao.config.yml"), rec.ConfigPath)

	st := f.sup.Status()
	assert.Equal(t, "running", st.State)
	assert.True(t, st.Alive)

	_, err = f.sup.Start(context.Background(), StartOptions{Launch: LaunchSpec{Name: "p1"}, Stdio: StdioDiscard})
	assert.ErrorIs(t, err, ErrProcessAlreadyRunning)

	require.NoError(t, f.sup.Stop())
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after stop")
	}
	_, ok, err = f.store.Load()
	require.NoError(t, err)
	assert.False(t, ok, "record should be deleted on stop")
	assert.Equal(t, "stopped", f.sup.Status().State)

	require.Eventually(t, func() bool { return started.Load() == 1 && stopped.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestStartRefusesLiveRecordFromOtherInvocation(t *testing.T) {
	f := newFixture(t)
	_, err := f.sup.Start(context.Background(), StartOptions{Launch: LaunchSpec{Name: "p1"}, Stdio: StdioDiscard})
	require.NoError(t, err)

	other := f.newSupervisor()
	_, err = other.Start(context.Background(), StartOptions{Launch: LaunchSpec{Name: "p2"}, Stdio: StdioDiscard})
	require.ErrorIs(t, err, ErrProcessAlreadyRunning)
	assert.Equal(t, "idle", other.Status().State)

	// a second invocation can stop the worker through the record
	require.NoError(t, other.Stop())
	_, ok, _ := f.store.Load()
	assert.False(t, ok)
}

func TestStartSpawnFailureLeavesIdle(t *testing.T) {
	f := newFixture(t)
	sup := NewSupervisor(SupervisorOptions{Worker: filepath.Join(f.dir, "does-not-exist"), Store: f.store})
	_, err := sup.Start(context.Background(), StartOptions{Launch: LaunchSpec{Name: "p1"}, Stdio: StdioDiscard})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawnFailed)
	var se *SpawnError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "start", se.Op)
	assert.Equal(t, "p1", se.Name)
	assert.Equal(t, "idle", sup.Status().State)
	_, ok, _ := f.store.Load()
	assert.False(t, ok)
}

func TestStartPipeAndNaturalExit(t *testing.T) {
	f := newFixture(t)
	var stopped atomic.Int32
	events.Subscribe(f.bus, func(e events.ProcessStopped) {
		if e.Name == "say" {
			stopped.Add(1)
		}
	})

	h, err := f.sup.Start(context.Background(), StartOptions{Launch: LaunchSpec{Name: "say"}, Stdio: StdioPipe})
	require.NoError(t, err)
	require.NotNil(t, h.Stdout)
	require.NotNil(t, h.Stderr)

	errOut := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(h.Stderr)
		errOut <- b
	}()
	out, err := io.ReadAll(h.Stdout)
	require.NoError(t, err)
	assert.Equal(t, "hello from worker\n", string(out))
	assert.Equal(t, "oops\n", string(<-errOut))

	require.NoError(t, h.Wait())
	assert.Equal(t, "stopped", f.sup.Status().State)
	require.Eventually(t, func() bool { return stopped.Load() == 1 }, time.Second, 10*time.Millisecond)

	// the record outlives a natural exit but is reported dead
	st := f.sup.Status()
	require.NotNil(t, st.Record)
	assert.False(t, st.Alive)

	// a dead record does not block the next start
	h2, err := f.sup.Start(context.Background(), StartOptions{Launch: LaunchSpec{Name: "say"}, Stdio: StdioDiscard})
	require.NoError(t, err)
	require.NoError(t, h2.Wait())
}

func TestStartLogStdioWritesFiles(t *testing.T) {
	f := newFixture(t)
	h, err := f.sup.Start(context.Background(), StartOptions{Launch: LaunchSpec{Name: "say"}, Stdio: StdioLog})
	require.NoError(t, err)
	require.NoError(t, h.Wait())

	b, err := os.ReadFile(filepath.Join(f.dir, "logs", "say.stdout.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello from worker")
	b, err = os.ReadFile(filepath.Join(f.dir, "logs", "say.stderr.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "oops")
}

func TestStartDetachedLogStdioUsesFiles(t *testing.T) {
	f := newFixture(t)
	h, err := f.sup.Start(context.Background(), StartOptions{Launch: LaunchSpec{Name: "p1"}, Stdio: StdioLog, Detach: true})
	require.NoError(t, err)

	if runtime.GOOS == "linux" {
		for fd, path := range map[string]string{
			"1": filepath.Join(f.dir, "logs", "p1.stdout.log"),
			"2": filepath.Join(f.dir, "logs", "p1.stderr.log"),
		} {
			target, err := os.Readlink(filepath.Join("/proc", strconv.Itoa(h.PID), "fd", fd))
			require.NoError(t, err)
			want, err := filepath.EvalSymlinks(path)
			require.NoError(t, err)
			assert.Equal(t, want, target, "fd %s of a detached worker must be the log file", fd)
		}
	}
	require.NoError(t, f.sup.Stop())
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("detached worker did not exit after stop")
	}

	h, err = f.sup.Start(context.Background(), StartOptions{Launch: LaunchSpec{Name: "say"}, Stdio: StdioLog, Detach: true})
	require.NoError(t, err)
	require.NoError(t, h.Wait())
	b, err := os.ReadFile(filepath.Join(f.dir, "logs", "say.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello from worker\n", string(b))
	b, err = os.ReadFile(filepath.Join(f.dir, "logs", "say.stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(b))
}

func TestStopWithoutRecordIsNoop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sup.Stop())
	assert.Equal(t, "idle", f.sup.Status().State)
}

func TestStopStaleRecordDeletesIt(t *testing.T) {
	f := newFixture(t)
	h, err := f.sup.Start(context.Background(), StartOptions{Launch: LaunchSpec{Name: "broken"}, Stdio: StdioDiscard})
	require.NoError(t, err)
	assert.Error(t, h.Wait())

	other := f.newSupervisor()
	require.NoError(t, other.Stop())
	_, ok, _ := f.store.Load()
	assert.False(t, ok)
}

func TestCorruptRecordDegradesToNone(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.store.Path), 0o755))
	require.NoError(t, os.WriteFile(f.store.Path, []byte("{not json"), 0o600))

	st := f.sup.Status()
	assert.Nil(t, st.Record)
	assert.False(t, st.Alive)
	require.NoError(t, f.sup.Stop())

	h, err := f.sup.Start(context.Background(), StartOptions{Launch: LaunchSpec{Name: "say"}, Stdio: StdioDiscard})
	require.NoError(t, err)
	require.NoError(t, h.Wait())
}

func TestEvaluateSuccess(t *testing.T) {
	f := newFixture(t)
	var out strings.Builder
	err := f.sup.Evaluate(context.Background(), "hello", EvalOptions{Await: true, Timeout: time.Second, Out: &out})
	require.NoError(t, err)
	assert.Equal(t, "ok:hello\n", out.String())
	assert.Equal(t, []string{"eval", "hello", "--await", "--timeout", "1000"}, f.args(t))

	require.NoError(t, f.sup.Evaluate(context.Background(), "plain", EvalOptions{}))
	assert.Equal(t, []string{"eval", "plain"}, f.args(t))
}

func TestEvaluateNonZeroExit(t *testing.T) {
	f := newFixture(t)
	for _, await := range []bool{true, false} {
		err := f.sup.Evaluate(context.Background(), "fail", EvalOptions{Await: await})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrEvalNonZeroExit)
		assert.NotErrorIs(t, err, ErrEvalTimeout)
		var ee *EvalError
		require.True(t, errors.As(err, &ee))
		assert.Equal(t, 3, ee.ExitCode)
		assert.Equal(t, "boom", ee.Stderr)
	}
}

func TestEvaluateTimeout(t *testing.T) {
	f := newFixture(t)
	begin := time.Now()
	err := f.sup.Evaluate(context.Background(), "slow", EvalOptions{Await: true, Timeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEvalTimeout)
	assert.Less(t, time.Since(begin), 4*time.Second)
}

func TestEvaluateSpawnFailure(t *testing.T) {
	requireUnix(t)
	sup := NewSupervisor(SupervisorOptions{Worker: filepath.Join(t.TempDir(), "nope")})
	err := sup.Evaluate(context.Background(), "x", EvalOptions{Await: true})
	assert.ErrorIs(t, err, ErrSpawnFailed)
}

func TestEvaluateSerialized(t *testing.T) {
	f := newFixture(t)
	f.sup.evalMu.Lock()
	done := make(chan error, 1)
	go func() { done <- f.sup.Evaluate(context.Background(), "queued", EvalOptions{}) }()
	select {
	case <-done:
		t.Fatal("evaluate ran while another evaluation held the lock")
	case <-time.After(100 * time.Millisecond):
	}
	f.sup.evalMu.Unlock()
	require.NoError(t, <-done)
}

func TestListFilters(t *testing.T) {
	f := newFixture(t)
	seq, err := f.sup.List(context.Background(), ListOptions{})
	require.NoError(t, err)
	all := slices.Collect(seq)
	require.Len(t, all, 3)
	assert.Equal(t, Descriptor{Name: "alpha", ID: "id-1", Raw: "alpha id-1"}, all[0])
	assert.Equal(t, Descriptor{Name: "gamma", Raw: "gamma"}, all[2])

	seq, err = f.sup.List(context.Background(), ListOptions{Filter: "?eta"})
	require.NoError(t, err)
	var names []string
	for d := range seq {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"beta"}, names)
}

func TestMonitorFilterAndNameResolution(t *testing.T) {
	f := newFixture(t)
	err := f.sup.Monitor(context.Background(), MonitorOptions{Out: &strings.Builder{}})
	assert.ErrorIs(t, err, ErrNoProcessName)

	var out strings.Builder
	err = f.sup.Monitor(context.Background(), MonitorOptions{Name: "p1", Pattern: "Cron*", JSON: true, Filter: "tick *", Out: &out})
	require.NoError(t, err)
	assert.Equal(t, "tick 1\ntick 2\n", out.String())
	assert.Equal(t, []string{"monitor", "p1", "--pattern", "Cron*", "--json"}, f.args(t))

	// a pid above pid_max is never alive
	require.NoError(t, f.store.Save(Record{PID: 1 << 30, Name: "recorded"}))
	defer func() { _ = f.store.Delete() }()
	require.NoError(t, f.sup.Monitor(context.Background(), MonitorOptions{}))
	assert.Equal(t, []string{"monitor", "recorded"}, f.args(t))
}

func TestWatchArgs(t *testing.T) {
	f := newFixture(t)
	var out strings.Builder
	err := f.sup.Watch(context.Background(), WatchOptions{Name: "p1", Pattern: "Tick*", Timeout: 1500 * time.Millisecond, Count: 2, Out: &out})
	require.NoError(t, err)
	assert.Equal(t, "matched Tick*\n", out.String())
	assert.Equal(t, []string{"watch", "p1", "Tick*", "--timeout", "1500", "--count", "2"}, f.args(t))

	assert.Error(t, f.sup.Watch(context.Background(), WatchOptions{Name: "p1"}))
}

func TestCommandErrorOnNonZero(t *testing.T) {
	f := newFixture(t)
	err := f.sup.run(context.Background(), "broken", "p1", "", nil, "broken")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNonZeroExit)
	var ce *CommandError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 9, ce.ExitCode)
}
