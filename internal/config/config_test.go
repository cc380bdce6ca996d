package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := Path(dir)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "my-app")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	c, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultPackageManager, c.PackageManager)
	assert.Equal(t, DefaultFramework, c.Framework)
	assert.Equal(t, DefaultDevPort, c.Ports.Dev)
	assert.Equal(t, DefaultWorker, c.Worker)
	assert.Equal(t, DefaultInterval, c.Schedule.Interval)
	assert.Equal(t, DefaultMaxRetries, c.Schedule.MaxRetries)
	assert.Equal(t, "my-app", c.ProcessName)
	assert.Empty(t, c.LuaFiles)
	assert.NotNil(t, c.Tags)
	assert.NotNil(t, c.Env)
}

func TestLoadFileValuesWinPerKey(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
luaFiles:
  - process.lua
  - lib/utils.lua
packageManager: pnpm
processName: counter
ports:
  dev: 5173
tags:
  App-Name: Counter
cronInterval: 10-minutes
runWithAO: true
env:
  NEXT_PUBLIC_PROCESS: abc
schedule:
  interval: 30s
  tick: Tick
  onError: OnTickError
endpoints:
  cu: http://localhost:6363
`)
	c, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"process.lua", "lib/utils.lua"}, c.LuaFiles)
	assert.Equal(t, "pnpm", c.PackageManager)
	assert.Equal(t, DefaultFramework, c.Framework, "unset key keeps default")
	assert.Equal(t, "counter", c.ProcessName)
	assert.Equal(t, 5173, c.Ports.Dev)
	assert.Equal(t, map[string]string{"App-Name": "Counter"}, c.Tags)
	assert.Equal(t, map[string]string{"NEXT_PUBLIC_PROCESS": "abc"}, c.Env)
	assert.Equal(t, "10-minutes", c.CronInterval)
	assert.True(t, c.RunWithAO)
	assert.Equal(t, 30*time.Second, c.Schedule.Interval)
	assert.Equal(t, "Tick", c.Schedule.Tick)
	assert.Equal(t, DefaultMaxRetries, c.Schedule.MaxRetries)
	assert.Equal(t, "OnTickError", c.Schedule.OnError)
	assert.Equal(t, "http://localhost:6363", c.Endpoints.CU)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "luaFiles: [unterminated\n")
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := Default()
	c.ProcessName = "saved"
	c.LuaFiles = []string{"a.lua"}
	c.Tags["Env"] = "Dev"
	c.Schedule.Tick = "Tick"
	require.NoError(t, Save(Path(dir), c))

	got, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "saved", got.ProcessName)
	assert.Equal(t, []string{"a.lua"}, got.LuaFiles)
	assert.Equal(t, "Dev", got.Tags["Env"])
	assert.Equal(t, DefaultInterval, got.Schedule.Interval)
	assert.Equal(t, "Tick", got.Schedule.Tick)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "processName: first\n")

	w := NewWatcher(p, LoadFile, nil, WithDebounce[Config](20*time.Millisecond))
	got := make(chan string, 4)
	w.OnReload(func(c Config) { got <- c.ProcessName })
	require.NoError(t, w.Start())
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(p, []byte("processName: second\n"), 0o644))
	select {
	case name := <-got:
		assert.Equal(t, "second", name)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report change")
	}
}

func TestWatcherReportsLoadErrors(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "processName: ok\n")

	errs := make(chan error, 4)
	w := NewWatcher(p, LoadFile, nil,
		WithDebounce[Config](20*time.Millisecond),
		WithErrorHandler[Config](func(err error) { errs <- err }))
	unsub := w.OnReload(func(Config) { t.Error("handler must not run on load error") })
	defer unsub()
	require.NoError(t, w.Start())
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(p, []byte("processName: [broken\n"), 0o644))
	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("expected load error")
	}
}
