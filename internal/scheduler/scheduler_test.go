package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/aoctl/internal/events"
	"github.com/loykin/aoctl/internal/process"
)

type call struct {
	input string
	opts  process.EvalOptions
}

// fakeEvaluator answers from results in order, then from fallback.
type fakeEvaluator struct {
	mu       sync.Mutex
	calls    []call
	results  []error
	fallback error
	onCall   func(n int, input string)
	inFlight atomic.Int32
	overlap  atomic.Bool
	delay    time.Duration
}

func (f *fakeEvaluator) Evaluate(_ context.Context, input string, opts process.EvalOptions) error {
	if f.inFlight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inFlight.Add(-1)
	f.mu.Lock()
	f.calls = append(f.calls, call{input, opts})
	n := len(f.calls)
	var err error
	if len(f.results) > 0 {
		err, f.results = f.results[0], f.results[1:]
	} else {
		err = f.fallback
	}
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook(n, input)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return err
}

func (f *fakeEvaluator) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeEvaluator) count(input string) int {
	n := 0
	for _, c := range f.snapshot() {
		if c.input == input {
			n++
		}
	}
	return n
}

func waitDone(t *testing.T, s *Scheduler) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler loop did not finish")
	}
}

func TestStartTwiceFails(t *testing.T) {
	s := New(&fakeEvaluator{}, Config{Interval: time.Hour, Tick: "Tick", MaxRetries: 3})
	require.NoError(t, s.Start())
	defer s.Stop()
	assert.ErrorIs(t, s.Start(), ErrAlreadyRunning)
	assert.True(t, s.Running())
}

func TestStartValidates(t *testing.T) {
	assert.Error(t, New(&fakeEvaluator{}, Config{Tick: "Tick"}).Start())
	assert.Error(t, New(&fakeEvaluator{}, Config{Interval: time.Second}).Start())
	assert.Error(t, New(&fakeEvaluator{}, Config{Interval: time.Second, Tick: "T", MaxRetries: -1}).Start())
}

func TestStopIdempotentAndRestartable(t *testing.T) {
	ev := &fakeEvaluator{}
	s := New(ev, Config{Interval: 20 * time.Millisecond, Tick: "Tick", MaxRetries: 3})
	s.Stop()
	waitDone(t, s)

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return ev.count("Tick") >= 2 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()
	waitDone(t, s)
	assert.False(t, s.Running())

	n := ev.count("Tick")
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, n, ev.count("Tick"), "no ticks after stop")

	require.NoError(t, s.Start())
	defer s.Stop()
	require.Eventually(t, func() bool { return ev.count("Tick") > n }, 2*time.Second, 5*time.Millisecond)
}

func TestReconfigureRestartsRunningSchedule(t *testing.T) {
	ev := &fakeEvaluator{}
	s := New(ev, Config{Interval: time.Hour, Tick: "Old", MaxRetries: 3})
	require.NoError(t, s.Start())
	old := s.Done()

	require.Error(t, s.Reconfigure(Config{Tick: "New"}))
	require.NoError(t, s.Reconfigure(Config{Interval: 20 * time.Millisecond, Tick: "New", MaxRetries: 1}))
	defer s.Stop()

	select {
	case <-old:
	case <-time.After(time.Second):
		t.Fatal("old loop still running")
	}
	assert.True(t, s.Running())
	assert.Equal(t, "New", s.Config().Tick)
	require.Eventually(t, func() bool { return ev.count("New") >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, ev.count("Old"))
}

func TestReconfigureStoppedScheduleStaysStopped(t *testing.T) {
	s := New(&fakeEvaluator{}, Config{Interval: time.Hour, Tick: "Old", MaxRetries: 3})
	require.NoError(t, s.Reconfigure(Config{Interval: time.Minute, Tick: "New"}))
	assert.False(t, s.Running())
	assert.Equal(t, time.Minute, s.Config().Interval)
}

func TestTickOptions(t *testing.T) {
	ev := &fakeEvaluator{}
	s := New(ev, Config{Interval: 25 * time.Millisecond, Tick: "Tick", MaxRetries: 3})
	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return ev.count("Tick") >= 1 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	c := ev.snapshot()[0]
	assert.Equal(t, process.EvalOptions{Await: true, Timeout: 25 * time.Millisecond}, c.opts)
}

func TestEscalatesAfterMaxRetries(t *testing.T) {
	boom := errors.New("boom")
	ev := &fakeEvaluator{fallback: boom}
	bus := events.New()
	defer func() { _ = bus.Close() }()
	var escalated atomic.Int32
	events.Subscribe(bus, func(e events.ScheduleEscalated) {
		if e.Failures == 3 && e.OnError == "OnErr" {
			escalated.Add(1)
		}
	})

	var s *Scheduler
	var runningAtThird, runningAtOnError atomic.Bool
	ev.onCall = func(n int, input string) {
		switch {
		case input == "Tick" && n == 3:
			// two failures so far, still ticking
			runningAtThird.Store(s.Running())
		case input == "OnErr":
			runningAtOnError.Store(s.Running())
		}
	}
	s = New(ev, Config{Interval: 10 * time.Millisecond, Tick: "Tick", MaxRetries: 3, OnError: "OnErr"}, WithBus(bus))
	require.NoError(t, s.Start())
	waitDone(t, s)

	require.Eventually(t, func() bool { return ev.count("OnErr") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, ev.count("Tick"))
	assert.True(t, runningAtThird.Load())
	assert.False(t, runningAtOnError.Load(), "running must be cleared before the error operation")
	assert.False(t, s.Running())
	assert.Equal(t, 0, s.Failures())

	calls := ev.snapshot()
	assert.Equal(t, "OnErr", calls[len(calls)-1].input)
	require.Eventually(t, func() bool { return escalated.Load() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, ev.count("Tick"), "no ticks after escalation")
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	boom := errors.New("boom")
	ev := &fakeEvaluator{results: []error{boom, boom, nil, boom, boom, nil}}
	s := New(ev, Config{Interval: 10 * time.Millisecond, Tick: "Tick", MaxRetries: 3, OnError: "OnErr"})
	require.NoError(t, s.Start())
	defer s.Stop()
	require.Eventually(t, func() bool { return ev.count("Tick") >= 8 }, 3*time.Second, 5*time.Millisecond)
	assert.True(t, s.Running())
	assert.Equal(t, 0, ev.count("OnErr"))
}

func TestZeroRetriesEscalatesOnFirstFailure(t *testing.T) {
	ev := &fakeEvaluator{fallback: errors.New("boom")}
	s := New(ev, Config{Interval: 10 * time.Millisecond, Tick: "Tick", MaxRetries: 0})
	require.NoError(t, s.Start())
	waitDone(t, s)
	assert.Equal(t, 1, ev.count("Tick"))
	assert.False(t, s.Running())
}

func TestErrorOperationFailureIsNotRetried(t *testing.T) {
	ev := &fakeEvaluator{fallback: errors.New("boom")}
	s := New(ev, Config{Interval: 10 * time.Millisecond, Tick: "Tick", MaxRetries: 1, OnError: "OnErr"})
	require.NoError(t, s.Start())
	waitDone(t, s)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, ev.count("OnErr"))
}

func TestTicksNeverOverlap(t *testing.T) {
	ev := &fakeEvaluator{delay: 40 * time.Millisecond}
	s := New(ev, Config{Interval: 5 * time.Millisecond, Tick: "Tick", MaxRetries: 3})
	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return ev.count("Tick") >= 3 }, 3*time.Second, 5*time.Millisecond)
	s.Stop()
	waitDone(t, s)
	assert.False(t, ev.overlap.Load())
}

func TestParseFrequency(t *testing.T) {
	f, err := ParseFrequency("5-minutes")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, f.Duration())
	assert.Equal(t, "5-minutes", f.String())

	f, err = ParseFrequency("1-day")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, f.Duration())

	for _, bad := range []string{"", "5", "0-minutes", "x-hours", "5-fortnights", "-1-hours"} {
		_, err := ParseFrequency(bad)
		assert.Error(t, err, bad)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	st := NewStore(t.TempDir())
	_, ok, err := st.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	rec := Record{PID: 77, Config: Config{Interval: time.Minute, Tick: "Tick", MaxRetries: 3}, StartedAt: time.Now().UTC()}
	require.NoError(t, st.Save(rec))
	got, ok, err := st.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.Config, got.Config)
	assert.Equal(t, 77, got.PID)

	require.NoError(t, st.Delete())
	require.NoError(t, st.Delete())
}
