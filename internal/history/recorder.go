package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/aoctl/internal/events"
)

// sendTimeout bounds a single sink write.
const sendTimeout = 5 * time.Second

// Recorder turns bus events into history rows.
type Recorder struct {
	sink   Sink
	runID  uuid.UUID
	log    *slog.Logger
	unsubs []func()
	wg     sync.WaitGroup
}

// Attach subscribes a Recorder for sink to bus. Close detaches it and
// closes the sink.
func Attach(bus *events.Bus, sink Sink, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{sink: sink, runID: uuid.New(), log: log}
	r.unsubs = []func(){
		events.Subscribe(bus, func(e events.ProcessStarted) {
			r.send(Event{Type: EventWorkerStart, OccurredAt: e.StartedAt, Name: e.Name, PID: e.PID, Detail: e.Dir})
		}),
		events.Subscribe(bus, func(e events.ProcessStopped) {
			r.send(Event{Type: EventWorkerStop, OccurredAt: e.StoppedAt, Name: e.Name, PID: e.PID, Detail: e.Err})
		}),
		events.Subscribe(bus, func(e events.TickSucceeded) {
			r.send(Event{Type: EventTickSuccess, OccurredAt: e.At, Name: e.Tick, Detail: e.Duration.String()})
		}),
		events.Subscribe(bus, func(e events.TickFailed) {
			r.send(Event{Type: EventTickFailure, OccurredAt: e.At, Name: e.Tick, Detail: fmt.Sprintf("failures=%d: %s", e.Failures, e.Err)})
		}),
		events.Subscribe(bus, func(e events.ScheduleEscalated) {
			r.send(Event{Type: EventEscalation, OccurredAt: e.At, Name: e.Tick, Detail: fmt.Sprintf("failures=%d on_error=%s", e.Failures, e.OnError)})
		}),
		events.Subscribe(bus, func(e events.DevServerReady) {
			r.send(Event{Type: EventDevServerReady, OccurredAt: e.At, Name: e.Dir, Detail: e.Elapsed.String()})
		}),
	}
	return r
}

// RunID identifies this invocation's rows.
func (r *Recorder) RunID() uuid.UUID { return r.runID }

func (r *Recorder) send(e Event) {
	r.wg.Add(1)
	defer r.wg.Done()
	e.RunID = r.runID
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := r.sink.Send(ctx, e); err != nil {
		r.log.Warn("history write failed", "type", e.Type, "name", e.Name, "error", err)
	}
}

// Close unsubscribes, waits for in-flight writes and closes the sink.
func (r *Recorder) Close() error {
	for _, u := range r.unsubs {
		u()
	}
	r.wg.Wait()
	return r.sink.Close()
}
