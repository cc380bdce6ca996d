package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventWorkerStart    EventType = "worker_start"
	EventWorkerStop     EventType = "worker_stop"
	EventTickSuccess    EventType = "tick_success"
	EventTickFailure    EventType = "tick_failure"
	EventEscalation     EventType = "escalation"
	EventDevServerReady EventType = "devserver_ready"
)

// Event is one row of lifecycle history. RunID groups the events emitted by
// one aoctl invocation.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	RunID      uuid.UUID `json:"run_id"`
	Name       string    `json:"name"`
	PID        int       `json:"pid,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
