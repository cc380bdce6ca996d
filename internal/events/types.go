package events

import "time"

// Event type constants for kelindar/event.
const (
	TypeProcessStarted uint32 = iota + 1
	TypeProcessStopped
	TypeTickSucceeded
	TypeTickFailed
	TypeScheduleEscalated
	TypeDevServerReady
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// ProcessStarted is published after the worker was spawned and recorded.
type ProcessStarted struct {
	Name      string
	PID       int
	Dir       string
	StartedAt time.Time
}

func (e ProcessStarted) Type() uint32 { return TypeProcessStarted }

// ProcessStopped is published when the worker exits or is signalled by Stop.
type ProcessStopped struct {
	Name      string
	PID       int
	StoppedAt time.Time
	Err       string
}

func (e ProcessStopped) Type() uint32 { return TypeProcessStopped }

// TickSucceeded is published after a scheduled evaluation returned cleanly.
type TickSucceeded struct {
	Tick     string
	Duration time.Duration
	At       time.Time
}

func (e TickSucceeded) Type() uint32 { return TypeTickSucceeded }

// TickFailed is published for every failed tick, Failures is the
// consecutive count including this one.
type TickFailed struct {
	Tick     string
	Failures int
	Err      string
	At       time.Time
}

func (e TickFailed) Type() uint32 { return TypeTickFailed }

// ScheduleEscalated is published once when the retry budget is exhausted.
type ScheduleEscalated struct {
	Tick     string
	OnError  string
	Failures int
	At       time.Time
}

func (e ScheduleEscalated) Type() uint32 { return TypeScheduleEscalated }

// DevServerReady is published when the dev server printed its URL.
type DevServerReady struct {
	Dir     string
	Elapsed time.Duration
	At      time.Time
}

func (e DevServerReady) Type() uint32 { return TypeDevServerReady }
