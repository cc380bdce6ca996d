package metrics

import "github.com/loykin/aoctl/internal/events"

// Observe feeds the collectors from lifecycle events on bus and returns a
// function that detaches them.
func Observe(bus *events.Bus) func() {
	unsubs := []func(){
		events.Subscribe(bus, func(e events.ProcessStarted) { IncStart(e.Name) }),
		events.Subscribe(bus, func(e events.ProcessStopped) { IncStop(e.Name) }),
		events.Subscribe(bus, func(e events.TickSucceeded) { ObserveTickSuccess(e.Tick, e.Duration.Seconds()) }),
		events.Subscribe(bus, func(e events.TickFailed) { ObserveTickFailure(e.Tick, e.Failures) }),
		events.Subscribe(bus, func(e events.ScheduleEscalated) { IncEscalation(e.Tick) }),
		events.Subscribe(bus, func(e events.DevServerReady) { ObserveDevServerReady(e.Elapsed.Seconds()) }),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
