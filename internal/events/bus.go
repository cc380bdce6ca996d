package events

import (
	"github.com/kelindar/event"
)

// Bus wraps a kelindar/event dispatcher. A nil *Bus is valid and drops
// everything, so components can be used without wiring observers.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// Publish delivers ev to all subscribers of its concrete type.
// Usage: events.Publish(bus, events.ProcessStarted{...})
func Publish[T Event](b *Bus, ev T) {
	if b == nil {
		return
	}
	event.Publish(b.dispatcher, ev)
}

// Subscribe registers handler for events of type T and returns an
// unsubscribe function. Handlers run on the dispatcher's goroutines.
func Subscribe[T Event](b *Bus, handler func(T)) func() {
	if b == nil {
		return func() {}
	}
	return event.Subscribe(b.dispatcher, handler)
}

// Close stops delivery to all subscribers.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	return b.dispatcher.Close()
}
