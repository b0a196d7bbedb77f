package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Observer consumes lifecycle events.
type Observer interface {
	// Name identifies the observer in diagnostics.
	Name() string

	// OnEvent handles one event. Returned errors are reported on the bus
	// diagnostic channel and never reach the deployment run.
	OnEvent(ctx context.Context, event Event) error
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc struct {
	ObserverName string
	Fn           func(ctx context.Context, event Event) error
}

// Name implements Observer.
func (f ObserverFunc) Name() string { return f.ObserverName }

// OnEvent implements Observer.
func (f ObserverFunc) OnEvent(ctx context.Context, event Event) error { return f.Fn(ctx, event) }

type observerEntry struct {
	id       uint64
	observer Observer
}

// Bus broadcasts events synchronously and in publish order to every
// registered observer. Deliveries are serialized, so concurrent publishers
// produce one total order that all observers see identically.
type Bus struct {
	// deliverMu serializes deliveries
	deliverMu sync.Mutex

	// mu protects observers
	mu        sync.RWMutex
	observers []observerEntry
	nextID    uint64

	// diag is the diagnostic channel for observer failures
	diag zerolog.Logger

	observerErrors atomic.Int64
	published      atomic.Int64
}

// NewBus creates a bus reporting observer failures to diag.
func NewBus(diag zerolog.Logger) *Bus {
	return &Bus{
		observers: make([]observerEntry, 0),
		diag:      diag.With().Str("component", "event-bus").Logger(),
	}
}

// Subscribe registers an observer and returns a function that removes it.
func (b *Bus) Subscribe(o Observer) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.observers = append(b.observers, observerEntry{id: id, observer: o})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, entry := range b.observers {
			if entry.id == id {
				b.observers = append(b.observers[:i], b.observers[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers event to every currently registered observer.
// A failing or panicking observer does not prevent delivery to the others.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.RLock()
	observers := make([]observerEntry, len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()

	b.published.Add(1)
	for _, entry := range observers {
		if err := b.deliver(ctx, entry.observer, event); err != nil {
			b.observerErrors.Add(1)
			b.diag.Warn().
				Err(err).
				Str("observer", entry.observer.Name()).
				Str("event_kind", string(event.Kind)).
				Str("run_id", event.RunID).
				Str("component_id", event.ComponentID).
				Str("phase", string(event.Phase)).
				Msg("Observer failed to handle event")
		}
	}
}

// deliver calls the observer, converting a panic into an error.
func (b *Bus) deliver(ctx context.Context, o Observer, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panicked: %v", r)
		}
	}()
	return o.OnEvent(ctx, event)
}

// ObserverErrors returns the number of failed deliveries so far.
func (b *Bus) ObserverErrors() int64 {
	return b.observerErrors.Load()
}

// Published returns the number of events published so far.
func (b *Bus) Published() int64 {
	return b.published.Load()
}
