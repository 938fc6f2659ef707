package bus

import (
	"sync"

	"go.uber.org/zap"
)

// EventKind identifies an application-level lifecycle event.
type EventKind int

const (
	// EventWindowMinimized asks the pipeline to pause capture without
	// releasing the device.
	EventWindowMinimized EventKind = iota
	// EventWindowRestored resumes capture after a minimize.
	EventWindowRestored
	// EventBackendReady signals the inference service is accepting
	// connections.
	EventBackendReady
	// EventSessionStateChanged carries camera session transitions out to
	// observers (UI boundary).
	EventSessionStateChanged
)

// Event is a lifecycle notification. Payload is event-specific and may be nil.
type Event struct {
	Kind    EventKind
	Payload any
}

// Bus is an in-process publish/subscribe channel replacing ambient
// listener registration. Subscribers get buffered channels; a slow
// subscriber drops events rather than blocking publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *zap.Logger
}

// New creates an event bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.L()
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger.Named("bus"),
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe func. The channel is closed on unsubscribe.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, 16)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers ev to all current subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("subscriber queue full, dropping event",
				zap.Int("subscriber", id),
				zap.Int("kind", int(ev.Kind)))
		}
	}
}
