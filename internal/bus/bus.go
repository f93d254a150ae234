package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"simforge/internal/logging"
)

// Bus dispatches events to registered handlers. Global handlers run
// before per-type handlers, each list in registration order. A panic in
// one handler is swallowed and logged so it cannot break the others.
type Bus struct {
	mu       sync.RWMutex
	global   []Handler
	typed    map[EventType][]Handler
	sequence atomic.Uint64
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{
		typed: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t EventType, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.typed[t] = append(b.typed[t], h)
	b.mu.Unlock()
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.global = append(b.global, h)
	b.mu.Unlock()
}

// Emit delivers the event synchronously to all matching handlers.
// Safe to call from any goroutine; handlers registered mid-dispatch are
// picked up on the next emit.
func (b *Bus) Emit(event Event) {
	event.Seq = b.sequence.Add(1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Snapshot under lock, dispatch outside it. A handler that emits or
	// subscribes re-entrantly must not deadlock.
	b.mu.RLock()
	global := make([]Handler, len(b.global))
	copy(global, b.global)
	typed := make([]Handler, len(b.typed[event.Type]))
	copy(typed, b.typed[event.Type])
	b.mu.RUnlock()

	for _, h := range global {
		b.invoke(h, event)
	}
	for _, h := range typed {
		b.invoke(h, event)
	}
}

// Publish is shorthand for emitting a typed event with payload.
func (b *Bus) Publish(t EventType, data map[string]any) {
	b.Emit(Event{Type: t, Data: data})
}

// PublishIter emits an event tagged with the current loop iteration.
func (b *Bus) PublishIter(t EventType, data map[string]any, iteration int) {
	b.Emit(Event{Type: t, Data: data, Iteration: &iteration})
}

func (b *Bus) invoke(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.BusError("handler panic on %s: %v", event.Type, r)
		}
	}()
	h(event)
}

// Stats returns current bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	typed := 0
	for _, hs := range b.typed {
		typed += len(hs)
	}
	return Stats{
		GlobalHandlers: len(b.global),
		TypedHandlers:  typed,
		TotalEmitted:   b.sequence.Load(),
	}
}

// Stats holds event bus counters.
type Stats struct {
	GlobalHandlers int
	TypedHandlers  int
	TotalEmitted   uint64
}
