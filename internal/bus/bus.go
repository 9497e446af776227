package bus

import (
	"log/slog"
	"sync"

	"github.com/gyaneshwarpardhi/disputehook/internal/event"
)

// Handler receives published events. It must not block for long: Publish calls
// handlers on the publishing goroutine.
type Handler func(event.WebhookEvent)

type entry struct {
	id uint64
	fn Handler
}

// Bus routes events to handlers registered per event type. Handlers for the
// event's own type run first, in registration order, then wildcard handlers.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	byType map[event.Type][]entry
	logger *slog.Logger
}

// New creates an empty Bus. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{byType: make(map[event.Type][]entry), logger: logger}
}

// On registers fn for typ, or for every event when typ is event.Wildcard.
// The returned func removes the registration; calling it again is a no-op.
func (b *Bus) On(typ event.Type, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.byType[typ] = append(b.byType[typ], entry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(typ, id) })
	}
}

func (b *Bus) remove(typ event.Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.byType[typ]
	for i, e := range entries {
		if e.id == id {
			// Copy so a concurrent Publish iterating the old slice is unaffected.
			next := make([]entry, 0, len(entries)-1)
			next = append(next, entries[:i]...)
			next = append(next, entries[i+1:]...)
			if len(next) == 0 {
				delete(b.byType, typ)
			} else {
				b.byType[typ] = next
			}
			return
		}
	}
}

// Publish delivers ev to matching handlers. A panicking handler is logged and
// does not stop the others.
func (b *Bus) Publish(ev event.WebhookEvent) {
	b.mu.RLock()
	specific := b.byType[ev.Type]
	var wildcard []entry
	if ev.Type != event.Wildcard {
		wildcard = b.byType[event.Wildcard]
	}
	b.mu.RUnlock()

	for _, e := range specific {
		b.call(e.fn, ev)
	}
	for _, e := range wildcard {
		b.call(e.fn, ev)
	}
}

// Len returns the number of registered handlers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, entries := range b.byType {
		n += len(entries)
	}
	return n
}

func (b *Bus) call(fn Handler, ev event.WebhookEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "type", ev.Type, "event_id", ev.EventID, "panic", r)
		}
	}()
	fn(ev)
}
