// Package eventbus is the in-process registry that fans client events out to
// application listeners. A panicking listener is recovered and logged so the
// remaining listeners still run.
package eventbus

import (
	"fmt"
	"log/slog"
	"sync"
)

// ListenerID identifies a registered listener for removal.
type ListenerID uint64

type listener struct {
	id ListenerID
	fn func(Event)
}

// Bus maps event names to ordered listener lists.
// It is safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Name][]listener
	nextID    ListenerID
	logger    *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		listeners: make(map[Name][]listener),
		logger:    logger.With("component", "eventbus"),
	}
}

// On registers fn for every event of type E.
func On[E Event](b *Bus, fn func(E)) ListenerID {
	var zero E
	return b.Add(zero.EventName(), func(ev Event) {
		if typed, ok := ev.(E); ok {
			fn(typed)
		}
	})
}

// Add registers an untyped listener for name.
func (b *Bus) Add(name Name, fn func(Event)) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.listeners[name] = append(b.listeners[name], listener{id: id, fn: fn})
	return id
}

// Off removes the listeners with the given ids from name. With no ids it
// removes every listener registered for name.
func (b *Bus) Off(name Name, ids ...ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(ids) == 0 {
		delete(b.listeners, name)
		return
	}

	drop := make(map[ListenerID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	current := b.listeners[name]
	kept := make([]listener, 0, len(current))
	for _, l := range current {
		if !drop[l.id] {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		delete(b.listeners, name)
		return
	}
	b.listeners[name] = kept
}

// Emit calls every listener registered for ev in registration order.
// Listeners added or removed during emission do not affect this call.
func (b *Bus) Emit(ev Event) {
	name := ev.EventName()

	// Copy listeners to avoid holding lock during callback
	b.mu.RLock()
	snapshot := make([]listener, len(b.listeners[name]))
	copy(snapshot, b.listeners[name])
	b.mu.RUnlock()

	for _, l := range snapshot {
		b.invoke(name, l, ev)
	}
}

func (b *Bus) invoke(name Name, l listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked", "event", string(name), "listener_id", uint64(l.id), "panic", fmt.Sprint(r))
		}
	}()
	l.fn(ev)
}

// Count returns the number of listeners registered for name.
func (b *Bus) Count(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[name])
}
