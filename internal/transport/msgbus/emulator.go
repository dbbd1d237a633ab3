// ABOUTME: In-process stand-in for the context hub.
// ABOUTME: Serves emulation mode and lets tests wire adapters to a shared hub.

package msgbus

import (
	"sync"
)

// Emulator is an in-memory context hub. Several adapters can share one
// instance, giving in-process exchange with the same visible semantics as the
// real hub: retained updates, change notifications, and visible removals.
// Safe for concurrent use.
type Emulator struct {
	mu       sync.Mutex
	retained map[string]*wireUpdate // correlation id -> latest update
	watchers []func(busEvent)
}

// NewEmulator creates an empty hub.
func NewEmulator() *Emulator {
	return &Emulator{retained: make(map[string]*wireUpdate)}
}

// Publish implements bus. The update replaces any retained update with the
// same correlation id and is broadcast to all watchers.
func (e *Emulator) Publish(w *wireUpdate) error {
	cp := *w
	e.mu.Lock()
	if cp.CorrelationID != "" {
		e.retained[cp.CorrelationID] = &cp
	}
	watchers := append([]func(busEvent){}, e.watchers...)
	e.mu.Unlock()

	for _, fn := range watchers {
		fn(busEvent{update: &cp})
	}
	return nil
}

// Remove implements bus.
func (e *Emulator) Remove(correlationID string) error {
	e.mu.Lock()
	delete(e.retained, correlationID)
	watchers := append([]func(busEvent){}, e.watchers...)
	e.mu.Unlock()

	for _, fn := range watchers {
		fn(busEvent{removedID: correlationID})
	}
	return nil
}

// Query implements bus.
func (e *Emulator) Query() ([]*wireUpdate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*wireUpdate, 0, len(e.retained))
	for _, w := range e.retained {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

// Watch implements bus. Unlike the real backends the emulator accepts any
// number of watchers, one per sharing adapter.
func (e *Emulator) Watch(fn func(busEvent)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watchers = append(e.watchers, fn)
	return nil
}

// Close implements bus. Shared emulators outlive individual adapters;
// retained state survives so a restarted adapter can re-query it.
func (e *Emulator) Close() error { return nil }
