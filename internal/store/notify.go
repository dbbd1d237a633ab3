// ABOUTME: Change listener registry shared by the store implementations.
// ABOUTME: Hands out first-class Listener handles that are revoked explicitly.

package store

import (
	"sync"

	"github.com/google/uuid"
)

// Listener is a registered change listener. Closing it revokes the
// registration; Close is idempotent.
type Listener struct {
	id     string
	closer func(id string)
	once   sync.Once
}

// ID returns the listener's registration id.
func (l *Listener) ID() string {
	return l.id
}

// Close revokes the registration. Safe to call multiple times.
func (l *Listener) Close() {
	l.once.Do(func() {
		l.closer(l.id)
	})
}

// notifier fans store changes out to registered listeners. Both store
// implementations embed one and call publish after each mutation.
type notifier struct {
	mu        sync.RWMutex
	listeners map[string]func(Change)
}

func newNotifier() *notifier {
	return &notifier{listeners: make(map[string]func(Change))}
}

func (n *notifier) listen(fn func(Change)) *Listener {
	id := uuid.New().String()

	n.mu.Lock()
	n.listeners[id] = fn
	n.mu.Unlock()

	return &Listener{id: id, closer: n.remove}
}

func (n *notifier) remove(id string) {
	n.mu.Lock()
	delete(n.listeners, id)
	n.mu.Unlock()
}

// publish invokes every registered listener with the change. Listeners run
// synchronously; callbacks are copied out under the read lock so a callback
// may close its own handle without deadlocking.
func (n *notifier) publish(ch Change) {
	n.mu.RLock()
	fns := make([]func(Change), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		fn(ch)
	}
}

// clear drops all registrations.
func (n *notifier) clear() {
	n.mu.Lock()
	n.listeners = make(map[string]func(Change))
	n.mu.Unlock()
}
