// ABOUTME: TTL-bounded seen-set guarding against feedback loops in context sync.
// ABOUTME: Suppresses store change events the coordinator itself caused.

package echo

import (
	"sync"
	"time"
)

// Guard tracks record ids the synchronization layer has recently written to
// the local store, so the store's change events for those writes are not
// echoed back out as pushes. Entries expire after the configured TTL and the
// set is capped; when full, the oldest entry is dropped.
//
// Unlike a general dedupe cache there is no background sweeper: the
// coordinator drives cleanup from its own tick via Sweep.
type Guard struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	marked  map[string]time.Time
}

// NewGuard creates a guard with the given entry TTL and maximum size.
func NewGuard(ttl time.Duration, maxSize int) *Guard {
	return &Guard{
		ttl:     ttl,
		maxSize: maxSize,
		marked:  make(map[string]time.Time),
	}
}

// Mark records that the coordinator is about to mutate the store for key.
// Must be called before the mutation so the synchronous change callback
// observes the mark.
func (g *Guard) Mark(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.marked) >= g.maxSize {
		if _, exists := g.marked[key]; !exists {
			g.evictOldestLocked()
		}
	}
	g.marked[key] = time.Now()
}

// Suppressed reports whether a change event for key was caused by the
// coordinator itself and should not trigger an outbound push.
func (g *Guard) Suppressed(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	marked, ok := g.marked[key]
	if !ok {
		return false
	}
	if time.Since(marked) >= g.ttl {
		delete(g.marked, key)
		return false
	}
	return true
}

// Release drops the mark for key. Called once the self-caused change event
// has been observed and suppressed.
func (g *Guard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.marked, key)
}

// Sweep removes expired entries. The coordinator calls this once per
// reconciliation tick.
func (g *Guard) Sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for key, marked := range g.marked {
		if now.Sub(marked) >= g.ttl {
			delete(g.marked, key)
		}
	}
}

// Len returns the number of live marks.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.marked)
}

// evictOldestLocked drops the entry with the oldest mark time. Must be called
// with mu held. Linear scan; the guard is sized in the tens of entries.
func (g *Guard) evictOldestLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
		first     = true
	)
	for key, at := range g.marked {
		if first || at.Before(oldestAt) {
			oldestKey, oldestAt = key, at
			first = false
		}
	}
	if !first {
		delete(g.marked, oldestKey)
	}
}
