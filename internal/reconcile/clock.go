// ABOUTME: Clock abstraction so the reconciliation loop is testable without sleeping.
// ABOUTME: Production uses the system clock; tests drive a fake by hand.

package reconcile

import (
	"sync"
	"time"
)

// Clock supplies time to the loop.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker the loop needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct{ t *time.Ticker }

func (s *systemTicker) C() <-chan time.Time { return s.t.C }
func (s *systemTicker) Stop()               { s.t.Stop() }

// FakeClock is a hand-driven Clock for tests. Advance moves time forward and
// fires due tickers.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

// NewFakeClock starts a fake clock at now.
func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

// Now implements Clock.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NewTicker implements Clock.
func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTicker{clock: c, period: d, next: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves the clock forward, firing each ticker at most once per call.
// Deliveries block until the loop consumes them, so a returned Advance means
// the tick was observed.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	due := make([]*fakeTicker, 0, len(c.tickers))
	for _, t := range c.tickers {
		if t.due(now) {
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.fire(now)
	}
}

type fakeTicker struct {
	clock  *FakeClock
	period time.Duration
	ch     chan time.Time

	mu      sync.Mutex
	next    time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTicker) due(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && !now.Before(t.next)
}

func (t *fakeTicker) fire(now time.Time) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.next = now.Add(t.period)
	t.mu.Unlock()
	t.ch <- now
}
