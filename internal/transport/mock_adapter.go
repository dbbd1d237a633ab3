// ABOUTME: Mock Adapter implementation for testing the coordinator and loop.
// ABOUTME: Records emits, serves canned pulls, and injects inbound events.

package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-context/internal/record"
)

// MockAdapter is an in-memory Adapter for tests. All knobs are safe for
// concurrent use.
type MockAdapter struct {
	mu       sync.Mutex
	name     string
	tag      string
	degraded bool

	emitted   []*record.Record
	removed   []string
	pullQueue []*record.Record
	subs      map[string]*Subscription

	// EmitErr, PullErr, and SubscribeErr are returned verbatim when set.
	EmitErr      error
	PullErr      error
	SubscribeErr error

	// EmitHook runs inside Emit while holding no lock; tests use it to block
	// an in-flight transport call.
	EmitHook func()

	events chan Event
	closed bool
}

// NewMockAdapter creates a mock with the given variant name and source tag.
func NewMockAdapter(name, tag string) *MockAdapter {
	return &MockAdapter{
		name:   name,
		tag:    tag,
		subs:   make(map[string]*Subscription),
		events: make(chan Event, 64),
	}
}

// Name implements Adapter.
func (m *MockAdapter) Name() string { return m.name }

// SourceTag implements Adapter.
func (m *MockAdapter) SourceTag() string { return m.tag }

// Degraded implements Adapter.
func (m *MockAdapter) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// SetDegraded flips the degraded flag.
func (m *MockAdapter) SetDegraded(v bool) {
	m.mu.Lock()
	m.degraded = v
	m.mu.Unlock()
}

// Emit implements Adapter.
func (m *MockAdapter) Emit(_ context.Context, rec *record.Record) error {
	if hook := m.EmitHook; hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EmitErr != nil {
		return m.EmitErr
	}
	m.emitted = append(m.emitted, rec.Clone())
	return nil
}

// Remove implements Adapter.
func (m *MockAdapter) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, id)
	return nil
}

// Pull implements Adapter.
func (m *MockAdapter) Pull(context.Context) ([]*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PullErr != nil {
		return nil, m.PullErr
	}
	out := make([]*record.Record, len(m.pullQueue))
	for i, rec := range m.pullQueue {
		out[i] = rec.Clone()
	}
	return out, nil
}

// Subscribe implements Adapter.
func (m *MockAdapter) Subscribe(_ context.Context, scope Scope) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubscribeErr != nil {
		return nil, m.SubscribeErr
	}
	sub := &Subscription{ID: uuid.New().String(), Scope: scope, Token: scope.Key()}
	m.subs[sub.ID] = sub
	return sub, nil
}

// Unsubscribe implements Adapter.
func (m *MockAdapter) Unsubscribe(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, sub.ID)
	return nil
}

// Events implements Adapter.
func (m *MockAdapter) Events() <-chan Event { return m.events }

// Close implements Adapter.
func (m *MockAdapter) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
		m.subs = make(map[string]*Subscription)
	}
	return nil
}

// Inject delivers an inbound event as if the native channel produced it.
func (m *MockAdapter) Inject(ev Event) {
	m.events <- ev
}

// SetPull replaces the canned pull result.
func (m *MockAdapter) SetPull(recs ...*record.Record) {
	m.mu.Lock()
	m.pullQueue = recs
	m.mu.Unlock()
}

// Emitted returns a snapshot of all records passed to Emit.
func (m *MockAdapter) Emitted() []*record.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*record.Record(nil), m.emitted...)
}

// Removed returns a snapshot of all ids passed to Remove.
func (m *MockAdapter) Removed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removed...)
}

// SubscriptionCount returns the number of live subscriptions.
func (m *MockAdapter) SubscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
