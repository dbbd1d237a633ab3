// ABOUTME: Tests for the transport gate's serialization and timeout behavior.
// ABOUTME: Validates single-flight transport calls and ungated event streams.

package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-context/internal/record"
)

func TestGate_SerializesEmits(t *testing.T) {
	mock := NewMockAdapter("mock", "mock-tag")

	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
	)
	mock.EmitHook = func() {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
	}

	g := WithGate(mock, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Emit(context.Background(), &record.Record{ID: "r"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen, "at most one transport call in flight")
	assert.Len(t, mock.Emitted(), 8)
}

func TestGate_TimesOutInsteadOfDeadlocking(t *testing.T) {
	mock := NewMockAdapter("mock", "mock-tag")

	blocked := make(chan struct{})
	release := make(chan struct{})
	mock.EmitHook = func() {
		close(blocked)
		<-release
	}

	g := WithGate(mock, 20*time.Millisecond)

	go g.Emit(context.Background(), &record.Record{ID: "holder"})
	<-blocked

	_, err := g.Pull(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGateTimeout)

	close(release)
}

func TestGate_EventsNotGated(t *testing.T) {
	mock := NewMockAdapter("mock", "mock-tag")

	blocked := make(chan struct{})
	release := make(chan struct{})
	mock.EmitHook = func() {
		close(blocked)
		<-release
	}

	g := WithGate(mock, time.Second)

	go g.Emit(context.Background(), &record.Record{ID: "holder"})
	<-blocked

	// Inbound delivery proceeds while an emit is in flight.
	mock.Inject(Event{Record: &record.Record{ID: "inbound"}})
	select {
	case ev := <-g.Events():
		assert.Equal(t, "inbound", ev.Record.ID)
	case <-time.After(time.Second):
		t.Fatal("event stream blocked by in-flight emit")
	}

	close(release)
}

func TestGate_RespectsCallerCancellation(t *testing.T) {
	mock := NewMockAdapter("mock", "mock-tag")

	blocked := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	mock.EmitHook = func() {
		close(blocked)
		<-release
	}

	g := WithGate(mock, time.Minute)

	go g.Emit(context.Background(), &record.Record{ID: "holder"})
	<-blocked

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Pull(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
