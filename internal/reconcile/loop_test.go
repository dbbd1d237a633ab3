// ABOUTME: Tests for the reconciliation loop using a fake clock and mock transports.
// ABOUTME: Covers pull convergence, push gating, error isolation, and cadence.

package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-context/internal/echo"
	"github.com/2389/coven-context/internal/record"
	"github.com/2389/coven-context/internal/store"
	"github.com/2389/coven-context/internal/transport"
)

func newLocalRecord(id string, confidence float64) *record.Record {
	rec := record.New("perception", "user_intent", map[string]any{"verb": "open"})
	if id != "" {
		rec.ID = id
	}
	rec.Confidence = confidence
	return rec
}

func newExternalRecord(id, tag string, confidence float64) *record.Record {
	rec := record.New(tag, "note_saved", map[string]any{"title": "x"})
	rec.ID = id
	rec.Confidence = confidence
	return rec
}

func TestRunOnce_PullUpsertsExternalContexts(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ad := transport.NewMockAdapter("notifybus", "notifybus")
	ad.SetPull(newExternalRecord("ext-a", "notifybus", 0.8))

	l := New(st, []transport.Adapter{ad}, Config{})
	l.RunOnce(context.Background(), time.Now())

	got, err := st.GetContext(context.Background(), "ext-a")
	require.NoError(t, err)
	assert.Equal(t, "notifybus", got.Source)
	assert.Equal(t, 1, l.Stats().Pulled)

	// Re-delivery converges on the same id instead of duplicating.
	l.RunOnce(context.Background(), time.Now())
	recs, err := st.QueryContexts(context.Background(), store.Query{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestRunOnce_PushGatesOnConfidence(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()
	require.NoError(t, st.AddContext(ctx, newLocalRecord("hi", 0.95)))
	require.NoError(t, st.AddContext(ctx, newLocalRecord("edge", 0.7)))
	require.NoError(t, st.AddContext(ctx, newLocalRecord("low", 0.69)))
	require.NoError(t, st.AddContext(ctx, newLocalRecord("noise", 0.5)))

	ad := transport.NewMockAdapter("msgbus", "msgbus")
	l := New(st, []transport.Adapter{ad}, Config{})
	l.RunOnce(ctx, time.Now())

	emitted := ad.Emitted()
	require.Len(t, emitted, 2)
	for _, rec := range emitted {
		assert.GreaterOrEqual(t, rec.Confidence, 0.7)
	}
}

func TestRunOnce_PushSkipsRecordsFromSameTransport(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()
	require.NoError(t, st.AddContext(ctx, newExternalRecord("ext-b", "msgbus", 0.9)))
	require.NoError(t, st.AddContext(ctx, newLocalRecord("local-1", 0.9)))

	msg := transport.NewMockAdapter("msgbus", "msgbus")
	notify := transport.NewMockAdapter("notifybus", "notifybus")
	l := New(st, []transport.Adapter{msg, notify}, Config{})
	l.RunOnce(ctx, time.Now())

	// msgbus gets only the local record; notifybus gets both.
	require.Len(t, msg.Emitted(), 1)
	assert.Equal(t, "local-1", msg.Emitted()[0].ID)
	assert.Len(t, notify.Emitted(), 2)
}

func TestRunOnce_PushHonorsLimit(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		rec := newLocalRecord("", 0.9)
		rec.Timestamp = time.Now().Add(time.Duration(i) * time.Second)
		require.NoError(t, st.AddContext(ctx, rec))
	}

	ad := transport.NewMockAdapter("msgbus", "msgbus")
	l := New(st, []transport.Adapter{ad}, Config{PushLimit: 3})
	l.RunOnce(ctx, time.Now())

	assert.Len(t, ad.Emitted(), 3)
}

func TestRunOnce_ErrorsDoNotAbortCycle(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()
	require.NoError(t, st.AddContext(ctx, newLocalRecord("local-1", 0.9)))

	broken := transport.NewMockAdapter("notifybus", "notifybus")
	broken.PullErr = errors.New("helper missing")
	broken.EmitErr = errors.New("helper missing")
	healthy := transport.NewMockAdapter("msgbus", "msgbus")
	healthy.SetPull(newExternalRecord("ext-c", "msgbus", 0.8))

	l := New(st, []transport.Adapter{broken, healthy}, Config{})
	l.RunOnce(ctx, time.Now())

	// The healthy transport still pulled and pushed.
	_, err := st.GetContext(ctx, "ext-c")
	require.NoError(t, err)
	assert.NotEmpty(t, healthy.Emitted())

	stats := l.Stats()
	assert.Equal(t, 1, stats.PullErrors)
	assert.Positive(t, stats.PushErrors)
}

func TestRunOnce_SkipsExpiredRecords(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()
	now := time.Now()

	stale := newExternalRecord("ext-stale", "msgbus", 0.9)
	past := now.Add(-time.Minute)
	stale.Expiry = &past

	localStale := newLocalRecord("local-stale", 0.9)
	localStale.Expiry = &past
	require.NoError(t, st.AddContext(ctx, localStale))

	ad := transport.NewMockAdapter("notifybus", "notifybus")
	ad.SetPull(stale)
	l := New(st, []transport.Adapter{ad}, Config{})
	l.RunOnce(ctx, now)

	_, err := st.GetContext(ctx, "ext-stale")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, ad.Emitted())
}

func TestRunOnce_MarksGuardForPulledIDs(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	guard := echo.NewGuard(time.Minute, 128)

	ad := transport.NewMockAdapter("notifybus", "notifybus")
	ad.SetPull(newExternalRecord("ext-d", "notifybus", 0.8))

	l := New(st, []transport.Adapter{ad}, Config{Guard: guard})
	l.RunOnce(context.Background(), time.Now())

	assert.True(t, guard.Suppressed("ext-d"))
}

func TestRun_TicksOnCadenceAndStops(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ad := transport.NewMockAdapter("msgbus", "msgbus")
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))

	var ticks []time.Time
	l := New(st, []transport.Adapter{ad}, Config{
		Clock:  clock,
		OnTick: func(now time.Time) { ticks = append(ticks, now) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	clock.Advance(5 * time.Second)
	clock.Advance(5 * time.Second)

	require.Eventually(t, func() bool {
		return l.Stats().Cycles == 2
	}, time.Second, time.Millisecond)

	// No tick before the next full interval.
	clock.Advance(4 * time.Second)
	assert.Equal(t, 2, l.Stats().Cycles)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on cancellation")
	}
	assert.Len(t, ticks, 2)
}

func TestRun_CancellationWaitsForInFlightCycle(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	require.NoError(t, st.AddContext(context.Background(), newLocalRecord("held", 0.9)))

	ad := transport.NewMockAdapter("msgbus", "msgbus")
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	ad.EmitHook = func() {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}

	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	l := New(st, []transport.Adapter{ad}, Config{Clock: clock})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	clock.Advance(DefaultInterval)
	<-entered
	cancel()

	// The cycle in flight finishes before the loop stops.
	select {
	case <-done:
		t.Fatal("loop stopped while a cycle was mid-emit")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after the cycle finished")
	}
	assert.Equal(t, 1, l.Stats().Cycles)
	assert.Len(t, ad.Emitted(), 1)
}
