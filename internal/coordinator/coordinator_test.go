// ABOUTME: Tests for the coordinator lifecycle, fan-out, echo guarding, and shutdown.
// ABOUTME: Uses the in-memory store and mock adapters; time is driven by a fake clock.

package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-context/internal/reconcile"
	"github.com/2389/coven-context/internal/record"
	"github.com/2389/coven-context/internal/store"
	"github.com/2389/coven-context/internal/transport"
)

type fixture struct {
	st    *store.MemoryStore
	notif *transport.MockAdapter
	msg   *transport.MockAdapter
	clock *reconcile.FakeClock
	coord *Coordinator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	f := &fixture{
		st:    store.NewMemoryStore(),
		notif: transport.NewMockAdapter("notifybus", "notifybus"),
		msg:   transport.NewMockAdapter("msgbus", "msgbus"),
		clock: reconcile.NewFakeClock(time.Unix(1_700_000_000, 0)),
	}
	cfg.Clock = f.clock
	f.coord = New(f.st, []transport.Adapter{f.notif, f.msg}, cfg)
	t.Cleanup(func() {
		f.coord.Shutdown(context.Background())
		f.st.Close()
	})
	return f
}

func (f *fixture) initialize(t *testing.T) {
	t.Helper()
	require.NoError(t, f.coord.Initialize(context.Background()))
}

func localRecord(typ string, confidence float64) *record.Record {
	rec := record.New("perception", typ, map[string]any{"k": "v"})
	rec.Confidence = confidence
	return rec
}

func externalRecord(id, tag, appID string, confidence float64) *record.Record {
	rec := record.New(tag, "note_saved", map[string]any{"title": "x"})
	rec.ID = id
	rec.Confidence = confidence
	rec.Metadata.SourceAppID = appID
	return rec
}

func TestInitialize_SubscribesAndRunsFirstPass(t *testing.T) {
	f := newFixture(t, Config{})
	f.notif.SetPull(externalRecord("ext-a", "notifybus", "com.example.notes", 0.8))

	f.initialize(t)

	assert.Equal(t, StateReady, f.coord.State())
	assert.Equal(t, 1, f.notif.SubscriptionCount())
	assert.Equal(t, 1, f.msg.SubscriptionCount())

	// The initial pass already pulled the external context in.
	got, err := f.st.GetContext(context.Background(), "ext-a")
	require.NoError(t, err)
	assert.Equal(t, "notifybus", got.Source)
	assert.Equal(t, 1, f.coord.Status().Loop.Cycles)
}

func TestInitialize_SecondCallFails(t *testing.T) {
	f := newFixture(t, Config{})
	f.initialize(t)
	assert.ErrorIs(t, f.coord.Initialize(context.Background()), ErrAlreadyInitialized)
}

func TestInitialize_DegradedTransportDegradesCoordinator(t *testing.T) {
	f := newFixture(t, Config{})
	f.msg.SetDegraded(true)

	f.initialize(t)

	assert.Equal(t, StateDegraded, f.coord.State())
	status := f.coord.Status()
	assert.True(t, status.Degraded)
	for _, ts := range status.Transports {
		if ts.Name == "msgbus" {
			assert.True(t, ts.Degraded)
		}
	}
}

func TestInitialize_SubscribeFailureDegradesButServes(t *testing.T) {
	f := newFixture(t, Config{})
	f.notif.SubscribeErr = assert.AnError

	f.initialize(t)

	assert.Equal(t, StateDegraded, f.coord.State())

	// The store is still served and the healthy transport still works.
	rec := localRecord("user_intent", 0.9)
	require.NoError(t, f.st.AddContext(context.Background(), rec))
	require.Eventually(t, func() bool {
		return len(f.msg.Emitted()) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestStoreChange_FansOutAboveThreshold(t *testing.T) {
	f := newFixture(t, Config{})
	f.initialize(t)

	rec := localRecord("user_intent", 0.9)
	require.NoError(t, f.st.AddContext(context.Background(), rec))

	require.Eventually(t, func() bool {
		return len(f.notif.Emitted()) == 1 && len(f.msg.Emitted()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, rec.ID, f.notif.Emitted()[0].ID)
	assert.Positive(t, f.coord.Status().Metrics.Sent)
}

func TestStoreChange_LowConfidenceStaysLocal(t *testing.T) {
	f := newFixture(t, Config{})
	f.initialize(t)

	require.NoError(t, f.st.AddContext(context.Background(), localRecord("user_intent", 0.5)))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.notif.Emitted())
	assert.Empty(t, f.msg.Emitted())
}

func TestStoreChange_TypeFilterApplies(t *testing.T) {
	f := newFixture(t, Config{AllowedTypes: []string{"user_intent"}})
	f.initialize(t)

	require.NoError(t, f.st.AddContext(context.Background(), localRecord("user_intent", 0.9)))
	require.NoError(t, f.st.AddContext(context.Background(), localRecord("scratch_note", 0.9)))

	require.Eventually(t, func() bool {
		return len(f.msg.Emitted()) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, f.msg.Emitted(), 1)
	assert.Equal(t, "user_intent", f.msg.Emitted()[0].Type)
}

func TestInbound_AppliedWithoutEcho(t *testing.T) {
	f := newFixture(t, Config{})
	f.initialize(t)

	ext := externalRecord("ext-b", "notifybus", "com.example.notes", 0.85)
	f.notif.Inject(transport.Event{Record: ext})

	require.Eventually(t, func() bool {
		_, err := f.st.GetContext(context.Background(), "ext-b")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	// The applied context must not bounce back out through the change feed.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.notif.Emitted())
	assert.Empty(t, f.msg.Emitted())
	assert.Equal(t, 1, f.coord.Status().Metrics.Received)
}

func TestInbound_CrossTransportOnNextCycle(t *testing.T) {
	f := newFixture(t, Config{})
	f.initialize(t)

	f.notif.Inject(transport.Event{Record: externalRecord("ext-c", "notifybus", "com.example.notes", 0.85)})
	require.Eventually(t, func() bool {
		_, err := f.st.GetContext(context.Background(), "ext-c")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	f.clock.Advance(reconcile.DefaultInterval)

	// The next cycle pushes it to the other transport but never back to its
	// own origin.
	require.Eventually(t, func() bool {
		return len(f.msg.Emitted()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "ext-c", f.msg.Emitted()[0].ID)
	assert.Empty(t, f.notif.Emitted())
}

func TestInbound_RedeliveryConverges(t *testing.T) {
	f := newFixture(t, Config{})
	f.initialize(t)

	for i := 0; i < 3; i++ {
		f.notif.Inject(transport.Event{Record: externalRecord("ext-d", "notifybus", "com.example.notes", 0.8)})
	}

	require.Eventually(t, func() bool {
		return f.coord.Status().Metrics.Received == 3
	}, time.Second, 5*time.Millisecond)

	recs, err := f.st.QueryContexts(context.Background(), store.Query{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestInbound_PeerFilterDropsUnknownApps(t *testing.T) {
	f := newFixture(t, Config{AllowedPeers: []string{"com.example.notes"}, SystemWide: true})
	f.initialize(t)

	f.notif.Inject(transport.Event{Record: externalRecord("ext-ok", "notifybus", "com.example.notes", 0.8)})
	f.notif.Inject(transport.Event{Record: externalRecord("ext-no", "notifybus", "com.evil.app", 0.8)})

	require.Eventually(t, func() bool {
		_, err := f.st.GetContext(context.Background(), "ext-ok")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	_, err := f.st.GetContext(context.Background(), "ext-no")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRemoval_PropagatesOutward(t *testing.T) {
	f := newFixture(t, Config{})
	f.initialize(t)

	rec := localRecord("user_intent", 0.9)
	require.NoError(t, f.st.AddContext(context.Background(), rec))
	require.Eventually(t, func() bool {
		return len(f.msg.Emitted()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.st.RemoveContext(context.Background(), rec.ID))

	require.Eventually(t, func() bool {
		removed := f.msg.Removed()
		return len(removed) == 1 && removed[0] == rec.ID
	}, time.Second, 5*time.Millisecond)
}

func TestRemoval_InboundAppliedWithoutBounce(t *testing.T) {
	f := newFixture(t, Config{})
	f.initialize(t)

	ext := externalRecord("ext-e", "msgbus", "org.gnome.Notes", 0.8)
	f.msg.Inject(transport.Event{Record: ext})
	require.Eventually(t, func() bool {
		_, err := f.st.GetContext(context.Background(), "ext-e")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	f.msg.Inject(transport.Event{Record: &record.Record{ID: "ext-e", Source: "msgbus"}, Removed: true})

	require.Eventually(t, func() bool {
		_, err := f.st.GetContext(context.Background(), "ext-e")
		return err != nil
	}, time.Second, 5*time.Millisecond)

	// The removal we just applied must not be re-broadcast.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.msg.Removed())
	assert.Empty(t, f.notif.Removed())
	assert.Equal(t, 1, f.coord.Status().Metrics.RemovalsIn)
}

func TestShutdown_DrainsQueuedChanges(t *testing.T) {
	f := newFixture(t, Config{})
	f.initialize(t)

	rec := localRecord("user_intent", 0.9)
	require.NoError(t, f.st.AddContext(context.Background(), rec))
	require.NoError(t, f.coord.Shutdown(context.Background()))

	assert.Equal(t, StateStopped, f.coord.State())
	require.Len(t, f.msg.Emitted(), 1)
	assert.Equal(t, rec.ID, f.msg.Emitted()[0].ID)
}

func TestShutdown_Idempotent(t *testing.T) {
	f := newFixture(t, Config{})
	f.initialize(t)

	require.NoError(t, f.coord.Shutdown(context.Background()))
	require.NoError(t, f.coord.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, f.coord.State())
}

func TestShutdown_BeforeInitialize(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.coord.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, f.coord.State())
	assert.ErrorIs(t, f.coord.Initialize(context.Background()), ErrNotRunning)
}

func TestShutdown_WaitsForInFlightEmit(t *testing.T) {
	f := newFixture(t, Config{})
	f.initialize(t)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	f.msg.EmitHook = func() {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}

	require.NoError(t, f.st.AddContext(context.Background(), localRecord("user_intent", 0.9)))
	<-entered

	done := make(chan error, 1)
	go func() { done <- f.coord.Shutdown(context.Background()) }()

	// Shutdown must not resolve while the emit is parked inside the transport.
	select {
	case <-done:
		t.Fatal("shutdown finished while an emit was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("shutdown did not finish after the emit completed")
	}

	assert.Equal(t, StateStopped, f.coord.State())
	require.Len(t, f.msg.Emitted(), 1)

	// No further cycle fires once the loop is stopped.
	cycles := f.coord.Status().Loop.Cycles
	f.clock.Advance(reconcile.DefaultInterval)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, cycles, f.coord.Status().Loop.Cycles)
}

func TestInitialize_ConcurrentShutdownWins(t *testing.T) {
	f := newFixture(t, Config{GateTimeout: 50 * time.Millisecond})
	require.NoError(t, f.st.AddContext(context.Background(), localRecord("user_intent", 0.9)))

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	f.msg.EmitHook = func() {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}

	initDone := make(chan error, 1)
	go func() { initDone <- f.coord.Initialize(context.Background()) }()
	<-entered

	// Shutdown lands while the first pass is still mid-emit; its final state
	// must not be overwritten when Initialize resumes.
	require.NoError(t, f.coord.Shutdown(context.Background()))
	close(release)

	select {
	case err := <-initDone:
		assert.ErrorIs(t, err, ErrNotRunning)
	case <-time.After(time.Second):
		t.Fatal("initialize did not return")
	}
	assert.Equal(t, StateStopped, f.coord.State())
}

func TestStatus_CountsTransportCalls(t *testing.T) {
	f := newFixture(t, Config{})
	f.initialize(t)

	// One subscribe and one pull per transport during initialization.
	base := f.coord.Status().Metrics.TransportCalls
	assert.Equal(t, 4, base)

	require.NoError(t, f.st.AddContext(context.Background(), localRecord("user_intent", 0.9)))
	require.Eventually(t, func() bool {
		return len(f.notif.Emitted()) == 1 && len(f.msg.Emitted()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, base+2, f.coord.Status().Metrics.TransportCalls)
}

func TestState_StringNames(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "shutting_down", StateShuttingDown.String())
	assert.True(t, StateDegraded.Running())
	assert.False(t, StateStopped.Running())
}
