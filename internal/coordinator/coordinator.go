// ABOUTME: Synchronization coordinator tying store, transports, and the loop together.
// ABOUTME: Owns the lifecycle state machine, echo guard, and change fan-out.

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-context/internal/echo"
	"github.com/2389/coven-context/internal/record"
	"github.com/2389/coven-context/internal/reconcile"
	"github.com/2389/coven-context/internal/store"
	"github.com/2389/coven-context/internal/transport"
)

var (
	// ErrAlreadyInitialized is returned by Initialize after the first call.
	ErrAlreadyInitialized = errors.New("coordinator already initialized")

	// ErrNotRunning is returned by Initialize once the coordinator has been
	// shut down; a stopped coordinator cannot be brought back up.
	ErrNotRunning = errors.New("coordinator not running")
)

const (
	defaultGateTimeout = 30 * time.Second
	defaultGuardTTL    = 30 * time.Second
	guardCapacity      = 4096
	changeQueueSize    = 256
)

// Wildcard in AllowedPeers or AllowedTypes admits everything.
const Wildcard = "*"

// Config holds coordinator settings.
type Config struct {
	// AllowedPeers limits which source applications' contexts are applied.
	// Empty or containing Wildcard admits all peers.
	AllowedPeers []string

	// AllowedTypes limits which context types are exchanged, both directions.
	// Empty or containing Wildcard admits all types.
	AllowedTypes []string

	// SystemWide subscribes each transport to system-wide context traffic in
	// addition to the per-peer scopes.
	SystemWide bool

	// ReconcileInterval, MinConfidence, and PushLimit tune the loop.
	ReconcileInterval time.Duration
	MinConfidence     float64
	PushLimit         int

	// GateTimeout bounds how long a push waits for a transport's serializing
	// gate before giving up on that emit.
	GateTimeout time.Duration

	// GuardTTL bounds how long an applied external id suppresses re-emission.
	GuardTTL time.Duration

	Clock  reconcile.Clock
	Logger *slog.Logger
}

// Metrics are cumulative coordinator counters. TransportCalls counts every
// call that passed an adapter's gate, from any caller.
type Metrics struct {
	Sent            int
	Received        int
	RemovalsIn      int
	RemovalsOut     int
	TransportCalls  int
	TransportErrors int
}

// Status is a point-in-time snapshot for the status surface.
type Status struct {
	State         State
	Degraded      bool
	Transports    []TransportStatus
	Subscriptions int
	Metrics       Metrics
	Loop          reconcile.Stats
}

// TransportStatus describes one adapter's health.
type TransportStatus struct {
	Name     string
	Degraded bool
}

// Coordinator drives context exchange between the local store and all
// configured transports.
type Coordinator struct {
	cfg      Config
	logger   *slog.Logger
	st       store.Store
	adapters []transport.Adapter // gated
	gates    []*transport.Gated
	guard    *echo.Guard
	loop     *reconcile.Loop
	clock    reconcile.Clock

	mu       sync.Mutex
	state    State
	subs     map[transport.Adapter][]*transport.Subscription
	listener *store.Listener
	metrics  Metrics

	changesMu     sync.Mutex
	changes       chan store.Change
	changesClosed bool
	changesDone   chan struct{}

	runCtx  context.Context
	runStop context.CancelFunc
	wg      sync.WaitGroup
}

// New wires a coordinator over the store and transports. Each adapter is
// wrapped in a serializing gate; callers pass the raw adapters.
func New(st store.Store, adapters []transport.Adapter, cfg Config) *Coordinator {
	if cfg.GateTimeout <= 0 {
		cfg.GateTimeout = defaultGateTimeout
	}
	if cfg.GuardTTL <= 0 {
		cfg.GuardTTL = defaultGuardTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = reconcile.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "coordinator")

	gated := make([]transport.Adapter, len(adapters))
	gates := make([]*transport.Gated, len(adapters))
	for i, ad := range adapters {
		gates[i] = transport.WithGate(ad, cfg.GateTimeout)
		gated[i] = gates[i]
	}

	guard := echo.NewGuard(cfg.GuardTTL, guardCapacity)
	c := &Coordinator{
		cfg:         cfg,
		logger:      logger,
		st:          st,
		adapters:    gated,
		gates:       gates,
		guard:       guard,
		clock:       cfg.Clock,
		state:       StateUninitialized,
		subs:        make(map[transport.Adapter][]*transport.Subscription),
		changes:     make(chan store.Change, changeQueueSize),
		changesDone: make(chan struct{}),
	}
	c.loop = reconcile.New(st, gated, reconcile.Config{
		Interval:      cfg.ReconcileInterval,
		MinConfidence: cfg.MinConfidence,
		PushLimit:     cfg.PushLimit,
		Guard:         guard,
		OnTick:        func(time.Time) { guard.Sweep() },
		Clock:         cfg.Clock,
		Logger:        cfg.Logger,
	})
	return c
}

// Initialize brings the coordinator up: subscriptions, one immediate
// reconciliation pass, the store change feed, and the periodic loop.
// Transport failures degrade rather than fail; the store stays usable even
// with every transport down.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateShuttingDown, StateStopped:
		c.mu.Unlock()
		return ErrNotRunning
	case StateUninitialized:
	default:
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	c.state = StateInitializing
	c.mu.Unlock()

	c.logger.Info("initializing", "transports", len(c.adapters))

	subscribeFailures := 0
	for _, ad := range c.adapters {
		subs, err := c.subscribeAdapter(ctx, ad)
		if err != nil {
			subscribeFailures++
			c.logger.Warn("transport subscription failed", "transport", ad.Name(), "error", err)
		}
		c.mu.Lock()
		c.subs[ad] = subs
		c.mu.Unlock()
	}

	// First pass runs before the change feed opens so startup state flows
	// in without racing our own outbound fan-out.
	c.loop.RunOnce(ctx, c.clock.Now())

	listener := c.st.Listen(c.enqueueChange)
	c.mu.Lock()
	c.listener = listener
	c.mu.Unlock()

	runCtx, runStop := context.WithCancel(context.Background())
	c.mu.Lock()
	c.runCtx = runCtx
	c.runStop = runStop
	c.mu.Unlock()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop.Run(c.runCtx)
	}()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.outboundWorker()
	}()
	for _, ad := range c.adapters {
		ad := ad
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.inboundWorker(ad)
		}()
	}

	state := StateReady
	if subscribeFailures > 0 || c.anyTransportDegraded() {
		state = StateDegraded
	}
	c.mu.Lock()
	if c.state != StateInitializing {
		// Shutdown ran while the first pass was in flight; its state stands.
		// Stop the loop goroutines started above and report the loss.
		listener := c.listener
		c.listener = nil
		c.mu.Unlock()
		if listener != nil {
			listener.Close()
		}
		c.runStop()
		return ErrNotRunning
	}
	c.state = state
	c.mu.Unlock()

	c.logger.Info("initialized", "state", state.String())
	return nil
}

// subscribeAdapter registers the configured scopes on one transport.
func (c *Coordinator) subscribeAdapter(ctx context.Context, ad transport.Adapter) ([]*transport.Subscription, error) {
	var scopes []transport.Scope
	if c.cfg.SystemWide || c.peersWildcard() {
		scopes = append(scopes, transport.Scope{SystemWide: true})
	}
	if !c.peersWildcard() {
		for _, peer := range c.cfg.AllowedPeers {
			scopes = append(scopes, transport.Scope{AppID: peer})
		}
	}

	var subs []*transport.Subscription
	for _, scope := range scopes {
		sub, err := ad.Subscribe(ctx, scope)
		if err != nil {
			return subs, fmt.Errorf("scope %s: %w", scope.Key(), err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Shutdown drains and stops everything. Idempotent; a second call returns
// immediately. Every teardown step is attempted even when earlier ones fail.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStopped || c.state == StateShuttingDown {
		c.mu.Unlock()
		return nil
	}
	wasRunning := c.state.Running()
	c.state = StateShuttingDown
	listener := c.listener
	c.listener = nil
	runStop := c.runStop
	c.mu.Unlock()

	c.logger.Info("shutting down")

	// Stop the change feed first so no new outbound work arrives, then let
	// the outbound worker drain what is already queued while the transports
	// are still up.
	if listener != nil {
		listener.Close()
	}
	c.changesMu.Lock()
	if !c.changesClosed {
		c.changesClosed = true
		close(c.changes)
	}
	c.changesMu.Unlock()

	var errs []error
	if runStop != nil {
		select {
		case <-c.changesDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("draining outbound changes: %w", ctx.Err()))
		}
	}

	if wasRunning {
		for ad, subs := range c.snapshotSubs() {
			for _, sub := range subs {
				if err := ad.Unsubscribe(ctx, sub); err != nil {
					c.logger.Warn("unsubscribe failed", "transport", ad.Name(), "error", err)
				}
			}
		}
	}

	if runStop != nil {
		runStop()
	}
	for _, ad := range c.adapters {
		if err := ad.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", ad.Name(), err))
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("shutdown drain: %w", ctx.Err()))
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()

	c.logger.Info("stopped")
	return errors.Join(errs...)
}

// Status returns a snapshot for the status surface.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:   c.state,
		Metrics: c.metrics,
		Loop:    c.loop.Stats(),
	}
	for _, g := range c.gates {
		st.Metrics.TransportCalls += g.Calls()
	}
	for _, ad := range c.adapters {
		degraded := ad.Degraded()
		st.Transports = append(st.Transports, TransportStatus{Name: ad.Name(), Degraded: degraded})
		if degraded {
			st.Degraded = true
		}
		st.Subscriptions += len(c.subs[ad])
	}
	if c.state == StateDegraded {
		st.Degraded = true
	}
	return st
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) peersWildcard() bool {
	if len(c.cfg.AllowedPeers) == 0 {
		return true
	}
	for _, p := range c.cfg.AllowedPeers {
		if p == Wildcard {
			return true
		}
	}
	return false
}

func (c *Coordinator) peerAllowed(appID string) bool {
	if c.peersWildcard() {
		return true
	}
	for _, p := range c.cfg.AllowedPeers {
		if p == appID {
			return true
		}
	}
	return false
}

func (c *Coordinator) typeAllowed(typ string) bool {
	if len(c.cfg.AllowedTypes) == 0 {
		return true
	}
	for _, t := range c.cfg.AllowedTypes {
		if t == Wildcard || t == typ {
			return true
		}
	}
	return false
}

func (c *Coordinator) anyTransportDegraded() bool {
	for _, ad := range c.adapters {
		if ad.Degraded() {
			return true
		}
	}
	return false
}

func (c *Coordinator) snapshotSubs() map[transport.Adapter][]*transport.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[transport.Adapter][]*transport.Subscription, len(c.subs))
	for ad, subs := range c.subs {
		out[ad] = append([]*transport.Subscription(nil), subs...)
	}
	return out
}

// enqueueChange hands a store change to the outbound worker. Store listener
// callbacks run on the mutating goroutine and must not block, so a full
// queue drops the change; the next reconciliation cycle covers the gap.
func (c *Coordinator) enqueueChange(ch store.Change) {
	c.changesMu.Lock()
	defer c.changesMu.Unlock()
	if c.changesClosed {
		return
	}

	select {
	case c.changes <- ch:
	default:
		c.logger.Warn("change queue full, deferring to next cycle", "id", ch.Record.ID)
	}
}

// outboundWorker fans local store changes out to the transports.
func (c *Coordinator) outboundWorker() {
	defer close(c.changesDone)
	for ch := range c.changes {
		switch ch.Op {
		case store.OpRemoved:
			c.propagateRemoval(ch.Record.ID)
		default:
			c.propagateChange(ch.Record)
		}
	}
}

// propagateChange pushes one added or updated record outward, applying the
// same gates as the loop plus the echo guard.
func (c *Coordinator) propagateChange(rec *record.Record) {
	if c.guard.Suppressed(rec.ID) {
		// We just applied this from a transport; pushing it back out would
		// start a loop.
		return
	}
	if !c.loop.Eligible(rec, c.clock.Now()) || !c.typeAllowed(rec.Type) {
		return
	}

	for _, ad := range c.adapters {
		if rec.Source == ad.SourceTag() {
			continue
		}
		ctx, cancel := context.WithTimeout(c.runCtx, c.cfg.GateTimeout)
		err := ad.Emit(ctx, rec)
		cancel()
		if err != nil {
			c.countTransportError()
			c.logger.Warn("emit failed", "transport", ad.Name(), "id", rec.ID, "error", err)
			continue
		}
		c.countSent()
	}
}

// propagateRemoval retracts a removed record on every transport that has
// visible deletes. Transports without them return ErrRemoveUnsupported and
// rely on expiry instead.
func (c *Coordinator) propagateRemoval(id string) {
	if c.guard.Suppressed(id) {
		c.guard.Release(id)
		return
	}

	for _, ad := range c.adapters {
		ctx, cancel := context.WithTimeout(c.runCtx, c.cfg.GateTimeout)
		err := ad.Remove(ctx, id)
		cancel()
		if errors.Is(err, transport.ErrRemoveUnsupported) {
			continue
		}
		if err != nil {
			c.countTransportError()
			c.logger.Warn("remove failed", "transport", ad.Name(), "id", id, "error", err)
			continue
		}
		c.countRemovalOut()
	}
}

// inboundWorker applies one transport's event stream to the store. Ends when
// the adapter closes its channel at shutdown.
func (c *Coordinator) inboundWorker(ad transport.Adapter) {
	for ev := range ad.Events() {
		c.applyInbound(ad, ev)
	}
}

func (c *Coordinator) applyInbound(ad transport.Adapter, ev transport.Event) {
	if ev.Record == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.GateTimeout)
	defer cancel()

	if ev.Removed {
		c.guard.Mark(ev.Record.ID)
		err := c.st.RemoveContext(ctx, ev.Record.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("applying removal failed", "id", ev.Record.ID, "error", err)
			return
		}
		if err == nil {
			c.countRemovalIn()
		}
		return
	}

	rec := ev.Record
	if !c.typeAllowed(rec.Type) || !c.peerAllowed(rec.Metadata.SourceAppID) {
		return
	}
	if rec.Expired(c.clock.Now()) {
		return
	}

	// Mark before the upsert so the synchronous change callback sees the
	// suppression and the fan-out skips the echo.
	c.guard.Mark(rec.ID)
	if _, err := c.st.UpsertContext(ctx, rec); err != nil {
		c.guard.Release(rec.ID)
		c.logger.Warn("applying inbound context failed", "id", rec.ID, "error", err)
		return
	}
	c.countReceived()
	c.logger.Debug("context applied", "id", rec.ID, "transport", ad.Name(), "type", rec.Type)
}

func (c *Coordinator) countSent() {
	c.mu.Lock()
	c.metrics.Sent++
	c.mu.Unlock()
}

func (c *Coordinator) countReceived() {
	c.mu.Lock()
	c.metrics.Received++
	c.mu.Unlock()
}

func (c *Coordinator) countRemovalIn() {
	c.mu.Lock()
	c.metrics.RemovalsIn++
	c.mu.Unlock()
}

func (c *Coordinator) countRemovalOut() {
	c.mu.Lock()
	c.metrics.RemovalsOut++
	c.mu.Unlock()
}

func (c *Coordinator) countTransportError() {
	c.mu.Lock()
	c.metrics.TransportErrors++
	c.mu.Unlock()
}
