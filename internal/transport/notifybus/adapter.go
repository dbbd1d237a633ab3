// ABOUTME: Transport adapter for the distributed-notification bus platform.
// ABOUTME: Emits via a short-lived poster helper and receives via a supervised listener.

package notifybus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-context/internal/record"
	"github.com/2389/coven-context/internal/transport"
	"github.com/2389/coven-context/internal/transport/supervise"
)

// DefaultNotification is the system-wide notification name records are
// exchanged under when no override is configured.
const DefaultNotification = "ai.coven.context"

const eventBufferSize = 64

// Config holds notifybus adapter settings.
type Config struct {
	// StagingDir receives helper scripts and per-call payload files.
	StagingDir string

	// SpoolDir is where the listener helper drops received payloads.
	SpoolDir string

	// AppID and AppName stamp outbound payloads with this system's identity.
	AppID   string
	AppName string

	// Notification overrides the system-wide notification name.
	Notification string

	Runner transport.Runner
	Logger *slog.Logger
}

// Adapter implements transport.Adapter over the platform's distributed
// notification center plus its companion broadcast channel.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	posterScript   string
	posterCleanup  func()
	listenerScript string
	listenerClean  func()

	tailer *spoolTailer
	events chan transport.Event

	mu       sync.Mutex
	subs     map[string]transport.Scope // sub id -> scope
	listener *supervise.Helper
	closed   bool

	// scopes has its own lock so the supervised launch closure can re-read
	// the live scope set while mu is held for a listener restart.
	scopesMu sync.Mutex
	scopes   map[string]int // scope key -> refcount

	lifecycle context.Context
	cancel    context.CancelFunc
}

// New stages the helper scripts and starts tailing the payload spool.
func New(cfg Config) (*Adapter, error) {
	if cfg.Notification == "" {
		cfg.Notification = DefaultNotification
	}
	if cfg.Runner == nil {
		cfg.Runner = transport.ExecRunner{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "notifybus")

	posterPath, posterCleanup, err := transport.StageExecutable(cfg.StagingDir, "poster", ".js", []byte(posterScript))
	if err != nil {
		return nil, fmt.Errorf("staging poster helper: %w", err)
	}

	listenerPath, listenerCleanup, err := transport.StageExecutable(cfg.StagingDir, "listener", ".js", []byte(listenerScript))
	if err != nil {
		posterCleanup()
		return nil, fmt.Errorf("staging listener helper: %w", err)
	}

	lifecycle, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		cfg:            cfg,
		logger:         logger,
		posterScript:   posterPath,
		posterCleanup:  posterCleanup,
		listenerScript: listenerPath,
		listenerClean:  listenerCleanup,
		events:         make(chan transport.Event, eventBufferSize),
		subs:           make(map[string]transport.Scope),
		scopes:         make(map[string]int),
		lifecycle:      lifecycle,
		cancel:         cancel,
	}

	tailer, err := newSpoolTailer(cfg.SpoolDir, a.consumeSpoolFile, logger)
	if err != nil {
		cancel()
		posterCleanup()
		listenerCleanup()
		return nil, err
	}
	a.tailer = tailer

	return a, nil
}

// Name implements transport.Adapter.
func (a *Adapter) Name() string { return "notifybus" }

// SourceTag implements transport.Adapter.
func (a *Adapter) SourceTag() string { return "notifybus" }

// Degraded implements transport.Adapter. The notification bus is itself the
// emulation channel other adapters fall back to, so it is never degraded.
func (a *Adapter) Degraded() bool { return false }

// Emit implements transport.Adapter. It stages the payload as a transient
// file and runs the poster helper to completion.
func (a *Adapter) Emit(ctx context.Context, rec *record.Record) error {
	wire := toWire(rec, a.cfg.AppID, a.cfg.AppName, a.cfg.Notification)
	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("encoding notification payload: %w", err)
	}

	payloadPath, cleanup, err := transport.Stage(a.cfg.StagingDir, "notify", ".json", data)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := a.cfg.Runner.Run(ctx, a.posterScript, payloadPath, a.cfg.Notification); err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}

	a.logger.Debug("context posted", "id", rec.ID, "type", rec.Type)
	return nil
}

// Remove implements transport.Adapter. Notification buses have no visible
// delete; peers rely on record expiry.
func (a *Adapter) Remove(context.Context, string) error {
	return transport.ErrRemoveUnsupported
}

// Pull implements transport.Adapter. It drains the payload spool, covering
// events missed while the listener or tailer was down. Files concurrently
// consumed by the tailer are skipped; re-delivery is safe because ids derive
// deterministically.
func (a *Adapter) Pull(context.Context) ([]*record.Record, error) {
	paths, err := a.tailer.drain()
	if err != nil {
		return nil, err
	}

	var out []*record.Record
	for _, path := range paths {
		rec, err := a.loadPayload(path)
		if err != nil {
			continue
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Subscribe implements transport.Adapter. The listener helper is restarted
// with the union of all subscribed notification names.
func (a *Adapter) Subscribe(_ context.Context, scope transport.Scope) (*transport.Subscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("subscribe: adapter closed")
	}

	sub := &transport.Subscription{
		ID:    uuid.New().String(),
		Scope: scope,
		Token: a.notificationName(scope),
	}
	a.subs[sub.ID] = scope
	a.addScope(scope.Key(), 1)

	if err := a.restartListenerLocked(); err != nil {
		delete(a.subs, sub.ID)
		a.addScope(scope.Key(), -1)
		return nil, err
	}
	return sub, nil
}

// addScope adjusts the refcount for a scope key.
func (a *Adapter) addScope(key string, delta int) {
	a.scopesMu.Lock()
	defer a.scopesMu.Unlock()
	a.scopes[key] += delta
	if a.scopes[key] <= 0 {
		delete(a.scopes, key)
	}
}

func (a *Adapter) scopeCount() int {
	a.scopesMu.Lock()
	defer a.scopesMu.Unlock()
	return len(a.scopes)
}

// Unsubscribe implements transport.Adapter.
func (a *Adapter) Unsubscribe(_ context.Context, sub *transport.Subscription) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	scope, ok := a.subs[sub.ID]
	if !ok {
		return nil
	}
	delete(a.subs, sub.ID)
	a.addScope(scope.Key(), -1)

	if a.closed {
		return nil
	}
	return a.restartListenerLocked()
}

// Events implements transport.Adapter.
func (a *Adapter) Events() <-chan transport.Event { return a.events }

// Close implements transport.Adapter. Best effort: every teardown step runs
// even when an earlier one fails.
func (a *Adapter) Close(context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	listener := a.listener
	a.listener = nil
	a.subs = make(map[string]transport.Scope)
	a.mu.Unlock()

	a.scopesMu.Lock()
	a.scopes = make(map[string]int)
	a.scopesMu.Unlock()

	a.cancel()
	if listener != nil {
		listener.Stop()
	}
	a.tailer.stop()
	close(a.events)
	a.posterCleanup()
	a.listenerClean()
	return nil
}

// notificationName maps a scope to the notification name observed for it.
func (a *Adapter) notificationName(scope transport.Scope) string {
	if scope.SystemWide {
		return a.cfg.Notification
	}
	return a.cfg.Notification + "." + scope.AppID
}

// restartListenerLocked replaces the listener helper so its registration
// matches the current scope set. Must be called with mu held. With no scopes
// left the listener is stopped outright.
func (a *Adapter) restartListenerLocked() error {
	if a.listener != nil {
		a.listener.Stop()
		a.listener = nil
	}
	if a.scopeCount() == 0 {
		return nil
	}

	// The launch closure re-reads the scope set every time so a relaunched
	// listener picks up the subscriptions current at relaunch time.
	launch := func(ctx context.Context) (transport.Process, error) {
		args := append([]string{a.cfg.SpoolDir}, a.currentNotificationNames()...)
		return a.cfg.Runner.Start(ctx, a.listenerScript, args...)
	}

	helper := supervise.New("notifybus-listener", launch, nil, supervise.Config{Logger: a.logger})
	if err := helper.Start(a.lifecycle); err != nil {
		return err
	}
	a.listener = helper
	return nil
}

// currentNotificationNames returns the notification names for all live scopes.
func (a *Adapter) currentNotificationNames() []string {
	a.scopesMu.Lock()
	defer a.scopesMu.Unlock()

	names := make([]string, 0, len(a.scopes))
	seen := make(map[string]bool)
	for key := range a.scopes {
		name := a.notificationName(scopeFromKey(key))
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

func scopeFromKey(key string) transport.Scope {
	if key == "system" {
		return transport.Scope{SystemWide: true}
	}
	return transport.Scope{AppID: key[len("app:"):]}
}

// consumeSpoolFile converts one spooled payload and delivers it inbound.
// Called by the tailer goroutine, never gated behind transport calls.
func (a *Adapter) consumeSpoolFile(path string) {
	rec, err := a.loadPayload(path)
	if err != nil {
		a.logger.Warn("dropping malformed spool payload", "path", path, "error", err)
		return
	}
	if rec == nil {
		return
	}

	select {
	case a.events <- transport.Event{Record: rec}:
	default:
		a.logger.Debug("event buffer full, dropping inbound context", "id", rec.ID)
	}
}

// loadPayload reads, deletes, and converts a spooled payload file. Returns
// (nil, nil) for our own echoed posts and files already consumed elsewhere.
func (a *Adapter) loadPayload(path string) (*record.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading spool payload: %w", err)
	}
	os.Remove(path)

	wire, err := decodeWire(data)
	if err != nil {
		return nil, err
	}

	// The notification center echoes our own posts back to the listener.
	if wire.AppID == a.cfg.AppID {
		return nil, nil
	}

	return fromWire(wire, a.SourceTag())
}
