// ABOUTME: Transport adapter for the session message bus's context hub.
// ABOUTME: Falls back to the broker socket, then to in-process emulation.

package msgbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-context/internal/record"
	"github.com/2389/coven-context/internal/transport"
)

const eventBufferSize = 64

// mode records which backend the adapter landed on at startup.
type mode int

const (
	modeBus mode = iota
	modeSocket
	modeEmulated
)

func (m mode) String() string {
	switch m {
	case modeBus:
		return "bus"
	case modeSocket:
		return "socket"
	default:
		return "emulated"
	}
}

// Config holds msgbus adapter settings.
type Config struct {
	// BusName and ObjectPath locate the context hub on the session bus.
	BusName    string
	ObjectPath string

	// SocketPath locates the broker's fallback socket.
	SocketPath string

	// AppID and AppName stamp outbound updates with this system's identity.
	AppID   string
	AppName string

	// ForceEmulation skips both real backends. Used for tests and for hosts
	// known to run headless.
	ForceEmulation bool

	// Emulator, when set, is used for emulation mode instead of a fresh one.
	// Sharing an instance connects several adapters into one in-process hub.
	Emulator *Emulator

	Logger *slog.Logger
}

// Adapter implements transport.Adapter over the context hub, choosing the
// best available backend once at startup: session bus, then broker socket,
// then emulation.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	bus    bus
	mode   mode

	eventsMu     sync.Mutex
	events       chan transport.Event
	eventsClosed bool

	mu       sync.Mutex
	subs     map[string]transport.Scope // sub id -> scope
	scopes   map[string]int             // scope key -> refcount
	watching bool
	closed   bool
}

// New connects to the hub. Backend failures are not errors: the adapter
// degrades through the socket to emulation and reports that via Degraded.
func New(cfg Config) (*Adapter, error) {
	if cfg.BusName == "" {
		cfg.BusName = DefaultBusName
	}
	if cfg.ObjectPath == "" {
		cfg.ObjectPath = DefaultObjectPath
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "msgbus")

	b, m := connect(cfg, logger)
	a := newWithBus(cfg, logger, b, m)
	logger.Info("context hub connected", "mode", m.String(), "degraded", a.Degraded())
	return a, nil
}

// connect picks the first backend that answers.
func connect(cfg Config, logger *slog.Logger) (bus, mode) {
	if cfg.ForceEmulation {
		return emulatorFrom(cfg), modeEmulated
	}

	if b, err := connectDBus(cfg.BusName, cfg.ObjectPath); err == nil {
		return b, modeBus
	} else {
		logger.Info("session bus unavailable, trying broker socket", "error", err)
	}

	if b, err := connectSocket(cfg.SocketPath, logger); err == nil {
		return b, modeSocket
	} else {
		logger.Info("broker socket unavailable, falling back to emulation", "error", err)
	}

	return emulatorFrom(cfg), modeEmulated
}

func emulatorFrom(cfg Config) *Emulator {
	if cfg.Emulator != nil {
		return cfg.Emulator
	}
	return NewEmulator()
}

func newWithBus(cfg Config, logger *slog.Logger, b bus, m mode) *Adapter {
	return &Adapter{
		cfg:    cfg,
		logger: logger,
		bus:    b,
		mode:   m,
		events: make(chan transport.Event, eventBufferSize),
		subs:   make(map[string]transport.Scope),
		scopes: make(map[string]int),
	}
}

// Name implements transport.Adapter.
func (a *Adapter) Name() string { return "msgbus" }

// SourceTag implements transport.Adapter.
func (a *Adapter) SourceTag() string { return "msgbus" }

// Degraded implements transport.Adapter. Only the session bus counts as
// fully available; socket and emulation modes are degraded.
func (a *Adapter) Degraded() bool { return a.mode != modeBus }

// Emit implements transport.Adapter.
func (a *Adapter) Emit(_ context.Context, rec *record.Record) error {
	if err := a.bus.Publish(toWire(rec, a.cfg.AppID, a.cfg.AppName)); err != nil {
		return err
	}
	a.logger.Debug("context published", "id", rec.ID, "type", rec.Type)
	return nil
}

// Remove implements transport.Adapter. The hub broadcasts a visible removal
// to all peers.
func (a *Adapter) Remove(_ context.Context, id string) error {
	return a.bus.Remove(id)
}

// Pull implements transport.Adapter. It fetches the hub's retained updates;
// our own are filtered out before conversion.
func (a *Adapter) Pull(context.Context) ([]*record.Record, error) {
	updates, err := a.bus.Query()
	if err != nil {
		return nil, err
	}

	var recs []*record.Record
	for _, w := range updates {
		if w.Sender == a.cfg.AppID {
			continue
		}
		rec, err := fromWire(w, a.SourceTag())
		if err != nil {
			a.logger.Warn("skipping malformed hub update", "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Subscribe implements transport.Adapter. The hub watch is established once;
// scope filtering happens in the handler against the live scope set.
func (a *Adapter) Subscribe(_ context.Context, scope transport.Scope) (*transport.Subscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("subscribe: adapter closed")
	}

	if !a.watching {
		if err := a.bus.Watch(a.handleBusEvent); err != nil {
			return nil, fmt.Errorf("watching hub: %w", err)
		}
		a.watching = true
	}

	sub := &transport.Subscription{
		ID:    uuid.New().String(),
		Scope: scope,
		Token: scope.Key(),
	}
	a.subs[sub.ID] = scope
	a.scopes[scope.Key()]++
	return sub, nil
}

// Unsubscribe implements transport.Adapter. The watch stays up; with no
// scopes left the handler simply stops delivering.
func (a *Adapter) Unsubscribe(_ context.Context, sub *transport.Subscription) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	scope, ok := a.subs[sub.ID]
	if !ok {
		return nil
	}
	delete(a.subs, sub.ID)
	key := scope.Key()
	a.scopes[key]--
	if a.scopes[key] <= 0 {
		delete(a.scopes, key)
	}
	return nil
}

// Events implements transport.Adapter.
func (a *Adapter) Events() <-chan transport.Event { return a.events }

// Close implements transport.Adapter.
func (a *Adapter) Close(context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.subs = make(map[string]transport.Scope)
	a.scopes = make(map[string]int)
	a.mu.Unlock()

	err := a.bus.Close()

	a.eventsMu.Lock()
	a.eventsClosed = true
	close(a.events)
	a.eventsMu.Unlock()

	return err
}

// wantsSender reports whether the live scope set covers updates from sender.
func (a *Adapter) wantsSender(sender string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || len(a.scopes) == 0 {
		return false
	}
	if _, ok := a.scopes["system"]; ok {
		return true
	}
	_, ok := a.scopes["app:"+sender]
	return ok
}

// handleBusEvent converts one hub change into an inbound event. Runs on the
// backend's dispatch goroutine; must not block.
func (a *Adapter) handleBusEvent(ev busEvent) {
	if ev.removedID != "" {
		// Removal signals carry no sender; delivery is gated on having any
		// live scope. Removing an id we never stored is a no-op upstream.
		a.mu.Lock()
		deliver := !a.closed && len(a.scopes) > 0
		a.mu.Unlock()
		if !deliver {
			return
		}
		a.deliver(transport.Event{
			Record:  &record.Record{ID: record.DeriveID(ev.removedID), Source: a.SourceTag()},
			Removed: true,
		})
		return
	}

	w := ev.update
	if w == nil || w.Sender == a.cfg.AppID || !a.wantsSender(w.Sender) {
		return
	}

	rec, err := fromWire(w, a.SourceTag())
	if err != nil {
		a.logger.Warn("dropping malformed hub update", "error", err)
		return
	}
	a.deliver(transport.Event{Record: rec})
}

// deliver hands one event to the channel, dropping it when the buffer is
// full or the adapter is already closed.
func (a *Adapter) deliver(ev transport.Event) {
	a.eventsMu.Lock()
	defer a.eventsMu.Unlock()
	if a.eventsClosed {
		return
	}

	select {
	case a.events <- ev:
	default:
		a.logger.Debug("event buffer full, dropping hub event")
	}
}
