// ABOUTME: Session message bus backend for the msgbus adapter.
// ABOUTME: Talks to the context hub service and watches its change signals.

package msgbus

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	// DefaultBusName is the well-known name of the context hub service.
	DefaultBusName = "ai.coven.ContextHub"

	// DefaultObjectPath is the hub's object path.
	DefaultObjectPath = "/ai/coven/ContextHub"

	hubInterface     = "ai.coven.ContextHub1"
	signalUpdated    = hubInterface + ".ContextUpdated"
	signalRemoved    = hubInterface + ".ContextRemoved"
	signalBufferSize = 64
)

// dbusBus drives the context hub over the session message bus.
type dbusBus struct {
	conn    *dbus.Conn
	busName string
	path    dbus.ObjectPath

	mu      sync.Mutex
	signals chan *dbus.Signal
	closed  bool
}

// connectDBus opens a session bus connection and verifies the hub service is
// present. Absence of either is the caller's cue to fall back.
func connectDBus(busName, objectPath string) (*dbusBus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connecting session bus: %w", err)
	}

	var hasOwner bool
	err = conn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, busName).Store(&hasOwner)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("checking hub presence: %w", err)
	}
	if !hasOwner {
		conn.Close()
		return nil, fmt.Errorf("context hub %s not on the bus", busName)
	}

	return &dbusBus{conn: conn, busName: busName, path: dbus.ObjectPath(objectPath)}, nil
}

func (b *dbusBus) hub() dbus.BusObject {
	return b.conn.Object(b.busName, b.path)
}

// Publish implements bus.
func (b *dbusBus) Publish(w *wireUpdate) error {
	data, err := encodeUpdate(w)
	if err != nil {
		return err
	}
	if call := b.hub().Call(hubInterface+".Publish", 0, string(data)); call.Err != nil {
		return fmt.Errorf("publishing to hub: %w", call.Err)
	}
	return nil
}

// Remove implements bus.
func (b *dbusBus) Remove(correlationID string) error {
	if call := b.hub().Call(hubInterface+".Remove", 0, correlationID); call.Err != nil {
		return fmt.Errorf("removing from hub: %w", call.Err)
	}
	return nil
}

// Query implements bus.
func (b *dbusBus) Query() ([]*wireUpdate, error) {
	var raw []string
	if err := b.hub().Call(hubInterface+".Query", 0).Store(&raw); err != nil {
		return nil, fmt.Errorf("querying hub: %w", err)
	}

	updates := make([]*wireUpdate, 0, len(raw))
	for _, item := range raw {
		w, err := decodeUpdate([]byte(item))
		if err != nil {
			continue
		}
		updates = append(updates, w)
	}
	return updates, nil
}

// Watch implements bus. Signals are filtered to the hub's interface by the
// match rule; dispatch runs on a dedicated goroutine.
func (b *dbusBus) Watch(fn func(busEvent)) error {
	err := b.conn.AddMatchSignal(
		dbus.WithMatchInterface(hubInterface),
		dbus.WithMatchObjectPath(b.path),
	)
	if err != nil {
		return fmt.Errorf("adding hub match rule: %w", err)
	}

	b.mu.Lock()
	if b.signals != nil {
		b.mu.Unlock()
		return fmt.Errorf("hub watch already active")
	}
	ch := make(chan *dbus.Signal, signalBufferSize)
	b.signals = ch
	b.mu.Unlock()

	b.conn.Signal(ch)

	go func() {
		for sig := range ch {
			switch sig.Name {
			case signalUpdated:
				if len(sig.Body) != 1 {
					continue
				}
				raw, ok := sig.Body[0].(string)
				if !ok {
					continue
				}
				w, err := decodeUpdate([]byte(raw))
				if err != nil {
					continue
				}
				fn(busEvent{update: w})
			case signalRemoved:
				if len(sig.Body) != 1 {
					continue
				}
				id, ok := sig.Body[0].(string)
				if !ok {
					continue
				}
				fn(busEvent{removedID: id})
			}
		}
	}()
	return nil
}

// Close implements bus.
func (b *dbusBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ch := b.signals
	b.signals = nil
	b.mu.Unlock()

	if ch != nil {
		b.conn.RemoveSignal(ch)
		close(ch)
	}
	return b.conn.Close()
}
