// ABOUTME: The bus abstraction the msgbus adapter speaks, with three backends.
// ABOUTME: Session message bus, unix-socket broker, and an in-process emulator.

package msgbus

// busEvent is one change observed on the hub. Exactly one field is set.
type busEvent struct {
	update    *wireUpdate
	removedID string
}

// bus is the hub connection the adapter drives. Implementations: dbusBus
// (the session message bus), socketBus (the local broker socket), and
// Emulator (in-process, for tests and emulation mode).
type bus interface {
	// Publish broadcasts an update to all peers.
	Publish(w *wireUpdate) error

	// Remove retracts a previously published update by correlation id.
	// Peers observe a visible removal event.
	Remove(correlationID string) error

	// Query returns the hub's currently retained updates.
	Query() ([]*wireUpdate, error)

	// Watch delivers every subsequent hub change to fn until Close. At most
	// one watch per bus; fn must not block.
	Watch(fn func(busEvent)) error

	Close() error
}
