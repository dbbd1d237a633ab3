// ABOUTME: Transport adapter interface shared by the three platform variants.
// ABOUTME: Defines subscriptions, inbound events, and the gated wrapper contract.

package transport

import (
	"context"
	"errors"

	"github.com/2389/coven-context/internal/record"
)

// ErrRemoveUnsupported is returned by adapters whose native channel exposes
// no visible delete; callers fall back to record expiry.
var ErrRemoveUnsupported = errors.New("transport does not support remove")

// ErrUnavailable indicates the native transport could not be reached.
var ErrUnavailable = errors.New("transport unavailable")

// Scope selects what a subscription observes: every peer on the machine, or
// a single target application.
type Scope struct {
	SystemWide bool
	AppID      string
}

// Key returns a stable identifier for the scope.
func (s Scope) Key() string {
	if s.SystemWide {
		return "system"
	}
	return "app:" + s.AppID
}

// Subscription identifies one outstanding external listen registration.
// Token carries the transport's opaque correlation token so teardown is
// symmetric with registration.
type Subscription struct {
	ID    string
	Scope Scope
	Token string
}

// Event is an externally authored change delivered by an adapter. Records are
// already converted to the local schema, stamped with the adapter's source
// tag, and carry derived ids. Removed marks a visible delete on transports
// that have one.
type Event struct {
	Record  *record.Record
	Removed bool
}

// Adapter is a platform transport. One instance owns exactly one native
// channel. Implementations are not required to be safe for concurrent
// transport calls; wrap with WithGate before sharing.
type Adapter interface {
	// Name identifies the variant ("notifybus", "autohost", "msgbus").
	Name() string

	// SourceTag is the origin tag stamped on inbound conversions. Records
	// carrying this tag are never re-emitted by this adapter.
	SourceTag() string

	// Degraded reports whether the adapter is running on its fallback channel.
	Degraded() bool

	// Emit publishes a local record to external consumers.
	Emit(ctx context.Context, rec *record.Record) error

	// Remove propagates a local deletion, or returns ErrRemoveUnsupported.
	Remove(ctx context.Context, id string) error

	// Pull returns all externally known records, converted to the local schema.
	Pull(ctx context.Context) ([]*record.Record, error)

	// Subscribe registers interest in external events for the scope.
	Subscribe(ctx context.Context, scope Scope) (*Subscription, error)

	// Unsubscribe tears down a registration returned by Subscribe.
	Unsubscribe(ctx context.Context, sub *Subscription) error

	// Events returns the inbound event stream. The channel is closed by Close.
	Events() <-chan Event

	// Close tears down subscriptions and helper processes. Best effort.
	Close(ctx context.Context) error
}
