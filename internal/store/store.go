// ABOUTME: Store interface and query types for the local context store.
// ABOUTME: Defines change events and listener handles consumed by the sync coordinator.

package store

import (
	"context"
	"errors"

	"github.com/2389/coven-context/internal/record"
)

// ErrNotFound is returned when a requested context does not exist.
var ErrNotFound = errors.New("context not found")

// ErrDuplicateContext is returned when adding a context whose id already exists.
var ErrDuplicateContext = errors.New("context already exists")

// Sort keys accepted by Query.SortBy.
const (
	SortByTimestamp  = "timestamp"
	SortByConfidence = "confidence"
	SortByPriority   = "priority"
)

// Sort orders accepted by Query.SortOrder.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// Query selects contexts for retrieval. Zero values mean "no constraint";
// Limit <= 0 returns all matches.
type Query struct {
	MinConfidence float64
	SortBy        string
	SortOrder     string
	Limit         int
}

// ChangeOp identifies the kind of store mutation a Change describes.
type ChangeOp int

const (
	// OpAdded indicates a context was created.
	OpAdded ChangeOp = iota
	// OpUpdated indicates an existing context was modified.
	OpUpdated
	// OpRemoved indicates a context was deleted.
	OpRemoved
)

// String returns a human-readable representation of the operation.
func (op ChangeOp) String() string {
	switch op {
	case OpAdded:
		return "added"
	case OpUpdated:
		return "updated"
	case OpRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change describes a single store mutation delivered to listeners.
// Record is a snapshot taken at mutation time; for OpRemoved it holds the
// last state the context had before deletion.
type Change struct {
	Op     ChangeOp
	Record *record.Record
}

// Store is the local context store the synchronization layer collaborates
// with. It is the single source of truth for outbound data and a transparent
// pass-through for inbound data.
type Store interface {
	// GetContext returns the context with the given id, or ErrNotFound.
	GetContext(ctx context.Context, id string) (*record.Record, error)

	// AddContext creates a new context. The record must carry an id.
	// Returns ErrDuplicateContext if the id is already present.
	AddContext(ctx context.Context, rec *record.Record) error

	// UpdateContext merges patch into the stored context with the given id.
	// Present fields in patch overwrite, absent fields persist.
	// Returns the post-merge state, or ErrNotFound.
	UpdateContext(ctx context.Context, id string, patch *record.Record) (*record.Record, error)

	// UpsertContext creates the record if its id is unknown, otherwise merges
	// it over the stored state. Returns true when a new context was created.
	UpsertContext(ctx context.Context, rec *record.Record) (bool, error)

	// RemoveContext deletes the context with the given id, or returns ErrNotFound.
	RemoveContext(ctx context.Context, id string) error

	// QueryContexts returns contexts matching the query, sorted and limited.
	QueryContexts(ctx context.Context, q Query) ([]*record.Record, error)

	// Listen registers a change listener and returns its handle. Callbacks run
	// synchronously on the mutating goroutine and must not block; listeners
	// that need to do real work should hand the change off to their own queue.
	Listen(fn func(Change)) *Listener

	// Close releases store resources. Registered listeners are discarded.
	Close() error
}
