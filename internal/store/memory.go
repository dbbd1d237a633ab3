// ABOUTME: In-memory implementation of the context Store interface.
// ABOUTME: Used by tests and emulation mode; returned records are copies.

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/2389/coven-context/internal/record"
)

// MemoryStore implements Store with a plain map. It is safe for concurrent
// use and keeps no state outside the process.
type MemoryStore struct {
	mu       sync.RWMutex
	contexts map[string]*record.Record
	notify   *notifier
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contexts: make(map[string]*record.Record),
		notify:   newNotifier(),
	}
}

// GetContext implements Store.
func (s *MemoryStore) GetContext(_ context.Context, id string) (*record.Record, error) {
	s.mu.RLock()
	rec, ok := s.contexts[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("getting context %q: %w", id, ErrNotFound)
	}
	return rec.Clone(), nil
}

// AddContext implements Store.
func (s *MemoryStore) AddContext(_ context.Context, rec *record.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("adding context: record has no id")
	}

	s.mu.Lock()
	if _, exists := s.contexts[rec.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("adding context %q: %w", rec.ID, ErrDuplicateContext)
	}
	stored := rec.Clone()
	s.contexts[rec.ID] = stored
	s.mu.Unlock()

	s.notify.publish(Change{Op: OpAdded, Record: stored.Clone()})
	return nil
}

// UpdateContext implements Store.
func (s *MemoryStore) UpdateContext(_ context.Context, id string, patch *record.Record) (*record.Record, error) {
	s.mu.Lock()
	stored, ok := s.contexts[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("updating context %q: %w", id, ErrNotFound)
	}
	stored.Merge(patch)
	out := stored.Clone()
	s.mu.Unlock()

	s.notify.publish(Change{Op: OpUpdated, Record: out.Clone()})
	return out, nil
}

// UpsertContext implements Store.
func (s *MemoryStore) UpsertContext(_ context.Context, rec *record.Record) (bool, error) {
	if rec.ID == "" {
		return false, fmt.Errorf("upserting context: record has no id")
	}

	s.mu.Lock()
	stored, exists := s.contexts[rec.ID]
	var out *record.Record
	if exists {
		stored.Merge(rec)
		out = stored.Clone()
	} else {
		out = rec.Clone()
		s.contexts[rec.ID] = out.Clone()
	}
	s.mu.Unlock()

	if exists {
		s.notify.publish(Change{Op: OpUpdated, Record: out})
	} else {
		s.notify.publish(Change{Op: OpAdded, Record: out})
	}
	return !exists, nil
}

// RemoveContext implements Store.
func (s *MemoryStore) RemoveContext(_ context.Context, id string) error {
	s.mu.Lock()
	stored, ok := s.contexts[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("removing context %q: %w", id, ErrNotFound)
	}
	delete(s.contexts, id)
	s.mu.Unlock()

	s.notify.publish(Change{Op: OpRemoved, Record: stored})
	return nil
}

// QueryContexts implements Store.
func (s *MemoryStore) QueryContexts(_ context.Context, q Query) ([]*record.Record, error) {
	s.mu.RLock()
	matched := make([]*record.Record, 0, len(s.contexts))
	for _, rec := range s.contexts {
		if rec.Confidence >= q.MinConfidence {
			matched = append(matched, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sortRecords(matched, q.SortBy, q.SortOrder)

	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

// Listen implements Store.
func (s *MemoryStore) Listen(fn func(Change)) *Listener {
	return s.notify.listen(fn)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.notify.clear()
	return nil
}

// Len returns the number of stored contexts. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}

// sortRecords orders recs in place by the given key and order. Unknown keys
// fall back to timestamp; unknown orders fall back to descending.
func sortRecords(recs []*record.Record, sortBy, sortOrder string) {
	asc := sortOrder == SortAsc

	sort.SliceStable(recs, func(i, j int) bool {
		switch sortBy {
		case SortByConfidence:
			if asc {
				return recs[i].Confidence < recs[j].Confidence
			}
			return recs[i].Confidence > recs[j].Confidence
		case SortByPriority:
			if asc {
				return recs[i].Priority < recs[j].Priority
			}
			return recs[i].Priority > recs[j].Priority
		default:
			if asc {
				return recs[i].Timestamp.Before(recs[j].Timestamp)
			}
			return recs[i].Timestamp.After(recs[j].Timestamp)
		}
	})
}
