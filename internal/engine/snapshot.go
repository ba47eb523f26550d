package engine

import (
	"sort"
	"time"

	"github.com/roach88/listsync/internal/model"
)

// Source records where a snapshot's rows came from.
type Source string

const (
	// SourceFetch marks rows from an authoritative fetch.
	SourceFetch Source = "fetch"
	// SourceCache marks rows restored from the warm-start cache. They are
	// shown but never treated as a definitive answer.
	SourceCache Source = "cache"
)

// Snapshot is the canonical state of one collection for one filter.
// Rows are indexed by id; Entities returns them in render order.
type Snapshot struct {
	Key        model.FilterKey
	Filter     model.Filter
	Generation uint64
	Source     Source
	FetchedAt  time.Time

	byID   map[string]model.Entity
	counts map[string]int
}

// Len returns the number of rows.
func (s *Snapshot) Len() int {
	return len(s.byID)
}

// Get returns the row with id.
func (s *Snapshot) Get(id string) (model.Entity, bool) {
	e, ok := s.byID[id]
	return e, ok
}

// Count returns the entry count of id.
func (s *Snapshot) Count(id string) (int, bool) {
	n, ok := s.counts[id]
	return n, ok
}

// Counts returns a copy of the entry counts by id.
func (s *Snapshot) Counts() map[string]int {
	out := make(map[string]int, len(s.counts))
	for id, n := range s.counts {
		out[id] = n
	}
	return out
}

// Entities returns the rows ordered by most recent activity.
func (s *Snapshot) Entities() []model.Entity {
	out := make([]model.Entity, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e)
	}
	sortCanonical(out)
	return out
}

// sortCanonical orders rows by lastActivityAt desc, then createdAt desc,
// then id so the order is total.
func sortCanonical(es []model.Entity) {
	sort.Slice(es, func(i, j int) bool {
		a, b := es[i], es[j]
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// SnapshotStore holds the single canonical snapshot of a collection.
// A new filter replaces the snapshot outright; abandoned filters are not
// retained.
type SnapshotStore struct {
	current *Snapshot
}

// NewSnapshotStore returns an empty store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

// Current returns the snapshot, or nil before the first load.
func (s *SnapshotStore) Current() *Snapshot {
	return s.current
}

// Holds reports whether the store has a snapshot for key.
func (s *SnapshotStore) Holds(key model.FilterKey) bool {
	return s.current != nil && s.current.Key == key
}

// Replace installs a new snapshot. Row entry counts are taken from counts
// when present.
func (s *SnapshotStore) Replace(f model.Filter, gen uint64, rows []model.Entity, counts map[string]int, src Source, fetchedAt time.Time) *Snapshot {
	snap := &Snapshot{
		Key:        model.Normalize(f),
		Filter:     f,
		Generation: gen,
		Source:     src,
		FetchedAt:  fetchedAt,
		byID:       make(map[string]model.Entity, len(rows)),
		counts:     make(map[string]int, len(rows)),
	}
	for _, e := range rows {
		if n, ok := counts[e.ID]; ok {
			e.EntryCount = n
		}
		snap.byID[e.ID] = e
		snap.counts[e.ID] = e.EntryCount
	}
	s.current = snap
	return snap
}

// Discard drops the snapshot.
func (s *SnapshotStore) Discard() {
	s.current = nil
}

// Upsert inserts or replaces a row. A no-op without a snapshot.
func (s *SnapshotStore) Upsert(e model.Entity) bool {
	if s.current == nil {
		return false
	}
	if old, ok := s.current.byID[e.ID]; ok && e.CreatedAt.IsZero() {
		e.CreatedAt = old.CreatedAt
	}
	s.current.byID[e.ID] = e
	s.current.counts[e.ID] = e.EntryCount
	return true
}

// Remove deletes a row and reports whether it was present.
func (s *SnapshotStore) Remove(id string) bool {
	if s.current == nil {
		return false
	}
	if _, ok := s.current.byID[id]; !ok {
		return false
	}
	delete(s.current.byID, id)
	delete(s.current.counts, id)
	return true
}

// Get returns the row with id from the current snapshot.
func (s *SnapshotStore) Get(id string) (model.Entity, bool) {
	if s.current == nil {
		return model.Entity{}, false
	}
	return s.current.Get(id)
}
