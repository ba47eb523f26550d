package engine

import (
	"log/slog"
	"time"

	"github.com/roach88/listsync/internal/model"
)

// RouteOutcome describes what the router did with a change event.
type RouteOutcome string

const (
	RouteApplied    RouteOutcome = "applied"
	RouteAdopted    RouteOutcome = "adopted"
	RouteRemoved    RouteOutcome = "removed"
	RouteDuplicate  RouteOutcome = "duplicate"
	RouteSuppressed RouteOutcome = "suppressed"
	RouteStale      RouteOutcome = "stale"
	RouteUnknown    RouteOutcome = "unknown"
	RouteFiltered   RouteOutcome = "filtered"
	RouteNoSnapshot RouteOutcome = "no_snapshot"
	RouteIgnored    RouteOutcome = "ignored"
)

// Changed reports whether the outcome modified canonical or pending state.
func (o RouteOutcome) Changed() bool {
	return o == RouteApplied || o == RouteAdopted || o == RouteRemoved
}

// seenCapacity bounds the event-id memory used to drop redeliveries.
const seenCapacity = 1024

// Router folds push events into one collection's snapshot.
//
// Every handler is idempotent: rows are indexed by id, updates only move a
// row's version forward, and redelivered event ids are recognized for the
// most recent seenCapacity events.
//
// Not safe for concurrent use; owned by the engine loop.
type Router struct {
	collection model.Collection
	snapshots  *SnapshotStore
	pending    *PendingBuffer
	logger     *slog.Logger

	seen  map[string]bool
	order []string
	next  int

	// Adopted receives (temporary id, canonical id) when an insert event
	// retires an optimistic insert.
	Adopted func(tempID, canonicalID string)
}

// NewRouter creates a router over a collection's snapshot and buffer.
func NewRouter(c model.Collection, snapshots *SnapshotStore, pending *PendingBuffer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		collection: c,
		snapshots:  snapshots,
		pending:    pending,
		logger:     logger,
		seen:       make(map[string]bool, seenCapacity),
		order:      make([]string, seenCapacity),
	}
}

// Apply folds ev into the snapshot. filter is the active filter; rows it
// would not return are kept out of the snapshot.
func (r *Router) Apply(ev model.ChangeEvent, filter model.Filter, now time.Time) RouteOutcome {
	if ev.Table != "" && ev.Table != model.TableLists {
		return RouteIgnored
	}
	if ev.ID != "" && r.seen[ev.ID] {
		r.log(ev, RouteDuplicate)
		return RouteDuplicate
	}

	var out RouteOutcome
	switch ev.Type {
	case model.ChangeInsert:
		out = r.applyInsert(ev.Row, filter, now)
	case model.ChangeUpdate:
		out = r.applyUpdate(ev.Row, filter, now)
	case model.ChangeDelete:
		out = r.applyDelete(ev.Row.ID)
	default:
		out = RouteIgnored
	}

	// Suppressed events are not remembered so a redelivery after the
	// window can heal the row.
	if ev.ID != "" && out != RouteSuppressed {
		r.remember(ev.ID)
	}
	r.log(ev, out)
	return out
}

func (r *Router) applyInsert(row model.Entity, filter model.Filter, now time.Time) RouteOutcome {
	if row.ID == "" || model.IsTemporaryID(row.ID) {
		return RouteIgnored
	}
	if r.pending.Suppressed(row.ID, now) {
		return RouteSuppressed
	}
	if existing, ok := r.snapshots.Get(row.ID); ok {
		if row.Version < existing.Version {
			return RouteStale
		}
		if !filter.Matches(row) {
			r.snapshots.Remove(row.ID)
			return RouteRemoved
		}
		r.snapshots.Upsert(row)
		return RouteApplied
	}

	if tempID, ok := r.pending.MatchInsert(row.DedupKey()); ok {
		r.pending.Retire(tempID, row.ID)
		r.pending.Land(row)
		if filter.Matches(row) {
			r.snapshots.Upsert(row)
		}
		if r.Adopted != nil {
			r.Adopted(tempID, row.ID)
		}
		return RouteAdopted
	}

	// The user deleted the optimistic row; the insert result deletes the
	// created one.
	if r.pending.MatchCancelled(row.DedupKey()) {
		return RouteSuppressed
	}

	if r.snapshots.Current() == nil {
		return RouteNoSnapshot
	}
	if !filter.Matches(row) {
		return RouteFiltered
	}
	r.snapshots.Upsert(row)
	return RouteApplied
}

// applyUpdate patches a row already present locally. Rows not held locally
// arrive with the next fetch if they matter.
func (r *Router) applyUpdate(row model.Entity, filter model.Filter, now time.Time) RouteOutcome {
	if r.pending.Suppressed(row.ID, now) {
		return RouteSuppressed
	}
	existing, ok := r.snapshots.Get(row.ID)
	if !ok {
		if existing, ok = r.pending.Landed(row.ID); !ok {
			return RouteUnknown
		}
	}
	if row.Version != 0 && row.Version < existing.Version {
		return RouteStale
	}
	if !filter.Matches(row) {
		r.snapshots.Remove(row.ID)
		r.pending.DropLanded(row.ID)
		r.pending.Unpin(row.ID)
		return RouteRemoved
	}
	r.snapshots.Upsert(row)
	r.pending.UpdateLanded(row)
	return RouteApplied
}

// applyDelete removes a row. Deletes for ids never held canonically,
// including optimistic ones, are no-ops.
func (r *Router) applyDelete(id string) RouteOutcome {
	if id == "" || model.IsTemporaryID(id) {
		return RouteIgnored
	}
	r.pending.Unpin(id)
	_, landed := r.pending.Landed(id)
	r.pending.DropLanded(id)
	if !r.snapshots.Remove(id) && !landed {
		return RouteUnknown
	}
	return RouteRemoved
}

func (r *Router) remember(id string) {
	if old := r.order[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.order[r.next] = id
	r.seen[id] = true
	r.next = (r.next + 1) % seenCapacity
}

func (r *Router) log(ev model.ChangeEvent, out RouteOutcome) {
	r.logger.Debug("change routed",
		"collection", r.collection,
		"event_id", ev.ID,
		"type", ev.Type,
		"row_id", ev.Row.ID,
		"version", ev.Row.Version,
		"outcome", out,
	)
}
