package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/listsync/internal/cache"
	"github.com/roach88/listsync/internal/model"
	"github.com/roach88/listsync/internal/remote"
)

// FetchOptions control a fetch request.
type FetchOptions struct {
	// Force bypasses the cache-hit check.
	Force bool

	// Background fetches never toggle the loading indicator, run after the
	// configured delay, and absorb their failures.
	Background bool

	// due marks a background request whose delay has elapsed.
	due bool
}

type fetchResult struct {
	generation uint64
	mark       uint64
	filter     model.Filter
	opts       FetchOptions
	rows       []model.Entity
	counts     map[string]int
	err        error
}

// cacheHit reports whether the snapshot already answers a request for the
// current filter. An empty snapshot that did not come from a fetch is not a
// definitive answer for a foreground caller.
func (col *collection) cacheHit(opts FetchOptions) bool {
	snap := col.snapshots.Current()
	if snap == nil || snap.Key != col.key {
		return false
	}
	return snap.Len() > 0 || snap.Source == SourceFetch || opts.Background
}

// requestFetch decides whether a network read is needed and starts it.
// Only the loop calls it.
func (e *Engine) requestFetch(col *collection, opts FetchOptions) {
	if col.inflight() {
		e.logger.Debug("fetch skipped: in flight",
			"collection", col.name,
			"generation", col.generation,
		)
		return
	}
	if !opts.Force && col.cacheHit(opts) {
		e.logger.Debug("fetch skipped: cache hit",
			"collection", col.name,
			"key", col.key.String(),
		)
		return
	}
	if opts.Background && !opts.due {
		if col.background.armed() {
			return
		}
		opts.due = true
		e.schedule(col.background, e.cfg.BackgroundDelay, Event{Type: EventTypeFetch, Collection: col.name, Fetch: opts})
		return
	}

	gen := col.generation
	mark := col.pending.Mark()
	filter := col.filter
	col.inflightGen = gen
	if !opts.Background {
		col.loading = true
		col.err = nil
	}

	q := remote.Query{UserID: e.cfg.UserID, Collection: col.name, Filter: filter}
	e.logger.Debug("fetch dispatched",
		"collection", col.name,
		"generation", gen,
		"key", col.key.String(),
		"background", opts.Background,
	)

	e.goAsync(func(ctx context.Context) Event {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
		defer cancel()

		res := &fetchResult{generation: gen, mark: mark, filter: filter, opts: opts}
		rows, err := e.store.FetchEntities(ctx, q)
		if err != nil {
			res.err = err
		} else {
			res.rows = rows
			res.counts = e.fetchCounts(ctx, col.name, rows)
		}
		return Event{Type: EventTypeFetchResult, Collection: col.name, fetch: res}
	})
}

// fetchCounts loads entry counts for rows. The batched call falls back to
// per-id calls; ids whose count cannot be read keep their previous value.
func (e *Engine) fetchCounts(ctx context.Context, c model.Collection, rows []model.Entity) map[string]int {
	if len(rows) == 0 {
		return nil
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}

	counts, err := e.store.FetchCounts(ctx, ids)
	if err == nil {
		return counts
	}
	e.logger.Warn("batched counts failed, falling back to per-id counts",
		"collection", c,
		"ids", len(ids),
		"error", err,
	)

	counts = make(map[string]int, len(ids))
	for _, id := range ids {
		n, err := e.store.FetchCount(ctx, id)
		if err != nil {
			e.logger.Warn("count failed", "collection", c, "id", id, "error", err)
			continue
		}
		counts[id] = n
	}
	return counts
}

// handleFetchResult installs a successful result for the current
// generation. Stale results are dropped; failures keep the snapshot.
func (e *Engine) handleFetchResult(col *collection, res *fetchResult) {
	if res.generation == col.inflightGen {
		col.inflightGen = 0
	}
	if res.generation != col.generation {
		stale := &SyncError{
			Kind:       ErrKindStaleGeneration,
			Op:         "fetch",
			Collection: col.name,
			Err:        fmt.Errorf("generation %d superseded by %d", res.generation, col.generation),
		}
		e.logger.Debug("fetch result discarded", "error", stale)
		return
	}

	if res.err != nil {
		serr := newSyncError("fetch", col.name, "", res.err)
		if res.opts.Background {
			e.logger.Warn("background fetch failed", "collection", col.name, "error", serr)
			return
		}
		col.loading = false
		col.err = serr
		e.logger.Error("fetch failed", "collection", col.name, "kind", serr.Kind, "error", serr.Err)
		return
	}

	now := e.now()
	prev := col.snapshots.Current()
	rows := make([]model.Entity, 0, len(res.rows))
	fetched := make(map[string]bool, len(res.rows))
	for _, r := range res.rows {
		fetched[r.ID] = true
		if col.pending.Suppressed(r.ID, now) || col.pending.DeletePending(r.ID) || col.pending.Buried(r.ID, res.mark) {
			continue
		}
		if _, ok := res.counts[r.ID]; !ok && prev != nil {
			if n, ok := prev.Count(r.ID); ok {
				r.EntryCount = n
			}
		}
		rows = append(rows, r)
	}
	// Rows confirmed after dispatch are missing from a result read before
	// them.
	for _, r := range col.pending.LandedSince(res.mark) {
		if fetched[r.ID] || !res.filter.Matches(r) || col.pending.DeletePending(r.ID) {
			continue
		}
		rows = append(rows, r)
	}
	col.pending.Absorb(res.mark)

	for _, m := range col.pending.Inserts() {
		k := m.Entity.DedupKey()
		for _, r := range rows {
			if r.DedupKey() == k {
				col.pending.Retire(m.TemporaryID, r.ID)
				e.anchor.Retarget(m.TemporaryID, r.ID)
				break
			}
		}
	}
	if res.opts.Force && !res.opts.Background {
		col.pending.ReleasePins()
	}

	snap := col.snapshots.Replace(res.filter, res.generation, rows, res.counts, SourceFetch, now)
	col.loading = false
	col.err = nil
	e.logger.Info("fetch completed",
		"collection", col.name,
		"generation", res.generation,
		"rows", snap.Len(),
		"background", res.opts.Background,
	)
	e.saveSnapshot(col, snap)
}

// saveSnapshot persists a fetched snapshot for the next warm start.
func (e *Engine) saveSnapshot(col *collection, snap *Snapshot) {
	if e.saves == nil {
		return
	}
	rec := cache.Record{
		User:       e.cfg.UserID,
		Collection: col.name,
		Filter:     snap.Filter,
		Entities:   snap.Entities(),
		FetchedAt:  snap.FetchedAt,
	}
	seq := e.saves.next()
	e.goAsync(func(context.Context) Event {
		written, err := e.saves.write(seq, rec)
		switch {
		case err != nil:
			e.logger.Warn("snapshot cache save failed", "collection", rec.Collection, "error", err)
		case !written:
			e.logger.Debug("snapshot cache save skipped: newer snapshot saved", "collection", rec.Collection, "seq", seq)
		}
		return Event{}
	})
}

// cacheWriter orders snapshot saves that run off the loop, so a save that
// loses the race never replaces a newer snapshot on disk.
type cacheWriter struct {
	cache SnapshotCache

	// seq is owned by the loop.
	seq uint64

	mu   sync.Mutex
	last map[model.Collection]uint64
}

func newCacheWriter(c SnapshotCache) *cacheWriter {
	return &cacheWriter{cache: c, last: make(map[model.Collection]uint64)}
}

// next numbers a save in loop order.
func (w *cacheWriter) next() uint64 {
	w.seq++
	return w.seq
}

// write saves rec unless a save numbered after seq already landed.
func (w *cacheWriter) write(seq uint64, rec cache.Record) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq <= w.last[rec.Collection] {
		return false, nil
	}
	if err := w.cache.Save(rec); err != nil {
		return false, err
	}
	w.last[rec.Collection] = seq
	return true, nil
}

// warmStart renders a collection from the disk cache and schedules a
// background refresh. Without a usable record it fetches in the foreground.
func (e *Engine) warmStart(col *collection) {
	if e.cache != nil {
		rec, ok, err := e.cache.Load(e.cfg.UserID, col.name)
		switch {
		case err != nil:
			e.logger.Warn("snapshot cache load failed", "collection", col.name, "error", err)
		case ok && model.Normalize(rec.Filter) == col.key:
			col.snapshots.Replace(rec.Filter, col.generation, rec.Entities, nil, SourceCache, rec.FetchedAt)
			e.logger.Info("warm start from cache",
				"collection", col.name,
				"rows", len(rec.Entities),
				"fetched_at", rec.FetchedAt,
			)
			e.requestFetch(col, FetchOptions{Force: true, Background: true})
			return
		}
	}
	e.requestFetch(col, FetchOptions{})
}
