package engine

import (
	"sort"

	"github.com/roach88/listsync/internal/model"
)

// Merge combines the canonical rows and the optimistic overlay into the
// sequence the render layer shows.
//
// Pending inserts that the active filter would not return are left out.
// Optimistic entries come first, newest first; a pending insert that already
// has a canonical counterpart (same name and location) is shown as the
// canonical row in the optimistic slot, and canonical rows adopted from an
// insert keep that slot through their pin. The remaining canonical rows
// follow by lastActivityAt desc, createdAt desc. Landed rows the snapshot
// does not hold count as canonical when the filter returns them. Rows with
// a pending delete are hidden. No id and no (name, location) pair appears twice.
//
// Merge never mutates its inputs.
func Merge(snap *Snapshot, filter model.Filter, pending PendingView) []model.Entity {
	var canonical []model.Entity
	if snap != nil {
		canonical = snap.Entities()
	}
	if extra := landedRows(snap, filter, pending.Landed); len(extra) > 0 {
		canonical = append(canonical, extra...)
		sortCanonical(canonical)
	}
	byKey := make(map[model.DedupKey]model.Entity)
	for _, e := range canonical {
		if pending.Deleting[e.ID] {
			continue
		}
		if _, ok := byKey[e.DedupKey()]; !ok {
			byKey[e.DedupKey()] = e
		}
	}

	type slot struct {
		e   model.Entity
		seq int64
	}
	var band []slot
	for _, m := range pending.Inserts {
		if !filter.Matches(m.Entity) {
			continue
		}
		e := m.Entity
		if c, ok := byKey[e.DedupKey()]; ok {
			e = c
		}
		band = append(band, slot{e: e, seq: m.Seq})
	}
	for _, e := range canonical {
		if seq, ok := pending.Pins[e.ID]; ok && !pending.Deleting[e.ID] {
			band = append(band, slot{e: e, seq: seq})
		}
	}
	sort.SliceStable(band, func(i, j int) bool { return band[i].seq > band[j].seq })

	out := make([]model.Entity, 0, len(band)+len(canonical))
	ids := make(map[string]bool, cap(out))
	keys := make(map[model.DedupKey]bool, cap(out))
	add := func(e model.Entity) {
		k := e.DedupKey()
		if ids[e.ID] || keys[k] {
			return
		}
		ids[e.ID] = true
		keys[k] = true
		out = append(out, e)
	}
	for _, s := range band {
		add(s.e)
	}
	for _, e := range canonical {
		if pending.Deleting[e.ID] {
			continue
		}
		add(e)
	}
	return out
}

func landedRows(snap *Snapshot, filter model.Filter, landed []model.Entity) []model.Entity {
	var out []model.Entity
	for _, e := range landed {
		if snap != nil {
			if _, ok := snap.Get(e.ID); ok {
				continue
			}
		}
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}
