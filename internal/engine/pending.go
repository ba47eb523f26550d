package engine

import (
	"sort"
	"time"

	"github.com/roach88/listsync/internal/model"
)

// MutationKind distinguishes optimistic inserts from optimistic deletes.
type MutationKind string

const (
	MutationInsert MutationKind = "insert"
	MutationDelete MutationKind = "delete"
)

// PendingMutation is a local change the remote store has not confirmed yet.
type PendingMutation struct {
	Kind MutationKind

	// Entity is the optimistic row for an insert, or the row as it was
	// rendered when a delete was requested.
	Entity model.Entity

	// TemporaryID is set for inserts.
	TemporaryID string

	// TargetID is set for deletes.
	TargetID string

	// FilterKey is the filter that was active when the mutation was made.
	FilterKey model.FilterKey

	CreatedAt time.Time

	// Seq orders submissions within the engine.
	Seq int64
}

// ID returns the id the mutation is tracked under.
func (m PendingMutation) ID() string {
	if m.Kind == MutationInsert {
		return m.TemporaryID
	}
	return m.TargetID
}

// PendingBuffer tracks the optimistic overlay of one collection.
//
// Deleted ids are suppressed for a grace window so that push events and
// fetch results racing the delete cannot bring them back. Inserts retired in
// favor of a canonical row leave a pin so the canonical row keeps the slot
// the optimistic one had.
//
// Fetches are stamped with Mark when dispatched. Rows confirmed after a
// fetch was dispatched are held as landed rows, and confirmed deletes leave
// a tombstone, so a result read before the confirmation can neither lose
// the new row nor bring the deleted one back.
//
// Not safe for concurrent use; owned by the engine loop.
type PendingBuffer struct {
	window time.Duration

	inserts    map[string]*PendingMutation
	deletes    map[string]*PendingMutation
	suppressed map[string]time.Time
	pins       map[string]int64
	retired    map[string]string
	cancelled  map[string]model.DedupKey

	mark       uint64
	landed     map[string]landedRow
	tombstones map[string]uint64
}

type landedRow struct {
	e    model.Entity
	mark uint64
}

// NewPendingBuffer creates an empty buffer whose delete suppression lasts
// window.
func NewPendingBuffer(window time.Duration) *PendingBuffer {
	return &PendingBuffer{
		window:     window,
		inserts:    make(map[string]*PendingMutation),
		deletes:    make(map[string]*PendingMutation),
		suppressed: make(map[string]time.Time),
		pins:       make(map[string]int64),
		retired:    make(map[string]string),
		cancelled:  make(map[string]model.DedupKey),
		landed:     make(map[string]landedRow),
		tombstones: make(map[string]uint64),
	}
}

// AddInsert records an optimistic insert under tempID and returns it.
func (b *PendingBuffer) AddInsert(e model.Entity, tempID string, key model.FilterKey, seq int64, now time.Time) string {
	e.ID = tempID
	e.Version = 0
	b.inserts[tempID] = &PendingMutation{
		Kind:        MutationInsert,
		Entity:      e,
		TemporaryID: tempID,
		FilterKey:   key,
		CreatedAt:   now,
		Seq:         seq,
	}
	return tempID
}

// Insert returns the pending insert for tempID.
func (b *PendingBuffer) Insert(tempID string) (PendingMutation, bool) {
	m, ok := b.inserts[tempID]
	if !ok {
		return PendingMutation{}, false
	}
	return *m, true
}

// MatchInsert finds the oldest pending insert with the given dedup key.
func (b *PendingBuffer) MatchInsert(k model.DedupKey) (string, bool) {
	var best *PendingMutation
	for _, m := range b.inserts {
		if m.Entity.DedupKey() != k {
			continue
		}
		if best == nil || m.Seq < best.Seq {
			best = m
		}
	}
	if best == nil {
		return "", false
	}
	return best.TemporaryID, true
}

// Retire replaces the pending insert tempID with the canonical row id.
// The canonical row is pinned to the insert's position.
func (b *PendingBuffer) Retire(tempID, canonicalID string) bool {
	m, ok := b.inserts[tempID]
	if !ok {
		return false
	}
	delete(b.inserts, tempID)
	b.pins[canonicalID] = m.Seq
	b.retired[tempID] = canonicalID
	return true
}

// Resolve returns the canonical id a retired temporary id was replaced by.
func (b *PendingBuffer) Resolve(tempID string) (string, bool) {
	id, ok := b.retired[tempID]
	return id, ok
}

// ForgetRetired drops the temp-to-canonical mapping once nothing can refer
// to the temporary id any more.
func (b *PendingBuffer) ForgetRetired(tempID string) {
	delete(b.retired, tempID)
}

// RollbackInsert removes a pending insert that the store rejected.
func (b *PendingBuffer) RollbackInsert(tempID string) (PendingMutation, bool) {
	m, ok := b.inserts[tempID]
	if !ok {
		return PendingMutation{}, false
	}
	delete(b.inserts, tempID)
	return *m, true
}

// CancelInsert removes a pending insert the user deleted before the store
// confirmed it. The engine deletes the row if the insert later succeeds.
func (b *PendingBuffer) CancelInsert(tempID string) bool {
	m, ok := b.inserts[tempID]
	if !ok {
		return false
	}
	delete(b.inserts, tempID)
	b.cancelled[tempID] = m.Entity.DedupKey()
	return true
}

// TakeCancelled reports and clears whether tempID was cancelled.
func (b *PendingBuffer) TakeCancelled(tempID string) bool {
	if _, ok := b.cancelled[tempID]; !ok {
		return false
	}
	delete(b.cancelled, tempID)
	return true
}

// MatchCancelled reports whether a cancelled insert whose result has not
// arrived yet has the dedup key k.
func (b *PendingBuffer) MatchCancelled(k model.DedupKey) bool {
	for _, ck := range b.cancelled {
		if ck == k {
			return true
		}
	}
	return false
}

// AddDelete marks e as pending deletion and suppresses its id until
// now+window. Returns false if a delete for the id is already pending.
func (b *PendingBuffer) AddDelete(e model.Entity, seq int64, now time.Time) bool {
	if _, ok := b.deletes[e.ID]; ok {
		return false
	}
	b.deletes[e.ID] = &PendingMutation{
		Kind:      MutationDelete,
		Entity:    e,
		TargetID:  e.ID,
		CreatedAt: now,
		Seq:       seq,
	}
	b.suppressed[e.ID] = now.Add(b.window)
	delete(b.pins, e.ID)
	return true
}

// ConfirmDelete clears a verified delete and retires its suppression entry.
// A tombstone keeps the id out of fetch results dispatched before now.
func (b *PendingBuffer) ConfirmDelete(id string) bool {
	_, ok := b.deletes[id]
	delete(b.deletes, id)
	delete(b.suppressed, id)
	delete(b.landed, id)
	b.tombstones[id] = b.mark
	return ok
}

// RollbackDelete undoes a pending delete and returns the entity to restore.
func (b *PendingBuffer) RollbackDelete(id string) (PendingMutation, bool) {
	m, ok := b.deletes[id]
	if !ok {
		return PendingMutation{}, false
	}
	delete(b.deletes, id)
	delete(b.suppressed, id)
	return *m, true
}

// Confirm clears the pending entry of the given kind.
func (b *PendingBuffer) Confirm(kind MutationKind, id string) bool {
	if kind == MutationDelete {
		return b.ConfirmDelete(id)
	}
	_, ok := b.RollbackInsert(id)
	return ok
}

// Rollback undoes the pending entry of the given kind.
func (b *PendingBuffer) Rollback(kind MutationKind, id string) (PendingMutation, bool) {
	if kind == MutationDelete {
		return b.RollbackDelete(id)
	}
	return b.RollbackInsert(id)
}

// DeletePending reports whether a delete of id awaits confirmation.
func (b *PendingBuffer) DeletePending(id string) bool {
	_, ok := b.deletes[id]
	return ok
}

// Suppressed reports whether push events and fetch results for id must be
// ignored at now.
func (b *PendingBuffer) Suppressed(id string, now time.Time) bool {
	until, ok := b.suppressed[id]
	return ok && now.Before(until)
}

// Prune drops expired suppression entries.
func (b *PendingBuffer) Prune(now time.Time) int {
	n := 0
	for id, until := range b.suppressed {
		if !now.Before(until) {
			delete(b.suppressed, id)
			n++
		}
	}
	return n
}

// Mark stamps a fetch at dispatch. Rows confirmed from now on are newer
// than anything the fetch can return.
func (b *PendingBuffer) Mark() uint64 {
	b.mark++
	return b.mark
}

// Land holds a confirmed row until a fetch dispatched after the
// confirmation has been installed. A landed row is rendered even when the
// snapshot cannot take it.
func (b *PendingBuffer) Land(e model.Entity) {
	if old, ok := b.landed[e.ID]; ok && e.Version < old.e.Version {
		e = old.e
	}
	b.landed[e.ID] = landedRow{e: e, mark: b.mark}
}

// Landed returns the landed row with id.
func (b *PendingBuffer) Landed(id string) (model.Entity, bool) {
	l, ok := b.landed[id]
	return l.e, ok
}

// UpdateLanded replaces a landed row with a newer version of it.
func (b *PendingBuffer) UpdateLanded(e model.Entity) {
	l, ok := b.landed[e.ID]
	if !ok || e.Version < l.e.Version {
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.e.CreatedAt
	}
	l.e = e
	b.landed[e.ID] = l
}

// DropLanded forgets a landed row.
func (b *PendingBuffer) DropLanded(id string) {
	delete(b.landed, id)
}

// LandedSince returns the rows confirmed after the fetch stamped mark was
// dispatched.
func (b *PendingBuffer) LandedSince(mark uint64) []model.Entity {
	var out []model.Entity
	for _, l := range b.landed {
		if l.mark >= mark {
			out = append(out, l.e)
		}
	}
	return out
}

// Buried reports whether id was deleted after the fetch stamped mark was
// dispatched.
func (b *PendingBuffer) Buried(id string, mark uint64) bool {
	at, ok := b.tombstones[id]
	return ok && at >= mark
}

// Absorb drops landed rows and tombstones that the fetch stamped mark has
// already observed.
func (b *PendingBuffer) Absorb(mark uint64) {
	for id, l := range b.landed {
		if l.mark < mark {
			delete(b.landed, id)
		}
	}
	for id, at := range b.tombstones {
		if at < mark {
			delete(b.tombstones, id)
		}
	}
}

// Unpin drops the pin of a canonical row.
func (b *PendingBuffer) Unpin(id string) {
	delete(b.pins, id)
}

// ReleasePins lets pinned canonical rows fall back into activity order.
func (b *PendingBuffer) ReleasePins() {
	clear(b.pins)
}

// Inserts returns pending inserts, newest first.
func (b *PendingBuffer) Inserts() []PendingMutation {
	out := make([]PendingMutation, 0, len(b.inserts))
	for _, m := range b.inserts {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out
}

// Deletes returns pending deletes, oldest first.
func (b *PendingBuffer) Deletes() []PendingMutation {
	out := make([]PendingMutation, 0, len(b.deletes))
	for _, m := range b.deletes {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len returns the number of unconfirmed mutations.
func (b *PendingBuffer) Len() int {
	return len(b.inserts) + len(b.deletes)
}

// View captures what the merge needs from the buffer.
func (b *PendingBuffer) View() PendingView {
	v := PendingView{
		Inserts:  b.Inserts(),
		Deleting: make(map[string]bool, len(b.deletes)),
		Pins:     make(map[string]int64, len(b.pins)),
	}
	for _, l := range b.landed {
		v.Landed = append(v.Landed, l.e)
	}
	for id := range b.deletes {
		v.Deleting[id] = true
	}
	for id, seq := range b.pins {
		v.Pins[id] = seq
	}
	return v
}

// PendingView is an immutable copy of a PendingBuffer's overlay.
type PendingView struct {
	// Inserts are pending optimistic inserts, newest first.
	Inserts []PendingMutation

	// Deleting holds ids whose delete awaits confirmation.
	Deleting map[string]bool

	// Pins maps canonical ids adopted from an insert to that insert's Seq.
	Pins map[string]int64

	// Landed are confirmed rows a fetch may not have returned yet.
	Landed []model.Entity
}
