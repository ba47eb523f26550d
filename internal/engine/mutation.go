package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/listsync/internal/model"
	"github.com/roach88/listsync/internal/remote"
)

type mutationResult struct {
	kind   string // "create", "delete", "update"
	id     string
	tempID string
	row    model.Entity
	err    error
}

// Notification is a dismissable message about a failed foreground action.
type Notification struct {
	ID         int64
	Kind       ErrorKind
	Op         string
	Collection model.Collection
	EntityID   string
	Message    string
}

// handleCreate records an optimistic insert in the private collection and
// submits it.
func (e *Engine) handleCreate(ev Event) {
	col := e.cols[model.CollectionPrivate]
	now := e.now()
	tempID := ev.EntityID

	payload := ev.Entity
	payload.OwnerID = e.cfg.UserID
	payload.CreatedAt = now
	payload.LastActivityAt = now
	payload.EntryCount = 0
	col.pending.AddInsert(payload, tempID, col.key, e.clock.Next(), now)

	e.logger.Info("optimistic insert",
		"temp_id", tempID,
		"name", payload.Name,
		"key", col.key.String(),
	)

	payload.ID = ""
	e.goAsync(func(ctx context.Context) Event {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
		defer cancel()
		row, err := e.store.Insert(ctx, payload)
		return Event{
			Type:       EventTypeMutationResult,
			Collection: col.name,
			mutation:   &mutationResult{kind: "create", tempID: tempID, row: row, err: err},
		}
	})
}

// handleDelete removes an entity optimistically. Temporary ids cancel their
// pending insert. Shared lists are left rather than deleted.
func (e *Engine) handleDelete(id string) {
	if model.IsTemporaryID(id) {
		col := e.cols[model.CollectionPrivate]
		if col.pending.CancelInsert(id) {
			e.logger.Info("optimistic insert cancelled", "temp_id", id)
			e.anchor.Clear(id)
			return
		}
		canonical, ok := col.pending.Resolve(id)
		if !ok {
			e.logger.Warn("delete of unknown temporary id", "temp_id", id)
			return
		}
		id = canonical
	}

	col, ent, ok := e.locate(id)
	if !ok {
		e.logger.Warn("delete of unknown entity", "id", id)
		return
	}
	if !col.pending.AddDelete(ent, e.clock.Next(), e.now()) {
		e.logger.Debug("delete already pending", "id", id)
		return
	}
	e.anchor.Clear(id)
	e.logger.Info("optimistic delete", "collection", col.name, "id", id)

	e.submitDelete(col, id, col.name == model.CollectionShared && ent.OwnerID != e.cfg.UserID)
}

// submitDelete runs the verified delete (or leave) of id off the loop.
func (e *Engine) submitDelete(col *collection, id string, leave bool) {
	e.goAsync(func(ctx context.Context) Event {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
		defer cancel()
		err := e.deleteAndVerify(ctx, col.name, id, leave)
		return Event{
			Type:       EventTypeMutationResult,
			Collection: col.name,
			mutation:   &mutationResult{kind: "delete", id: id, err: err},
		}
	})
}

// deleteAndVerify removes id and then reads it back, because some stores
// report success for a delete that did nothing. A row that is still
// readable gets exactly one more delete before the failure is reported.
func (e *Engine) deleteAndVerify(ctx context.Context, c model.Collection, id string, leave bool) error {
	remove := e.store.Delete
	op := "delete"
	if leave {
		remove = e.store.Leave
		op = "leave"
	}

	for attempt := 1; attempt <= 2; attempt++ {
		if err := remove(ctx, id); err != nil {
			return newSyncError(op, c, id, err)
		}
		_, err := e.store.Get(ctx, id)
		if errors.Is(err, remote.ErrNotFound) {
			return nil
		}
		if err != nil {
			return newSyncError(op, c, id, fmt.Errorf("verify: %w", err))
		}
		e.logger.Warn("delete verification failed",
			"collection", c,
			"id", id,
			"attempt", attempt,
		)
	}
	return &SyncError{
		Kind:       ErrKindVerification,
		Op:         op,
		Collection: c,
		EntityID:   id,
		Err:        errors.New("row still present after delete"),
	}
}

// handleUpdate submits a patch. Updates are not optimistic; the confirmed
// row is folded in when it returns.
func (e *Engine) handleUpdate(id string, p model.Patch) {
	if p.Empty() {
		return
	}
	if model.IsTemporaryID(id) {
		canonical, ok := e.cols[model.CollectionPrivate].pending.Resolve(id)
		if !ok {
			e.logger.Warn("update of unconfirmed entity ignored", "temp_id", id)
			return
		}
		id = canonical
	}

	c := model.CollectionPrivate
	if col, _, ok := e.locate(id); ok {
		c = col.name
	}
	e.goAsync(func(ctx context.Context) Event {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
		defer cancel()
		row, err := e.store.Update(ctx, id, p)
		return Event{
			Type:       EventTypeMutationResult,
			Collection: c,
			mutation:   &mutationResult{kind: "update", id: id, row: row, err: err},
		}
	})
}

func (e *Engine) handleMutationResult(col *collection, res *mutationResult) {
	switch res.kind {
	case "create":
		e.finishCreate(col, res)
	case "delete":
		e.finishDelete(col, res)
	case "update":
		e.finishUpdate(col, res)
	}
}

func (e *Engine) finishCreate(col *collection, res *mutationResult) {
	if col.pending.TakeCancelled(res.tempID) {
		if res.err != nil {
			return
		}
		// The user deleted the entity before the store confirmed it; the
		// created row goes through the regular delete path.
		row := res.row
		col.pending.AddDelete(row, e.clock.Next(), e.now())
		e.logger.Info("deleting row of cancelled insert", "temp_id", res.tempID, "id", row.ID)
		e.submitDelete(col, row.ID, false)
		return
	}

	if res.err != nil {
		m, ok := col.pending.RollbackInsert(res.tempID)
		if !ok {
			// Already adopted from a push event or fetch.
			col.pending.ForgetRetired(res.tempID)
			return
		}
		serr := newSyncError("create", col.name, res.tempID, res.err)
		e.anchor.Clear(res.tempID)
		e.logger.Error("create failed", "temp_id", res.tempID, "name", m.Entity.Name, "kind", serr.Kind, "error", serr.Err)
		e.notify(serr)
		return
	}

	row := res.row
	if col.pending.Retire(res.tempID, row.ID) {
		if col.filter.Matches(row) {
			if existing, ok := col.snapshots.Get(row.ID); !ok || row.Version >= existing.Version {
				col.snapshots.Upsert(row)
			}
		}
	}
	// A fetch in flight may have read the collection before the insert.
	if !col.pending.DeletePending(row.ID) {
		col.pending.Land(row)
	}
	e.anchor.Retarget(res.tempID, row.ID)
	col.pending.ForgetRetired(res.tempID)
	e.logger.Info("create confirmed", "temp_id", res.tempID, "id", row.ID)
}

func (e *Engine) finishDelete(col *collection, res *mutationResult) {
	if res.err == nil {
		col.pending.ConfirmDelete(res.id)
		col.snapshots.Remove(res.id)
		col.pending.Unpin(res.id)
		e.logger.Info("delete confirmed", "collection", col.name, "id", res.id)
		return
	}

	m, ok := col.pending.RollbackDelete(res.id)
	if !ok {
		return
	}
	_, landed := col.pending.Landed(res.id)
	if _, present := col.snapshots.Get(res.id); !present && !landed && col.filter.Matches(m.Entity) {
		col.snapshots.Upsert(m.Entity)
	}
	serr := newSyncError("delete", col.name, res.id, res.err)
	e.logger.Error("delete failed, restored", "collection", col.name, "id", res.id, "kind", serr.Kind, "error", serr.Err)
	e.notify(serr)
}

func (e *Engine) finishUpdate(col *collection, res *mutationResult) {
	if res.err != nil {
		serr := newSyncError("update", col.name, res.id, res.err)
		e.logger.Error("update failed", "collection", col.name, "id", res.id, "kind", serr.Kind, "error", serr.Err)
		e.notify(serr)
		return
	}
	out := col.router.applyUpdate(res.row, col.filter, e.now())
	e.logger.Info("update confirmed", "collection", col.name, "id", res.id, "outcome", out)
}

// locate finds the collection whose snapshot or landed rows hold id.
func (e *Engine) locate(id string) (*collection, model.Entity, bool) {
	for _, c := range model.Collections {
		col := e.cols[c]
		if ent, ok := col.snapshots.Get(id); ok {
			return col, ent, true
		}
		if ent, ok := col.pending.Landed(id); ok {
			return col, ent, true
		}
	}
	return nil, model.Entity{}, false
}

// notify records a user-visible failure.
func (e *Engine) notify(serr *SyncError) {
	e.noticeSeq++
	n := Notification{
		ID:         e.noticeSeq,
		Kind:       serr.Kind,
		Op:         serr.Op,
		Collection: serr.Collection,
		EntityID:   serr.EntityID,
		Message:    serr.Error(),
	}
	e.notices = append(e.notices, n)
	e.publishNotices()
}

func (e *Engine) dismiss(id int64) {
	for i, n := range e.notices {
		if n.ID == id {
			e.notices = append(e.notices[:i:i], e.notices[i+1:]...)
			e.publishNotices()
			return
		}
	}
}

func (e *Engine) publishNotices() {
	out := make([]Notification, len(e.notices))
	copy(out, e.notices)
	e.noticeView.Store(&out)
}
