package engine

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/listsync/internal/model"
)

// State is an immutable view of one collection, replaced wholesale after
// every transition.
type State struct {
	Collection model.Collection
	Filter     model.Filter
	Key        model.FilterKey
	Generation uint64

	// Entities is the merged render sequence.
	Entities []model.Entity

	// Pending lists unconfirmed mutations, inserts first.
	Pending []PendingMutation

	Loading    bool
	Err        *SyncError
	Source     Source
	FetchedAt  time.Time
	Subscribed bool
}

// Index returns the render position of id, or -1.
func (s *State) Index(id string) int {
	for i, e := range s.Entities {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// collection is the loop-owned sync state of one collection.
type collection struct {
	name model.Collection

	// filter is the applied filter; draft is the latest edit still inside
	// its debounce window.
	filter model.Filter
	key    model.FilterKey
	draft  model.Filter

	generation  uint64
	inflightGen uint64
	loading     bool
	err         *SyncError

	snapshots *SnapshotStore
	pending   *PendingBuffer
	router    *Router

	debounce   *timerSlot
	background *timerSlot
	resub      *timerSlot

	stream <-chan model.ChangeEvent

	state atomic.Pointer[State]
}

func newCollection(name model.Collection, window time.Duration, logger *slog.Logger) *collection {
	col := &collection{
		name:       name,
		key:        model.Normalize(model.Filter{}),
		generation: 1,
		snapshots:  NewSnapshotStore(),
		pending:    NewPendingBuffer(window),
		debounce:   &timerSlot{},
		background: &timerSlot{},
		resub:      &timerSlot{},
	}
	col.router = NewRouter(name, col.snapshots, col.pending, logger)
	col.state.Store(&State{Collection: name, Key: col.key, Generation: col.generation})
	return col
}

// inflight reports whether a fetch for the current generation is running.
func (c *collection) inflight() bool {
	return c.inflightGen != 0 && c.inflightGen == c.generation
}

// render merges the current state and publishes it.
func (c *collection) render() *State {
	snap := c.snapshots.Current()
	view := c.pending.View()
	st := &State{
		Collection: c.name,
		Filter:     c.filter,
		Key:        c.key,
		Generation: c.generation,
		Entities:   Merge(snap, c.filter, view),
		Pending:    append(c.pending.Inserts(), c.pending.Deletes()...),
		Loading:    c.loading,
		Err:        c.err,
		Subscribed: c.stream != nil,
	}
	if snap != nil {
		st.Source = snap.Source
		st.FetchedAt = snap.FetchedAt
	}
	c.state.Store(st)
	return st
}
