package engine

import (
	"time"

	"github.com/roach88/listsync/internal/model"
)

// timerSlot holds at most one scheduled event. Scheduling again replaces
// the previous timer, and a token lets the loop ignore a timer that fired
// just before it was replaced.
type timerSlot struct {
	timer *time.Timer
	token uint64
}

// armed reports whether a timer is scheduled.
func (s *timerSlot) armed() bool {
	return s.timer != nil
}

// fired reports whether ev came from the slot's current timer and clears it.
func (s *timerSlot) fired(ev Event) bool {
	if ev.token != s.token {
		return false
	}
	s.timer = nil
	return true
}

// schedule enqueues ev after d, replacing whatever the slot held.
// Scheduled timers count as outstanding work until their event is queued.
func (e *Engine) schedule(slot *timerSlot, d time.Duration, ev Event) {
	e.cancelTimer(slot)
	slot.token++
	ev.token = slot.token
	e.outstanding.Add(1)
	slot.timer = time.AfterFunc(d, func() {
		defer e.outstanding.Add(-1)
		e.queue.Enqueue(ev)
	})
}

func (e *Engine) cancelTimer(slot *timerSlot) {
	if slot.timer != nil && slot.timer.Stop() {
		e.outstanding.Add(-1)
	}
	slot.timer = nil
}

// handleSetFilter records the edit and restarts the debounce. The filter
// that is eventually applied is the one current when the timer expires.
func (e *Engine) handleSetFilter(col *collection, f model.Filter) {
	col.draft = f
	e.schedule(col.debounce, e.cfg.Debounce, Event{Type: EventTypeFilterSettled, Collection: col.name})
}

// handleFilterSettled applies the draft filter. A different key starts a
// new generation: the old snapshot is discarded and any in-flight fetch
// for it becomes stale.
func (e *Engine) handleFilterSettled(col *collection, ev Event) {
	if !col.debounce.fired(ev) {
		return
	}
	e.applyFilter(col, col.draft)
}

func (e *Engine) applyFilter(col *collection, f model.Filter) {
	key := model.Normalize(f)
	col.filter = f
	col.draft = f
	if key != col.key {
		e.logger.Debug("filter changed",
			"collection", col.name,
			"from", col.key.String(),
			"to", key.String(),
			"generation", col.generation+1,
		)
		col.key = key
		col.generation++
		col.snapshots.Discard()
		col.pending.ReleasePins()
		col.loading = false
		col.err = nil
		e.cancelTimer(col.background)
	}
	e.requestFetch(col, FetchOptions{})
}
