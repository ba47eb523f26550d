package engine

import (
	"fmt"
	"sync"

	"github.com/roach88/listsync/internal/model"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventTypeSetFilter records a filter edit and restarts its debounce.
	EventTypeSetFilter EventType = iota + 1
	// EventTypeFilterSettled applies the latest filter once the debounce expires.
	EventTypeFilterSettled
	// EventTypeFetch requests a fetch, subject to the coordinator's rules.
	EventTypeFetch
	// EventTypeFetchResult delivers the outcome of a fetch.
	EventTypeFetchResult
	// EventTypeSubscribed delivers a newly opened push stream.
	EventTypeSubscribed
	// EventTypeResubscribe reopens a push stream after it closed.
	EventTypeResubscribe
	// EventTypeCreate records an optimistic insert.
	EventTypeCreate
	// EventTypeDelete records an optimistic delete.
	EventTypeDelete
	// EventTypeUpdate submits a patch.
	EventTypeUpdate
	// EventTypeMutationResult delivers the outcome of a remote write.
	EventTypeMutationResult
	// EventTypeScrollTo sets the scroll anchor.
	EventTypeScrollTo
	// EventTypeAnchorTick retries locating the scroll anchor.
	EventTypeAnchorTick
	// EventTypeDismiss removes a notification.
	EventTypeDismiss
	// EventTypeBarrier reports loop idleness once every earlier event is processed.
	EventTypeBarrier
)

// String returns the event type name used in logs.
func (t EventType) String() string {
	switch t {
	case EventTypeSetFilter:
		return "set_filter"
	case EventTypeFilterSettled:
		return "filter_settled"
	case EventTypeFetch:
		return "fetch"
	case EventTypeFetchResult:
		return "fetch_result"
	case EventTypeSubscribed:
		return "subscribed"
	case EventTypeResubscribe:
		return "resubscribe"
	case EventTypeCreate:
		return "create"
	case EventTypeDelete:
		return "delete"
	case EventTypeUpdate:
		return "update"
	case EventTypeMutationResult:
		return "mutation_result"
	case EventTypeScrollTo:
		return "scroll_to"
	case EventTypeAnchorTick:
		return "anchor_tick"
	case EventTypeDismiss:
		return "dismiss"
	case EventTypeBarrier:
		return "barrier"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is a unit of work for the single-writer loop. Which fields are set
// depends on Type.
type Event struct {
	Type       EventType
	Collection model.Collection
	Filter     model.Filter
	Fetch      FetchOptions
	EntityID   string
	Entity     model.Entity
	Patch      model.Patch
	Notice     int64

	token    uint64
	fetch    *fetchResult
	mutation *mutationResult
	stream   <-chan model.ChangeEvent
	err      error
	settle   bool
	reply    chan bool
}

// eventQueue is a thread-safe FIFO queue for events.
//
// The queue is unbounded so push streams, timers and network completions
// never block on the loop.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // Signals event availability (buffered, size 1)
}

// newEventQueue creates an empty event queue.
func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Signal availability (non-blocking - buffer of 1 coalesces multiple signals)
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Event{}, false) if queue is empty.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]

	// Nil out the slot so the payload pointers can be collected.
	q.events[0] = Event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close signals that no more events will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

// Closed reports whether Close has been called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
