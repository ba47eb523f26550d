package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_EnqueueDequeue(t *testing.T) {
	q := newEventQueue()

	ok := q.Enqueue(Event{Type: EventTypeDelete, EntityID: "L1"})
	require.True(t, ok, "enqueue should succeed")

	got, ok := q.TryDequeue()
	require.True(t, ok, "dequeue should succeed")
	assert.Equal(t, EventTypeDelete, got.Type)
	assert.Equal(t, "L1", got.EntityID)
}

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()

	for _, id := range []string{"A", "B", "C"} {
		q.Enqueue(Event{Type: EventTypeDelete, EntityID: id})
	}

	for _, want := range []string{"A", "B", "C"} {
		e, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, e.EntityID)
	}
}

func TestEventQueue_TryDequeue_Empty(t *testing.T) {
	q := newEventQueue()

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestEventQueue_WaitSignals(t *testing.T) {
	q := newEventQueue()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(Event{Type: EventTypeBarrier})
	}()

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("Wait did not signal after enqueue")
	}
	assert.Equal(t, 1, q.Len())
}

func TestEventQueue_Close(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(Event{Type: EventTypeBarrier})

	q.Close()
	q.Close() // idempotent

	assert.True(t, q.Closed())
	assert.False(t, q.Enqueue(Event{Type: EventTypeBarrier}), "enqueue after close should fail")

	// Events queued before Close are still drained.
	_, ok := q.TryDequeue()
	assert.True(t, ok)

	_, open := <-q.Wait()
	assert.False(t, open, "signal channel should be closed")
}

func TestEventQueue_ConcurrentEnqueue(t *testing.T) {
	q := newEventQueue()

	const producers = 8
	const perProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(Event{Type: EventTypeAnchorTick})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, producers*perProducer, q.Len())

	count := 0
	for {
		if _, ok := q.TryDequeue(); !ok {
			break
		}
		count++
	}
	assert.Equal(t, producers*perProducer, count)
}
