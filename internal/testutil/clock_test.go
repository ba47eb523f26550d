package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/listsync/internal/model"
)

func TestFakeClock_StartsAtEpoch(t *testing.T) {
	c := NewFakeClock(time.Time{})
	assert.True(t, Epoch.Equal(c.Now()))
}

func TestFakeClock_Advance(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	got := c.Advance(8 * time.Second)
	assert.True(t, start.Add(8*time.Second).Equal(got))
	assert.True(t, got.Equal(c.Now()), "Now should reflect the advance")

	c.Set(start)
	assert.True(t, start.Equal(c.Now()))
}

func TestSequenceGenerator_Deterministic(t *testing.T) {
	g := NewSequenceGenerator()

	assert.Equal(t, "temp-1", g.Generate())
	assert.Equal(t, "temp-2", g.Generate())
	assert.True(t, model.IsTemporaryID(g.Generate()))

	g.Reset()
	assert.Equal(t, "temp-1", g.Generate())
}

func TestSequenceGenerator_ThreadSafe(t *testing.T) {
	g := NewSequenceGenerator()
	const goroutines, calls = 20, 50

	var mu sync.Mutex
	seen := make(map[string]bool)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				id := g.Generate()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*calls, "ids must be unique")
}
