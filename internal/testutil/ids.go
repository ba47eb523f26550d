package testutil

import (
	"fmt"
	"sync"

	"github.com/roach88/listsync/internal/model"
)

// SequenceGenerator mints temporary ids "temp-1", "temp-2", ... so that
// scenario traces are byte-identical across runs.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequenceGenerator struct {
	mu sync.Mutex
	n  int
}

// NewSequenceGenerator creates a generator whose first id is "temp-1".
func NewSequenceGenerator() *SequenceGenerator {
	return &SequenceGenerator{}
}

// Generate returns the next temporary id.
//
// Implements engine.IDGenerator.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s%d", model.TempIDPrefix, g.n)
}

// Reset restarts the sequence.
func (g *SequenceGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
