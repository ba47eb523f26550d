package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roach88/listsync/internal/model"
)

var testEpoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

// tick is a clock that advances one second per reading, so every write
// gets a distinct timestamp.
type tick struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tick) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	clock := &tick{now: testEpoch}
	s, err := Open(path, WithNow(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestList inserts a list owned by user.
func createTestList(t *testing.T, s *Store, user, name, location, category string) model.Entity {
	t.Helper()
	e, err := s.Session(user).Insert(context.Background(), model.Entity{
		Name:         name,
		LocationText: location,
		Category:     category,
	})
	if err != nil {
		t.Fatalf("Insert(%q) failed: %v", name, err)
	}
	return e
}
