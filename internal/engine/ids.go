package engine

import (
	"github.com/google/uuid"

	"github.com/roach88/listsync/internal/model"
)

// IDGenerator mints temporary ids for optimistic inserts.
// Implemented by UUIDv7Generator (production) and testutil.SequenceGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable temporary ids of the form
// "temp-<uuidv7>".
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new temporary id.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return model.TempIDPrefix + uuid.Must(uuid.NewV7()).String()
}
