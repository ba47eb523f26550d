// Package remote describes the hosted store the engine synchronizes with.
//
// The store owns the source of truth. It enforces owner/member ACLs server
// side, supports filtered selects with a location prefix and an exact
// category, batched row counts, single-row writes, and a push subscription
// of row changes scoped by a predicate.
package remote

import (
	"context"

	"github.com/roach88/listsync/internal/model"
)

// Query selects one user's view of a collection.
type Query struct {
	UserID     string
	Collection model.Collection
	Filter     model.Filter
}

// Store is the query and mutation half of the remote contract.
type Store interface {
	// FetchEntities returns rows of the collection that match the filter.
	FetchEntities(ctx context.Context, q Query) ([]model.Entity, error)

	// FetchCounts returns entry counts for many rows at once. Returns
	// ErrBatchUnsupported when the store has no batched form.
	FetchCounts(ctx context.Context, ids []string) (map[string]int, error)

	// FetchCount returns the entry count of a single row.
	FetchCount(ctx context.Context, id string) (int, error)

	// Get reads a single row visible to the caller. Returns ErrNotFound
	// when the row does not exist or is not visible.
	Get(ctx context.Context, id string) (model.Entity, error)

	// Insert creates a row owned by the caller.
	Insert(ctx context.Context, e model.Entity) (model.Entity, error)

	// Delete removes a row owned by the caller. Deleting a missing row is
	// not an error.
	Delete(ctx context.Context, id string) error

	// Update patches a row the caller owns or edits.
	Update(ctx context.Context, id string, p model.Patch) (model.Entity, error)

	// Leave drops the caller's membership of a shared row.
	Leave(ctx context.Context, id string) error
}

// Predicate scopes a subscription to rows owned by OwnerID or shared with
// MemberID. Exactly one should be set.
type Predicate struct {
	OwnerID  string `json:"owner_id,omitempty"`
	MemberID string `json:"member_id,omitempty"`
}

// PredicateFor returns the subscription predicate of a user's collection.
func PredicateFor(userID string, c model.Collection) Predicate {
	if c == model.CollectionShared {
		return Predicate{MemberID: userID}
	}
	return Predicate{OwnerID: userID}
}

// Subscriber is the push half of the remote contract.
type Subscriber interface {
	// Subscribe streams changes on table that satisfy pred until ctx is
	// done or the transport fails, at which point the channel is closed.
	Subscribe(ctx context.Context, table string, pred Predicate) (<-chan model.ChangeEvent, error)
}
