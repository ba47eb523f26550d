// Package store is a SQLite implementation of the remote list store.
//
// It holds three tables of domain data and one change log:
//   - lists: one row per list, with a version bumped on every write
//   - list_members: shared-list membership with a role
//   - list_entries: venues on a list; their count is the list's entry count
//   - changes: an append-only feed of row changes, written in the same
//     transaction as the change itself
//
// # Access control
//
// All reads and writes go through a Session, which acts for one user and
// enforces ownership and membership server side. A Session implements
// remote.Store.
//
// # Change feed
//
// A Broker tails the change log and fans events out to subscribers whose
// predicate (owner or member) the event is addressed to. Every process that
// shares the database file observes every write. A Broker implements
// remote.Subscriber.
//
// # Ordering
//
// Fetches order rows by last_activity_at DESC, created_at DESC, id ASC.
// Change events carry their log position in Seq; delivery is at least once.
package store
