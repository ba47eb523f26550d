// Package engine implements the client-side synchronization engine for the
// private and shared list collections.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Every state transition happens in one goroutine (Run). User calls,
// network completions, timers and push events are all turned into events
// and processed one at a time, so the render layer never observes a
// half-applied change.
//
// Per collection the loop owns:
//   - SnapshotStore: the canonical rows of the current filter, indexed by id
//   - PendingBuffer: optimistic inserts and deletes, delete suppression
//   - Router: folds push events into the snapshot idempotently
//
// After each transition the loop runs Merge over the snapshot and the
// pending overlay and publishes an immutable State.
//
// Fetch Coordination:
// Filter edits are debounced. A filter with a new key starts a new
// generation; results tagged with an older generation are dropped. At most
// one fetch per generation runs at a time, and a snapshot that already
// answers the current key is a cache hit.
//
// Network I/O:
// Fetches and writes run on their own goroutines with a bounded timeout
// and report back through the queue. Failed foreground actions roll back
// their optimistic change and raise a Notification; failed background
// refreshes are logged and absorbed.
package engine
