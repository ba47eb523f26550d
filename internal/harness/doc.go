// Package harness runs scripted sessions against the sync engine.
//
// A scenario seeds an in-memory remote store, starts an engine for one
// user and then performs steps: engine actions (create, delete, update,
// filter, refresh), remote changes made by "other clients", and fault
// injection (held operations, queued failures, no-op deletes, dropped
// subscriptions). After every step the harness waits for the engine to
// settle and records both rendered collections and the open notifications.
//
// # Scenario Format
//
//	name: optimistic_create
//	description: "A created list shows at once and keeps its slot"
//	user: u1
//	seed:
//	  - id: L1
//	    name: Tacos
//	    location: Austin
//	    category: food
//	    entries: 2
//	    age: 1h
//	  - id: L2
//	    owner: u2
//	    name: Team brunch
//	    members: { u1: editor }
//	steps:
//	  - hold: insert
//	  - create: { name: Brunch, location: Austin }
//	    expect:
//	      private: [temp-1, L1]
//	  - release: insert
//	  - remote: { bump: L2 }
//	  - fail: { op: delete, error: permission }
//	  - delete: L1
//	    expect:
//	      notices: ["PERMISSION delete L1"]
//
// Unknown fields are rejected, and every step must carry exactly one
// action.
//
// # Determinism
//
// Wall time comes from a fake clock that advances one second before each
// step, and temporary ids are minted as temp-1, temp-2, ... The remote
// store assigns L<n> ids to rows the engine creates. Traces are therefore
// byte-identical across runs and are compared against golden files with
// RunWithGolden.
//
// While an operation is held the harness waits only for queued events, so
// a held step should not be combined with other asynchronous work.
package harness
