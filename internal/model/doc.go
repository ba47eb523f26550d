// Package model defines the data types shared by the synchronization engine,
// the remote store, and the push transport.
//
// An Entity is a user-owned list of venues. Its ID is either a stable id
// assigned by the remote store or a temporary id (prefixed with TempIDPrefix)
// minted on the client for an optimistic insert. The pair (name, location)
// is the dedup key used to recognize that an optimistic entity has a
// canonical counterpart.
package model
