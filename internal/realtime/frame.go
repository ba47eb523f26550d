// Package realtime carries the change feed over WebSocket.
//
// A Hub serves one subscription per connection. The client authenticates
// with a bearer JWT, sends a subscribe frame naming a table and predicate,
// and receives event frames until either side closes. The hub only accepts
// predicates that name the token's own user.
//
// A Client implements remote.Subscriber on top of that protocol, so the
// engine can run against a store in another process.
package realtime

import (
	"github.com/roach88/listsync/internal/model"
	"github.com/roach88/listsync/internal/remote"
)

// Frame types.
const (
	frameSubscribe  = "subscribe"
	frameSubscribed = "subscribed"
	frameEvent      = "event"
	frameError      = "error"
)

// frame is the JSON message exchanged on a realtime connection.
type frame struct {
	Type      string             `json:"type"`
	Table     string             `json:"table,omitempty"`
	Predicate *remote.Predicate  `json:"predicate,omitempty"`
	Event     *model.ChangeEvent `json:"event,omitempty"`
	Error     string             `json:"error,omitempty"`
	Code      string             `json:"code,omitempty"`
}

// Error codes carried by error frames.
const (
	codeForbidden = "forbidden"
	codeInvalid   = "invalid"
	codeInternal  = "internal"
)
