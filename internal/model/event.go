package model

// TableLists is the remote table that holds list rows.
const TableLists = "lists"

// ChangeType is the kind of a remote row change.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Valid reports whether t is a known change type.
func (t ChangeType) Valid() bool {
	return t == ChangeInsert || t == ChangeUpdate || t == ChangeDelete
}

// ChangeEvent is a push notification of a remote row change. Delivery is
// at-least-once and only ordered per row.
type ChangeEvent struct {
	// ID identifies the change; redeliveries carry the same ID.
	ID    string     `json:"id"`
	Type  ChangeType `json:"type"`
	Table string     `json:"table"`
	Row   Entity     `json:"row"`

	// Seq is the change-log position on the server. Zero when unknown.
	Seq int64 `json:"seq,omitempty"`
}
