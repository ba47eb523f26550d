package model

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Collection names one of the two synchronized collections.
type Collection string

const (
	// CollectionPrivate holds lists owned by the current user.
	CollectionPrivate Collection = "private"
	// CollectionShared holds lists the current user is a member of.
	CollectionShared Collection = "shared"
)

// Collections lists every collection in a fixed order.
var Collections = []Collection{CollectionPrivate, CollectionShared}

// Valid reports whether c names a known collection.
func (c Collection) Valid() bool {
	return c == CollectionPrivate || c == CollectionShared
}

// TempIDPrefix marks client-generated ids for optimistic inserts.
const TempIDPrefix = "temp-"

// IsTemporaryID reports whether id was minted on the client.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Entity is a list of venues.
type Entity struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Name           string    `json:"name"`
	LocationText   string    `json:"location_text"`
	Category       string    `json:"category"`
	CoverImageURL  string    `json:"cover_image_url,omitempty"`
	EntryCount     int       `json:"entry_count"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`

	// Version is assigned by the remote store and increases on every write
	// to the row. Temporary entities have version 0.
	Version int64 `json:"version"`
}

// IsTemporary reports whether the entity only exists optimistically.
func (e Entity) IsTemporary() bool {
	return IsTemporaryID(e.ID)
}

// DedupKey identifies an entity by (name, location) regardless of id.
type DedupKey struct {
	Name     string
	Location string
}

// DedupKey returns the normalized (name, location) pair.
func (e Entity) DedupKey() DedupKey {
	return DedupKey{
		Name:     cases.Fold().String(collapseSpace(e.Name)),
		Location: NormalizeLocation(e.LocationText),
	}
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Name          *string `json:"name,omitempty"`
	LocationText  *string `json:"location_text,omitempty"`
	Category      *string `json:"category,omitempty"`
	CoverImageURL *string `json:"cover_image_url,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Name == nil && p.LocationText == nil && p.Category == nil && p.CoverImageURL == nil
}

// Apply returns e with the patch applied.
func (p Patch) Apply(e Entity) Entity {
	if p.Name != nil {
		e.Name = *p.Name
	}
	if p.LocationText != nil {
		e.LocationText = *p.LocationText
	}
	if p.Category != nil {
		e.Category = *p.Category
	}
	if p.CoverImageURL != nil {
		e.CoverImageURL = *p.CoverImageURL
	}
	return e
}

// Role is a member's permission level on a shared list.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// CanEdit reports whether the role may update list fields.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}
