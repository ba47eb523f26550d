// Package cache persists canonical snapshots on disk so the engine can
// render a collection before its first fetch completes.
//
// Records are JSON files laid out as <base>/<hex(user)>/<collection>.
// They are a warm-start hint only and never treated as authoritative.
package cache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/peterbourgon/diskv/v3"

	"github.com/roach88/listsync/internal/model"
)

// FormatVersion is bumped when Record changes incompatibly. Records with
// another version are ignored.
const FormatVersion = 1

// Record is one cached snapshot.
type Record struct {
	Version    int              `json:"version"`
	User       string           `json:"user"`
	Collection model.Collection `json:"collection"`
	Filter     model.Filter     `json:"filter"`
	Entities   []model.Entity   `json:"entities"`
	FetchedAt  time.Time        `json:"fetched_at"`
}

// Cache is a diskv-backed snapshot cache.
type Cache struct {
	d *diskv.Diskv
}

// Open returns a cache rooted at dir. The directory is created on first
// write.
func Open(dir string) *Cache {
	return &Cache{d: diskv.New(diskv.Options{
		BasePath:          dir,
		AdvancedTransform: keyToPathTransform,
		InverseTransform:  pathToKeyTransform,
		CacheSizeMax:      4 * 1024 * 1024,
	})}
}

// Load returns the record of (user, c), if present and readable.
func (c *Cache) Load(user string, col model.Collection) (Record, bool, error) {
	key := toKey(user, col)
	if !c.d.Has(key) {
		return Record{}, false, nil
	}
	b, err := c.d.Read(key)
	if err != nil {
		return Record{}, false, fmt.Errorf("read %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	if rec.Version != FormatVersion || rec.User != user || rec.Collection != col {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Save replaces the record of (rec.User, rec.Collection).
func (c *Cache) Save(rec Record) error {
	if rec.User == "" || !rec.Collection.Valid() {
		return fmt.Errorf("cache: record needs a user and a valid collection")
	}
	rec.Version = FormatVersion
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return c.d.Write(toKey(rec.User, rec.Collection), b)
}

// Erase drops the record of (user, c).
func (c *Cache) Erase(user string, col model.Collection) error {
	key := toKey(user, col)
	if !c.d.Has(key) {
		return nil
	}
	return c.d.Erase(key)
}

// Purge removes every record.
func (c *Cache) Purge() error {
	return c.d.EraseAll()
}

// toKey makes `hexuser-collection`. Hex keeps the separator out of user ids.
func toKey(user string, col model.Collection) string {
	return hex.EncodeToString([]byte(user)) + "-" + string(col)
}

func keyToPathTransform(s string) *diskv.PathKey {
	parts := strings.Split(s, "-")
	return &diskv.PathKey{
		Path:     parts[:len(parts)-1],
		FileName: parts[len(parts)-1],
	}
}

func pathToKeyTransform(pathKey *diskv.PathKey) string {
	return fmt.Sprintf("%s-%s", strings.Join(pathKey.Path, "-"), pathKey.FileName)
}
