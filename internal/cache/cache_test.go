package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/listsync/internal/model"
)

func TestCache_SaveLoad(t *testing.T) {
	c := Open(t.TempDir())
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := Record{
		User:       "user-1",
		Collection: model.CollectionPrivate,
		Filter:     model.Filter{Category: "Sushi"},
		Entities: []model.Entity{
			{ID: "L1", OwnerID: "user-1", Name: "Sushi Spots", Category: "Sushi", EntryCount: 3, LastActivityAt: at, Version: 2},
		},
		FetchedAt: at,
	}
	require.NoError(t, c.Save(rec))

	got, ok, err := c.Load("user-1", model.CollectionPrivate)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, FormatVersion, got.Version)
	assert.Equal(t, rec.Filter, got.Filter)
	require.Len(t, got.Entities, 1)
	assert.Equal(t, "Sushi Spots", got.Entities[0].Name)
	assert.Equal(t, 3, got.Entities[0].EntryCount)
	assert.True(t, at.Equal(got.FetchedAt))
}

func TestCache_LoadMissing(t *testing.T) {
	c := Open(t.TempDir())

	_, ok, err := c.Load("nobody", model.CollectionShared)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_CollectionsAreSeparate(t *testing.T) {
	c := Open(t.TempDir())
	require.NoError(t, c.Save(Record{User: "u", Collection: model.CollectionPrivate, Entities: []model.Entity{{ID: "L1"}}}))
	require.NoError(t, c.Save(Record{User: "u", Collection: model.CollectionShared, Entities: []model.Entity{{ID: "S1"}, {ID: "S2"}}}))

	priv, ok, err := c.Load("u", model.CollectionPrivate)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, priv.Entities, 1)

	shared, ok, err := c.Load("u", model.CollectionShared)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, shared.Entities, 2)
}

func TestCache_UserWithSeparator(t *testing.T) {
	dir := t.TempDir()
	c := Open(dir)
	require.NoError(t, c.Save(Record{User: "a-b-c", Collection: model.CollectionPrivate}))

	_, ok, err := c.Load("a-b-c", model.CollectionPrivate)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = os.Stat(filepath.Join(dir, "612d622d63", "private"))
	assert.NoError(t, err, "record should live under the hex-encoded user")
}

func TestCache_Erase(t *testing.T) {
	c := Open(t.TempDir())
	require.NoError(t, c.Save(Record{User: "u", Collection: model.CollectionPrivate}))

	require.NoError(t, c.Erase("u", model.CollectionPrivate))
	require.NoError(t, c.Erase("u", model.CollectionPrivate), "erasing twice is fine")

	_, ok, err := c.Load("u", model.CollectionPrivate)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_SaveRejectsIncompleteRecord(t *testing.T) {
	c := Open(t.TempDir())
	assert.Error(t, c.Save(Record{Collection: model.CollectionPrivate}))
	assert.Error(t, c.Save(Record{User: "u", Collection: "archive"}))
}

func TestCache_IgnoresOtherFormatVersions(t *testing.T) {
	dir := t.TempDir()
	c := Open(dir)
	require.NoError(t, c.Save(Record{User: "u", Collection: model.CollectionPrivate}))

	path := filepath.Join(dir, "75", "private")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":99,"user":"u","collection":"private"}`), 0o600))

	// diskv keeps an in-memory copy; a fresh handle reads the file.
	_, ok, err := Open(dir).Load("u", model.CollectionPrivate)
	require.NoError(t, err)
	assert.False(t, ok)
}
