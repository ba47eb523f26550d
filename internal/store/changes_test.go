package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/listsync/internal/model"
	"github.com/roach88/listsync/internal/remote"
)

func TestChanges_EveryWriteIsLogged(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	owner := s.Session("owner")

	list := createTestList(t, s, "owner", "Team picks", "", "")
	require.NoError(t, owner.Share(ctx, list.ID, "u1", model.RoleEditor))
	_, err := owner.AddEntry(ctx, list.ID, "venue")
	require.NoError(t, err)
	require.NoError(t, s.Session("u1").Leave(ctx, list.ID))
	require.NoError(t, owner.Delete(ctx, list.ID))

	changes, err := s.ReadChanges(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, changes, 5)

	type summary struct {
		typ     model.ChangeType
		owner   string
		members []string
	}
	var got []summary
	for _, c := range changes {
		got = append(got, summary{c.Type, c.OwnerID, c.MemberIDs})
		assert.Equal(t, list.ID, c.ListID)
		assert.NotEmpty(t, c.ID)
	}
	assert.Equal(t, []summary{
		{model.ChangeInsert, "owner", nil},
		{model.ChangeInsert, "", []string{"u1"}},
		{model.ChangeUpdate, "owner", []string{"u1"}},
		{model.ChangeDelete, "", []string{"u1"}},
		{model.ChangeDelete, "owner", nil},
	}, got)

	assert.Equal(t, 1, changes[2].Row.EntryCount, "count bump carries the new count")
	assert.Equal(t, int64(2), changes[2].Row.Version)

	for i := 1; i < len(changes); i++ {
		assert.Greater(t, changes[i].Seq, changes[i-1].Seq)
	}
	latest, err := s.LatestSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, changes[len(changes)-1].Seq, latest)
}

func TestChanges_ReadAfterAndLimit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		createTestList(t, s, "u1", name, "", "")
	}

	first, err := s.ReadChanges(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	rest, err := s.ReadChanges(ctx, first[1].Seq, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", rest[0].Row.Name)

	none, err := s.ReadChanges(ctx, rest[0].Seq, 10)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestChanges_FailedWriteLogsNothing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	list := createTestList(t, s, "owner", "A", "", "")

	assert.Error(t, s.Session("u2").Delete(ctx, list.ID))

	changes, err := s.ReadChanges(ctx, 0, 100)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestChange_AddressedTo(t *testing.T) {
	tests := []struct {
		name   string
		change Change
		pred   remote.Predicate
		want   bool
	}{
		{"owner", Change{OwnerID: "u1"}, remote.Predicate{OwnerID: "u1"}, true},
		{"other owner", Change{OwnerID: "u1"}, remote.Predicate{OwnerID: "u2"}, false},
		{"member", Change{OwnerID: "u1", MemberIDs: []string{"u2"}}, remote.Predicate{MemberID: "u2"}, true},
		{"not a member", Change{OwnerID: "u1", MemberIDs: []string{"u2"}}, remote.Predicate{MemberID: "u3"}, false},
		{"members only", Change{MemberIDs: []string{"u2"}}, remote.Predicate{OwnerID: "u1"}, false},
		{"empty predicate", Change{OwnerID: "u1"}, remote.Predicate{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.change.AddressedTo(tt.pred))
		})
	}
}

func TestChange_Event(t *testing.T) {
	c := Change{Seq: 7, ID: "01J", Type: model.ChangeUpdate, Row: model.Entity{ID: "L1"}}

	ev := c.Event()

	assert.Equal(t, model.ChangeEvent{ID: "01J", Type: model.ChangeUpdate, Table: model.TableLists, Row: model.Entity{ID: "L1"}, Seq: 7}, ev)
}

func TestMarshal_RowKeepsHTML(t *testing.T) {
	data, err := marshalRow(model.Entity{ID: "L1", Name: "Fish & <Chips>"})
	require.NoError(t, err)
	assert.Contains(t, data, "Fish & <Chips>")

	e, err := unmarshalRow(data)
	require.NoError(t, err)
	assert.Equal(t, "Fish & <Chips>", e.Name)
}

func TestMarshal_MembersSorted(t *testing.T) {
	data, err := marshalMembers([]string{"u3", "u1"})
	require.NoError(t, err)
	assert.Equal(t, `["u1","u3"]`, data)

	ids, err := unmarshalMembers(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u3"}, ids)

	empty, err := marshalMembers(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", empty)
}
