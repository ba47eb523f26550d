package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/roach88/listsync/internal/model"
	"github.com/roach88/listsync/internal/remote"
)

// ErrInvalid reports a write the store refuses regardless of permissions.
var ErrInvalid = errors.New("store: invalid write")

// Insert creates a list owned by the session user. The store assigns the
// id, timestamps and version; EntryCount is ignored.
func (s *Session) Insert(ctx context.Context, e model.Entity) (model.Entity, error) {
	if e.OwnerID == "" {
		e.OwnerID = s.user
	}
	if e.OwnerID != s.user {
		return model.Entity{}, fmt.Errorf("insert for %q: %w", e.OwnerID, remote.ErrPermission)
	}
	if strings.TrimSpace(e.Name) == "" {
		return model.Entity{}, fmt.Errorf("insert: name is required: %w", ErrInvalid)
	}

	now := s.store.stamp()
	e.ID = uuid.NewString()
	e.CreatedAt = fromNanos(now)
	e.LastActivityAt = e.CreatedAt
	e.Version = 1
	e.EntryCount = 0

	err := s.store.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO lists
			(id, owner_id, name, location_text, location_norm, category, category_norm,
			 cover_image_url, last_activity_at, created_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			e.ID,
			e.OwnerID,
			e.Name,
			e.LocationText,
			model.NormalizeLocation(e.LocationText),
			e.Category,
			model.NormalizeCategory(e.Category),
			e.CoverImageURL,
			now,
			now,
			e.Version,
		)
		if err != nil {
			return fmt.Errorf("insert list: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO list_members (list_id, user_id, role) VALUES (?, ?, 'owner')
		`, e.ID, e.OwnerID); err != nil {
			return fmt.Errorf("insert owner membership: %w", err)
		}
		return s.store.appendChange(ctx, tx, model.ChangeInsert, e, e.OwnerID, nil)
	})
	if err != nil {
		return model.Entity{}, fmt.Errorf("insert: %w", err)
	}
	return e, nil
}

// Delete removes a list the session user owns, with its entries and
// memberships. Deleting a missing list is not an error.
func (s *Session) Delete(ctx context.Context, id string) error {
	err := s.store.withTx(ctx, func(tx *sql.Tx) error {
		owner, _, err := roleOf(ctx, tx, id, s.user)
		if errors.Is(err, remote.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if owner != s.user {
			return remote.ErrPermission
		}

		members, err := memberIDs(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM lists WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete list: %w", err)
		}
		return s.store.appendChange(ctx, tx, model.ChangeDelete, model.Entity{ID: id, OwnerID: owner}, owner, members)
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// Update patches a list the session user owns or edits. The returned row
// carries the new version and entry count.
func (s *Session) Update(ctx context.Context, id string, p model.Patch) (model.Entity, error) {
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return model.Entity{}, fmt.Errorf("update %s: name is required: %w", id, ErrInvalid)
	}

	var out model.Entity
	err := s.store.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireEditor(ctx, tx, id); err != nil {
			return err
		}
		row, err := readList(ctx, tx, id, s.user)
		if err != nil {
			return err
		}
		out, err = s.store.touch(ctx, tx, p.Apply(row))
		return err
	})
	if err != nil {
		return model.Entity{}, fmt.Errorf("update %s: %w", id, err)
	}
	return out, nil
}

// Leave drops the session user's membership of a shared list. Only the
// leaver is told. Owners cannot leave their own list.
func (s *Session) Leave(ctx context.Context, id string) error {
	err := s.store.withTx(ctx, func(tx *sql.Tx) error {
		owner, role, err := roleOf(ctx, tx, id, s.user)
		if errors.Is(err, remote.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if owner == s.user {
			return fmt.Errorf("owner cannot leave: %w", remote.ErrPermission)
		}
		if role == "" {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM list_members WHERE list_id = ? AND user_id = ?
		`, id, s.user); err != nil {
			return fmt.Errorf("delete membership: %w", err)
		}
		return s.store.appendChange(ctx, tx, model.ChangeDelete, model.Entity{ID: id}, "", []string{s.user})
	})
	if err != nil {
		return fmt.Errorf("leave %s: %w", id, err)
	}
	return nil
}

// Share grants member a role on a list the session user owns. A new member
// receives the list as an insert; changing an existing member's role
// emits nothing.
func (s *Session) Share(ctx context.Context, id, member string, role model.Role) error {
	if role != model.RoleEditor && role != model.RoleViewer {
		return fmt.Errorf("share %s: role %q: %w", id, role, ErrInvalid)
	}
	if member == "" || member == s.user {
		return fmt.Errorf("share %s with %q: %w", id, member, ErrInvalid)
	}

	err := s.store.withTx(ctx, func(tx *sql.Tx) error {
		owner, _, err := roleOf(ctx, tx, id, s.user)
		if err != nil {
			return err
		}
		if owner != s.user {
			return remote.ErrPermission
		}

		_, existing, err := roleOf(ctx, tx, id, member)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO list_members (list_id, user_id, role) VALUES (?, ?, ?)
			ON CONFLICT(list_id, user_id) DO UPDATE SET role = excluded.role
		`, id, member, string(role)); err != nil {
			return fmt.Errorf("upsert membership: %w", err)
		}
		if existing != "" {
			return nil
		}

		row, err := readList(ctx, tx, id, s.user)
		if err != nil {
			return err
		}
		return s.store.appendChange(ctx, tx, model.ChangeInsert, row, "", []string{member})
	})
	if err != nil {
		return fmt.Errorf("share %s: %w", id, err)
	}
	return nil
}

// AddEntry puts a venue on a list the session user owns or edits. The list
// is touched, so every subscriber sees an update with the new count.
func (s *Session) AddEntry(ctx context.Context, id, venue string) (model.Entity, error) {
	if strings.TrimSpace(venue) == "" {
		return model.Entity{}, fmt.Errorf("add entry to %s: venue is required: %w", id, ErrInvalid)
	}

	var out model.Entity
	err := s.store.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireEditor(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO list_entries (id, list_id, venue, created_at) VALUES (?, ?, ?, ?)
		`, ulid.Make().String(), id, venue, s.store.stamp()); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		row, err := readList(ctx, tx, id, s.user)
		if err != nil {
			return err
		}
		out, err = s.store.touch(ctx, tx, row)
		return err
	})
	if err != nil {
		return model.Entity{}, fmt.Errorf("add entry to %s: %w", id, err)
	}
	return out, nil
}

func (s *Session) requireEditor(ctx context.Context, tx *sql.Tx, id string) error {
	owner, role, err := roleOf(ctx, tx, id, s.user)
	if err != nil {
		return err
	}
	if owner != s.user && role == "" {
		return remote.ErrNotFound
	}
	if !role.CanEdit() {
		return remote.ErrPermission
	}
	return nil
}

// touch writes row back with a new version and activity time and records
// the update for the owner and every member.
func (s *Store) touch(ctx context.Context, tx *sql.Tx, row model.Entity) (model.Entity, error) {
	now := s.stamp()
	row.Version++
	row.LastActivityAt = fromNanos(now)

	_, err := tx.ExecContext(ctx, `
		UPDATE lists SET
			name = ?, location_text = ?, location_norm = ?, category = ?, category_norm = ?,
			cover_image_url = ?, last_activity_at = ?, version = ?
		WHERE id = ?
	`,
		row.Name,
		row.LocationText,
		model.NormalizeLocation(row.LocationText),
		row.Category,
		model.NormalizeCategory(row.Category),
		row.CoverImageURL,
		now,
		row.Version,
		row.ID,
	)
	if err != nil {
		return model.Entity{}, fmt.Errorf("update list: %w", err)
	}

	members, err := memberIDs(ctx, tx, row.ID)
	if err != nil {
		return model.Entity{}, err
	}
	if err := s.appendChange(ctx, tx, model.ChangeUpdate, row, row.OwnerID, members); err != nil {
		return model.Entity{}, err
	}
	return row, nil
}
