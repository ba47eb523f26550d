package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/roach88/listsync/internal/model"
	"github.com/roach88/listsync/internal/remote"
)

// Change is one entry of the change log.
type Change struct {
	Seq    int64
	ID     string
	Type   model.ChangeType
	ListID string

	// OwnerID is empty for changes addressed to members only.
	OwnerID   string
	MemberIDs []string

	Row       model.Entity
	CreatedAt time.Time
}

// Event converts the change to the push event subscribers receive.
func (c Change) Event() model.ChangeEvent {
	return model.ChangeEvent{
		ID:    c.ID,
		Type:  c.Type,
		Table: model.TableLists,
		Row:   c.Row,
		Seq:   c.Seq,
	}
}

// AddressedTo reports whether a subscriber with predicate p should see c.
func (c Change) AddressedTo(p remote.Predicate) bool {
	if p.OwnerID != "" {
		return c.OwnerID == p.OwnerID
	}
	if p.MemberID != "" {
		return slices.Contains(c.MemberIDs, p.MemberID)
	}
	return false
}

// appendChange records a change inside the writing transaction.
func (s *Store) appendChange(ctx context.Context, tx *sql.Tx, typ model.ChangeType, row model.Entity, owner string, members []string) error {
	rowJSON, err := marshalRow(row)
	if err != nil {
		return err
	}
	membersJSON, err := marshalMembers(members)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO changes (id, type, list_id, owner_id, member_ids, row, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		ulid.Make().String(),
		string(typ),
		row.ID,
		owner,
		membersJSON,
		rowJSON,
		s.stamp(),
	)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}

// ReadChanges returns up to limit changes after seq, oldest first.
// Returns an empty slice (not nil) when there are none.
func (s *Store) ReadChanges(ctx context.Context, after int64, limit int) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, type, list_id, owner_id, member_ids, row, created_at
		FROM changes
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	out := []Change{}
	for rows.Next() {
		var c Change
		var typ, membersJSON, rowJSON string
		var created int64
		if err := rows.Scan(&c.Seq, &c.ID, &typ, &c.ListID, &c.OwnerID, &membersJSON, &rowJSON, &created); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		c.Type = model.ChangeType(typ)
		c.CreatedAt = fromNanos(created)
		if c.MemberIDs, err = unmarshalMembers(membersJSON); err != nil {
			return nil, fmt.Errorf("change %d: %w", c.Seq, err)
		}
		if c.Row, err = unmarshalRow(rowJSON); err != nil {
			return nil, fmt.Errorf("change %d: %w", c.Seq, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return out, nil
}

// LatestSeq returns the position of the newest change, or 0.
func (s *Store) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("latest seq: %w", err)
	}
	return seq, nil
}
