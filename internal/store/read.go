package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/listsync/internal/model"
	"github.com/roach88/listsync/internal/remote"
)

// maxBatch bounds the ids bound into one IN clause; SQLite allows 999
// host parameters by default.
const maxBatch = 500

const listColumns = `l.id, l.owner_id, l.name, l.location_text, l.category,
	l.cover_image_url, l.last_activity_at, l.created_at, l.version`

// visibleTo restricts l to rows the user owns or is a member of. Binds the
// user twice.
const visibleTo = `(l.owner_id = ? OR EXISTS (
	SELECT 1 FROM list_members m WHERE m.list_id = l.id AND m.user_id = ?))`

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Session acts for one user. Every read is scoped to rows the user can see
// and every write is checked against the user's ownership or role.
//
// Implements remote.Store.
type Session struct {
	store *Store
	user  string
}

var _ remote.Store = (*Session)(nil)

// Session returns a session acting for user.
func (s *Store) Session(user string) *Session {
	return &Session{store: s, user: user}
}

// User returns the user the session acts for.
func (s *Session) User() string {
	return s.user
}

// FetchEntities returns the rows of q.Collection that match q.Filter,
// ordered by last activity. Entry counts are not included; use
// FetchCounts.
func (s *Session) FetchEntities(ctx context.Context, q remote.Query) ([]model.Entity, error) {
	if q.UserID != "" && q.UserID != s.user {
		return nil, fmt.Errorf("fetch %s of %q: %w", q.Collection, q.UserID, remote.ErrPermission)
	}

	var b strings.Builder
	var args []any
	b.WriteString("SELECT " + listColumns + " FROM lists l ")
	switch q.Collection {
	case model.CollectionPrivate:
		b.WriteString("WHERE l.owner_id = ?")
		args = append(args, s.user)
	case model.CollectionShared:
		b.WriteString("JOIN list_members m ON m.list_id = l.id WHERE m.user_id = ? AND l.owner_id != ?")
		args = append(args, s.user, s.user)
	default:
		return nil, fmt.Errorf("fetch: unknown collection %q", q.Collection)
	}

	// location_norm and category_norm are written with the same
	// normalization the filter key uses.
	if loc := model.NormalizeLocation(q.Filter.LocationText); loc != "" {
		b.WriteString(" AND instr(l.location_norm, ?) = 1")
		args = append(args, loc)
	}
	if cat := model.NormalizeCategory(q.Filter.Category); cat != "" {
		b.WriteString(" AND l.category_norm = ?")
		args = append(args, cat)
	}
	b.WriteString(" ORDER BY l.last_activity_at DESC, l.created_at DESC, l.id COLLATE BINARY ASC")

	rows, err := s.store.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query lists: %w", err)
	}
	defer rows.Close()

	out := []model.Entity{}
	for rows.Next() {
		e, err := scanList(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lists: %w", err)
	}
	return out, nil
}

// FetchCounts returns the entry counts of the visible rows among ids.
// Invisible or missing ids are left out of the result.
func (s *Session) FetchCounts(ctx context.Context, ids []string) (map[string]int, error) {
	out := make(map[string]int, len(ids))
	for start := 0; start < len(ids); start += maxBatch {
		end := min(start+maxBatch, len(ids))
		if err := s.countInto(ctx, ids[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Session) countInto(ctx context.Context, ids []string, out map[string]int) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+2)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, s.user, s.user)

	rows, err := s.store.db.QueryContext(ctx, `
		SELECT l.id, COUNT(e.id)
		FROM lists l
		LEFT JOIN list_entries e ON e.list_id = l.id
		WHERE l.id IN (`+placeholders+`) AND `+visibleTo+`
		GROUP BY l.id
	`, args...)
	if err != nil {
		return fmt.Errorf("query counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return fmt.Errorf("scan count: %w", err)
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate counts: %w", err)
	}
	return nil
}

// FetchCount returns the entry count of one visible row.
func (s *Session) FetchCount(ctx context.Context, id string) (int, error) {
	n, err := countEntries(ctx, s.store.db, id, s.user)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", id, err)
	}
	return n, nil
}

// Get reads one visible row including its entry count.
// Returns remote.ErrNotFound when the row is missing or invisible.
func (s *Session) Get(ctx context.Context, id string) (model.Entity, error) {
	e, err := readList(ctx, s.store.db, id, s.user)
	if err != nil {
		return model.Entity{}, fmt.Errorf("get %s: %w", id, err)
	}
	return e, nil
}

// readList reads id as visible to user, with its entry count.
func readList(ctx context.Context, q queryer, id, user string) (model.Entity, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+listColumns+`
		FROM lists l
		WHERE l.id = ? AND `+visibleTo, id, user, user)
	e, err := scanList(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entity{}, remote.ErrNotFound
	}
	if err != nil {
		return model.Entity{}, err
	}
	n, err := countEntries(ctx, q, id, user)
	if err != nil {
		return model.Entity{}, err
	}
	e.EntryCount = n
	return e, nil
}

func countEntries(ctx context.Context, q queryer, id, user string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(e.id)
		FROM lists l
		LEFT JOIN list_entries e ON e.list_id = l.id
		WHERE l.id = ? AND `+visibleTo+`
		GROUP BY l.id
	`, id, user, user).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, remote.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query count: %w", err)
	}
	return n, nil
}

// roleOf returns the owner of id and the role of user on it. The owner's
// role is RoleOwner; a user with no membership gets the empty role.
func roleOf(ctx context.Context, q queryer, id, user string) (owner string, role model.Role, err error) {
	err = q.QueryRowContext(ctx, `
		SELECT l.owner_id, COALESCE(m.role, '')
		FROM lists l
		LEFT JOIN list_members m ON m.list_id = l.id AND m.user_id = ?
		WHERE l.id = ?
	`, user, id).Scan(&owner, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", remote.ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("query role: %w", err)
	}
	if owner == user {
		role = model.RoleOwner
	}
	return owner, role, nil
}

// memberIDs returns the non-owner members of id.
func memberIDs(ctx context.Context, q queryer, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id FROM list_members
		WHERE list_id = ? AND role != 'owner'
		ORDER BY user_id COLLATE BINARY ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		ids = append(ids, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return ids, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanList(sc scanner) (model.Entity, error) {
	var e model.Entity
	var activity, created int64
	err := sc.Scan(
		&e.ID,
		&e.OwnerID,
		&e.Name,
		&e.LocationText,
		&e.Category,
		&e.CoverImageURL,
		&activity,
		&created,
		&e.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Entity{}, err
		}
		return model.Entity{}, fmt.Errorf("scan list: %w", err)
	}
	e.LastActivityAt = fromNanos(activity)
	e.CreatedAt = fromNanos(created)
	return e, nil
}
