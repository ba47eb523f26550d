// Package remotetest provides a scriptable in-memory remote store for tests.
//
// Fake implements remote.Store and remote.Subscriber from the point of view
// of one user. Tests can hold operations at a gate, queue failures, make
// deletes report success without removing the row, disable batched counts,
// and emit arbitrary change events (including duplicates) to subscribers.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/listsync/internal/model"
	"github.com/roach88/listsync/internal/remote"
)

// Op names a remote operation for gating, failure injection and counting.
type Op string

const (
	OpFetch  Op = "fetch"
	OpCounts Op = "counts"
	OpCount  Op = "count"
	OpGet    Op = "get"
	OpInsert Op = "insert"
	OpDelete Op = "delete"
	OpUpdate Op = "update"
	OpLeave  Op = "leave"
)

// Fake is an in-memory remote store. The zero value is not usable; call New.
type Fake struct {
	mu sync.Mutex

	user    string
	now     func() time.Time
	rows    map[string]model.Entity
	members map[string]map[string]model.Role
	counts  map[string]int
	nextID  int

	calls            map[Op]int
	failures         map[Op][]error
	gates            map[Op]chan struct{}
	noopDeletes      int
	batchUnsupported bool
	silent           bool

	subs     []*subscription
	eventSeq int64
}

type subscription struct {
	pred remote.Predicate
	ch   chan model.ChangeEvent
}

// Option configures a Fake.
type Option func(*Fake)

// WithNow sets the time source used for created/activity timestamps.
func WithNow(now func() time.Time) Option {
	return func(f *Fake) {
		f.now = now
	}
}

// New creates a fake store acting on behalf of user.
func New(user string, opts ...Option) *Fake {
	f := &Fake{
		user:     user,
		now:      time.Now,
		rows:     make(map[string]model.Entity),
		members:  make(map[string]map[string]model.Role),
		counts:   make(map[string]int),
		calls:    make(map[Op]int),
		failures: make(map[Op][]error),
		gates:    make(map[Op]chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// User returns the user the fake acts for.
func (f *Fake) User() string {
	return f.user
}

// Seed stores rows as if they already existed remotely. Rows without a
// version get version 1; EntryCount seeds the entry count.
func (f *Fake) Seed(rows ...model.Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, r := range rows {
		if r.Version == 0 {
			r.Version = 1
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = r.LastActivityAt
		}
		f.counts[r.ID] = r.EntryCount
		r.EntryCount = 0
		f.rows[r.ID] = r
	}
}

// Share grants user a role on list id.
func (f *Fake) Share(id, user string, role model.Role) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.members[id] == nil {
		f.members[id] = make(map[string]model.Role)
	}
	f.members[id][user] = role
}

// Row returns the stored row and whether it exists.
func (f *Fake) Row(id string) (model.Entity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.rows[id]
	if ok {
		r.EntryCount = f.counts[id]
	}
	return r, ok
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Fail queues err to be returned by the next call of op.
func (f *Fake) Fail(op Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// Hold makes calls of op block until the returned release is called or the
// caller's context ends. Release is idempotent.
func (f *Fake) Hold(op Op) (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan struct{})
	f.gates[op] = ch

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gates[op] == ch {
				delete(f.gates, op)
			}
			f.mu.Unlock()
			close(ch)
		})
	}
}

// NoopDeletes makes the next n deletes report success without removing rows.
func (f *Fake) NoopDeletes(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noopDeletes = n
}

// DisableBatchCounts makes FetchCounts return remote.ErrBatchUnsupported.
func (f *Fake) DisableBatchCounts() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchUnsupported = true
}

// Silence stops writes made through the Store interface from publishing
// change events. Server-side helpers still publish.
func (f *Fake) Silence() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent = true
}

// enter records a call, waits at the op's gate, and pops a queued failure.
func (f *Fake) enter(ctx context.Context, op Op) error {
	f.mu.Lock()
	f.calls[op]++
	gate := f.gates[op]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if q := f.failures[op]; len(q) > 0 {
		f.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

// FetchEntities implements remote.Store.
func (f *Fake) FetchEntities(ctx context.Context, q remote.Query) ([]model.Entity, error) {
	if err := f.enter(ctx, OpFetch); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	out := []model.Entity{}
	for _, r := range f.rows {
		if !f.visibleIn(r, q.UserID, q.Collection) || !q.Filter.Matches(r) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// FetchCounts implements remote.Store.
func (f *Fake) FetchCounts(ctx context.Context, ids []string) (map[string]int, error) {
	if err := f.enter(ctx, OpCounts); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.batchUnsupported {
		return nil, remote.ErrBatchUnsupported
	}
	out := make(map[string]int, len(ids))
	for _, id := range ids {
		out[id] = f.counts[id]
	}
	return out, nil
}

// FetchCount implements remote.Store.
func (f *Fake) FetchCount(ctx context.Context, id string) (int, error) {
	if err := f.enter(ctx, OpCount); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[id], nil
}

// Get implements remote.Store.
func (f *Fake) Get(ctx context.Context, id string) (model.Entity, error) {
	if err := f.enter(ctx, OpGet); err != nil {
		return model.Entity{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.rows[id]
	if !ok || (r.OwnerID != f.user && f.members[id][f.user] == "") {
		return model.Entity{}, remote.ErrNotFound
	}
	r.EntryCount = f.counts[id]
	return r, nil
}

// Insert implements remote.Store.
func (f *Fake) Insert(ctx context.Context, e model.Entity) (model.Entity, error) {
	if err := f.enter(ctx, OpInsert); err != nil {
		return model.Entity{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if e.OwnerID != f.user {
		return model.Entity{}, remote.ErrPermission
	}
	row := f.insertLocked(e)
	if !f.silent {
		f.publishLocked(model.ChangeInsert, row, f.audienceLocked(row))
	}
	return row, nil
}

// Delete implements remote.Store.
func (f *Fake) Delete(ctx context.Context, id string) error {
	if err := f.enter(ctx, OpDelete); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.noopDeletes > 0 {
		f.noopDeletes--
		return nil
	}
	r, ok := f.rows[id]
	if !ok {
		return nil
	}
	if r.OwnerID != f.user {
		return remote.ErrPermission
	}
	audience := f.audienceLocked(r)
	f.deleteLocked(id)
	if !f.silent {
		f.publishLocked(model.ChangeDelete, model.Entity{ID: id, OwnerID: r.OwnerID}, audience)
	}
	return nil
}

// Update implements remote.Store.
func (f *Fake) Update(ctx context.Context, id string, p model.Patch) (model.Entity, error) {
	if err := f.enter(ctx, OpUpdate); err != nil {
		return model.Entity{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.rows[id]
	if !ok {
		return model.Entity{}, remote.ErrNotFound
	}
	if r.OwnerID != f.user && !f.members[id][f.user].CanEdit() {
		return model.Entity{}, remote.ErrPermission
	}
	r = f.touchLocked(p.Apply(r))
	if !f.silent {
		f.publishLocked(model.ChangeUpdate, r, f.audienceLocked(r))
	}
	return r, nil
}

// Leave implements remote.Store.
func (f *Fake) Leave(ctx context.Context, id string) error {
	if err := f.enter(ctx, OpLeave); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.members[id][f.user]; !ok {
		return nil
	}
	delete(f.members[id], f.user)
	if !f.silent {
		leaver := f.user
		f.publishLocked(model.ChangeDelete, model.Entity{ID: id}, func(p remote.Predicate) bool {
			return p.MemberID == leaver
		})
	}
	return nil
}

// RemoteInsert stores a row as another client would and publishes it.
func (f *Fake) RemoteInsert(e model.Entity) model.Entity {
	f.mu.Lock()
	defer f.mu.Unlock()

	row := f.insertLocked(e)
	f.publishLocked(model.ChangeInsert, row, f.audienceLocked(row))
	return row
}

// RemoteDelete removes a row as another client would and publishes it.
func (f *Fake) RemoteDelete(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.rows[id]
	if !ok {
		return
	}
	audience := f.audienceLocked(r)
	f.deleteLocked(id)
	f.publishLocked(model.ChangeDelete, model.Entity{ID: id, OwnerID: r.OwnerID}, audience)
}

// BumpCount adds an entry to a list as another client would, touching the
// row and publishing an update.
func (f *Fake) BumpCount(id string) (model.Entity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.rows[id]
	if !ok {
		return model.Entity{}, false
	}
	f.counts[id]++
	r = f.touchLocked(r)
	f.publishLocked(model.ChangeUpdate, r, f.audienceLocked(r))
	return r, true
}

// Emit delivers ev to every subscriber whose predicate matches the row as
// the store currently sees it. Use it to replay or reorder events.
func (f *Fake) Emit(ev model.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ev.Table == "" {
		ev.Table = model.TableLists
	}
	owner := ev.Row.OwnerID
	if r, ok := f.rows[ev.Row.ID]; ok {
		owner = r.OwnerID
	}
	members := f.members[ev.Row.ID]
	f.sendLocked(ev, func(p remote.Predicate) bool {
		if p.OwnerID != "" {
			return p.OwnerID == owner
		}
		_, ok := members[p.MemberID]
		return ok && p.MemberID != owner
	})
}

// CloseSubscriptions ends every open stream, as a transport failure would.
func (f *Fake) CloseSubscriptions() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range f.subs {
		close(s.ch)
	}
	f.subs = nil
}

// Subscribers returns the number of open streams.
func (f *Fake) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Subscribe implements remote.Subscriber.
func (f *Fake) Subscribe(ctx context.Context, table string, pred remote.Predicate) (<-chan model.ChangeEvent, error) {
	if table != model.TableLists {
		return nil, fmt.Errorf("remotetest: unknown table %q", table)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	s := &subscription{pred: pred, ch: make(chan model.ChangeEvent, 1024)}
	f.subs = append(f.subs, s)

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, cur := range f.subs {
			if cur == s {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				close(s.ch)
				return
			}
		}
	}()

	return s.ch, nil
}

func (f *Fake) visibleIn(r model.Entity, user string, c model.Collection) bool {
	if c == model.CollectionShared {
		_, member := f.members[r.ID][user]
		return member && r.OwnerID != user
	}
	return r.OwnerID == user
}

func (f *Fake) insertLocked(e model.Entity) model.Entity {
	for {
		f.nextID++
		e.ID = fmt.Sprintf("L%d", f.nextID)
		if _, taken := f.rows[e.ID]; !taken {
			break
		}
	}
	now := f.now()
	e.CreatedAt = now
	e.LastActivityAt = now
	e.Version = 1
	e.EntryCount = 0
	f.rows[e.ID] = e
	return e
}

func (f *Fake) deleteLocked(id string) {
	delete(f.rows, id)
	delete(f.members, id)
	delete(f.counts, id)
}

func (f *Fake) touchLocked(r model.Entity) model.Entity {
	r.Version++
	r.LastActivityAt = f.now()
	f.rows[r.ID] = r
	r.EntryCount = f.counts[r.ID]
	return r
}

// audienceLocked matches subscribers that can currently see r.
func (f *Fake) audienceLocked(r model.Entity) func(remote.Predicate) bool {
	members := make(map[string]bool, len(f.members[r.ID]))
	for u := range f.members[r.ID] {
		members[u] = true
	}
	return func(p remote.Predicate) bool {
		if p.OwnerID != "" {
			return p.OwnerID == r.OwnerID
		}
		return members[p.MemberID] && p.MemberID != r.OwnerID
	}
}

func (f *Fake) publishLocked(t model.ChangeType, row model.Entity, match func(remote.Predicate) bool) {
	f.eventSeq++
	f.sendLocked(model.ChangeEvent{
		ID:    fmt.Sprintf("ev-%d", f.eventSeq),
		Type:  t,
		Table: model.TableLists,
		Row:   row,
		Seq:   f.eventSeq,
	}, match)
}

func (f *Fake) sendLocked(ev model.ChangeEvent, match func(remote.Predicate) bool) {
	for _, s := range f.subs {
		if match(s.pred) {
			s.ch <- ev
		}
	}
}
