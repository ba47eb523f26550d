package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/listsync/internal/cache"
	"github.com/roach88/listsync/internal/model"
	"github.com/roach88/listsync/internal/remote"
	"github.com/roach88/listsync/internal/remote/remotetest"
	"github.com/roach88/listsync/internal/testutil"
)

const testUser = "u1"

type harness struct {
	t     *testing.T
	e     *Engine
	fake  *remotetest.Fake
	clock *testutil.FakeClock
}

func testConfig() Config {
	return Config{
		UserID:            testUser,
		Debounce:          20 * time.Millisecond,
		SuppressionWindow: 8 * time.Second,
		FetchTimeout:      5 * time.Second,
		BackgroundDelay:   5 * time.Millisecond,
		AnchorAttempts:    1000,
		AnchorBackoff:     time.Millisecond,
		AnchorTimeout:     time.Hour,
		ResubscribeDelay:  5 * time.Millisecond,
	}
}

// start runs an engine over fake until the test ends. Seed the fake before
// calling start.
func start(t *testing.T, fake *remotetest.Fake, clock *testutil.FakeClock, opts ...Option) *harness {
	t.Helper()
	opts = append([]Option{
		WithLogger(discardLogger()),
		WithNow(clock.Now),
		WithIDGenerator(testutil.NewSequenceGenerator()),
	}, opts...)
	e := New(fake, fake, testConfig(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{t: t, e: e, fake: fake, clock: clock}
}

func newHarness(t *testing.T, seed ...model.Entity) *harness {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	fake := remotetest.New(testUser, remotetest.WithNow(clock.Now))
	fake.Seed(seed...)
	h := start(t, fake, clock)
	h.settle()
	return h
}

func (h *harness) settle() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.e.Settle(ctx))
}

func (h *harness) barrier() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.e.Barrier(ctx))
}

func (h *harness) rendered(c model.Collection) []string {
	return ids(h.e.Rendered(c))
}

func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, 5*time.Second, time.Millisecond, msg)
}

func row(id, name string, activity time.Duration) model.Entity {
	return model.Entity{
		ID:             id,
		OwnerID:        testUser,
		Name:           name,
		LastActivityAt: testutil.Epoch.Add(activity),
	}
}

func TestEngine_InitialFetch(t *testing.T) {
	l1 := row("L1", "Old", 0)
	l1.EntryCount = 4
	h := newHarness(t, l1, row("L2", "New", time.Hour))

	assert.Equal(t, []string{"L2", "L1"}, h.rendered(model.CollectionPrivate))
	assert.Empty(t, h.rendered(model.CollectionShared))
	assert.Equal(t, 4, h.e.Rendered(model.CollectionPrivate)[1].EntryCount)

	st := h.e.State(model.CollectionPrivate)
	assert.False(t, st.Loading)
	assert.Nil(t, st.Err)
	assert.Equal(t, SourceFetch, st.Source)
	assert.True(t, st.Subscribed)
	assert.Equal(t, 1, h.fake.Calls(remotetest.OpCounts))
}

func TestEngine_SharedCollection(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	fake := remotetest.New(testUser, remotetest.WithNow(clock.Now))
	fake.Seed(model.Entity{ID: "S1", OwnerID: "u2", Name: "Team picks", LastActivityAt: testutil.Epoch})
	fake.Share("S1", testUser, model.RoleEditor)
	h := start(t, fake, clock)
	h.settle()

	assert.Equal(t, []string{"S1"}, h.rendered(model.CollectionShared))
	assert.Empty(t, h.rendered(model.CollectionPrivate))
}

// Two requests whose filters normalize to the same key fetch once.
func TestEngine_FilterCacheHit(t *testing.T) {
	h := newHarness(t, row("L1", "a", 0))
	base := h.fake.Calls(remotetest.OpFetch)

	h.e.SetFilter(model.CollectionPrivate, model.Filter{LocationText: "  new   york"})
	h.settle()
	require.Equal(t, base+1, h.fake.Calls(remotetest.OpFetch))

	h.e.SetFilter(model.CollectionPrivate, model.Filter{LocationText: "New York"})
	h.settle()
	h.e.RequestFetch(model.CollectionPrivate, FetchOptions{})
	h.settle()

	assert.Equal(t, base+1, h.fake.Calls(remotetest.OpFetch))
	assert.Equal(t, "New York", h.e.State(model.CollectionPrivate).Filter.LocationText)
}

func TestEngine_ForceBypassesCache(t *testing.T) {
	h := newHarness(t, row("L1", "a", 0))
	base := h.fake.Calls(remotetest.OpFetch)

	h.e.Refresh(model.CollectionPrivate)
	h.settle()

	assert.Equal(t, base+1, h.fake.Calls(remotetest.OpFetch))
}

func TestEngine_FilterDebounceUsesLatestEdit(t *testing.T) {
	h := newHarness(t,
		model.Entity{ID: "L1", OwnerID: testUser, Name: "a", Category: "Sushi"},
		model.Entity{ID: "L2", OwnerID: testUser, Name: "b", Category: "Pizza"},
	)
	base := h.fake.Calls(remotetest.OpFetch)

	h.e.SetFilter(model.CollectionPrivate, model.Filter{Category: "S"})
	h.e.SetFilter(model.CollectionPrivate, model.Filter{Category: "Su"})
	h.e.SetFilter(model.CollectionPrivate, model.Filter{Category: "Pizza"})
	h.settle()

	assert.Equal(t, base+1, h.fake.Calls(remotetest.OpFetch), "rapid edits fetch once")
	assert.Equal(t, []string{"L2"}, h.rendered(model.CollectionPrivate))
	assert.Equal(t, uint64(2), h.e.State(model.CollectionPrivate).Generation)
}

// A fetch for an abandoned filter must not overwrite the snapshot of the
// new one.
func TestEngine_StaleFetchDiscarded(t *testing.T) {
	h := newHarness(t,
		model.Entity{ID: "L1", OwnerID: testUser, Name: "a", Category: "Pizza"},
		model.Entity{ID: "L2", OwnerID: testUser, Name: "b", Category: "Sushi"},
	)
	base := h.fake.Calls(remotetest.OpFetch)
	release := h.fake.Hold(remotetest.OpFetch)

	h.e.SetFilter(model.CollectionPrivate, model.Filter{Category: "Pizza"})
	h.eventually(func() bool { return h.fake.Calls(remotetest.OpFetch) == base+1 }, "fetch A dispatched")
	h.barrier()
	assert.True(t, h.e.IsLoading(model.CollectionPrivate))

	h.e.SetFilter(model.CollectionPrivate, model.Filter{Category: "Sushi"})
	h.eventually(func() bool { return h.fake.Calls(remotetest.OpFetch) == base+2 }, "fetch B dispatched despite A in flight")

	release()
	h.settle()

	st := h.e.State(model.CollectionPrivate)
	assert.Equal(t, model.Normalize(model.Filter{Category: "Sushi"}), st.Key)
	assert.Equal(t, []string{"L2"}, h.rendered(model.CollectionPrivate))
	assert.False(t, st.Loading)
}

func TestEngine_InFlightGuard(t *testing.T) {
	h := newHarness(t)
	base := h.fake.Calls(remotetest.OpFetch)
	release := h.fake.Hold(remotetest.OpFetch)

	h.e.Refresh(model.CollectionPrivate)
	h.e.Refresh(model.CollectionPrivate)
	h.e.Refresh(model.CollectionPrivate)
	h.barrier()
	h.eventually(func() bool { return h.fake.Calls(remotetest.OpFetch) == base+1 }, "first refresh dispatched")

	release()
	h.settle()
	assert.Equal(t, base+1, h.fake.Calls(remotetest.OpFetch), "in-flight fetch wins")
}

func TestEngine_ForegroundFetchFailureKeepsSnapshot(t *testing.T) {
	h := newHarness(t, row("L1", "a", 0))
	h.fake.Fail(remotetest.OpFetch, remote.ErrUnavailable)

	h.e.Refresh(model.CollectionPrivate)
	h.settle()

	err := h.e.Err(model.CollectionPrivate)
	require.NotNil(t, err)
	assert.Equal(t, ErrKindNetwork, err.Kind)
	assert.Equal(t, []string{"L1"}, h.rendered(model.CollectionPrivate), "stale data is kept")
	assert.False(t, h.e.IsLoading(model.CollectionPrivate))
	assert.Empty(t, h.e.Notifications(), "fetch errors are surfaced through Err, not notifications")

	h.e.Refresh(model.CollectionPrivate)
	h.settle()
	assert.Nil(t, h.e.Err(model.CollectionPrivate), "next successful fetch clears the error")
}

func TestEngine_BackgroundFetchFailureAbsorbed(t *testing.T) {
	h := newHarness(t, row("L1", "a", 0))
	h.fake.Fail(remotetest.OpFetch, remote.ErrUnavailable)
	base := h.fake.Calls(remotetest.OpFetch)

	h.e.RequestFetch(model.CollectionPrivate, FetchOptions{Force: true, Background: true})
	h.settle()

	assert.Equal(t, base+1, h.fake.Calls(remotetest.OpFetch))
	assert.Nil(t, h.e.Err(model.CollectionPrivate))
	assert.Equal(t, []string{"L1"}, h.rendered(model.CollectionPrivate))
}

func TestEngine_CountsFallBackToPerID(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	fake := remotetest.New(testUser, remotetest.WithNow(clock.Now))
	l1 := row("L1", "a", 0)
	l1.EntryCount = 3
	fake.Seed(l1, row("L2", "b", time.Minute))
	fake.DisableBatchCounts()
	h := start(t, fake, clock)
	h.settle()

	assert.Equal(t, 2, fake.Calls(remotetest.OpCount))
	got := h.e.Rendered(model.CollectionPrivate)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[1].EntryCount)
	assert.Nil(t, h.e.Err(model.CollectionPrivate), "count fallback does not fail the fetch")
}

func TestEngine_OptimisticCreateSwapKeepsPosition(t *testing.T) {
	// L1 was touched after the new list will be created, so by activity it
	// would sort first; the adopted canonical row keeps the optimistic slot.
	h := newHarness(t, row("L1", "Busy", 24*time.Hour))
	release := h.fake.Hold(remotetest.OpInsert)

	tempID := h.e.CreateEntity(model.Entity{Name: "Tacos", LocationText: "Austin"})
	h.barrier()
	assert.Equal(t, "temp-1", tempID)
	assert.Equal(t, []string{"temp-1", "L1"}, h.rendered(model.CollectionPrivate))
	require.Len(t, h.e.State(model.CollectionPrivate).Pending, 1)

	release()
	h.settle()

	got := h.e.Rendered(model.CollectionPrivate)
	require.Len(t, got, 2)
	assert.Equal(t, "L2", got[0].ID, "canonical id replaces the temporary one in place")
	assert.Equal(t, "Tacos", got[0].Name)
	assert.Empty(t, h.e.State(model.CollectionPrivate).Pending)
}

func TestEngine_CreateThenFilterAway(t *testing.T) {
	h := newHarness(t)
	release := h.fake.Hold(remotetest.OpInsert)

	h.e.CreateEntity(model.Entity{Name: "Sushi Spots", Category: "Sushi"})
	h.barrier()
	require.Equal(t, []string{"temp-1"}, h.rendered(model.CollectionPrivate))

	pizza := model.Filter{Category: "Pizza"}
	h.e.SetFilter(model.CollectionPrivate, pizza)
	h.eventually(func() bool {
		st := h.e.State(model.CollectionPrivate)
		return st.Key == model.Normalize(pizza) && !st.Loading
	}, "pizza filter applied")

	assert.Empty(t, h.rendered(model.CollectionPrivate))
	pending := h.e.State(model.CollectionPrivate).Pending
	require.Len(t, pending, 1)
	assert.Equal(t, model.Normalize(model.Filter{}), pending[0].FilterKey, "insert stays attributed to its original filter")

	release()
	h.settle()
	assert.Empty(t, h.rendered(model.CollectionPrivate))

	h.e.SetFilter(model.CollectionPrivate, model.Filter{})
	h.settle()
	got := h.e.Rendered(model.CollectionPrivate)
	require.Len(t, got, 1)
	assert.Equal(t, "Sushi Spots", got[0].Name)
	assert.False(t, got[0].IsTemporary())
}

// A create confirmed while the new filter's fetch is in flight survives
// both the missing snapshot and the result that was read before it.
func TestEngine_CreateConfirmedDuringFilterFetch(t *testing.T) {
	h := newHarness(t, model.Entity{ID: "L1", OwnerID: testUser, Name: "Omakase", Category: "Sushi"})
	base := h.fake.Calls(remotetest.OpCounts)
	release := h.fake.Hold(remotetest.OpCounts)

	h.e.SetFilter(model.CollectionPrivate, model.Filter{Category: "Sushi"})
	h.eventually(func() bool { return h.fake.Calls(remotetest.OpCounts) == base+1 }, "filter fetch read its rows")

	h.e.CreateEntity(model.Entity{Name: "Sushi Spots", Category: "Sushi"})
	h.barrier()
	h.eventually(func() bool {
		_, stored := h.fake.Row("L2")
		return stored && len(h.e.State(model.CollectionPrivate).Pending) == 0
	}, "create confirmed")
	h.barrier()
	assert.Equal(t, []string{"L2"}, h.rendered(model.CollectionPrivate), "confirmed row stays without a snapshot")

	release()
	h.settle()
	assert.ElementsMatch(t, []string{"L1", "L2"}, h.rendered(model.CollectionPrivate))
	assert.Equal(t, "L2", h.rendered(model.CollectionPrivate)[0], "confirmed row keeps the optimistic slot")
}

func TestEngine_CreateConfirmedBeforeFirstLoad(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	fake := remotetest.New(testUser, remotetest.WithNow(clock.Now))
	fake.Seed(row("L1", "Old", 0))
	release := fake.Hold(remotetest.OpCounts)
	h := start(t, fake, clock)
	h.eventually(func() bool { return fake.Calls(remotetest.OpCounts) == 1 }, "initial fetch read its rows")

	h.e.CreateEntity(model.Entity{Name: "Tacos"})
	h.barrier()
	h.eventually(func() bool {
		return len(h.e.State(model.CollectionPrivate).Pending) == 0
	}, "create confirmed")
	h.barrier()
	assert.Equal(t, []string{"L2"}, h.rendered(model.CollectionPrivate))

	release()
	h.settle()
	assert.Equal(t, []string{"L2", "L1"}, h.rendered(model.CollectionPrivate))
}

func TestEngine_CreateFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.fake.Fail(remotetest.OpInsert, errors.New("connection reset"))

	tempID := h.e.CreateEntity(model.Entity{Name: "Doomed"})
	h.settle()

	assert.Empty(t, h.rendered(model.CollectionPrivate))
	notes := h.e.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, ErrKindNetwork, notes[0].Kind)
	assert.Equal(t, "create", notes[0].Op)
	assert.Equal(t, tempID, notes[0].EntityID)

	h.e.DismissNotification(notes[0].ID)
	h.barrier()
	assert.Empty(t, h.e.Notifications())
}

func TestEngine_DeleteRacesPushUpdate(t *testing.T) {
	h := newHarness(t, row("L1", "Pizza", 0), row("L2", "Ramen", time.Minute))
	release := h.fake.Hold(remotetest.OpDelete)

	h.e.DeleteEntity("L1")
	h.barrier()
	require.Equal(t, []string{"L2"}, h.rendered(model.CollectionPrivate), "removed optimistically")

	_, ok := h.fake.BumpCount("L1")
	require.True(t, ok)
	h.barrier()
	assert.Equal(t, []string{"L2"}, h.rendered(model.CollectionPrivate), "push update must not resurrect L1")

	release()
	h.settle()
	assert.Equal(t, []string{"L2"}, h.rendered(model.CollectionPrivate))
	assert.Empty(t, h.e.State(model.CollectionPrivate).Pending)
	_, exists := h.fake.Row("L1")
	assert.False(t, exists)
}

// A fetch that read the collection before a delete was confirmed must not
// bring the row back once the suppression entry is retired.
func TestEngine_DeleteConfirmedDuringFetch(t *testing.T) {
	h := newHarness(t, row("L1", "Pizza", 0), row("L2", "Ramen", time.Minute))
	base := h.fake.Calls(remotetest.OpCounts)
	release := h.fake.Hold(remotetest.OpCounts)

	h.e.Refresh(model.CollectionPrivate)
	h.eventually(func() bool { return h.fake.Calls(remotetest.OpCounts) == base+1 }, "refresh read L1")

	h.e.DeleteEntity("L1")
	h.eventually(func() bool {
		_, exists := h.fake.Row("L1")
		return !exists && len(h.e.State(model.CollectionPrivate).Pending) == 0
	}, "delete confirmed")
	h.barrier()
	require.Equal(t, []string{"L2"}, h.rendered(model.CollectionPrivate))

	release()
	h.settle()
	assert.Equal(t, []string{"L2"}, h.rendered(model.CollectionPrivate), "stale result must not resurrect L1")

	h.e.Refresh(model.CollectionPrivate)
	h.settle()
	assert.Equal(t, []string{"L2"}, h.rendered(model.CollectionPrivate))
}

func TestEngine_DeleteVerificationRetriesOnce(t *testing.T) {
	h := newHarness(t, row("L1", "Pizza", 0))
	h.fake.NoopDeletes(1)

	h.e.DeleteEntity("L1")
	h.settle()

	assert.Equal(t, 2, h.fake.Calls(remotetest.OpDelete))
	assert.Empty(t, h.rendered(model.CollectionPrivate))
	assert.Empty(t, h.e.Notifications())
}

func TestEngine_DeleteVerificationFailureRestores(t *testing.T) {
	h := newHarness(t, row("L1", "Pizza", 0))
	h.fake.NoopDeletes(2)

	h.e.DeleteEntity("L1")
	h.settle()

	assert.Equal(t, 2, h.fake.Calls(remotetest.OpDelete), "exactly one automatic retry")
	assert.Equal(t, []string{"L1"}, h.rendered(model.CollectionPrivate))
	notes := h.e.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, ErrKindVerification, notes[0].Kind)
}

func TestEngine_DeletePermissionErrorRestores(t *testing.T) {
	h := newHarness(t, row("L1", "Pizza", 0))
	h.fake.Fail(remotetest.OpDelete, remote.ErrPermission)

	h.e.DeleteEntity("L1")
	h.settle()

	assert.Equal(t, 1, h.fake.Calls(remotetest.OpDelete), "ACL rejections are not retried")
	assert.Equal(t, []string{"L1"}, h.rendered(model.CollectionPrivate))
	notes := h.e.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, ErrKindPermission, notes[0].Kind)
}

func TestEngine_LeaveSharedList(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	fake := remotetest.New(testUser, remotetest.WithNow(clock.Now))
	fake.Seed(model.Entity{ID: "S1", OwnerID: "u2", Name: "Team picks"})
	fake.Share("S1", testUser, model.RoleViewer)
	h := start(t, fake, clock)
	h.settle()
	require.Equal(t, []string{"S1"}, h.rendered(model.CollectionShared))

	h.e.DeleteEntity("S1")
	h.settle()

	assert.Empty(t, h.rendered(model.CollectionShared))
	assert.Equal(t, 1, fake.Calls(remotetest.OpLeave))
	assert.Equal(t, 0, fake.Calls(remotetest.OpDelete))
	_, exists := fake.Row("S1")
	assert.True(t, exists, "leaving keeps the list for its owner")
}

func TestEngine_DeleteTemporaryCancelsInsert(t *testing.T) {
	h := newHarness(t)
	release := h.fake.Hold(remotetest.OpInsert)

	tempID := h.e.CreateEntity(model.Entity{Name: "Oops"})
	h.e.DeleteEntity(tempID)
	h.barrier()
	assert.Empty(t, h.rendered(model.CollectionPrivate))

	release()
	h.settle()

	assert.Empty(t, h.rendered(model.CollectionPrivate))
	assert.Equal(t, 1, h.fake.Calls(remotetest.OpDelete), "the created row is deleted")
	_, exists := h.fake.Row("L1")
	assert.False(t, exists)
}

func TestEngine_DuplicatePushInsert(t *testing.T) {
	h := newHarness(t)
	ev := model.ChangeEvent{
		ID:    "ev-dup",
		Type:  model.ChangeInsert,
		Table: model.TableLists,
		Row:   model.Entity{ID: "L2", OwnerID: testUser, Name: "Tacos", Version: 1},
	}

	h.fake.Emit(ev)
	h.fake.Emit(ev)
	h.barrier()

	assert.Equal(t, []string{"L2"}, h.rendered(model.CollectionPrivate))
}

func TestEngine_RemoteChangesFlowIn(t *testing.T) {
	h := newHarness(t, row("L1", "a", 0))

	h.fake.RemoteInsert(model.Entity{OwnerID: testUser, Name: "From phone"})
	h.barrier()
	assert.Len(t, h.rendered(model.CollectionPrivate), 2)

	h.fake.RemoteDelete("L1")
	h.barrier()
	got := h.e.Rendered(model.CollectionPrivate)
	require.Len(t, got, 1)
	assert.Equal(t, "From phone", got[0].Name)
}

func TestEngine_UpdateEntity(t *testing.T) {
	h := newHarness(t, row("L1", "Pizza", 0))
	name := "Pizza Places"

	h.e.UpdateEntity("L1", model.Patch{Name: &name})
	h.settle()

	got := h.e.Rendered(model.CollectionPrivate)
	require.Len(t, got, 1)
	assert.Equal(t, name, got[0].Name)
	assert.Equal(t, int64(2), got[0].Version)
}

func TestEngine_UpdatePermissionNotifies(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	fake := remotetest.New(testUser, remotetest.WithNow(clock.Now))
	fake.Seed(model.Entity{ID: "S1", OwnerID: "u2", Name: "Team picks"})
	fake.Share("S1", testUser, model.RoleViewer)
	h := start(t, fake, clock)
	h.settle()

	name := "Mine now"
	h.e.UpdateEntity("S1", model.Patch{Name: &name})
	h.settle()

	notes := h.e.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, ErrKindPermission, notes[0].Kind)
	assert.Equal(t, model.CollectionShared, notes[0].Collection)
	assert.Equal(t, "Team picks", h.e.Rendered(model.CollectionShared)[0].Name)
}

func TestEngine_Resubscribes(t *testing.T) {
	h := newHarness(t)
	base := h.fake.Calls(remotetest.OpFetch)

	h.fake.CloseSubscriptions()
	h.eventually(func() bool { return h.fake.Subscribers() == 2 }, "both streams reopened")
	h.settle()

	assert.Equal(t, base+2, h.fake.Calls(remotetest.OpFetch), "each collection refreshes after recovering")
	assert.True(t, h.e.State(model.CollectionPrivate).Subscribed)

	h.fake.RemoteInsert(model.Entity{OwnerID: testUser, Name: "After reconnect"})
	h.barrier()
	assert.Len(t, h.rendered(model.CollectionPrivate), 1)
}

type recordingScroller struct {
	mu    sync.Mutex
	ready bool
	got   []string
}

func (s *recordingScroller) ScrollTo(_ model.Collection, id string, _ int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return false
	}
	s.got = append(s.got, id)
	return true
}

func (s *recordingScroller) setReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = true
}

func (s *recordingScroller) scrolled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

func TestEngine_ScrollAnchorFollowsSwap(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	fake := remotetest.New(testUser, remotetest.WithNow(clock.Now))
	scroller := &recordingScroller{}
	h := start(t, fake, clock, WithScroller(scroller))
	h.settle()
	release := fake.Hold(remotetest.OpInsert)

	tempID := h.e.CreateEntity(model.Entity{Name: "Tacos"})
	h.e.RequestScrollTo(tempID)
	h.barrier()
	a, ok := h.e.Anchor()
	require.True(t, ok)
	assert.Equal(t, tempID, a.EntityID)

	release()
	h.eventually(func() bool {
		a, ok := h.e.Anchor()
		return ok && a.EntityID == "L1"
	}, "anchor follows the canonical id")

	scroller.setReady()
	h.eventually(func() bool {
		_, ok := h.e.Anchor()
		return !ok
	}, "anchor cleared once scrolled")
	assert.Equal(t, []string{"L1"}, scroller.scrolled())
}

func TestEngine_ScrollAnchorGivesUp(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	fake := remotetest.New(testUser, remotetest.WithNow(clock.Now))
	h := start(t, fake, clock)
	h.settle()

	h.e.RequestScrollTo("L404")
	h.barrier()
	_, ok := h.e.Anchor()
	require.True(t, ok)

	clock.Advance(time.Hour)
	h.eventually(func() bool {
		_, ok := h.e.Anchor()
		return !ok
	}, "hard timeout clears the anchor")
}

func TestEngine_WarmStartFromCache(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	fake := remotetest.New(testUser, remotetest.WithNow(clock.Now))
	fake.Seed(row("L5", "Fresh", 0))

	snapshots := cache.Open(t.TempDir())
	require.NoError(t, snapshots.Save(cache.Record{
		User:       testUser,
		Collection: model.CollectionPrivate,
		Entities:   []model.Entity{row("L1", "Cached", 0)},
		FetchedAt:  testutil.Epoch.Add(-time.Hour),
	}))
	release := fake.Hold(remotetest.OpFetch)

	h := start(t, fake, clock, WithCache(snapshots))
	h.barrier()

	st := h.e.State(model.CollectionPrivate)
	assert.Equal(t, []string{"L1"}, ids(st.Entities), "renders from cache before the first fetch")
	assert.Equal(t, SourceCache, st.Source)
	assert.False(t, st.Loading, "the refresh runs in the background")

	release()
	h.settle()

	st = h.e.State(model.CollectionPrivate)
	assert.Equal(t, []string{"L5"}, ids(st.Entities))
	assert.Equal(t, SourceFetch, st.Source)

	rec, ok, err := snapshots.Load(testUser, model.CollectionPrivate)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"L5"}, ids(rec.Entities), "fetched snapshot persisted")
}

func TestEngine_ChangedSignals(t *testing.T) {
	h := newHarness(t)
	// Drain the signal left by the initial load.
	select {
	case <-h.e.Changed():
	default:
	}

	h.e.CreateEntity(model.Entity{Name: "x"})
	select {
	case <-h.e.Changed():
	case <-time.After(5 * time.Second):
		t.Fatal("no change signal after create")
	}
}

func TestEngine_StopEndsRun(t *testing.T) {
	fake := remotetest.New(testUser)
	e := New(fake, nil, testConfig(), WithLogger(discardLogger()))

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Settle(ctx))

	e.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.ErrorIs(t, e.Barrier(ctx), ErrStopped)
}
