package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/listsync/internal/cache"
	"github.com/roach88/listsync/internal/model"
	"github.com/roach88/listsync/internal/remote"
)

// Default timings.
const (
	DefaultDebounce          = 350 * time.Millisecond
	DefaultSuppressionWindow = 8 * time.Second
	DefaultFetchTimeout      = 30 * time.Second
	DefaultBackgroundDelay   = 750 * time.Millisecond
	DefaultAnchorAttempts    = 15
	DefaultAnchorBackoff     = 40 * time.Millisecond
	DefaultAnchorTimeout     = 3 * time.Second
	DefaultResubscribeDelay  = time.Second
)

// ErrStopped is returned by Barrier and Settle once the engine has stopped.
var ErrStopped = errors.New("engine stopped")

// Config holds the engine's identity and timing knobs. Zero durations take
// their defaults.
type Config struct {
	UserID string

	Debounce          time.Duration
	SuppressionWindow time.Duration
	FetchTimeout      time.Duration
	BackgroundDelay   time.Duration
	AnchorAttempts    int
	AnchorBackoff     time.Duration
	AnchorTimeout     time.Duration
	ResubscribeDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.SuppressionWindow <= 0 {
		c.SuppressionWindow = DefaultSuppressionWindow
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.BackgroundDelay <= 0 {
		c.BackgroundDelay = DefaultBackgroundDelay
	}
	if c.AnchorAttempts <= 0 {
		c.AnchorAttempts = DefaultAnchorAttempts
	}
	if c.AnchorBackoff <= 0 {
		c.AnchorBackoff = DefaultAnchorBackoff
	}
	if c.AnchorTimeout <= 0 {
		c.AnchorTimeout = DefaultAnchorTimeout
	}
	if c.ResubscribeDelay <= 0 {
		c.ResubscribeDelay = DefaultResubscribeDelay
	}
	return c
}

// SnapshotCache persists canonical snapshots between runs.
// Implemented by cache.Cache.
type SnapshotCache interface {
	Load(user string, c model.Collection) (cache.Record, bool, error)
	Save(rec cache.Record) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithIDGenerator sets the temporary id source. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithNow sets the wall clock used for suppression expiry, timestamps of
// optimistic rows and anchor deadlines. Default: time.Now.
func WithNow(now NowFunc) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithCache enables the warm-start snapshot cache.
func WithCache(c SnapshotCache) Option {
	return func(e *Engine) {
		e.cache = c
	}
}

// WithScroller connects the render layer's scroller.
func WithScroller(s Scroller) Option {
	return func(e *Engine) {
		e.scroller = s
	}
}

// Engine keeps the private and shared collections of one user in sync with
// the remote store.
//
// All state is owned by the Run goroutine. Public methods only enqueue
// events, and readers see immutable State values published after every
// transition.
//
// Thread-safety model:
//   - SetFilter, CreateEntity, DeleteEntity, ...: safe from any goroutine
//   - Rendered, State, IsLoading, Err, Notifications: safe from any goroutine
//   - Run(): must be called from exactly one goroutine
type Engine struct {
	store  remote.Store
	sub    remote.Subscriber
	cfg    Config
	logger *slog.Logger
	ids    IDGenerator
	now    NowFunc
	cache  SnapshotCache
	saves  *cacheWriter
	clock  *Clock
	queue  *eventQueue

	scroller Scroller
	anchor   *AnchorTracker
	anchorT  *timerSlot

	cols map[model.Collection]*collection

	notices    []Notification
	noticeSeq  int64
	noticeView atomic.Pointer[[]Notification]
	anchorView atomic.Pointer[ScrollAnchor]

	runCtx      context.Context
	outstanding atomic.Int64
	changed     chan struct{}
}

// New creates an engine. sub may be nil, in which case the engine relies on
// fetches alone.
func New(store remote.Store, sub remote.Subscriber, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		sub:     sub,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		ids:     UUIDv7Generator{},
		now:     time.Now,
		clock:   NewClock(),
		queue:   newEventQueue(),
		anchorT: &timerSlot{},
		cols:    make(map[model.Collection]*collection, len(model.Collections)),
		changed: make(chan struct{}, 1),
		runCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache != nil {
		e.saves = newCacheWriter(e.cache)
	}

	e.anchor = NewAnchorTracker(e.cfg.AnchorAttempts, e.cfg.AnchorBackoff, e.cfg.AnchorTimeout, e.scroller, e.logger)
	for _, c := range model.Collections {
		col := newCollection(c, e.cfg.SuppressionWindow, e.logger)
		col.router.Adopted = e.anchor.Retarget
		e.cols[c] = col
	}
	e.publishNotices()
	return e
}

// Run starts the single-writer event loop. It loads both collections,
// opens their push subscriptions and then processes events until ctx is
// cancelled or Stop is called.
//
// ERROR HANDLING: an event that cannot be processed is logged with its
// context and the loop continues.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	e.logger.Info("engine starting", "user_id", e.cfg.UserID)

	for _, c := range model.Collections {
		col := e.cols[c]
		e.warmStart(col)
		e.subscribe(col)
		e.render(col)
	}

	defer e.shutdown()
	for {
		if ev, ok := e.queue.TryDequeue(); ok {
			if err := e.processEvent(ev); err != nil {
				e.logger.Error("event processing failed", "type", ev.Type, "collection", ev.Collection, "error", err)
			}
			continue
		}

		private := e.cols[model.CollectionPrivate]
		shared := e.cols[model.CollectionShared]
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			if e.queue.Closed() && e.queue.Len() == 0 {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}

		case ev, ok := <-private.stream:
			e.handleStream(private, ev, ok)

		case ev, ok := <-shared.stream:
			e.handleStream(shared, ev, ok)
		}
	}
}

// Stop shuts the loop down after the events already queued.
func (e *Engine) Stop() {
	e.queue.Close()
}

func (e *Engine) shutdown() {
	for _, col := range e.cols {
		e.cancelTimer(col.debounce)
		e.cancelTimer(col.background)
		e.cancelTimer(col.resub)
	}
	e.cancelTimer(e.anchorT)
}

// processEvent routes an event to its handler.
// Called only from the Run goroutine.
func (e *Engine) processEvent(ev Event) error {
	var col *collection
	if ev.Collection != "" {
		col = e.cols[ev.Collection]
		if col == nil {
			return fmt.Errorf("unknown collection %q", ev.Collection)
		}
	}
	needCol := func() error {
		if col == nil {
			return fmt.Errorf("%s event missing collection", ev.Type)
		}
		return nil
	}

	switch ev.Type {
	case EventTypeSetFilter:
		if err := needCol(); err != nil {
			return err
		}
		e.handleSetFilter(col, ev.Filter)
		return nil

	case EventTypeFilterSettled:
		if err := needCol(); err != nil {
			return err
		}
		e.handleFilterSettled(col, ev)

	case EventTypeFetch:
		if err := needCol(); err != nil {
			return err
		}
		if ev.Fetch.due && !col.background.fired(ev) {
			return nil
		}
		e.requestFetch(col, ev.Fetch)

	case EventTypeFetchResult:
		if err := needCol(); err != nil {
			return err
		}
		if ev.fetch == nil {
			return errors.New("fetch result event missing result")
		}
		e.handleFetchResult(col, ev.fetch)

	case EventTypeSubscribed:
		if err := needCol(); err != nil {
			return err
		}
		e.handleSubscribed(col, ev)

	case EventTypeResubscribe:
		if err := needCol(); err != nil {
			return err
		}
		if !col.resub.fired(ev) {
			return nil
		}
		e.subscribe(col)
		return nil

	case EventTypeCreate:
		e.handleCreate(ev)
		col = e.cols[model.CollectionPrivate]

	case EventTypeDelete:
		e.handleDelete(ev.EntityID)
		e.renderAll()
		return nil

	case EventTypeUpdate:
		e.handleUpdate(ev.EntityID, ev.Patch)
		return nil

	case EventTypeMutationResult:
		if err := needCol(); err != nil {
			return err
		}
		if ev.mutation == nil {
			return errors.New("mutation result event missing result")
		}
		e.handleMutationResult(col, ev.mutation)

	case EventTypeScrollTo:
		e.handleScrollTo(ev.EntityID)
		return nil

	case EventTypeAnchorTick:
		if e.anchorT.fired(ev) {
			e.attemptAnchor()
		}
		return nil

	case EventTypeDismiss:
		e.dismiss(ev.Notice)
		e.signal()
		return nil

	case EventTypeBarrier:
		ev.reply <- e.idle(ev.settle)
		return nil

	default:
		return fmt.Errorf("unknown event type: %d", ev.Type)
	}

	if col != nil {
		e.render(col)
	}
	return nil
}

// handleStream applies one push event, or schedules recovery when the
// stream has closed.
func (e *Engine) handleStream(col *collection, ev model.ChangeEvent, ok bool) {
	if !ok {
		col.stream = nil
		if e.runCtx.Err() != nil {
			return
		}
		e.logger.Warn("subscription closed, resubscribing",
			"collection", col.name,
			"delay", e.cfg.ResubscribeDelay,
		)
		e.schedule(col.resub, e.cfg.ResubscribeDelay, Event{Type: EventTypeResubscribe, Collection: col.name})
		e.render(col)
		return
	}

	if col.router.Apply(ev, col.filter, e.now()).Changed() {
		e.render(col)
	}
}

// subscribe opens the push stream of a collection off the loop.
func (e *Engine) subscribe(col *collection) {
	if e.sub == nil {
		return
	}
	pred := remote.PredicateFor(e.cfg.UserID, col.name)
	e.goAsync(func(ctx context.Context) Event {
		ch, err := e.sub.Subscribe(ctx, model.TableLists, pred)
		return Event{Type: EventTypeSubscribed, Collection: col.name, stream: ch, err: err}
	})
}

func (e *Engine) handleSubscribed(col *collection, ev Event) {
	if ev.err != nil {
		e.logger.Warn("subscribe failed",
			"collection", col.name,
			"error", ev.err,
			"retry_in", e.cfg.ResubscribeDelay,
		)
		e.schedule(col.resub, e.cfg.ResubscribeDelay, Event{Type: EventTypeResubscribe, Collection: col.name})
		return
	}

	recovering := col.resub.token > 0
	col.stream = ev.stream
	e.logger.Info("subscription opened", "collection", col.name, "recovered", recovering)

	// Events missed while the stream was down are recovered by a refresh.
	if recovering {
		e.requestFetch(col, FetchOptions{Force: true, Background: true})
	}
}

func (e *Engine) handleScrollTo(id string) {
	c := model.CollectionPrivate
	if model.IsTemporaryID(id) {
		if canonical, ok := e.cols[c].pending.Resolve(id); ok {
			id = canonical
		}
	}
	if col, _, ok := e.locate(id); ok {
		c = col.name
	}
	e.anchor.Set(ScrollAnchor{EntityID: id, Collection: c}, e.now())
	e.attemptAnchor()
}

// attemptAnchor tries the anchor against its collection's latest render and
// schedules the next attempt if needed.
func (e *Engine) attemptAnchor() {
	a, ok := e.anchor.Current()
	if !ok {
		e.publishAnchor()
		return
	}
	st := e.cols[a.Collection].state.Load()
	if e.anchor.Attempt(st, e.now()) == AnchorRetry {
		e.schedule(e.anchorT, e.anchor.Delay(), Event{Type: EventTypeAnchorTick})
	} else {
		e.cancelTimer(e.anchorT)
	}
	e.publishAnchor()
}

func (e *Engine) publishAnchor() {
	if a, ok := e.anchor.Current(); ok {
		e.anchorView.Store(&a)
		return
	}
	e.anchorView.Store(nil)
}

// goAsync runs fn off the loop and enqueues the event it returns. The work
// counts as outstanding until its event is queued.
func (e *Engine) goAsync(fn func(ctx context.Context) Event) {
	ctx := e.runCtx
	e.outstanding.Add(1)
	go func() {
		defer e.outstanding.Add(-1)
		if ev := fn(ctx); ev.Type != 0 {
			e.queue.Enqueue(ev)
		}
	}()
}

func (e *Engine) render(col *collection) {
	col.pending.Prune(e.now())
	col.render()
	e.signal()
}

func (e *Engine) renderAll() {
	for _, c := range model.Collections {
		e.render(e.cols[c])
	}
}

func (e *Engine) signal() {
	select {
	case e.changed <- struct{}{}:
	default:
	}
}

// idle reports whether nothing is queued or waiting in a push stream, and,
// when settle is set, no network call or timer is outstanding either.
func (e *Engine) idle(settle bool) bool {
	if e.queue.Len() > 0 {
		return false
	}
	for _, col := range e.cols {
		if len(col.stream) > 0 {
			return false
		}
	}
	return !settle || e.outstanding.Load() == 0
}

// ---- public API ----

// Rendered returns the merged render sequence of c.
func (e *Engine) Rendered(c model.Collection) []model.Entity {
	st := e.State(c)
	out := make([]model.Entity, len(st.Entities))
	copy(out, st.Entities)
	return out
}

// State returns the latest published state of c.
func (e *Engine) State(c model.Collection) State {
	col, ok := e.cols[c]
	if !ok {
		return State{Collection: c}
	}
	return *col.state.Load()
}

// IsLoading reports whether a foreground fetch of c is running.
func (e *Engine) IsLoading(c model.Collection) bool {
	return e.State(c).Loading
}

// Err returns the last foreground fetch error of c, or nil.
func (e *Engine) Err(c model.Collection) *SyncError {
	return e.State(c).Err
}

// Anchor returns the pending scroll anchor, if any.
func (e *Engine) Anchor() (ScrollAnchor, bool) {
	a := e.anchorView.Load()
	if a == nil {
		return ScrollAnchor{}, false
	}
	return *a, true
}

// Notifications returns undismissed failure notifications, oldest first.
func (e *Engine) Notifications() []Notification {
	return *e.noticeView.Load()
}

// DismissNotification removes a notification.
func (e *Engine) DismissNotification(id int64) {
	e.queue.Enqueue(Event{Type: EventTypeDismiss, Notice: id})
}

// Changed signals after state changes. Signals coalesce.
func (e *Engine) Changed() <-chan struct{} {
	return e.changed
}

// SetFilter edits the filter of c. The fetch runs once edits have been
// quiet for the debounce interval.
func (e *Engine) SetFilter(c model.Collection, f model.Filter) {
	e.queue.Enqueue(Event{Type: EventTypeSetFilter, Collection: c, Filter: f})
}

// RequestFetch asks for a fetch of c's current filter.
func (e *Engine) RequestFetch(c model.Collection, opts FetchOptions) {
	opts.due = false
	e.queue.Enqueue(Event{Type: EventTypeFetch, Collection: c, Fetch: opts})
}

// Refresh forces a foreground fetch of c.
func (e *Engine) Refresh(c model.Collection) {
	e.RequestFetch(c, FetchOptions{Force: true})
}

// CreateEntity inserts payload into the private collection optimistically
// and returns its temporary id.
func (e *Engine) CreateEntity(payload model.Entity) string {
	id := e.ids.Generate()
	e.queue.Enqueue(Event{Type: EventTypeCreate, EntityID: id, Entity: payload})
	return id
}

// DeleteEntity removes an entity optimistically. For a shared list the
// user leaves it instead.
func (e *Engine) DeleteEntity(id string) {
	e.queue.Enqueue(Event{Type: EventTypeDelete, EntityID: id})
}

// UpdateEntity patches an entity. The change shows once confirmed.
func (e *Engine) UpdateEntity(id string, p model.Patch) {
	e.queue.Enqueue(Event{Type: EventTypeUpdate, EntityID: id, Patch: p})
}

// RequestScrollTo asks the render layer to bring id into view once it is
// rendered.
func (e *Engine) RequestScrollTo(id string) {
	e.queue.Enqueue(Event{Type: EventTypeScrollTo, EntityID: id})
}

// Barrier waits until every event enqueued before it, and every push event
// already delivered, has been processed.
func (e *Engine) Barrier(ctx context.Context) error {
	return e.waitIdle(ctx, false)
}

// Settle waits until the engine is quiescent: nothing queued, no network
// call in flight and no timer pending.
func (e *Engine) Settle(ctx context.Context) error {
	return e.waitIdle(ctx, true)
}

func (e *Engine) waitIdle(ctx context.Context, settle bool) error {
	for {
		reply := make(chan bool, 1)
		if !e.queue.Enqueue(Event{Type: EventTypeBarrier, settle: settle, reply: reply}) {
			return ErrStopped
		}
		select {
		case idle := <-reply:
			if idle {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
