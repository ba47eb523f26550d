package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/listsync/internal/engine"
	"github.com/roach88/listsync/internal/model"
	"github.com/roach88/listsync/internal/remote"
	"github.com/roach88/listsync/internal/remote/remotetest"
	"github.com/roach88/listsync/internal/testutil"
)

// StepTimeout bounds how long a step may take to settle.
const StepTimeout = 10 * time.Second

// stepTick is how far the wall clock moves before every step, so rows
// written by successive steps have distinct activity times.
const stepTick = time.Second

// Option configures Run.
type Option func(*runConfig)

type runConfig struct {
	logger *slog.Logger
}

// WithLogger sets the engine logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) {
		c.logger = l
	}
}

type runner struct {
	s      *Scenario
	e      *engine.Engine
	fake   *remotetest.Fake
	clock  *testutil.FakeClock
	held   map[remotetest.Op]func()

	// resubscribed is the number of streams the engine must reopen before
	// the next observation.
	resubscribed int
}

// Run executes a scenario against a fresh in-memory remote store.
//
// Wall time comes from a fake clock starting at testutil.Epoch and
// temporary ids are "temp-1", "temp-2", ..., so identical scenarios produce
// identical traces. After each step the harness waits for the engine to
// settle; while an operation is held it only waits for queued events.
//
// Expectation mismatches are reported in Result; the error return is for
// scenarios that cannot be executed at all.
func Run(ctx context.Context, s *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&cfg)
	}

	clock := testutil.NewFakeClock(testutil.Epoch)
	fake := remotetest.New(s.User, remotetest.WithNow(clock.Now))
	for _, row := range s.Seed {
		seedRow(fake, s.User, row, clock.Now())
	}

	e := engine.New(fake, fake, engine.Config{
		UserID:           s.User,
		Debounce:         10 * time.Millisecond,
		FetchTimeout:     5 * time.Second,
		BackgroundDelay:  5 * time.Millisecond,
		AnchorBackoff:    time.Millisecond,
		ResubscribeDelay: 5 * time.Millisecond,
	},
		engine.WithLogger(cfg.logger),
		engine.WithNow(clock.Now),
		engine.WithIDGenerator(testutil.NewSequenceGenerator()),
	)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(runCtx)
	}()

	r := &runner{s: s, e: e, fake: fake, clock: clock, held: make(map[remotetest.Op]func())}
	defer func() {
		for _, release := range r.held {
			release()
		}
		cancel()
		<-done
	}()

	result := NewResult()
	obs, err := r.observe(ctx, "start")
	if err != nil {
		return nil, err
	}
	result.Steps = append(result.Steps, obs)

	for i, st := range s.Steps {
		clock.Advance(stepTick)
		label, err := r.apply(st, i+1)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		obs, err := r.observe(ctx, fmt.Sprintf("step %d: %s", i+1, label))
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		result.Steps = append(result.Steps, obs)
		if st.Expect != nil {
			checkExpect(result, i+1, st.Expect, obs)
		}
	}
	return result, nil
}

// apply performs a step and returns its trace label.
func (r *runner) apply(st Step, n int) (string, error) {
	switch {
	case st.Create != nil:
		r.e.CreateEntity(model.Entity{
			Name:         st.Create.Name,
			LocationText: st.Create.Location,
			Category:     st.Create.Category,
		})
		return fmt.Sprintf("create %q", st.Create.Name), nil

	case st.Delete != "":
		r.e.DeleteEntity(st.Delete)
		return "delete " + st.Delete, nil

	case st.Update != nil:
		u := st.Update
		r.e.UpdateEntity(u.ID, model.Patch{Name: u.Name, LocationText: u.Location, Category: u.Category})
		label := "update " + u.ID
		if u.Name != nil {
			label += fmt.Sprintf(" name=%q", *u.Name)
		}
		if u.Location != nil {
			label += fmt.Sprintf(" location=%q", *u.Location)
		}
		if u.Category != nil {
			label += fmt.Sprintf(" category=%q", *u.Category)
		}
		return label, nil

	case st.Filter != nil:
		f := st.Filter
		r.e.SetFilter(f.Collection, model.Filter{LocationText: f.Location, Category: f.Category})
		return fmt.Sprintf("filter %s location=%q category=%q", f.Collection, f.Location, f.Category), nil

	case st.Refresh != "":
		r.e.Refresh(model.Collection(st.Refresh))
		return "refresh " + st.Refresh, nil

	case st.Remote != nil:
		return r.applyRemote(*st.Remote, n)

	case st.Hold != "":
		op := remotetest.Op(st.Hold)
		if _, ok := r.held[op]; ok {
			return "", fmt.Errorf("%s is already held", op)
		}
		r.held[op] = r.fake.Hold(op)
		return "hold " + st.Hold, nil

	case st.Release != "":
		op := remotetest.Op(st.Release)
		release, ok := r.held[op]
		if !ok {
			return "", fmt.Errorf("%s is not held", op)
		}
		delete(r.held, op)
		release()
		return "release " + st.Release, nil

	case st.Fail != nil:
		err, ok := failures[st.Fail.Error]
		if !ok {
			return "", fmt.Errorf("unknown error %q", st.Fail.Error)
		}
		r.fake.Fail(st.Fail.Op, err)
		return fmt.Sprintf("fail %s %s", st.Fail.Op, st.Fail.Error), nil

	case st.NoopDeletes > 0:
		r.fake.NoopDeletes(st.NoopDeletes)
		return fmt.Sprintf("noop deletes %d", st.NoopDeletes), nil

	case st.Disconnect:
		r.resubscribed = r.fake.Subscribers()
		r.fake.CloseSubscriptions()
		return "disconnect", nil

	case st.Advance != "":
		d, err := time.ParseDuration(st.Advance)
		if err != nil {
			return "", err
		}
		r.clock.Advance(d)
		return "advance " + st.Advance, nil
	}
	return "", fmt.Errorf("step has no action")
}

func (r *runner) applyRemote(rm Remote, n int) (string, error) {
	switch {
	case rm.Insert != nil:
		row := seedRow(r.fake, r.s.User, *rm.Insert, r.clock.Now())
		r.fake.Emit(model.ChangeEvent{
			ID:    fmt.Sprintf("harness-%d", n),
			Type:  model.ChangeInsert,
			Table: model.TableLists,
			Row:   row,
		})
		return fmt.Sprintf("remote insert %s %q", row.ID, row.Name), nil

	case rm.Seed != nil:
		row := seedRow(r.fake, r.s.User, *rm.Seed, r.clock.Now())
		return fmt.Sprintf("remote seed %s %q", row.ID, row.Name), nil

	case rm.Delete != "":
		r.fake.RemoteDelete(rm.Delete)
		return "remote delete " + rm.Delete, nil

	case rm.Bump != "":
		if _, ok := r.fake.BumpCount(rm.Bump); !ok {
			return "", fmt.Errorf("remote bump: unknown row %s", rm.Bump)
		}
		return "remote bump " + rm.Bump, nil
	}
	return "", fmt.Errorf("remote step has no action")
}

// observe waits for the engine to catch up and captures what it renders.
func (r *runner) observe(ctx context.Context, label string) (Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()

	// The loop notices a closed stream only when it selects on it, so wait
	// for the streams to come back before settling.
	for r.fake.Subscribers() < r.resubscribed {
		select {
		case <-ctx.Done():
			return Observation{}, fmt.Errorf("engine did not resubscribe: %w", ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
	r.resubscribed = 0

	var err error
	if len(r.held) > 0 {
		err = r.e.Barrier(ctx)
	} else {
		err = r.e.Settle(ctx)
	}
	if err != nil {
		return Observation{}, fmt.Errorf("engine did not settle: %w", err)
	}
	return Observation{
		Label:   label,
		Private: r.e.State(model.CollectionPrivate),
		Shared:  r.e.State(model.CollectionShared),
		Notices: r.e.Notifications(),
	}, nil
}

// seedRow stores row in the fake as of now and returns it as the store
// would publish it.
func seedRow(fake *remotetest.Fake, user string, row Row, now time.Time) model.Entity {
	owner := row.Owner
	if owner == "" {
		owner = user
	}
	activity := now
	if row.Age != "" {
		age, _ := time.ParseDuration(row.Age)
		activity = now.Add(-age)
	}
	e := model.Entity{
		ID:             row.ID,
		OwnerID:        owner,
		Name:           row.Name,
		LocationText:   row.Location,
		Category:       row.Category,
		EntryCount:     row.Entries,
		LastActivityAt: activity,
		CreatedAt:      activity,
		Version:        1,
	}
	fake.Seed(e)
	members := make([]string, 0, len(row.Members))
	for u := range row.Members {
		members = append(members, u)
	}
	slices.Sort(members)
	for _, u := range members {
		fake.Share(row.ID, u, row.Members[u])
	}
	return e
}

var failures = map[string]error{
	FailPermission:  remote.ErrPermission,
	FailUnavailable: remote.ErrUnavailable,
	FailNotFound:    remote.ErrNotFound,
}
