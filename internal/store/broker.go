package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/listsync/internal/model"
	"github.com/roach88/listsync/internal/remote"
)

// Broker defaults.
const (
	DefaultPollInterval = 150 * time.Millisecond
	DefaultBufferSize   = 256
	pollBatch           = 256
)

// ErrBrokerClosed is returned by Subscribe after Run has returned.
var ErrBrokerClosed = errors.New("store: broker closed")

// Broker tails the change log and fans changes out to subscribers by
// predicate. It only delivers changes written after it was created.
//
// A subscriber that falls behind by more than its buffer is dropped: its
// channel is closed as a failed transport would be, and the client is
// expected to resubscribe and refresh.
//
// Implements remote.Subscriber.
type Broker struct {
	store    *Store
	interval time.Duration
	buffer   int
	logger   *slog.Logger

	mu     sync.Mutex
	cursor int64
	subs   map[*brokerSub]struct{}
	closed bool
}

var _ remote.Subscriber = (*Broker)(nil)

type brokerSub struct {
	pred remote.Predicate
	ch   chan model.ChangeEvent
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithPollInterval sets how often the change log is read.
func WithPollInterval(d time.Duration) BrokerOption {
	return func(b *Broker) {
		if d > 0 {
			b.interval = d
		}
	}
}

// WithBufferSize sets the per-subscriber channel capacity.
func WithBufferSize(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithBrokerLogger sets the logger. Default: slog.Default().
func WithBrokerLogger(l *slog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = l
	}
}

// NewBroker creates a broker positioned at the end of the change log.
func NewBroker(ctx context.Context, s *Store, opts ...BrokerOption) (*Broker, error) {
	seq, err := s.LatestSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("new broker: %w", err)
	}
	b := &Broker{
		store:    s,
		interval: DefaultPollInterval,
		buffer:   DefaultBufferSize,
		logger:   slog.Default(),
		cursor:   seq,
		subs:     make(map[*brokerSub]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Subscribe streams changes addressed to pred until ctx is done or the
// broker stops.
func (b *Broker) Subscribe(ctx context.Context, table string, pred remote.Predicate) (<-chan model.ChangeEvent, error) {
	if table != model.TableLists {
		return nil, fmt.Errorf("subscribe: unknown table %q", table)
	}
	if (pred.OwnerID == "") == (pred.MemberID == "") {
		return nil, fmt.Errorf("subscribe: predicate needs exactly one of owner or member")
	}

	sub := &brokerSub{pred: pred, ch: make(chan model.ChangeEvent, b.buffer)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "owner_id", pred.OwnerID, "member_id", pred.MemberID)

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		b.dropLocked(sub)
	}()
	return sub.ch, nil
}

// Subscribers returns the number of open subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Run polls the change log until ctx is done, then closes every
// subscription.
func (b *Broker) Run(ctx context.Context) error {
	b.logger.Info("broker started", "cursor", b.cursor, "interval", b.interval)
	defer b.shutdown()

	t := time.NewTicker(b.interval)
	defer t.Stop()
	for {
		if err := b.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn("change log poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Poll delivers every change written since the last poll.
func (b *Broker) Poll(ctx context.Context) error {
	for {
		b.mu.Lock()
		cursor := b.cursor
		b.mu.Unlock()

		changes, err := b.store.ReadChanges(ctx, cursor, pollBatch)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return nil
		}

		b.mu.Lock()
		for _, c := range changes {
			if c.Seq <= b.cursor {
				continue
			}
			b.fanOutLocked(c)
			b.cursor = c.Seq
		}
		b.mu.Unlock()

		if len(changes) < pollBatch {
			return nil
		}
	}
}

func (b *Broker) fanOutLocked(c Change) {
	ev := c.Event()
	for sub := range b.subs {
		if !c.AddressedTo(sub.pred) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("subscriber dropped: buffer full",
				"owner_id", sub.pred.OwnerID,
				"member_id", sub.pred.MemberID,
				"seq", c.Seq,
			)
			b.dropLocked(sub)
		}
	}
}

func (b *Broker) dropLocked(sub *brokerSub) {
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

func (b *Broker) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		b.dropLocked(sub)
	}
	b.logger.Info("broker stopped")
}
