package engine

import (
	"log/slog"
	"time"

	"github.com/roach88/listsync/internal/model"
)

// ScrollAnchor is the entity the render layer should bring into view.
type ScrollAnchor struct {
	EntityID   string
	Collection model.Collection
}

// Scroller is implemented by the render layer. ScrollTo returns false when
// the row at index cannot be scrolled to yet, for example because layout
// has not been measured.
type Scroller interface {
	ScrollTo(c model.Collection, id string, index int) bool
}

// locateOnly is the Scroller used without a render layer: a row counts as
// scrolled to once it is rendered.
type locateOnly struct{}

func (locateOnly) ScrollTo(model.Collection, string, int) bool { return true }

// AnchorTracker remembers a scroll target across the optimistic and
// canonical appearances of an entity. Attempts are bounded by count and by
// a hard deadline; once the target is found the anchor is cleared.
type AnchorTracker struct {
	maxAttempts int
	backoff     time.Duration
	timeout     time.Duration
	scroller    Scroller
	logger      *slog.Logger

	anchor   *ScrollAnchor
	attempts int
	deadline time.Time
}

// AnchorResult is the outcome of one attempt.
type AnchorResult int

const (
	AnchorIdle AnchorResult = iota
	AnchorFound
	AnchorRetry
	AnchorGaveUp
)

// NewAnchorTracker creates a tracker.
func NewAnchorTracker(maxAttempts int, backoff, timeout time.Duration, scroller Scroller, logger *slog.Logger) *AnchorTracker {
	if scroller == nil {
		scroller = locateOnly{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnchorTracker{
		maxAttempts: maxAttempts,
		backoff:     backoff,
		timeout:     timeout,
		scroller:    scroller,
		logger:      logger,
	}
}

// Set replaces the anchor and resets the attempt budget.
func (t *AnchorTracker) Set(a ScrollAnchor, now time.Time) {
	t.anchor = &a
	t.attempts = 0
	t.deadline = now.Add(t.timeout)
}

// Current returns the anchor, if any.
func (t *AnchorTracker) Current() (ScrollAnchor, bool) {
	if t.anchor == nil {
		return ScrollAnchor{}, false
	}
	return *t.anchor, true
}

// Retarget follows an optimistic entity to its canonical id.
func (t *AnchorTracker) Retarget(tempID, canonicalID string) {
	if t.anchor != nil && t.anchor.EntityID == tempID {
		t.logger.Debug("scroll anchor retargeted", "from", tempID, "to", canonicalID)
		t.anchor.EntityID = canonicalID
	}
}

// Clear drops the anchor if it targets id.
func (t *AnchorTracker) Clear(id string) {
	if t.anchor != nil && t.anchor.EntityID == id {
		t.anchor = nil
	}
}

// Attempt looks for the anchor in the rendered state of its collection and
// asks the scroller to bring it into view.
func (t *AnchorTracker) Attempt(st *State, now time.Time) AnchorResult {
	if t.anchor == nil || st == nil || st.Collection != t.anchor.Collection {
		return AnchorIdle
	}
	a := *t.anchor
	t.attempts++
	if idx := st.Index(a.EntityID); idx >= 0 && t.scroller.ScrollTo(a.Collection, a.EntityID, idx) {
		t.logger.Debug("scroll anchor found", "id", a.EntityID, "index", idx, "attempts", t.attempts)
		t.anchor = nil
		return AnchorFound
	}
	if t.attempts >= t.maxAttempts || !now.Before(t.deadline) {
		t.logger.Warn("scroll anchor abandoned", "id", a.EntityID, "attempts", t.attempts)
		t.anchor = nil
		return AnchorGaveUp
	}
	return AnchorRetry
}

// Delay returns the wait before the next attempt. It grows linearly so
// the hard deadline bounds a slow layout.
func (t *AnchorTracker) Delay() time.Duration {
	return t.backoff * time.Duration(t.attempts)
}
