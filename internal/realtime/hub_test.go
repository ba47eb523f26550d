package realtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/listsync/internal/engine"
	"github.com/roach88/listsync/internal/model"
	"github.com/roach88/listsync/internal/remote"
	"github.com/roach88/listsync/internal/remote/remotetest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startHub serves a hub over fake and returns its ws:// URL.
func startHub(t *testing.T, fake *remotetest.Fake) string {
	t.Helper()
	hub := NewHub(fake, testSecret, WithHubLogger(quietLogger()), WithPingInterval(50*time.Millisecond))
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func clientFor(t *testing.T, url, user string) *Client {
	t.Helper()
	token, err := IssueToken(testSecret, user, time.Now(), time.Hour)
	require.NoError(t, err)
	return NewClient(url, token, WithClientLogger(quietLogger()))
}

func receive(t *testing.T, ch <-chan model.ChangeEvent) model.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return model.ChangeEvent{}
	}
}

func waitClosed(t *testing.T, ch <-chan model.ChangeEvent) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed")
		}
	}
}

func TestHub_DeliversEvents(t *testing.T) {
	fake := remotetest.New("u1")
	url := startHub(t, fake)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	events, err := clientFor(t, url, "u1").Subscribe(ctx, model.TableLists, remote.Predicate{OwnerID: "u1"})
	require.NoError(t, err)
	require.Equal(t, 1, fake.Subscribers())

	row := fake.RemoteInsert(model.Entity{Name: "Tacos", OwnerID: "u1"})
	fake.RemoteInsert(model.Entity{Name: "Not mine", OwnerID: "u2"})
	bumped, ok := fake.BumpCount(row.ID)
	require.True(t, ok)

	ev := receive(t, events)
	assert.Equal(t, model.ChangeInsert, ev.Type)
	assert.Equal(t, row.ID, ev.Row.ID)
	assert.Equal(t, "Tacos", ev.Row.Name)

	ev = receive(t, events)
	assert.Equal(t, model.ChangeUpdate, ev.Type)
	assert.Equal(t, bumped.Version, ev.Row.Version)
	assert.Equal(t, 1, ev.Row.EntryCount)
}

func TestHub_RejectsBadToken(t *testing.T) {
	url := startHub(t, remotetest.New("u1"))

	_, err := NewClient(url, "bogus", WithClientLogger(quietLogger())).
		Subscribe(context.Background(), model.TableLists, remote.Predicate{OwnerID: "u1"})
	assert.True(t, IsUnauthorized(err), "got %v", err)
}

func TestHub_RejectsMissingToken(t *testing.T) {
	hub := NewHub(remotetest.New("u1"), testSecret, WithHubLogger(quietLogger()))
	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHub_RejectsForeignPredicate(t *testing.T) {
	fake := remotetest.New("u1")
	url := startHub(t, fake)
	client := clientFor(t, url, "u1")

	tests := []struct {
		name string
		pred remote.Predicate
	}{
		{"other owner", remote.Predicate{OwnerID: "u2"}},
		{"other member", remote.Predicate{MemberID: "u2"}},
		{"empty", remote.Predicate{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Subscribe(context.Background(), model.TableLists, tt.pred)
			assert.ErrorIs(t, err, remote.ErrPermission)
		})
	}

	_, err := client.Subscribe(context.Background(), model.TableLists, remote.Predicate{OwnerID: "u1", MemberID: "u1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, remote.ErrPermission)
	assert.Equal(t, 0, fake.Subscribers())
}

func TestHub_UnknownTableFails(t *testing.T) {
	url := startHub(t, remotetest.New("u1"))
	_, err := clientFor(t, url, "u1").Subscribe(context.Background(), "entries", remote.Predicate{OwnerID: "u1"})
	assert.Error(t, err)
}

func TestClient_CancelClosesChannel(t *testing.T) {
	fake := remotetest.New("u1")
	url := startHub(t, fake)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := clientFor(t, url, "u1").Subscribe(ctx, model.TableLists, remote.Predicate{MemberID: "u1"})
	require.NoError(t, err)

	cancel()
	waitClosed(t, events)
	require.Eventually(t, func() bool { return fake.Subscribers() == 0 }, 5*time.Second, 5*time.Millisecond,
		"hub released the upstream subscription")
}

func TestClient_FeedEndClosesChannel(t *testing.T) {
	fake := remotetest.New("u1")
	url := startHub(t, fake)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	events, err := clientFor(t, url, "u1").Subscribe(ctx, model.TableLists, remote.Predicate{OwnerID: "u1"})
	require.NoError(t, err)

	fake.CloseSubscriptions()
	waitClosed(t, events)
}

// An engine subscribed through the hub sees another client's writes.
func TestClient_DrivesEngine(t *testing.T) {
	fake := remotetest.New("u1")
	url := startHub(t, fake)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	e := engine.New(fake, clientFor(t, url, "u1"), engine.Config{
		UserID:           "u1",
		Debounce:         10 * time.Millisecond,
		BackgroundDelay:  5 * time.Millisecond,
		ResubscribeDelay: 5 * time.Millisecond,
	}, engine.WithLogger(quietLogger()))
	go func() { _ = e.Run(ctx) }()

	require.Eventually(t, func() bool { return fake.Subscribers() == 2 }, 5*time.Second, 5*time.Millisecond)

	row := fake.RemoteInsert(model.Entity{Name: "Brunch", OwnerID: "u1"})
	require.Eventually(t, func() bool {
		got := e.Rendered(model.CollectionPrivate)
		return len(got) == 1 && got[0].ID == row.ID
	}, 5*time.Second, 5*time.Millisecond, "insert pushed through the hub")

	fake.CloseSubscriptions()
	require.Eventually(t, func() bool { return fake.Subscribers() == 2 }, 5*time.Second, 5*time.Millisecond,
		"engine resubscribed through the hub")
}
