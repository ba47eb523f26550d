package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/listsync/internal/model"
	"github.com/roach88/listsync/internal/remote"
)

// DefaultClientBuffer is the capacity of a subscription channel.
const DefaultClientBuffer = 256

// Client subscribes to a Hub.
//
// Implements remote.Subscriber. Each Subscribe opens its own connection;
// the returned channel closes when the connection ends for any reason.
type Client struct {
	url    string
	token  string
	dialer *websocket.Dialer
	logger *slog.Logger
	buffer int
}

var _ remote.Subscriber = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger. Default: slog.Default().
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = d
	}
}

// NewClient creates a client for the hub at url (ws:// or wss://)
// authenticating with token.
func NewClient(url, token string, opts ...ClientOption) *Client {
	c := &Client{
		url:    url,
		token:  token,
		dialer: websocket.DefaultDialer,
		logger: slog.Default(),
		buffer: DefaultClientBuffer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe connects, sends the subscription and waits for the hub to
// accept it. A rejected token returns ErrUnauthorized; a predicate for
// another user returns remote.ErrPermission.
func (c *Client) Subscribe(ctx context.Context, table string, pred remote.Predicate) (<-chan model.ChangeEvent, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	ws, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: %w", c.url, ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w: %w", c.url, remote.ErrUnavailable, err)
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	deadline := time.Now().Add(subscribeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(frame{Type: frameSubscribe, Table: table, Predicate: &pred}); err != nil {
		return nil, fmt.Errorf("send subscribe: %w", err)
	}
	ws.SetReadDeadline(deadline)
	var ack frame
	if err := ws.ReadJSON(&ack); err != nil {
		return nil, fmt.Errorf("read subscribe ack: %w", err)
	}
	switch ack.Type {
	case frameSubscribed:
	case frameError:
		return nil, ackError(ack)
	default:
		return nil, fmt.Errorf("unexpected %q frame", ack.Type)
	}
	ws.SetReadDeadline(time.Time{})
	success = true

	out := make(chan model.ChangeEvent, c.buffer)
	go c.read(ctx, ws, out)
	return out, nil
}

func (c *Client) read(ctx context.Context, ws *websocket.Conn, out chan<- model.ChangeEvent) {
	done := make(chan struct{})
	defer close(out)
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			ws.Close()
		case <-done:
			ws.Close()
		}
	}()

	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			if ctx.Err() == nil {
				c.logger.Info("realtime connection ended", "url", c.url, "error", err)
			}
			return
		}
		if f.Type != frameEvent || f.Event == nil {
			c.logger.Debug("realtime frame ignored", "type", f.Type)
			continue
		}
		select {
		case out <- *f.Event:
		case <-ctx.Done():
			return
		}
	}
}

func ackError(f frame) error {
	switch f.Code {
	case codeForbidden:
		return fmt.Errorf("subscribe: %s: %w", f.Error, remote.ErrPermission)
	default:
		return fmt.Errorf("subscribe: %s", f.Error)
	}
}

// IsUnauthorized reports whether err came from a rejected token.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
