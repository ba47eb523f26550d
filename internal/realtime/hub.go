package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/listsync/internal/model"
	"github.com/roach88/listsync/internal/remote"
)

// Hub timings.
const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
	subscribeTimeout    = 10 * time.Second
	maxFrameSize        = 4096
)

// Hub serves change-feed subscriptions over WebSocket.
type Hub struct {
	source       remote.Subscriber
	secret       []byte
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pingInterval time.Duration
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the logger. Default: slog.Default().
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = l
	}
}

// WithPingInterval sets how often idle connections are pinged.
func WithPingInterval(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// NewHub creates a hub that relays subscriptions of source, usually a
// store.Broker, to clients holding a token signed with secret.
func NewHub(source remote.Subscriber, secret []byte, opts ...HubOption) *Hub {
	h := &Hub{
		source:       source,
		secret:       secret,
		logger:       slog.Default(),
		writeTimeout: DefaultWriteTimeout,
		pingInterval: DefaultPingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP authenticates the request, upgrades it and serves one
// subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := ParseToken(h.secret, bearerToken(r))
	if err != nil {
		h.logger.Info("realtime auth rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the response.
		h.logger.Warn("realtime upgrade failed", "user_id", claims.UserID, "error", err)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(maxFrameSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := h.subscribe(ctx, ws, claims.UserID)
	if err != nil {
		h.logger.Info("realtime subscribe rejected", "user_id", claims.UserID, "error", err)
		return
	}
	h.logger.Info("realtime subscription opened", "user_id", claims.UserID)

	// The client sends nothing after subscribing; reading detects close
	// and processes control frames.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime subscription closed by client", "user_id", claims.UserID)
			return

		case ev, ok := <-events:
			if !ok {
				h.logger.Info("realtime feed ended", "user_id", claims.UserID)
				h.close(ws, websocket.CloseGoingAway, "feed ended")
				return
			}
			if err := h.write(ws, frame{Type: frameEvent, Event: &ev}); err != nil {
				h.logger.Info("realtime write failed", "user_id", claims.UserID, "error", err)
				return
			}

		case <-ping.C:
			deadline := time.Now().Add(h.writeTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// subscribe reads the subscribe frame, checks that its predicate belongs
// to user and opens the feed.
func (h *Hub) subscribe(ctx context.Context, ws *websocket.Conn, user string) (<-chan model.ChangeEvent, error) {
	ws.SetReadDeadline(time.Now().Add(subscribeTimeout))
	var req frame
	if err := ws.ReadJSON(&req); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Time{})

	if req.Type != frameSubscribe || req.Predicate == nil {
		h.reject(ws, codeInvalid, "expected subscribe frame")
		return nil, errors.New("expected subscribe frame")
	}
	p := *req.Predicate
	if p.OwnerID != user && p.MemberID != user {
		h.reject(ws, codeForbidden, "predicate does not name the token's user")
		return nil, remote.ErrPermission
	}
	if p.OwnerID != "" && p.MemberID != "" {
		h.reject(ws, codeInvalid, "predicate needs exactly one of owner or member")
		return nil, errors.New("ambiguous predicate")
	}

	events, err := h.source.Subscribe(ctx, req.Table, p)
	if err != nil {
		h.reject(ws, codeInternal, err.Error())
		return nil, err
	}
	if err := h.write(ws, frame{Type: frameSubscribed}); err != nil {
		return nil, err
	}
	return events, nil
}

func (h *Hub) write(ws *websocket.Conn, f frame) error {
	ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	return ws.WriteJSON(f)
}

func (h *Hub) reject(ws *websocket.Conn, code, msg string) {
	if err := h.write(ws, frame{Type: frameError, Code: code, Error: msg}); err != nil {
		return
	}
	h.close(ws, websocket.ClosePolicyViolation, code)
}

func (h *Hub) close(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeTimeout))
}

// bearerToken returns the token from the Authorization header, or from the
// token query parameter for clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
