// Package ws serves room connections over WebSocket. Every text message
// is one JSON frame in either direction.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"driftchat/internal/domain"
	"driftchat/internal/protocol"
	"driftchat/internal/session"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
	// Close reasons are limited to 123 bytes by the protocol.
	maxCloseReason = 120
)

// Relay is what the transport needs from the relay layer.
type Relay interface {
	OnConnect(ctx context.Context, conn session.Conn, roomID, userID string) (*session.Entry, error)
	OnDisconnect(connID string)
	Dispatch(ctx context.Context, connID string, in protocol.Frame)
	Reject(connID, reqID string, err error)
}

// Handler owns websocket transport for the backend.
type Handler struct {
	relay    Relay
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to relay.
func NewHandler(relay Relay) *Handler {
	return &Handler{
		relay: relay,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
// The room comes from ?room_id and the user from ?user_id or X-User-ID.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	roomID := c.QueryParam("room_id")
	userID := c.QueryParam("user_id")
	if userID == "" {
		userID = c.Request().Header.Get("X-User-ID")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(c.Request().Context(), conn, roomID, userID)
	return nil
}

// wsConn adapts a websocket to session.Conn. Close only records the
// reason; the writer drains whatever is queued before the socket closes.
type wsConn struct {
	id      string
	closing chan struct{}
	once    sync.Once
	reason  string
}

func newConn() *wsConn {
	return &wsConn{id: uuid.NewString(), closing: make(chan struct{})}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Close(reason string) {
	c.once.Do(func() {
		c.reason = reason
		close(c.closing)
	})
}

func (h *Handler) serveConn(ctx context.Context, conn *websocket.Conn, roomID, userID string) {
	defer conn.Close()
	conn.SetReadLimit(readLimit)

	wc := newConn()
	entry, err := h.relay.OnConnect(ctx, wc, roomID, userID)
	if err != nil {
		code := domain.CodeOf(err)
		writeDirect(conn, protocol.Failure("", string(code), err.Error()))
		writeClose(conn, websocket.ClosePolicyViolation, string(code))
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(conn, wc, entry)
	}()

	h.readLoop(ctx, conn, entry)

	h.relay.OnDisconnect(wc.id)
	wc.Close("")
	<-done
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, entry *session.Entry) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read failed", "conn_id", entry.ConnID, "err", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var in protocol.Frame
		if err := json.Unmarshal(data, &in); err != nil {
			h.relay.Reject(entry.ConnID, "", domain.ErrInvalidRequest.With("malformed frame: %v", err))
			continue
		}
		if in.Type == "" {
			h.relay.Reject(entry.ConnID, in.ReqID, domain.ErrInvalidRequest.With("frame type is required"))
			continue
		}
		h.relay.Dispatch(ctx, entry.ConnID, in)
	}
}

// writeLoop delivers the outbox until the registry closes it, then waits
// for Close and ends the socket with the recorded reason.
func (h *Handler) writeLoop(conn *websocket.Conn, wc *wsConn, entry *session.Entry) {
	failed := false
	for out := range entry.Outbox() {
		if failed {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(out); err != nil {
			slog.Debug("websocket write failed", "conn_id", wc.id, "err", err)
			failed = true
			_ = conn.Close()
		}
	}
	<-wc.closing
	if failed {
		return
	}
	if wc.reason == "" {
		writeClose(conn, websocket.CloseNormalClosure, "")
	} else {
		writeClose(conn, websocket.ClosePolicyViolation, wc.reason)
	}
	_ = conn.Close()
}

func writeDirect(conn *websocket.Conn, f protocol.Frame) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(f)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	reason = strings.ToValidUTF8(reason, "")
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
}
