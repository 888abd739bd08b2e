// Package session tracks which live connection belongs to which room and
// delivers frames to them.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"driftchat/internal/domain"
	"driftchat/internal/protocol"
)

// SendTimeout bounds how long a write to one connection may block.
const SendTimeout = 50 * time.Millisecond

const defaultSendBuffer = 64

// Conn is the transport side of a live connection.
type Conn interface {
	ID() string
	// Close tears the transport down. It must be safe to call more than once.
	Close(reason string)
}

// Access decides whether a user may attach a connection to a room.
type Access interface {
	CheckAccess(ctx context.Context, roomID, userID string) error
}

// Entry is one registered connection. Frames queued for it are read from
// Outbox by the transport's writer; the channel closes on disconnect.
type Entry struct {
	ConnID      string
	RoomID      string
	UserID      string
	ConnectedAt time.Time

	conn   Conn
	send   chan protocol.Frame
	closed atomic.Bool
}

// Outbox returns the frames queued for this connection.
func (e *Entry) Outbox() <-chan protocol.Frame {
	return e.send
}

// Registry is the authoritative map of connection to room and user.
type Registry struct {
	access  Access
	sendBuf int

	conns sync.Map // conn id -> *Entry
	rooms sync.Map // room id -> *sync.Map of conn id -> *Entry
	count atomic.Int64

	// groupsMu orders adding to a group against dropping an empty one.
	groupsMu sync.Mutex

	hooksMu sync.RWMutex
	hooks   []func(*Entry)
}

// NewRegistry returns an empty registry. sendBuf sizes each connection's
// outbound queue.
func NewRegistry(access Access, sendBuf int) *Registry {
	if sendBuf <= 0 {
		sendBuf = defaultSendBuffer
	}
	return &Registry{access: access, sendBuf: sendBuf}
}

// OnDisconnect registers fn to run after any entry is removed.
func (r *Registry) OnDisconnect(fn func(*Entry)) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hooksMu.Unlock()
}

// Connect validates access and registers conn in roomID. Nothing is
// registered when validation fails. Access is checked again once the entry
// is visible, so a kick or leave committed in between cannot miss it.
func (r *Registry) Connect(ctx context.Context, conn Conn, roomID, userID string) (*Entry, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, domain.ErrRoomNotFound.With("room id is required")
	}
	if err := r.access.CheckAccess(ctx, roomID, userID); err != nil {
		slog.Info("connect rejected", "conn_id", conn.ID(), "room_id", roomID, "user_id", userID, "err", err)
		return nil, err
	}

	e := &Entry{
		ConnID:      conn.ID(),
		RoomID:      roomID,
		UserID:      userID,
		ConnectedAt: time.Now().UTC(),
		conn:        conn,
		send:        make(chan protocol.Frame, r.sendBuf),
	}
	if _, loaded := r.conns.LoadOrStore(e.ConnID, e); loaded {
		return nil, fmt.Errorf("connection %s already registered", e.ConnID)
	}
	r.groupsMu.Lock()
	r.group(roomID).Store(e.ConnID, e)
	r.groupsMu.Unlock()
	total := r.count.Add(1)

	if err := r.access.CheckAccess(ctx, roomID, userID); err != nil {
		r.unregister(e.ConnID)
		slog.Info("connect revoked", "conn_id", e.ConnID, "room_id", roomID, "user_id", userID, "err", err)
		return nil, err
	}

	slog.Info("connection registered", "conn_id", e.ConnID, "room_id", roomID, "user_id", userID, "total_connections", total)
	return e, nil
}

// Disconnect removes the entry unconditionally and runs the disconnect
// hooks. It reports false when the connection was not registered.
func (r *Registry) Disconnect(connID string) (*Entry, bool) {
	e, remaining, ok := r.unregister(connID)
	if !ok {
		return nil, false
	}

	r.hooksMu.RLock()
	hooks := append([]func(*Entry){}, r.hooks...)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(e)
	}

	slog.Info("connection removed", "conn_id", connID, "room_id", e.RoomID, "user_id", e.UserID, "remaining_connections", remaining)
	return e, true
}

// unregister removes the entry and closes its outbox without running hooks.
// A room group left empty is dropped.
func (r *Registry) unregister(connID string) (*Entry, int64, bool) {
	v, ok := r.conns.LoadAndDelete(connID)
	if !ok {
		return nil, 0, false
	}
	e := v.(*Entry)

	r.groupsMu.Lock()
	if g, ok := r.rooms.Load(e.RoomID); ok {
		members := g.(*sync.Map)
		members.Delete(connID)
		empty := true
		members.Range(func(_, _ any) bool {
			empty = false
			return false
		})
		if empty {
			r.rooms.Delete(e.RoomID)
		}
	}
	r.groupsMu.Unlock()

	remaining := r.count.Add(-1)
	if e.closed.CompareAndSwap(false, true) {
		close(e.send)
	}
	return e, remaining, true
}

// Abort disconnects and then closes the transport. Delivery stops before
// the transport closes.
func (r *Registry) Abort(connID, reason string) bool {
	e, ok := r.Disconnect(connID)
	if !ok {
		return false
	}
	slog.Info("connection aborted", "conn_id", connID, "room_id", e.RoomID, "user_id", e.UserID, "reason", reason)
	e.conn.Close(reason)
	return true
}

// AbortRoom aborts every connection of a room. The group goes away with its
// last connection.
func (r *Registry) AbortRoom(roomID, reason string) int {
	n := 0
	for _, e := range r.Members(roomID) {
		if r.Abort(e.ConnID, reason) {
			n++
		}
	}
	return n
}

// AbortUser aborts every connection userID holds in roomID.
func (r *Registry) AbortUser(roomID, userID, reason string) int {
	n := 0
	for _, e := range r.Members(roomID) {
		if e.UserID == userID && r.Abort(e.ConnID, reason) {
			n++
		}
	}
	return n
}

// Lookup resolves a connection to its entry.
func (r *Registry) Lookup(connID string) (*Entry, bool) {
	v, ok := r.conns.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// Members returns the room's entries ordered by connection id.
func (r *Registry) Members(roomID string) []*Entry {
	g, ok := r.rooms.Load(roomID)
	if !ok {
		return nil
	}
	var out []*Entry
	g.(*sync.Map).Range(func(_, v any) bool {
		out = append(out, v.(*Entry))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

// OnlineUsers returns the distinct users connected to a room, sorted.
func (r *Registry) OnlineUsers(roomID string) []string {
	ids := lo.Uniq(lo.Map(r.Members(roomID), func(e *Entry, _ int) string { return e.UserID }))
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// SendToGroup delivers f to every connection in roomID except exceptConnID
// and returns how many accepted it.
func (r *Registry) SendToGroup(roomID string, f protocol.Frame, exceptConnID string) int {
	targets := r.Members(roomID)
	sent := 0
	for _, e := range targets {
		if exceptConnID != "" && e.ConnID == exceptConnID {
			continue
		}
		if trySend(e, f) {
			sent++
		}
	}
	slog.Debug("send to group", "type", f.Type, "room_id", roomID, "recipients", sent, "total", len(targets))
	return sent
}

// SendToConnection delivers f to one connection.
func (r *Registry) SendToConnection(connID string, f protocol.Frame) bool {
	e, ok := r.Lookup(connID)
	if !ok {
		return false
	}
	return trySend(e, f)
}

func (r *Registry) group(roomID string) *sync.Map {
	v, _ := r.rooms.LoadOrStore(roomID, &sync.Map{})
	return v.(*sync.Map)
}

// trySend queues f, giving up after SendTimeout. A send racing with
// Disconnect lands on a closed channel and is recovered as a failure.
func trySend(e *Entry, f protocol.Frame) (ok bool) {
	if e.closed.Load() {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	t := time.NewTimer(SendTimeout)
	defer t.Stop()
	select {
	case e.send <- f:
		return true
	case <-t.C:
		slog.Debug("send timeout", "type", f.Type, "conn_id", e.ConnID)
		return false
	}
}
