// Package relay turns calls from connected clients into domain operations
// and fans the outcomes out to the rooms' live connections.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"driftchat/internal/domain"
	"driftchat/internal/linkpreview"
	"driftchat/internal/protocol"
	"driftchat/internal/session"
)

const previewTimeout = 10 * time.Second

// Previewer resolves link previews for posted messages.
type Previewer interface {
	Fetch(ctx context.Context, rawURL string) (linkpreview.Preview, error)
}

// Option configures a Relay.
type Option func(*Relay)

// WithPreviewer enables link previews for sent messages.
func WithPreviewer(p Previewer) Option {
	return func(r *Relay) { r.previews = p }
}

// Stats are cumulative relay counters.
type Stats struct {
	Connections       int
	VoiceParticipants int
	Calls             uint64
	Failures          uint64
	SignalsRelayed    uint64
	SignalsDropped    uint64
}

// Relay is the single entry point transports use for connection lifecycle
// and calls.
type Relay struct {
	svc      *domain.Service
	reg      *session.Registry
	voice    *Voice
	previews Previewer

	calls    atomic.Uint64
	failures atomic.Uint64
}

// New wires a relay to the domain and registry. It registers itself for
// disconnect hooks and room removal so voice state and live connections
// follow the store.
func New(svc *domain.Service, reg *session.Registry, opts ...Option) *Relay {
	r := &Relay{svc: svc, reg: reg}
	r.voice = newVoice(reg)
	for _, opt := range opts {
		opt(r)
	}
	reg.OnDisconnect(r.afterDisconnect)
	svc.OnRoomRemoved(func(roomID string) {
		if n := reg.AbortRoom(roomID, "room removed"); n > 0 {
			slog.Info("aborted connections of removed room", "room_id", roomID, "connections", n)
		}
	})
	return r
}

// Registry exposes the session registry.
func (r *Relay) Registry() *session.Registry {
	return r.reg
}

// Voice exposes the voice signaling relay.
func (r *Relay) Voice() *Voice {
	return r.voice
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	relayed, dropped := r.voice.signalCounts()
	return Stats{
		Connections:       r.reg.Count(),
		VoiceParticipants: r.voice.Count(),
		Calls:             r.calls.Load(),
		Failures:          r.failures.Load(),
		SignalsRelayed:    relayed,
		SignalsDropped:    dropped,
	}
}

// OnConnect validates and registers a connection. On failure nothing is
// registered and the transport must abort. A connection to an expired room
// also starts a background sweep.
func (r *Relay) OnConnect(ctx context.Context, conn session.Conn, roomID, userID string) (*session.Entry, error) {
	e, err := r.reg.Connect(ctx, conn, roomID, userID)
	if err != nil {
		if domain.CodeOf(err) == domain.CodeRoomExpired {
			r.svc.SweepAsync()
		}
		return nil, err
	}
	r.broadcastPresence(e.RoomID)
	return e, nil
}

// OnDisconnect removes a connection. Safe to call for aborted connections.
func (r *Relay) OnDisconnect(connID string) {
	r.reg.Disconnect(connID)
}

func (r *Relay) afterDisconnect(e *session.Entry) {
	r.voice.remove(e.ConnID)
	r.broadcastPresence(e.RoomID)
}

func (r *Relay) broadcastPresence(roomID string) {
	r.reg.SendToGroup(roomID, protocol.Event(protocol.EventPresence, protocol.Presence{
		RoomID: roomID,
		Online: r.reg.OnlineUsers(roomID),
	}), "")
}

// Dispatch handles one call from connID and replies to that connection
// only. Calls on one connection must be dispatched sequentially.
func (r *Relay) Dispatch(ctx context.Context, connID string, in protocol.Frame) {
	e, ok := r.reg.Lookup(connID)
	if !ok {
		slog.Debug("dispatch on unknown connection", "conn_id", connID, "type", in.Type)
		return
	}
	r.calls.Add(1)

	payload, err := r.call(ctx, e, in)
	if err != nil {
		r.fail(e, in, err)
		return
	}
	r.reg.SendToConnection(e.ConnID, protocol.Result(in.ReqID, payload))

	if in.Type == protocol.OpLeaveRoom {
		r.reg.AbortUser(e.RoomID, e.UserID, "left room")
	}
}

// Reject replies to a call the transport could not decode.
func (r *Relay) Reject(connID, reqID string, err error) {
	e, ok := r.reg.Lookup(connID)
	if !ok {
		return
	}
	r.fail(e, protocol.Frame{ReqID: reqID}, err)
}

func (r *Relay) call(ctx context.Context, e *session.Entry, in protocol.Frame) (payload any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("relay call panicked", "op", in.Type, "conn_id", e.ConnID, "room_id", e.RoomID,
				"user_id", e.UserID, "panic", rec, "stack", string(debug.Stack()))
			payload, err = nil, fmt.Errorf("panic in %s: %v", in.Type, rec)
		}
	}()

	switch in.Type {
	case protocol.OpPing:
		return protocol.Pong{TS: time.Now().UnixMilli()}, nil
	case protocol.OpSendMessage, protocol.OpEditMessage, protocol.OpDeleteMessage,
		protocol.OpAddReaction, protocol.OpRemoveReaction, protocol.OpGetMessages,
		protocol.OpLeaveRoom, protocol.OpKickMember, protocol.OpClearRoom:
		return r.messaging(ctx, e, in)
	default:
		if isVoiceOp(in.Type) {
			if err := r.svc.CheckAccess(ctx, e.RoomID, e.UserID); err != nil {
				return nil, err
			}
			return r.voice.handle(e, in)
		}
		return nil, domain.ErrInvalidRequest.With("unknown operation %q", in.Type)
	}
}

// fail replies with the error code. Unexpected errors are logged and
// reported as InternalError. Errors that invalidate the connection's room
// or membership abort it after the reply is queued.
func (r *Relay) fail(e *session.Entry, in protocol.Frame, err error) {
	r.failures.Add(1)

	code := domain.CodeOf(err)
	msg := err.Error()
	if domain.IsExpected(err) {
		slog.Debug("call rejected", "op", in.Type, "conn_id", e.ConnID, "room_id", e.RoomID, "user_id", e.UserID, "code", code)
	} else {
		slog.Error("call failed", "op", in.Type, "conn_id", e.ConnID, "room_id", e.RoomID, "user_id", e.UserID, "err", err)
		msg = "internal error"
	}
	r.reg.SendToConnection(e.ConnID, protocol.Failure(in.ReqID, string(code), msg))

	if domain.ForcesAbort(err) {
		r.reg.Abort(e.ConnID, string(code))
		if code == domain.CodeRoomExpired {
			r.svc.SweepAsync()
		}
	}
}
