package relay

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"driftchat/internal/domain"
	"driftchat/internal/protocol"
	"driftchat/internal/session"
)

// participant is one connection's voice channel state.
type participant struct {
	connID string
	userID string
	roomID string

	muted    atomic.Bool
	deafened atomic.Bool
	video    atomic.Bool
	stream   atomic.Bool
	watching sync.Map // user id -> struct{}
}

func (p *participant) view() protocol.VoiceParticipant {
	v := protocol.VoiceParticipant{
		ConnID:   p.connID,
		UserID:   p.userID,
		RoomID:   p.roomID,
		Muted:    p.muted.Load(),
		Deafened: p.deafened.Load(),
		Video:    p.video.Load(),
		Stream:   p.stream.Load(),
	}
	p.watching.Range(func(k, _ any) bool {
		v.Watching = append(v.Watching, k.(string))
		return true
	})
	sort.Strings(v.Watching)
	return v
}

func (p *participant) watches(userID string) bool {
	_, ok := p.watching.Load(userID)
	return ok
}

// Voice routes voice, video and stream signaling between the voice
// participants of a room. It is a router, not a media engine: the flags
// only affect routing for deafen (voice) and the watch-list (stream).
type Voice struct {
	reg          *session.Registry
	participants sync.Map // conn id -> *participant

	relayed atomic.Uint64
	dropped atomic.Uint64
}

func newVoice(reg *session.Registry) *Voice {
	return &Voice{reg: reg}
}

type flagOp struct {
	flag  func(*participant) *atomic.Bool
	value bool
	event string
}

var flagOps = map[string]flagOp{
	protocol.OpVoiceMute:     {func(p *participant) *atomic.Bool { return &p.muted }, true, protocol.EventVoiceMuted},
	protocol.OpVoiceUnmute:   {func(p *participant) *atomic.Bool { return &p.muted }, false, protocol.EventVoiceUnmuted},
	protocol.OpVoiceDeafen:   {func(p *participant) *atomic.Bool { return &p.deafened }, true, protocol.EventVoiceDeafened},
	protocol.OpVoiceUndeafen: {func(p *participant) *atomic.Bool { return &p.deafened }, false, protocol.EventVoiceUndeafened},
	protocol.OpVideoEnable:   {func(p *participant) *atomic.Bool { return &p.video }, true, protocol.EventVideoEnabled},
	protocol.OpVideoDisable:  {func(p *participant) *atomic.Bool { return &p.video }, false, protocol.EventVideoDisabled},
	protocol.OpStreamEnable:  {func(p *participant) *atomic.Bool { return &p.stream }, true, protocol.EventStreamEnabled},
	protocol.OpStreamDisable: {func(p *participant) *atomic.Bool { return &p.stream }, false, protocol.EventStreamDisabled},
}

type signalKind int

const (
	voiceSignal signalKind = iota
	videoSignal
	streamSignal
)

func isVoiceOp(op string) bool {
	if _, ok := flagOps[op]; ok {
		return true
	}
	switch op {
	case protocol.OpVoiceJoin, protocol.OpVoiceLeave,
		protocol.OpVoiceSignal, protocol.OpVideoSignal, protocol.OpStreamSignal,
		protocol.OpStreamWatch, protocol.OpStreamUnwatch, protocol.OpVoiceParticipants:
		return true
	}
	return false
}

func (v *Voice) handle(e *session.Entry, in protocol.Frame) (any, error) {
	if op, ok := flagOps[in.Type]; ok {
		return v.setFlag(e, op)
	}
	switch in.Type {
	case protocol.OpVoiceJoin:
		return v.Join(e)
	case protocol.OpVoiceLeave:
		return v.Leave(e)
	case protocol.OpVoiceSignal, protocol.OpVideoSignal, protocol.OpStreamSignal:
		var req protocol.SignalRequest
		if err := protocol.DecodeRequest(in.Payload, &req); err != nil {
			return nil, err
		}
		kind := map[string]signalKind{
			protocol.OpVoiceSignal:  voiceSignal,
			protocol.OpVideoSignal:  videoSignal,
			protocol.OpStreamSignal: streamSignal,
		}[in.Type]
		n, err := v.Signal(e, kind, req)
		if err != nil {
			return nil, err
		}
		return map[string]int{"delivered": n}, nil
	case protocol.OpStreamWatch, protocol.OpStreamUnwatch:
		var req protocol.UserRequest
		if err := protocol.DecodeRequest(in.Payload, &req); err != nil {
			return nil, err
		}
		return v.setWatch(e, req.UserID, in.Type == protocol.OpStreamWatch)
	case protocol.OpVoiceParticipants:
		return v.Participants(e.RoomID), nil
	}
	return nil, domain.ErrInvalidRequest.With("unknown operation %q", in.Type)
}

// Join puts the connection into its room's voice channel, replacing any
// stale state, muted with everything else off. A connection that is no
// longer registered cannot join.
func (v *Voice) Join(e *session.Entry) (protocol.VoiceParticipant, error) {
	v.participants.Delete(e.ConnID)
	p := &participant{connID: e.ConnID, userID: e.UserID, roomID: e.RoomID}
	p.muted.Store(true)
	v.participants.Store(e.ConnID, p)

	// The disconnect hook may have run before the store above.
	if cur, ok := v.reg.Lookup(e.ConnID); !ok || cur != e {
		v.participants.CompareAndDelete(e.ConnID, p)
		return protocol.VoiceParticipant{}, domain.ErrNotConnectedToVoiceChannel.With("connection %s is gone", e.ConnID)
	}

	view := p.view()
	v.reg.SendToGroup(e.RoomID, protocol.Event(protocol.EventVoiceJoined, view), "")
	slog.Info("voice joined", "conn_id", e.ConnID, "room_id", e.RoomID, "user_id", e.UserID)
	return view, nil
}

// Leave removes the connection from the voice channel.
func (v *Voice) Leave(e *session.Entry) (protocol.VoiceParticipant, error) {
	p, ok := v.lookup(e)
	if !ok {
		return protocol.VoiceParticipant{}, domain.ErrNotConnectedToVoiceChannel
	}
	v.participants.Delete(e.ConnID)
	view := p.view()
	v.reg.SendToGroup(p.roomID, protocol.Event(protocol.EventVoiceLeft, view), "")
	slog.Info("voice left", "conn_id", e.ConnID, "room_id", p.roomID, "user_id", p.userID)
	return view, nil
}

// remove drops a disconnected connection's state and tells the room.
func (v *Voice) remove(connID string) {
	val, ok := v.participants.LoadAndDelete(connID)
	if !ok {
		return
	}
	p := val.(*participant)
	v.reg.SendToGroup(p.roomID, protocol.Event(protocol.EventVoiceLeft, p.view()), "")
	slog.Info("voice participant disconnected", "conn_id", connID, "room_id", p.roomID, "user_id", p.userID)
}

func (v *Voice) setFlag(e *session.Entry, op flagOp) (protocol.VoiceParticipant, error) {
	p, ok := v.lookup(e)
	if !ok {
		return protocol.VoiceParticipant{}, domain.ErrNotConnectedToVoiceChannel
	}
	op.flag(p).Store(op.value)
	view := p.view()
	v.reg.SendToGroup(p.roomID, protocol.Event(op.event, view), "")
	return view, nil
}

func (v *Voice) setWatch(e *session.Entry, userID string, watch bool) (protocol.VoiceParticipant, error) {
	p, ok := v.lookup(e)
	if !ok {
		return protocol.VoiceParticipant{}, domain.ErrNotConnectedToVoiceChannel
	}
	if watch {
		p.watching.Store(userID, struct{}{})
	} else {
		p.watching.Delete(userID)
	}
	return p.view(), nil
}

// Signal relays signaling data from the caller to the other participants
// of its room: voice to everyone not deafened, video to everyone, stream
// only to those watching the caller. It returns the number of deliveries.
func (v *Voice) Signal(e *session.Entry, kind signalKind, req protocol.SignalRequest) (int, error) {
	sender, ok := v.lookup(e)
	if !ok {
		return 0, domain.ErrNotConnectedToVoiceChannel
	}

	event := protocol.EventVoiceSignal
	switch kind {
	case videoSignal:
		event = protocol.EventVideoSignal
	case streamSignal:
		event = protocol.EventStreamSignal
	}
	frame := protocol.Event(event, protocol.Signal{FromUser: sender.userID, FromConn: sender.connID, Data: req.Data})

	delivered := 0
	for _, member := range v.reg.Members(sender.roomID) {
		if member.ConnID == sender.connID {
			continue
		}
		val, ok := v.participants.Load(member.ConnID)
		if !ok {
			continue
		}
		target := val.(*participant)
		switch kind {
		case voiceSignal:
			if target.deafened.Load() {
				continue
			}
		case streamSignal:
			if !target.watches(sender.userID) {
				continue
			}
		}
		if v.reg.SendToConnection(target.connID, frame) {
			delivered++
			v.relayed.Add(1)
		} else {
			v.dropped.Add(1)
		}
	}
	return delivered, nil
}

// Participants returns the room's voice participants ordered by connection.
func (v *Voice) Participants(roomID string) []protocol.VoiceParticipant {
	out := []protocol.VoiceParticipant{}
	v.participants.Range(func(_, val any) bool {
		p := val.(*participant)
		if p.roomID == roomID {
			out = append(out, p.view())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

// Count returns the number of voice participants across all rooms.
func (v *Voice) Count() int {
	n := 0
	v.participants.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (v *Voice) signalCounts() (relayed, dropped uint64) {
	return v.relayed.Load(), v.dropped.Load()
}

// lookup finds the caller's participant. State left in another room is
// treated as absent.
func (v *Voice) lookup(e *session.Entry) (*participant, bool) {
	val, ok := v.participants.Load(e.ConnID)
	if !ok {
		return nil, false
	}
	p := val.(*participant)
	if p.roomID != e.RoomID {
		return nil, false
	}
	return p, true
}
