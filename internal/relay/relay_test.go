package relay

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"driftchat/internal/blob"
	"driftchat/internal/domain"
	"driftchat/internal/protocol"
	"driftchat/internal/session"
	"driftchat/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testConn struct {
	id     string
	closed atomic.Int32
}

func (c *testConn) ID() string     { return c.id }
func (c *testConn) Close(string)   { c.closed.Add(1) }
func (c *testConn) isClosed() bool { return c.closed.Load() > 0 }

type harness struct {
	relay *Relay
	svc   *domain.Service
	files *blob.Store
	clock *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.OpenSQLite(filepath.Join(dir, "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	files, err := blob.NewStore(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("open blobs: %v", err)
	}
	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	svc := domain.NewService(st, files, domain.Config{Now: c.Now})
	reg := session.NewRegistry(svc, 128)
	return &harness{relay: New(svc, reg), svc: svc, files: files, clock: c}
}

func (h *harness) user(t *testing.T, name string) string {
	t.Helper()
	u, err := h.svc.CreateUser(context.Background(), name, true)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u.ID
}

func (h *harness) room(t *testing.T, expiresIn time.Duration, owner string, members ...string) string {
	t.Helper()
	ctx := context.Background()
	var exp *time.Time
	if expiresIn > 0 {
		e := h.clock.Now().Add(expiresIn)
		exp = &e
	}
	r, err := h.relay.CreateRoom(ctx, owner, "room-"+owner[:4], exp)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	for _, m := range members {
		if _, err := h.relay.JoinRoom(ctx, r.ID, m); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	return r.ID
}

type client struct {
	entry *session.Entry
	conn  *testConn
}

func (h *harness) connect(t *testing.T, connID, roomID, userID string) *client {
	t.Helper()
	conn := &testConn{id: connID}
	e, err := h.relay.OnConnect(context.Background(), conn, roomID, userID)
	if err != nil {
		t.Fatalf("connect %s: %v", connID, err)
	}
	return &client{entry: e, conn: conn}
}

func (h *harness) call(c *client, op, reqID string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	h.relay.Dispatch(context.Background(), c.entry.ConnID, protocol.Frame{Type: op, ReqID: reqID, Payload: raw})
}

// next returns the next frame that is not a presence update.
func (c *client) next(t *testing.T) (protocol.Frame, bool) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-c.entry.Outbox():
			if !ok {
				return protocol.Frame{}, false
			}
			if f.Type == protocol.EventPresence {
				continue
			}
			return f, true
		case <-timeout:
			t.Fatal("timed out waiting for a frame")
			return protocol.Frame{}, false
		}
	}
}

func (c *client) expect(t *testing.T, frameType string) protocol.Frame {
	t.Helper()
	f, ok := c.next(t)
	if !ok {
		t.Fatalf("connection closed while waiting for %s", frameType)
	}
	if f.Type != frameType {
		t.Fatalf("expected %s, got %s (code=%s err=%s)", frameType, f.Type, f.Code, f.Error)
	}
	return f
}

func (c *client) expectError(t *testing.T, code domain.Code) {
	t.Helper()
	f := c.expect(t, protocol.TypeError)
	if f.Code != string(code) {
		t.Fatalf("expected code %s, got %s (%s)", code, f.Code, f.Error)
	}
}

// quiet asserts that nothing but presence updates are queued.
func (c *client) quiet(t *testing.T) {
	t.Helper()
	for {
		select {
		case f, ok := <-c.entry.Outbox():
			if !ok {
				t.Fatal("connection unexpectedly closed")
			}
			if f.Type != protocol.EventPresence {
				t.Fatalf("unexpected frame %s", f.Type)
			}
		default:
			return
		}
	}
}

func (c *client) expectClosed(t *testing.T) {
	t.Helper()
	for {
		if _, ok := c.next(t); !ok {
			break
		}
	}
	if !c.conn.isClosed() {
		t.Fatal("transport was not closed")
	}
}

func TestSendMessageBroadcastsToRoomOnly(t *testing.T) {
	h := newHarness(t)
	alice, bob, carol := h.user(t, "alice"), h.user(t, "bob"), h.user(t, "carol")
	r1 := h.room(t, 0, alice, bob)
	r2 := h.room(t, 0, carol)

	a := h.connect(t, "c-a", r1, alice)
	b := h.connect(t, "c-b", r1, bob)
	c := h.connect(t, "c-c", r2, carol)

	h.call(a, protocol.OpSendMessage, "1", protocol.SendMessageRequest{Content: "Hello!"})

	ev := b.expect(t, protocol.EventMessageSent)
	var msg protocol.Message
	if err := ev.Decode(&msg); err != nil || msg.Content != "Hello!" || msg.AuthorID != alice || msg.RoomID != r1 {
		t.Fatalf("unexpected message event %+v err=%v", msg, err)
	}
	a.expect(t, protocol.EventMessageSent)
	res := a.expect(t, protocol.TypeResult)
	if res.ReqID != "1" {
		t.Fatalf("expected req_id echo, got %q", res.ReqID)
	}
	c.quiet(t)
}

func TestFailedCallRepliesOnlyToCaller(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	r := h.room(t, 0, alice, bob)
	a := h.connect(t, "c-a", r, alice)
	b := h.connect(t, "c-b", r, bob)

	h.call(a, protocol.OpSendMessage, "1", protocol.SendMessageRequest{Content: "mine"})
	var msg protocol.Message
	_ = a.expect(t, protocol.EventMessageSent).Decode(&msg)
	a.expect(t, protocol.TypeResult)
	b.expect(t, protocol.EventMessageSent)

	h.call(b, protocol.OpEditMessage, "2", protocol.EditMessageRequest{MessageID: msg.ID, Content: "stolen"})
	b.expectError(t, domain.CodeNotEnoughPermissions)
	a.quiet(t)
	if b.conn.isClosed() {
		t.Fatal("permission errors on foreign messages must not abort")
	}

	h.call(a, protocol.OpSendMessage, "3", protocol.SendMessageRequest{Content: ""})
	a.expectError(t, domain.CodeEmptyMessage)
	b.quiet(t)

	h.call(a, "does_not_exist", "4", nil)
	a.expectError(t, domain.CodeInvalidRequest)
}

func TestExpiredRoomAbortsConnectionAndSweeps(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	r := h.room(t, time.Hour, alice)
	a := h.connect(t, "c-a", r, alice)

	h.clock.Advance(2 * time.Hour)
	h.call(a, protocol.OpSendMessage, "1", protocol.SendMessageRequest{Content: "too late"})
	a.expectError(t, domain.CodeRoomExpired)
	a.expectClosed(t)

	if _, ok := h.relay.Registry().Lookup("c-a"); ok {
		t.Fatal("aborted connection still registered")
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		_, err := h.svc.Room(context.Background(), r, alice)
		if errors.Is(err, domain.ErrRoomNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected background sweep to delete room, last err %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := h.relay.OnConnect(context.Background(), &testConn{id: "c-b"}, r, alice); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected reconnect to fail RoomNotFound, got %v", err)
	}
}

func TestDuplicateReactionRejected(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	r := h.room(t, 0, alice)
	a := h.connect(t, "c-a", r, alice)

	h.call(a, protocol.OpSendMessage, "1", protocol.SendMessageRequest{Content: "react"})
	var msg protocol.Message
	_ = a.expect(t, protocol.EventMessageSent).Decode(&msg)
	a.expect(t, protocol.TypeResult)

	h.call(a, protocol.OpAddReaction, "2", protocol.AddReactionRequest{MessageID: msg.ID, Symbol: "+1"})
	a.expect(t, protocol.EventReactionAdded)
	a.expect(t, protocol.TypeResult)

	h.call(a, protocol.OpAddReaction, "3", protocol.AddReactionRequest{MessageID: msg.ID, Symbol: "+1"})
	a.expectError(t, domain.CodeInvalidAction)
	if a.conn.isClosed() {
		t.Fatal("duplicate reaction must not abort")
	}
}

func TestMuteRequiresVoiceAndStaysInRoom(t *testing.T) {
	h := newHarness(t)
	alice, bob, carol := h.user(t, "alice"), h.user(t, "bob"), h.user(t, "carol")
	r1 := h.room(t, 0, alice, bob)
	r2 := h.room(t, 0, carol)
	a := h.connect(t, "c-a", r1, alice)
	b := h.connect(t, "c-b", r1, bob)
	c := h.connect(t, "c-c", r2, carol)

	h.call(a, protocol.OpVoiceMute, "1", nil)
	a.expectError(t, domain.CodeNotConnectedToVoiceChannel)
	b.quiet(t)

	h.call(a, protocol.OpVoiceJoin, "2", nil)
	joined := b.expect(t, protocol.EventVoiceJoined)
	var p protocol.VoiceParticipant
	if err := joined.Decode(&p); err != nil || !p.Muted || p.Deafened || p.Video || p.Stream {
		t.Fatalf("unexpected initial voice state %+v err=%v", p, err)
	}
	a.expect(t, protocol.EventVoiceJoined)
	a.expect(t, protocol.TypeResult)

	h.call(a, protocol.OpVoiceUnmute, "3", nil)
	b.expect(t, protocol.EventVoiceUnmuted)
	a.expect(t, protocol.EventVoiceUnmuted)
	a.expect(t, protocol.TypeResult)

	h.call(a, protocol.OpVoiceMute, "4", nil)
	b.expect(t, protocol.EventVoiceMuted)
	c.quiet(t)
}

func joinVoice(t *testing.T, h *harness, clients ...*client) {
	t.Helper()
	for _, c := range clients {
		h.call(c, protocol.OpVoiceJoin, "join", nil)
	}
	for _, c := range clients {
		for {
			f, ok := c.next(t)
			if !ok {
				t.Fatal("closed during voice join")
			}
			if f.Type == protocol.TypeResult {
				break
			}
		}
	}
	// Drain remaining join announcements.
	for _, c := range clients {
		for len(c.entry.Outbox()) > 0 {
			<-c.entry.Outbox()
		}
	}
}

func delivered(t *testing.T, f protocol.Frame) int {
	t.Helper()
	var out map[string]int
	if err := f.Decode(&out); err != nil {
		t.Fatalf("decode delivery count: %v", err)
	}
	return out["delivered"]
}

func TestStreamSignalFollowsWatchList(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	r := h.room(t, 0, alice, bob)
	a := h.connect(t, "c-a", r, alice)
	b := h.connect(t, "c-b", r, bob)
	joinVoice(t, h, a, b)

	signal := protocol.SignalRequest{Data: json.RawMessage(`{"sdp":"offer"}`)}

	h.call(a, protocol.OpStreamSignal, "1", signal)
	if n := delivered(t, a.expect(t, protocol.TypeResult)); n != 0 {
		t.Fatalf("expected no delivery without watchers, got %d", n)
	}
	b.quiet(t)

	h.call(b, protocol.OpStreamWatch, "2", protocol.UserRequest{UserID: alice})
	b.expect(t, protocol.TypeResult)

	h.call(a, protocol.OpStreamSignal, "3", signal)
	ev := b.expect(t, protocol.EventStreamSignal)
	var sig protocol.Signal
	if err := ev.Decode(&sig); err != nil || sig.FromUser != alice || string(sig.Data) != `{"sdp":"offer"}` {
		t.Fatalf("unexpected signal %+v err=%v", sig, err)
	}
	if n := delivered(t, a.expect(t, protocol.TypeResult)); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}

	h.call(b, protocol.OpStreamUnwatch, "4", protocol.UserRequest{UserID: alice})
	b.expect(t, protocol.TypeResult)
	h.call(a, protocol.OpStreamSignal, "5", signal)
	a.expect(t, protocol.TypeResult)
	b.quiet(t)
}

func TestVoiceSignalSkipsDeafenedButVideoDoesNot(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	r := h.room(t, 0, alice, bob)
	a := h.connect(t, "c-a", r, alice)
	b := h.connect(t, "c-b", r, bob)
	joinVoice(t, h, a, b)

	h.call(b, protocol.OpVoiceDeafen, "1", nil)
	b.expect(t, protocol.EventVoiceDeafened)
	b.expect(t, protocol.TypeResult)
	a.expect(t, protocol.EventVoiceDeafened)

	signal := protocol.SignalRequest{Data: json.RawMessage(`"ice"`)}
	h.call(a, protocol.OpVoiceSignal, "2", signal)
	if n := delivered(t, a.expect(t, protocol.TypeResult)); n != 0 {
		t.Fatalf("deafened participant received voice, delivered=%d", n)
	}
	b.quiet(t)

	h.call(a, protocol.OpVideoSignal, "3", signal)
	b.expect(t, protocol.EventVideoSignal)
	if n := delivered(t, a.expect(t, protocol.TypeResult)); n != 1 {
		t.Fatalf("expected video delivered once, got %d", n)
	}

	if s := h.relay.Stats(); s.SignalsRelayed != 1 || s.VoiceParticipants != 2 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestDisconnectRemovesVoiceParticipant(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	r := h.room(t, 0, alice, bob)
	a := h.connect(t, "c-a", r, alice)
	b := h.connect(t, "c-b", r, bob)
	joinVoice(t, h, a)
	b.expect(t, protocol.EventVoiceJoined)

	h.relay.OnDisconnect(a.entry.ConnID)
	b.expect(t, protocol.EventVoiceLeft)
	if got := h.relay.Voice().Participants(r); len(got) != 0 {
		t.Fatalf("expected no participants, got %+v", got)
	}
}

func TestVoiceJoinAfterAbortLeavesNoParticipant(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	r := h.room(t, 0, alice, bob)
	a := h.connect(t, "c-a", r, alice)
	b := h.connect(t, "c-b", r, bob)

	// The call resolved its entry before the connection was kicked.
	stale := a.entry
	h.relay.Registry().Abort(stale.ConnID, "kicked")

	if _, err := h.relay.Voice().Join(stale); !errors.Is(err, domain.ErrNotConnectedToVoiceChannel) {
		t.Fatalf("expected NotConnectedToVoiceChannel, got %v", err)
	}
	if n := h.relay.Voice().Count(); n != 0 {
		t.Fatalf("expected no voice participants, got %d", n)
	}
	if got := h.relay.Voice().Participants(r); len(got) != 0 {
		t.Fatalf("expected no participants in room, got %+v", got)
	}
	b.quiet(t)
}

func TestVoiceCallsInExpiredRoomAbort(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.user(t, "alice"), h.user(t, "bob")
	r := h.room(t, time.Hour, alice, bob)
	a := h.connect(t, "c-a", r, alice)
	b := h.connect(t, "c-b", r, bob)
	joinVoice(t, h, a)
	b.expect(t, protocol.EventVoiceJoined)

	h.clock.Advance(2 * time.Hour)
	h.call(a, protocol.OpVoiceMute, "1", nil)
	a.expectError(t, domain.CodeRoomExpired)
	a.expectClosed(t)

	h.call(b, protocol.OpVoiceJoin, "2", nil)
	for {
		f, ok := b.next(t)
		if !ok {
			break
		}
		switch f.Type {
		case protocol.EventVoiceMuted, protocol.EventVoiceJoined:
			t.Fatalf("%s broadcast in an expired room", f.Type)
		case protocol.TypeError:
			if f.Code != string(domain.CodeRoomExpired) && f.Code != string(domain.CodeRoomNotFound) {
				t.Fatalf("expected RoomExpired or RoomNotFound, got %s", f.Code)
			}
		}
	}
	if !b.conn.isClosed() {
		t.Fatal("expected the expired room's connections to be aborted")
	}
	if n := h.relay.Voice().Count(); n != 0 {
		t.Fatalf("expected no voice participants, got %d", n)
	}
}

func TestKickAbortsTargetConnections(t *testing.T) {
	h := newHarness(t)
	owner, bob := h.user(t, "owner"), h.user(t, "bob")
	r := h.room(t, 0, owner, bob)
	o := h.connect(t, "c-o", r, owner)
	b := h.connect(t, "c-b", r, bob)

	h.call(b, protocol.OpKickMember, "1", protocol.UserRequest{UserID: owner})
	b.expectError(t, domain.CodeNotEnoughPermissions)

	h.call(o, protocol.OpKickMember, "2", protocol.UserRequest{UserID: bob})
	o.expect(t, protocol.EventMemberKicked)
	o.expect(t, protocol.TypeResult)
	b.expect(t, protocol.EventMemberKicked)
	b.expectClosed(t)

	if _, err := h.relay.OnConnect(context.Background(), &testConn{id: "c-b2"}, r, bob); !errors.Is(err, domain.ErrIssuerNotInRoom) {
		t.Fatalf("kicked user reconnected: %v", err)
	}
}

func TestLeaveRoomRepliesThenAborts(t *testing.T) {
	h := newHarness(t)
	owner, bob := h.user(t, "owner"), h.user(t, "bob")
	r := h.room(t, 0, owner, bob)
	o := h.connect(t, "c-o", r, owner)
	b := h.connect(t, "c-b", r, bob)

	h.call(b, protocol.OpLeaveRoom, "1", nil)
	b.expect(t, protocol.EventMemberLeft)
	b.expect(t, protocol.TypeResult)
	b.expectClosed(t)
	o.expect(t, protocol.EventMemberLeft)
}

func TestClearRoomProgressGoesToCallerOnly(t *testing.T) {
	h := newHarness(t)
	owner, bob := h.user(t, "owner"), h.user(t, "bob")
	r := h.room(t, 0, owner, bob)
	for _, content := range []string{"one", "two"} {
		if _, err := h.files.Put(r, strings.NewReader(content)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	o := h.connect(t, "c-o", r, owner)
	b := h.connect(t, "c-b", r, bob)

	h.call(b, protocol.OpClearRoom, "1", nil)
	b.expectError(t, domain.CodeNotEnoughPermissions)

	h.call(o, protocol.OpClearRoom, "2", nil)
	o.expect(t, protocol.EventFileDeleted)
	o.expect(t, protocol.EventFileDeleted)
	o.expect(t, protocol.EventRoomCleared)
	var done protocol.RoomCleared
	if err := o.expect(t, protocol.TypeResult).Decode(&done); err != nil || done.Deleted != 2 {
		t.Fatalf("unexpected clear result %+v err=%v", done, err)
	}
	b.expect(t, protocol.EventRoomCleared)
	b.quiet(t)
}

func TestHistoryOverConnection(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	r := h.room(t, 0, alice)
	a := h.connect(t, "c-a", r, alice)

	for _, c := range []string{"first", "second", "third"} {
		h.call(a, protocol.OpSendMessage, c, protocol.SendMessageRequest{Content: c})
		a.expect(t, protocol.EventMessageSent)
		a.expect(t, protocol.TypeResult)
	}

	h.call(a, protocol.OpGetMessages, "h", protocol.HistoryRequest{Limit: 2})
	var page []protocol.Message
	if err := a.expect(t, protocol.TypeResult).Decode(&page); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(page) != 2 || page[0].Content != "third" || page[1].Content != "second" {
		t.Fatalf("unexpected page %+v", page)
	}
}
