package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"driftchat/internal/blob"
	"driftchat/internal/domain"
	"driftchat/internal/protocol"
	"driftchat/internal/quota"
	"driftchat/internal/relay"
	"driftchat/internal/session"
	"driftchat/internal/store"
)

type apiClient struct {
	t  *testing.T
	ts *httptest.Server
}

func startAPI(t *testing.T, quotaBytes int64) *apiClient {
	t.Helper()
	t.Parallel()

	temp := t.TempDir()
	st, err := store.OpenSQLite(filepath.Join(temp, "api.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	blobStore, err := blob.NewStore(filepath.Join(temp, "blobs"))
	if err != nil {
		t.Fatalf("create blob store: %v", err)
	}
	svc := domain.NewService(st, blobStore, domain.Config{})
	rl := relay.New(svc, session.NewRegistry(svc, 16))

	api := New(svc, rl, blobStore, quota.NewTracker(blobStore, quotaBytes), Options{MaxUploadBytes: 1 << 20})
	ts := httptest.NewServer(api.Echo())
	t.Cleanup(ts.Close)
	return &apiClient{t: t, ts: ts}
}

func (a *apiClient) do(method, path, userID string, body io.Reader, contentType string) *http.Response {
	a.t.Helper()
	req, err := http.NewRequest(method, a.ts.URL+path, body)
	if err != nil {
		a.t.Fatalf("new request: %v", err)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		a.t.Fatalf("%s %s: %v", method, path, err)
	}
	a.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (a *apiClient) json(method, path, userID string, in any, wantStatus int, out any) {
	a.t.Helper()
	var body io.Reader
	if in != nil {
		data, _ := json.Marshal(in)
		body = bytes.NewReader(data)
	}
	resp := a.do(method, path, userID, body, "application/json")
	if resp.StatusCode != wantStatus {
		raw, _ := io.ReadAll(resp.Body)
		a.t.Fatalf("%s %s: expected %d, got %d: %s", method, path, wantStatus, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			a.t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
}

func (a *apiClient) expectError(method, path, userID string, in any, wantStatus int, wantCode domain.Code) {
	a.t.Helper()
	var body errorBody
	a.json(method, path, userID, in, wantStatus, &body)
	if body.Code != string(wantCode) {
		a.t.Fatalf("%s %s: expected code %s, got %+v", method, path, wantCode, body)
	}
}

func (a *apiClient) user(name string) protocol.User {
	a.t.Helper()
	var u protocol.User
	a.json(http.MethodPost, "/api/users", "", map[string]any{"name": name}, http.StatusCreated, &u)
	return u
}

func (a *apiClient) upload(roomID, userID, filename string, content []byte) *http.Response {
	a.t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		a.t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write(content)
	_ = w.Close()
	return a.do(http.MethodPost, "/api/rooms/"+roomID+"/attachments", userID, &buf, w.FormDataContentType())
}

func TestHealthAndState(t *testing.T) {
	a := startAPI(t, 1<<20)

	var health healthResponse
	a.json(http.MethodGet, "/health", "", nil, http.StatusOK, &health)
	if health.Status != "ok" || health.Connections != 0 {
		t.Fatalf("unexpected health payload: %#v", health)
	}

	alice := a.user("alice")
	a.json(http.MethodPost, "/api/rooms", alice.ID, map[string]any{"name": "general"}, http.StatusCreated, nil)

	var state protocol.State
	a.json(http.MethodGet, "/api/state", "", nil, http.StatusOK, &state)
	if state.Rooms != 1 || state.Messages != 0 || state.Connections != 0 {
		t.Fatalf("unexpected state payload: %#v", state)
	}
}

func TestUserSettingsAndStatistics(t *testing.T) {
	a := startAPI(t, 1<<20)
	alice := a.user("alice")
	if !alice.StatisticsEnabled {
		t.Fatal("statistics should default to enabled")
	}

	var me protocol.User
	a.json(http.MethodGet, "/api/users/me", alice.ID, nil, http.StatusOK, &me)
	if me.ID != alice.ID || me.Name != "alice" {
		t.Fatalf("unexpected me: %#v", me)
	}

	a.json(http.MethodPost, "/api/rooms", alice.ID, map[string]any{"name": "general"}, http.StatusCreated, nil)
	var stats protocol.Statistics
	a.json(http.MethodGet, "/api/users/me/statistics", alice.ID, nil, http.StatusOK, &stats)
	if stats.RoomsCreated != 1 {
		t.Fatalf("expected one created room, got %#v", stats)
	}

	a.json(http.MethodPut, "/api/users/me/settings", alice.ID, map[string]any{"statistics_enabled": false}, http.StatusOK, &me)
	if me.StatisticsEnabled {
		t.Fatal("statistics still enabled")
	}
	a.json(http.MethodPost, "/api/rooms", alice.ID, map[string]any{"name": "second"}, http.StatusCreated, nil)
	a.json(http.MethodGet, "/api/users/me/statistics", alice.ID, nil, http.StatusOK, &stats)
	if stats.RoomsCreated != 1 {
		t.Fatalf("opted-out user was counted: %#v", stats)
	}

	a.expectError(http.MethodGet, "/api/users/me", "", nil, http.StatusUnauthorized, domain.CodeUserNotFound)
	a.expectError(http.MethodGet, "/api/users/me", "nobody", nil, http.StatusNotFound, domain.CodeUserNotFound)
	a.expectError(http.MethodPost, "/api/users", "", map[string]any{"name": "x"}, http.StatusBadRequest, domain.CodeStringTooShort)
}

func TestRoomMembershipLifecycle(t *testing.T) {
	a := startAPI(t, 1<<20)
	owner, bob := a.user("owner"), a.user("bob")

	var room protocol.Room
	a.json(http.MethodPost, "/api/rooms", owner.ID, map[string]any{"name": "general"}, http.StatusCreated, &room)

	a.expectError(http.MethodGet, "/api/rooms/"+room.ID, bob.ID, nil, http.StatusForbidden, domain.CodeIssuerNotInRoom)
	a.expectError(http.MethodGet, "/api/rooms/missing", bob.ID, nil, http.StatusNotFound, domain.CodeRoomNotFound)

	a.json(http.MethodPost, "/api/rooms/"+room.ID+"/join", bob.ID, nil, http.StatusOK, &room)
	if len(room.Members) != 2 {
		t.Fatalf("expected two members, got %v", room.Members)
	}
	a.expectError(http.MethodPost, "/api/rooms/"+room.ID+"/join", bob.ID, nil, http.StatusConflict, domain.CodeInvalidAction)

	var rooms []protocol.Room
	a.json(http.MethodGet, "/api/rooms", bob.ID, nil, http.StatusOK, &rooms)
	if len(rooms) != 1 || rooms[0].ID != room.ID {
		t.Fatalf("unexpected room list %#v", rooms)
	}

	a.expectError(http.MethodDelete, "/api/rooms/"+room.ID+"/members/"+owner.ID, bob.ID, nil, http.StatusForbidden, domain.CodeNotEnoughPermissions)
	a.json(http.MethodDelete, "/api/rooms/"+room.ID+"/members/"+bob.ID, owner.ID, nil, http.StatusNoContent, nil)
	a.expectError(http.MethodGet, "/api/rooms/"+room.ID, bob.ID, nil, http.StatusForbidden, domain.CodeIssuerNotInRoom)

	a.json(http.MethodPost, "/api/rooms/"+room.ID+"/join", bob.ID, nil, http.StatusOK, nil)
	a.json(http.MethodPost, "/api/rooms/"+room.ID+"/leave", bob.ID, nil, http.StatusNoContent, nil)
	a.json(http.MethodGet, "/api/rooms", bob.ID, nil, http.StatusOK, &rooms)
	if len(rooms) != 0 {
		t.Fatalf("expected no rooms after leaving, got %#v", rooms)
	}
}

func TestHistoryValidatesLimit(t *testing.T) {
	a := startAPI(t, 1<<20)
	alice := a.user("alice")
	var room protocol.Room
	a.json(http.MethodPost, "/api/rooms", alice.ID, map[string]any{"name": "general"}, http.StatusCreated, &room)

	var msgs []protocol.Message
	a.json(http.MethodGet, "/api/rooms/"+room.ID+"/messages", alice.ID, nil, http.StatusOK, &msgs)
	if len(msgs) != 0 {
		t.Fatalf("expected empty history, got %d", len(msgs))
	}
	a.expectError(http.MethodGet, "/api/rooms/"+room.ID+"/messages?limit=-1", alice.ID, nil, http.StatusBadRequest, domain.CodeInvalidRequest)
}

func TestUploadDownloadAndQuota(t *testing.T) {
	a := startAPI(t, 16)
	alice, bob := a.user("alice"), a.user("bob")
	var room protocol.Room
	a.json(http.MethodPost, "/api/rooms", alice.ID, map[string]any{"name": "general"}, http.StatusCreated, &room)

	content := []byte("hello, driftchat")
	resp := a.upload(room.ID, alice.ID, "greeting.txt", content)
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 201 from upload, got %d: %s", resp.StatusCode, raw)
	}
	var att protocol.Attachment
	if err := json.NewDecoder(resp.Body).Decode(&att); err != nil {
		t.Fatalf("decode attachment: %v", err)
	}
	if att.Size != int64(len(content)) || att.Filename != "greeting.txt" || att.MessageID != nil {
		t.Fatalf("unexpected attachment %#v", att)
	}

	var q protocol.Quota
	a.json(http.MethodGet, "/api/rooms/"+room.ID+"/quota", alice.ID, nil, http.StatusOK, &q)
	if q.Quota != 16 || q.Occupied != 16 || q.FreeBytes != 0 {
		t.Fatalf("unexpected quota %#v", q)
	}

	over := a.upload(room.ID, alice.ID, "more.txt", []byte("x"))
	if over.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 over quota, got %d", over.StatusCode)
	}
	var body errorBody
	_ = json.NewDecoder(over.Body).Decode(&body)
	if body.Code != string(domain.CodeNotEnoughSpace) {
		t.Fatalf("expected NotEnoughSpace, got %#v", body)
	}

	dl := a.do(http.MethodGet, "/api/attachments/"+att.ID, alice.ID, nil, "")
	if dl.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from download, got %d", dl.StatusCode)
	}
	got, _ := io.ReadAll(dl.Body)
	if !bytes.Equal(got, content) {
		t.Fatalf("downloaded %q, want %q", got, content)
	}
	if cd := dl.Header.Get("Content-Disposition"); !strings.Contains(cd, "greeting.txt") {
		t.Fatalf("unexpected content disposition %q", cd)
	}

	a.expectError(http.MethodGet, "/api/attachments/"+att.ID, bob.ID, nil, http.StatusForbidden, domain.CodeIssuerNotInRoom)
	a.expectError(http.MethodGet, "/api/attachments/missing", alice.ID, nil, http.StatusNotFound, domain.CodeAttachmentNotFound)

	nonMember := a.upload(room.ID, bob.ID, "x.txt", []byte("x"))
	if nonMember.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member upload, got %d", nonMember.StatusCode)
	}
}
