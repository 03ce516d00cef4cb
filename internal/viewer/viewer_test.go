package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/infinitchat/internal/blob"
	"github.com/petervdpas/infinitchat/internal/call"
	"github.com/petervdpas/infinitchat/internal/chat"
	"github.com/petervdpas/infinitchat/internal/friends"
	"github.com/petervdpas/infinitchat/internal/logtail"
	"github.com/petervdpas/infinitchat/internal/media/mediatest"
	"github.com/petervdpas/infinitchat/internal/profile"
	"github.com/petervdpas/infinitchat/internal/store/memstore"
)

type fixture struct {
	st       *memstore.Store
	profiles *profile.Service
	srv      *httptest.Server
}

func newFixture(t *testing.T, v Viewer) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memstore.New(nil)
	t.Cleanup(func() { _ = st.Close() })

	profiles := profile.New(st)
	for _, id := range []string{"alice", "bob"} {
		_, err := profiles.Signup(ctx, profile.Account{ID: id, DisplayName: strings.ToUpper(id[:1]) + id[1:]})
		require.NoError(t, err)
	}

	v.SelfID = "bob"
	v.Profiles = profiles
	if v.Friends == nil {
		v.Friends = friends.New(st, "bob", friends.AcceptBestEffort)
	}
	if v.Chat == nil {
		v.Chat = chat.New(st, "bob", 10)
	}
	srv := httptest.NewServer(Handler(v))
	t.Cleanup(srv.Close)
	return &fixture{st: st, profiles: profiles, srv: srv}
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) post(t *testing.T, path string, body any) int {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestSelfAndUsers(t *testing.T) {
	f := newFixture(t, Viewer{})

	var self profile.User
	require.Equal(t, http.StatusOK, f.get(t, "/api/self", &self))
	assert.Equal(t, "Bob", self.DisplayName)

	var users []profile.User
	require.Equal(t, http.StatusOK, f.get(t, "/api/users", &users))
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].ID)

	var avail map[string]bool
	require.Equal(t, http.StatusOK, f.get(t, "/api/users/name-available?name=Alice", &avail))
	assert.False(t, avail["available"])

	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/users/nobody", nil))

	assert.Equal(t, http.StatusOK, f.post(t, "/api/self", map[string]string{"bio": "hi"}))
	require.Equal(t, http.StatusOK, f.get(t, "/api/self", &self))
	assert.Equal(t, "hi", self.Bio)
	assert.Equal(t, "Bob", self.DisplayName, "absent fields are left alone")

	assert.Equal(t, http.StatusConflict, f.post(t, "/api/self", map[string]string{"displayName": "Alice"}))
}

func TestFriendRequestFlow(t *testing.T) {
	f := newFixture(t, Viewer{})
	ctx := context.Background()

	id, err := friends.New(f.st, "alice", friends.AcceptBestEffort).SendRequest(ctx, "bob")
	require.NoError(t, err)

	var pending []friends.Request
	require.Equal(t, http.StatusOK, f.get(t, "/api/friends/requests", &pending))
	require.Len(t, pending, 1)

	assert.Equal(t, http.StatusBadRequest, f.post(t, "/api/friends/accept", map[string]string{"request_id": id}))
	assert.Equal(t, http.StatusOK, f.post(t, "/api/friends/accept", map[string]string{"request_id": id, "from": "alice"}))

	var list []profile.User
	require.Equal(t, http.StatusOK, f.get(t, "/api/friends", &list))
	require.Len(t, list, 1)
	assert.Equal(t, "alice", list[0].ID)

	assert.Equal(t, http.StatusBadRequest, f.post(t, "/api/friends/request", map[string]string{"to": "bob"}))
}

func TestChatRoutes(t *testing.T) {
	f := newFixture(t, Viewer{})

	assert.Equal(t, http.StatusOK, f.post(t, "/api/chat/send", map[string]string{"peer_id": "alice", "text": "hey"}))
	assert.Equal(t, http.StatusBadRequest, f.post(t, "/api/chat/send", map[string]string{"peer_id": "alice", "text": "  "}))

	var msgs []chat.Message
	require.Equal(t, http.StatusOK, f.get(t, "/api/chat/history?peer_id=alice", &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "hey", msgs[0].Content)
}

func TestInvalidJSONBody(t *testing.T) {
	f := newFixture(t, Viewer{})
	resp, err := http.Post(f.srv.URL+"/api/chat/send", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNoCacheOnAPI(t *testing.T) {
	f := newFixture(t, Viewer{})
	resp, err := http.Get(f.srv.URL + "/api/self")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-store")

	resp, err = http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Pragma"))
}

func TestRateLimitMutations(t *testing.T) {
	f := newFixture(t, Viewer{RateLimitPerSec: 0.001, RateLimitBurst: 2})
	body := map[string]string{"peer_id": "alice", "text": "x"}

	assert.Equal(t, http.StatusOK, f.post(t, "/api/chat/send", body))
	assert.Equal(t, http.StatusOK, f.post(t, "/api/chat/send", body))
	assert.Equal(t, http.StatusTooManyRequests, f.post(t, "/api/chat/send", body))

	// Reads are never limited.
	assert.Equal(t, http.StatusOK, f.get(t, "/api/self", nil))
}

func TestRateLimiterForgetsIdleVisitors(t *testing.T) {
	now := time.Unix(0, 0)
	l := newRateLimiter(0.001, 1)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	assert.True(t, l.allow("b"), "separate bucket per key")

	now = now.Add(visitorTTL + time.Second)
	l.allow("c")
	l.mu.Lock()
	_, kept := l.visitors["a"]
	l.mu.Unlock()
	assert.False(t, kept)
}

func TestCallRoutesWithoutCall(t *testing.T) {
	calls := call.New(call.Options{Devices: &mediatest.Devices{}})
	t.Cleanup(calls.Close)
	f := newFixture(t, Viewer{Calls: calls})

	var st call.State
	require.Equal(t, http.StatusOK, f.get(t, "/api/call/state", &st))
	assert.Equal(t, call.Idle, st.Phase)

	assert.Equal(t, http.StatusConflict, f.post(t, "/api/call/answer", nil))
	assert.Equal(t, http.StatusConflict, f.post(t, "/api/call/reject", nil))
	assert.Equal(t, http.StatusConflict, f.post(t, "/api/call/toggle-mute", nil))
	assert.Equal(t, http.StatusBadRequest, f.post(t, "/api/call/dial", map[string]string{}))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/call/history?n=x", nil))

	var hist []call.Record
	require.Equal(t, http.StatusOK, f.get(t, "/api/call/history", &hist))
	assert.Empty(t, hist)
}

func TestCallEventsWebsocket(t *testing.T) {
	calls := call.New(call.Options{Devices: &mediatest.Devices{}})
	t.Cleanup(calls.Close)
	f := newFixture(t, Viewer{Calls: calls})

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/call/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var first struct {
		Type  string `json:"type"`
		Phase string `json:"phase"`
	}
	require.NoError(t, ws.ReadJSON(&first))
	assert.Equal(t, "state", first.Type)
	assert.Equal(t, "idle", first.Phase)
}

func TestLogRoutes(t *testing.T) {
	b := logtail.New(10, nil)
	require.NoError(t, b.Pump(strings.NewReader(
		"2026-10-17T12:00:00.000Z\tINFO\tapp\tapp/run.go:87\tAPP: started\n" +
			"2026-10-17T12:00:01.000Z\tWARN\tcall\tcall/manager.go:150\tCALL: no camera\n" +
			"plain line\n")))
	f := newFixture(t, Viewer{Logs: b})

	var all []logtail.Entry
	require.Equal(t, http.StatusOK, f.get(t, "/api/logs", &all))
	assert.Len(t, all, 3)

	var last []logtail.Entry
	require.Equal(t, http.StatusOK, f.get(t, "/api/logs?n=1", &last))
	require.Len(t, last, 1)
	assert.Equal(t, "plain line", last[0].Msg)

	var warn []logtail.Entry
	require.Equal(t, http.StatusOK, f.get(t, "/api/logs?level=warn", &warn))
	require.Len(t, warn, 1)
	assert.Equal(t, "CALL: no camera", warn[0].Msg)
	assert.Equal(t, "call", warn[0].Logger)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/logs?level=loud", nil))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/logs?n=-1", nil))
}

func uploadPhoto(t *testing.T, f *fixture, contentType string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="file"; filename="me.png"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, _ = part.Write([]byte("png-bytes"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(f.srv.URL+"/api/self/photo", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	return resp
}

func TestSelfPhotoUpload(t *testing.T) {
	blobs := blob.NewMemory("http://cdn.test")
	f := newFixture(t, Viewer{Blobs: blobs})

	resp := uploadPhoto(t, f, "image/png")
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(out["photoURL"], "http://cdn.test/avatars/bob/"))

	var self profile.User
	require.Equal(t, http.StatusOK, f.get(t, "/api/self", &self))
	assert.Equal(t, out["photoURL"], self.PhotoURL)

	resp = uploadPhoto(t, f, "text/plain")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSelfPhotoWithoutBlobStore(t *testing.T) {
	f := newFixture(t, Viewer{})
	resp := uploadPhoto(t, f, "image/png")
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
