// internal/handlers/friend_test.go
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/sipsocial/internal/auth"
	"github.com/jason-s-yu/sipsocial/internal/database"
	"github.com/jason-s-yu/sipsocial/internal/friends"
	"github.com/jason-s-yu/sipsocial/internal/friendship"
	"github.com/jason-s-yu/sipsocial/internal/middleware"
	"github.com/jason-s-yu/sipsocial/internal/models"
	"github.com/jason-s-yu/sipsocial/internal/realtime"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testUser struct {
	id    uuid.UUID
	token string
}

func newTestUser(t *testing.T) testUser {
	t.Helper()
	id := uuid.New()
	tok, err := auth.CreateJWT(id)
	require.NoError(t, err)
	return testUser{id: id, token: tok}
}

// newTestServer serves the friend routes over an in-memory store.
func newTestServer(t *testing.T, store friendship.Store) *httptest.Server {
	t.Helper()
	return newCachedTestServer(t, store, nil)
}

func newCachedTestServer(t *testing.T, store friendship.Store, cache friends.ListCache) *httptest.Server {
	t.Helper()
	require.NoError(t, auth.Init(0))

	logger, _ := test.NewNullLogger()
	hub := realtime.NewHub(logger)
	if store == nil {
		store = database.NewMemoryStore(hub.Publish)
	}
	fs := NewFriendServer(friendship.NewService(store, logger), friendship.NewListener(hub, logger), cache, logger)

	mux := http.NewServeMux()
	fs.Routes(mux, middleware.LogMiddleware(logger))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path string, u *testUser, body string) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, rdr)
	require.NoError(t, err)
	if u != nil {
		req.Header.Set("Cookie", auth.CookieName+"="+u.token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func errorMessage(t *testing.T, data []byte) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	return body.Error
}

func relation(t *testing.T, srv *httptest.Server, u testUser, other uuid.UUID) string {
	t.Helper()
	code, data := call(t, srv, "GET", "/friends/status?user_id="+other.String(), &u, "")
	require.Equal(t, http.StatusOK, code)
	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	return body.Status
}

// TestFriendFlow walks a request from send through accept and removal.
func TestFriendFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	alice, bob := newTestUser(t), newTestUser(t)

	code, data := call(t, srv, "POST", "/friends/request", &alice, `{"friend_id":"`+bob.id.String()+`"}`)
	if code != http.StatusCreated {
		t.Fatalf("expected 201 created, got %d, body=%s", code, data)
	}
	var sent models.Friendship
	require.NoError(t, json.Unmarshal(data, &sent))
	assert.Equal(t, models.StatusPending, sent.Status)

	code, data = call(t, srv, "GET", "/friends/pending", &bob, "")
	require.Equal(t, http.StatusOK, code)
	var pending []models.Friendship
	require.NoError(t, json.Unmarshal(data, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, sent.ID, pending[0].ID)
	assert.Equal(t, "pending_sent", relation(t, srv, alice, bob.id))
	assert.Equal(t, "pending_received", relation(t, srv, bob, alice.id))

	code, data = call(t, srv, "POST", "/friends/accept", &bob, `{"id":"`+sent.ID.String()+`"}`)
	if code != http.StatusOK {
		t.Fatalf("expected 200 ok, got %d, body=%s", code, data)
	}

	for _, u := range []testUser{alice, bob} {
		code, data = call(t, srv, "GET", "/friends/list", &u, "")
		require.Equal(t, http.StatusOK, code)
		var flist []models.Friendship
		require.NoError(t, json.Unmarshal(data, &flist))
		require.Len(t, flist, 1)
		assert.Equal(t, models.StatusAccepted, flist[0].Status)
	}

	code, data = call(t, srv, "GET", "/friends/are-friends?user_id="+bob.id.String(), &alice, "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"friends":true}`, string(data))

	code, _ = call(t, srv, "POST", "/friends/remove", &bob, `{"friend_id":"`+alice.id.String()+`"}`)
	require.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, "none", relation(t, srv, alice, bob.id))

	code, data = call(t, srv, "GET", "/friends/sent", &alice, "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(data))
}

func TestRequiresAuth(t *testing.T) {
	srv := newTestServer(t, nil)
	bogus := testUser{token: "not-a-jwt"}

	for _, route := range []struct{ method, path string }{
		{"POST", "/friends/request"},
		{"POST", "/friends/accept"},
		{"POST", "/friends/decline"},
		{"POST", "/friends/cancel"},
		{"POST", "/friends/remove"},
		{"POST", "/friends/block"},
		{"POST", "/friends/unblock"},
		{"GET", "/friends/list"},
		{"GET", "/friends/pending"},
		{"GET", "/friends/sent"},
		{"GET", "/friends/status"},
		{"GET", "/friends/are-friends"},
		{"GET", "/friends/ws"},
	} {
		code, data := call(t, srv, route.method, route.path, nil, "")
		assert.Equal(t, http.StatusUnauthorized, code, route.path)
		assert.Equal(t, "not authenticated", errorMessage(t, data))

		code, _ = call(t, srv, route.method, route.path, &bogus, "")
		assert.Equal(t, http.StatusUnauthorized, code, route.path)
	}
}

func TestBearerToken(t *testing.T) {
	srv := newTestServer(t, nil)
	alice := newTestUser(t)

	req, err := http.NewRequest("GET", srv.URL+"/friends/list", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+alice.token)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestErrorStatuses(t *testing.T) {
	srv := newTestServer(t, nil)
	alice, bob := newTestUser(t), newTestUser(t)

	code, data := call(t, srv, "POST", "/friends/request", &alice, `{"friend_id":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, friendship.MsgInvalidUserID, errorMessage(t, data))

	code, data = call(t, srv, "POST", "/friends/request", &alice, `{"friend_id":"`+alice.id.String()+`"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, friendship.MsgSelfRequest, errorMessage(t, data))

	code, data = call(t, srv, "POST", "/friends/request", &alice, `{`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid payload", errorMessage(t, data))

	code, data = call(t, srv, "POST", "/friends/request", &alice, `{"friend_id":"`+bob.id.String()+`"}`)
	require.Equal(t, http.StatusCreated, code)
	var req models.Friendship
	require.NoError(t, json.Unmarshal(data, &req))

	code, data = call(t, srv, "POST", "/friends/request", &bob, `{"friend_id":"`+alice.id.String()+`"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, friendship.MsgAlreadySent, errorMessage(t, data))

	// the sender cannot accept their own request
	code, data = call(t, srv, "POST", "/friends/accept", &alice, `{"id":"`+req.ID.String()+`"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, friendship.MsgRequestNotFound, errorMessage(t, data))

	code, data = call(t, srv, "POST", "/friends/accept", &bob, `{"id":"x"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, friendship.MsgInvalidRequestID, errorMessage(t, data))

	// decline is idempotent
	for i := 0; i < 2; i++ {
		code, _ = call(t, srv, "POST", "/friends/decline", &bob, `{"id":"`+req.ID.String()+`"}`)
		assert.Equal(t, http.StatusNoContent, code)
	}
	code, _ = call(t, srv, "POST", "/friends/cancel", &alice, `{"id":"`+req.ID.String()+`"}`)
	assert.Equal(t, http.StatusNoContent, code)

	code, data = call(t, srv, "GET", "/friends/status?user_id=garbage", &alice, "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"none"}`, string(data))
}

func TestBlockFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	alice, bob := newTestUser(t), newTestUser(t)

	code, data := call(t, srv, "POST", "/friends/block", &alice, `{"user_id":"`+bob.id.String()+`"}`)
	require.Equal(t, http.StatusOK, code)
	var row models.Friendship
	require.NoError(t, json.Unmarshal(data, &row))
	assert.Equal(t, models.StatusBlocked, row.Status)
	assert.Equal(t, alice.id, row.UserID)

	assert.Equal(t, "blocked", relation(t, srv, alice, bob.id))
	assert.Equal(t, "blocked_by", relation(t, srv, bob, alice.id))

	code, data = call(t, srv, "POST", "/friends/request", &bob, `{"friend_id":"`+alice.id.String()+`"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, friendship.MsgCannotSend, errorMessage(t, data))

	// the blockee cannot lift the block
	code, _ = call(t, srv, "POST", "/friends/unblock", &bob, `{"user_id":"`+alice.id.String()+`"}`)
	assert.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, "blocked_by", relation(t, srv, bob, alice.id))

	code, _ = call(t, srv, "POST", "/friends/unblock", &alice, `{"user_id":"`+bob.id.String()+`"}`)
	assert.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, "none", relation(t, srv, bob, alice.id))
}

type downStore struct {
	friendship.Store
}

var errDown = errors.New("connection reset by peer")

func (downStore) FindPair(context.Context, uuid.UUID, uuid.UUID) (*models.Friendship, error) {
	return nil, errDown
}

func (downStore) Friends(context.Context, uuid.UUID) ([]models.Friendship, error) {
	return nil, errDown
}

func TestStoreFailureIsBadGateway(t *testing.T) {
	srv := newTestServer(t, downStore{})
	alice := newTestUser(t)

	code, data := call(t, srv, "GET", "/friends/list", &alice, "")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "failed to load friends", errorMessage(t, data))

	code, _ = call(t, srv, "POST", "/friends/request", &alice, `{"friend_id":"`+uuid.NewString()+`"}`)
	assert.Equal(t, http.StatusBadGateway, code)
}

type feedEnvelope struct {
	Type   string          `json:"type"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
}

type feedSnapshot struct {
	FriendCount  int                 `json:"friend_count"`
	PendingCount int                 `json:"pending_count"`
	Pending      []models.Friendship `json:"pending"`
}

func dialFeed(t *testing.T, ctx context.Context, srv *httptest.Server, u testUser, subprotocols ...string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/friends/ws"
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: subprotocols,
		HTTPHeader:   http.Header{"Authorization": []string{"Bearer " + u.token}},
	})
	require.NoError(t, err)
	return c
}

// readUntil reads feed messages until match accepts one.
func readUntil(t *testing.T, ctx context.Context, c *websocket.Conn, match func(feedEnvelope) bool) feedEnvelope {
	t.Helper()
	for {
		_, data, err := c.Read(ctx)
		require.NoError(t, err)
		var msg feedEnvelope
		require.NoError(t, json.Unmarshal(data, &msg))
		if match(msg) {
			return msg
		}
	}
}

func snapshotWith(t *testing.T, pred func(feedSnapshot) bool) func(feedEnvelope) bool {
	return func(msg feedEnvelope) bool {
		if msg.Type != "snapshot" {
			return false
		}
		var s feedSnapshot
		require.NoError(t, json.Unmarshal(msg.Data, &s))
		return pred(s)
	}
}

func TestFriendsFeed(t *testing.T) {
	srv := newTestServer(t, nil)
	alice, bob := newTestUser(t), newTestUser(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dialFeed(t, ctx, srv, bob, FeedSubprotocol)
	defer c.Close(websocket.StatusNormalClosure, "")

	readUntil(t, ctx, c, snapshotWith(t, func(s feedSnapshot) bool { return s.PendingCount == 0 }))

	// another user's request shows up on bob's feed
	code, _ := call(t, srv, "POST", "/friends/request", &alice, `{"friend_id":"`+bob.id.String()+`"}`)
	require.Equal(t, http.StatusCreated, code)

	change := readUntil(t, ctx, c, func(m feedEnvelope) bool { return m.Type == "change" })
	var ev models.ChangeEvent
	require.NoError(t, json.Unmarshal(change.Data, &ev))
	assert.Equal(t, models.EventInsert, ev.Type)

	var reqID uuid.UUID
	readUntil(t, ctx, c, snapshotWith(t, func(s feedSnapshot) bool {
		if s.PendingCount != 1 {
			return false
		}
		reqID = s.Pending[0].ID
		return true
	}))

	// actions sent over the socket
	bad, err := json.Marshal(map[string]string{"type": "send_request", "friend_id": "nope"})
	require.NoError(t, err)
	require.NoError(t, c.Write(ctx, websocket.MessageText, bad))
	reply := readUntil(t, ctx, c, func(m feedEnvelope) bool { return m.Type == "error" })
	assert.Equal(t, "send_request", reply.Action)
	assert.Equal(t, friendship.MsgInvalidUserID, reply.Error)

	accept, err := json.Marshal(map[string]string{"type": "accept_request", "id": reqID.String()})
	require.NoError(t, err)
	require.NoError(t, c.Write(ctx, websocket.MessageText, accept))
	// the ok and the reloaded snapshot may arrive in either order
	accepted := snapshotWith(t, func(s feedSnapshot) bool { return s.FriendCount == 1 && s.PendingCount == 0 })
	var gotOK, gotSnapshot bool
	readUntil(t, ctx, c, func(m feedEnvelope) bool {
		switch {
		case m.Type == "ok":
			assert.Equal(t, "accept_request", m.Action)
			gotOK = true
		case accepted(m):
			gotSnapshot = true
		}
		return gotOK && gotSnapshot
	})

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(`{"type":"dance"}`)))
	reply = readUntil(t, ctx, c, func(m feedEnvelope) bool { return m.Type == "error" })
	assert.Equal(t, "unknown command", reply.Error)
}

func TestFriendsFeedRequiresSubprotocol(t *testing.T) {
	srv := newTestServer(t, nil)
	bob := newTestUser(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dialFeed(t, ctx, srv, bob)
	defer c.Close(websocket.StatusNormalClosure, "")

	_, _, err := c.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusCode(BadSubprotocolError), websocket.CloseStatus(err))
}

// recordingCache misses every read and records who was invalidated.
type recordingCache struct {
	mu          sync.Mutex
	invalidated map[uuid.UUID]int
}

func (c *recordingCache) Get(context.Context, uuid.UUID, string) ([]models.Friendship, bool, error) {
	return nil, false, nil
}

func (c *recordingCache) Set(context.Context, uuid.UUID, string, []models.Friendship) error {
	return nil
}

func (c *recordingCache) Invalidate(_ context.Context, caller uuid.UUID, _ ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invalidated == nil {
		c.invalidated = make(map[uuid.UUID]int)
	}
	c.invalidated[caller]++
	return nil
}

func (c *recordingCache) count(id uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated[id]
}

func TestMutationsInvalidateBothUsers(t *testing.T) {
	cache := &recordingCache{}
	srv := newCachedTestServer(t, nil, cache)
	alice, bob := newTestUser(t), newTestUser(t)

	code, data := call(t, srv, "POST", "/friends/request", &alice, `{"friend_id":"`+bob.id.String()+`"}`)
	require.Equal(t, http.StatusCreated, code)
	var req models.Friendship
	require.NoError(t, json.Unmarshal(data, &req))
	code, _ = call(t, srv, "POST", "/friends/accept", &bob, `{"id":"`+req.ID.String()+`"}`)
	require.Equal(t, http.StatusOK, code)

	before := cache.count(bob.id)
	code, _ = call(t, srv, "POST", "/friends/remove", &alice, `{"friend_id":"`+bob.id.String()+`"}`)
	require.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, before+1, cache.count(bob.id))

	_, _ = call(t, srv, "POST", "/friends/block", &alice, `{"user_id":"`+bob.id.String()+`"}`)
	before = cache.count(bob.id)
	code, _ = call(t, srv, "POST", "/friends/unblock", &alice, `{"user_id":"`+bob.id.String()+`"}`)
	require.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, before+1, cache.count(bob.id))
}

func TestInvalidateTargetIgnoresMalformedID(t *testing.T) {
	cache := &recordingCache{}
	logger, _ := test.NewNullLogger()
	fs := NewFriendServer(nil, nil, cache, logger)
	caller := uuid.New()

	r := httptest.NewRequest("POST", "/friends/remove", nil)
	assert.NotPanics(t, func() { fs.invalidateTarget(r, caller, "not-an-id") })
	assert.Equal(t, 1, cache.count(caller))
	assert.Len(t, cache.invalidated, 1)
}
