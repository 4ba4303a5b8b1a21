package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cinematch/chat-app/internal/catalog"
	"github.com/cinematch/chat-app/internal/chat"
	"github.com/cinematch/chat-app/internal/matching"
	"github.com/cinematch/chat-app/internal/messaging"
	"github.com/cinematch/chat-app/internal/store/memstore"
)

const testSecret = "test-secret"

type testAPI struct {
	t   *testing.T
	ts  *httptest.Server
	cat *catalog.Catalog
	bc  *chat.Broadcaster
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	st := memstore.New()
	bus := messaging.NewLocalBus()
	t.Cleanup(bus.Close)
	cat := catalog.New(st, nil, 0)
	rooms := chat.NewManager(st, cat, bus)
	bc := chat.NewBroadcaster(st, rooms, bus, cat)

	srv := New(Deps{
		Reconciler:  matching.NewReconciler(st, nil, cat),
		Rooms:       rooms,
		Broadcaster: bc,
		Users:       cat,
		Movies:      cat,
		JWTSecret:   testSecret,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testAPI{t: t, ts: ts, cat: cat, bc: bc}
}

// token signs a token for user; "curator" also gets the admin role.
func (a *testAPI) token(user string) string {
	var roles []string
	if user == "curator" {
		roles = []string{RoleAdmin}
	}
	tok, err := IssueToken(testSecret, user, map[string]string{"alice": "Alice", "bob": "Bob"}[user], time.Hour, roles...)
	require.NoError(a.t, err)
	return tok
}

// do sends a request as user (anonymous when empty) and decodes a JSON
// response into out when out is non-nil.
func (a *testAPI) do(user, method, path string, body, out interface{}) int {
	a.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, a.ts.URL+path, rd)
	require.NoError(a.t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+a.token(user))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(a.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestAuthRequired(t *testing.T) {
	a := newTestAPI(t)

	assert.Equal(t, http.StatusUnauthorized, a.do("", http.MethodGet, "/chats", nil, nil))

	req, _ := http.NewRequest(http.MethodGet, a.ts.URL+"/chats", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	wrong, err := IssueToken("other-secret", "alice", "Alice", time.Hour)
	require.NoError(t, err)
	resp, err = http.Get(a.ts.URL + "/chats?token=" + url.QueryEscape(wrong))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(a.ts.URL + "/chats?token=" + url.QueryEscape(a.token("alice")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]interface{}
	assert.Equal(t, http.StatusOK, a.do("", http.MethodGet, "/health", nil, &health))
	assert.Equal(t, "ok", health["status"])
}

func TestParseToken(t *testing.T) {
	tok, err := IssueToken(testSecret, "carol", "", time.Hour)
	require.NoError(t, err)
	id, err := ParseToken(testSecret, tok)
	require.NoError(t, err)
	assert.Equal(t, "carol", id.UserID)
	assert.Equal(t, "carol", id.DisplayName)

	expired, err := IssueToken(testSecret, "carol", "Carol", -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(testSecret, expired)
	assert.Error(t, err)

	noSub, err := IssueToken(testSecret, "", "Nobody", time.Hour)
	require.NoError(t, err)
	_, err = ParseToken(testSecret, noSub)
	assert.Error(t, err)
}

func TestMatchFlow(t *testing.T) {
	a := newTestAPI(t)
	body := map[string]interface{}{"target_user_id": "bob", "movie_id": 27205}

	var res requestResponse
	require.Equal(t, http.StatusOK, a.do("alice", http.MethodPost, "/matches/request", body, &res))
	assert.False(t, res.Matched)

	var st map[string]interface{}
	require.Equal(t, http.StatusOK, a.do("alice", http.MethodGet, "/matches/status/bob", nil, &st))
	assert.Equal(t, "pending_sent", st["status"])
	assert.Equal(t, false, st["can_match"])
	assert.NotEmpty(t, st["request_sent_at"])

	require.Equal(t, http.StatusOK, a.do("bob", http.MethodGet, "/matches/status/alice", nil, &st))
	assert.Equal(t, "pending_received", st["status"])
	assert.Equal(t, true, st["can_decline"])

	back := map[string]interface{}{"target_user_id": "alice", "movie_id": 27205}
	require.Equal(t, http.StatusOK, a.do("bob", http.MethodPost, "/matches/request", back, &res))
	assert.True(t, res.Matched)
	require.NotEmpty(t, res.RoomID)

	require.Equal(t, http.StatusOK, a.do("alice", http.MethodGet, "/matches/status/bob", nil, &st))
	assert.Equal(t, "matched", st["status"])
	assert.Equal(t, res.RoomID, st["room_id"])

	var rooms []roomResponse
	require.Equal(t, http.StatusOK, a.do("alice", http.MethodGet, "/chats", nil, &rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, res.RoomID, rooms[0].RoomID)
	assert.Equal(t, "bob", rooms[0].OtherUser.ID)
	assert.Equal(t, "Bob", rooms[0].OtherUser.DisplayName)
}

func TestRequestErrors(t *testing.T) {
	a := newTestAPI(t)

	var e errorBody
	code := a.do("alice", http.MethodPost, "/matches/request", map[string]interface{}{"target_user_id": "alice", "movie_id": 1}, &e)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_argument", e.Code)

	code = a.do("alice", http.MethodPost, "/matches/request", map[string]interface{}{"target_user_id": "bob", "movie_id": 0}, &e)
	assert.Equal(t, http.StatusBadRequest, code)

	req, _ := http.NewRequest(http.MethodPost, a.ts.URL+"/matches/request", bytes.NewReader([]byte("{")))
	req.Header.Set("Authorization", "Bearer "+a.token("alice"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, http.StatusBadRequest, a.do("bob", http.MethodPost, "/matches/decline", map[string]interface{}{"target_user_id": "bob", "movie_id": 1}, nil))
}

func TestDeclineRoute(t *testing.T) {
	a := newTestAPI(t)
	require.Equal(t, http.StatusOK, a.do("alice", http.MethodPost, "/matches/request", map[string]interface{}{"target_user_id": "bob", "movie_id": 603}, nil))

	assert.Equal(t, http.StatusNoContent, a.do("bob", http.MethodPost, "/matches/decline", map[string]interface{}{"target_user_id": "alice", "movie_id": 603}, nil))
	// Declining again is a no-op.
	assert.Equal(t, http.StatusNoContent, a.do("bob", http.MethodPost, "/matches/decline", map[string]interface{}{"target_user_id": "alice", "movie_id": 603}, nil))

	var st map[string]interface{}
	require.Equal(t, http.StatusOK, a.do("alice", http.MethodGet, "/matches/status/bob", nil, &st))
	assert.Equal(t, "none", st["status"])
	assert.Equal(t, true, st["can_match"])
}

func TestChatRoutes(t *testing.T) {
	a := newTestAPI(t)
	body := func(to string) map[string]interface{} {
		return map[string]interface{}{"target_user_id": to, "movie_id": 27205}
	}
	var res requestResponse
	a.do("alice", http.MethodPost, "/matches/request", body("bob"), nil)
	require.Equal(t, http.StatusOK, a.do("bob", http.MethodPost, "/matches/request", body("alice"), &res))
	room := res.RoomID

	var msgs []map[string]interface{}
	require.Equal(t, http.StatusOK, a.do("alice", http.MethodGet, "/chats/"+room+"/messages", nil, &msgs))
	assert.Empty(t, msgs)

	var e errorBody
	assert.Equal(t, http.StatusForbidden, a.do("carol", http.MethodGet, "/chats/"+room+"/messages", nil, &e))
	assert.Equal(t, "forbidden", e.Code)
	assert.Equal(t, http.StatusNotFound, a.do("carol", http.MethodPost, "/chats/"+room+"/join", nil, nil))

	assert.Equal(t, http.StatusNoContent, a.do("bob", http.MethodPost, "/chats/"+room+"/leave", nil, nil))
	assert.Equal(t, http.StatusNoContent, a.do("bob", http.MethodPost, "/chats/"+room+"/leave", nil, nil))

	var rooms []roomResponse
	require.Equal(t, http.StatusOK, a.do("bob", http.MethodGet, "/chats", nil, &rooms))
	assert.Empty(t, rooms)

	// A member who left can still read.
	require.Equal(t, http.StatusOK, a.do("bob", http.MethodGet, "/chats/"+room+"/messages?take=10", nil, &msgs))

	assert.Equal(t, http.StatusNoContent, a.do("bob", http.MethodPost, "/chats/"+room+"/join", nil, nil))
	require.Equal(t, http.StatusOK, a.do("bob", http.MethodGet, "/chats", nil, &rooms))
	assert.Len(t, rooms, 1)

	assert.Equal(t, http.StatusBadRequest, a.do("bob", http.MethodGet, "/chats/"+room+"/messages?before=yesterday", nil, nil))
	assert.Equal(t, http.StatusBadRequest, a.do("bob", http.MethodGet, "/chats/"+room+"/messages?take=many", nil, nil))
}

func TestLikesFeedCandidates(t *testing.T) {
	a := newTestAPI(t)
	for _, m := range []string{"27205", "603"} {
		require.Equal(t, http.StatusNoContent, a.do("alice", http.MethodPut, "/movies/"+m+"/like", nil, nil))
		require.Equal(t, http.StatusNoContent, a.do("bob", http.MethodPut, "/movies/"+m+"/like", nil, nil))
	}
	require.Equal(t, http.StatusNoContent, a.do("carol", http.MethodPut, "/movies/603/like", nil, nil))

	var cands []candidateResponse
	require.Equal(t, http.StatusOK, a.do("alice", http.MethodGet, "/matches/candidates", nil, &cands))
	require.Len(t, cands, 2)
	assert.Equal(t, "bob", cands[0].UserID)
	assert.Equal(t, "Bob", cands[0].DisplayName)
	assert.Equal(t, 2, cands[0].OverlapCount)
	assert.Equal(t, []int64{603, 27205}, cands[0].SharedMovieIDs)
	assert.Equal(t, matching.StatusNone, cands[0].Status)

	require.Equal(t, http.StatusOK, a.do("alice", http.MethodGet, "/matches/candidates?take=1", nil, &cands))
	assert.Len(t, cands, 1)

	require.Equal(t, http.StatusNoContent, a.do("carol", http.MethodDelete, "/movies/603/like", nil, nil))
	require.Equal(t, http.StatusOK, a.do("alice", http.MethodGet, "/matches/candidates", nil, &cands))
	assert.Len(t, cands, 1)

	assert.Equal(t, http.StatusBadRequest, a.do("alice", http.MethodPut, "/movies/abc/like", nil, nil))
}

func TestPutMovie(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	body := map[string]interface{}{"title": " Inception ", "year": 2010}
	require.Equal(t, http.StatusNoContent, a.do("curator", http.MethodPut, "/movies/27205", body, nil))
	assert.Equal(t, "Inception", a.cat.MovieTitle(ctx, 27205))

	assert.Equal(t, http.StatusBadRequest, a.do("curator", http.MethodPut, "/movies/27205", map[string]interface{}{"title": "  "}, nil))
	assert.Equal(t, http.StatusBadRequest, a.do("curator", http.MethodPut, "/movies/-1", body, nil))
	assert.Equal(t, http.StatusUnauthorized, a.do("", http.MethodPut, "/movies/27205", body, nil))

	// Ordinary users cannot rewrite the catalog.
	var e errorBody
	assert.Equal(t, http.StatusForbidden, a.do("alice", http.MethodPut, "/movies/27205", map[string]interface{}{"title": "Vandalized"}, &e))
	assert.Equal(t, "forbidden", e.Code)
	assert.Equal(t, "Inception", a.cat.MovieTitle(ctx, 27205))

	// Liking stays open to everyone.
	assert.Equal(t, http.StatusNoContent, a.do("alice", http.MethodPut, "/movies/27205/like", nil, nil))
}

func TestRolesRoundTrip(t *testing.T) {
	tok, err := IssueToken(testSecret, "dana", "Dana", time.Hour, RoleAdmin)
	require.NoError(t, err)
	_, claims, err := parseClaims(testSecret, tok)
	require.NoError(t, err)
	assert.True(t, claims.HasRole(RoleAdmin))

	tok, err = IssueToken(testSecret, "dana", "Dana", time.Hour)
	require.NoError(t, err)
	_, claims, err = parseClaims(testSecret, tok)
	require.NoError(t, err)
	assert.False(t, claims.HasRole(RoleAdmin))
}

func TestHistoryTake(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	body := func(to string) map[string]interface{} {
		return map[string]interface{}{"target_user_id": to, "movie_id": 27205}
	}
	var res requestResponse
	a.do("alice", http.MethodPost, "/matches/request", body("bob"), nil)
	require.Equal(t, http.StatusOK, a.do("bob", http.MethodPost, "/matches/request", body("alice"), &res))
	for i := 0; i < 60; i++ {
		_, err := a.bc.Send(ctx, res.RoomID, "alice", fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}

	var msgs []map[string]interface{}
	path := "/chats/" + res.RoomID + "/messages"
	require.Equal(t, http.StatusOK, a.do("bob", http.MethodGet, path, nil, &msgs))
	assert.Len(t, msgs, chat.DefaultHistoryTake)

	require.Equal(t, http.StatusOK, a.do("bob", http.MethodGet, path+"?take=0", nil, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "message 59", msgs[0]["text"])

	require.Equal(t, http.StatusOK, a.do("bob", http.MethodGet, path+"?take=-5", nil, &msgs))
	assert.Len(t, msgs, 1)

	require.Equal(t, http.StatusOK, a.do("bob", http.MethodGet, path+"?take=7", nil, &msgs))
	assert.Len(t, msgs, 7)
}
