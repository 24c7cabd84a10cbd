package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/chat"
	"github.com/mahaj/chatcore/pkg/fanout"
	"github.com/mahaj/chatcore/pkg/metrics"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/notify"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/room"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifications struct {
	items map[string][]notify.Notification
	err   error
}

func (f *fakeNotifications) Drain(_ context.Context, userID string) ([]notify.Notification, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := f.items[userID]
	delete(f.items, userID)
	return out, nil
}

type testAPI struct {
	srv      *Server
	issuer   *auth.TokenIssuer
	registry *presence.Registry
	notes    *fakeNotifications
	rooms    *room.Membership
}

func newTestAPI(t *testing.T, cfg Config) *testAPI {
	t.Helper()
	rooms := room.NewMembership()
	st := store.NewMemory()
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	svc, err := chat.NewService(chat.Deps{Store: st, Emitter: fanout.NewLocal(rooms), IDs: node})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer("api-secret", time.Hour, "")
	require.NoError(t, err)
	registry := presence.NewRegistry()
	notes := &fakeNotifications{items: map[string][]notify.Notification{}}

	srv, err := NewServer(Deps{
		Chat:          svc,
		Resolver:      issuer,
		Issuer:        issuer,
		Presence:      presence.LocalView{Registry: registry},
		Notifications: notes,
		Metrics:       metrics.New(),
		Config:        cfg,
	})
	require.NoError(t, err)
	return &testAPI{srv: srv, issuer: issuer, registry: registry, notes: notes, rooms: rooms}
}

// login goes through POST /login so the user lands in the directory.
func (a *testAPI) login(t *testing.T, userID string) string {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/login", "", LoginRequest{UserID: userID, DisplayName: "User " + userID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Token
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestAPI(t, Config{})
	rec := a.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = a.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chat_connections_active")
}

func TestAuthRequired(t *testing.T) {
	a := newTestAPI(t, Config{})
	rec := a.do(t, http.MethodGet, "/api/chats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/chats", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, model.Reason(model.ErrAuth), decode[errorBody](t, rec).Error)
}

func TestPreflight(t *testing.T) {
	a := newTestAPI(t, Config{AllowedOrigins: []string{"https://app.example"}})
	req := httptest.NewRequest(http.MethodOptions, "/api/chats", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	a.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestChatFlow(t *testing.T) {
	a := newTestAPI(t, Config{})
	alice := a.login(t, "alice")
	bob := a.login(t, "bob")
	carol := a.login(t, "carol")

	rec := a.do(t, http.MethodPost, "/api/chats", alice, CreateChatRequest{ParticipantID: "bob"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	conv := decode[model.Conversation](t, rec)
	assert.Equal(t, []string{"alice", "bob"}, conv.Participants)

	rec = a.do(t, http.MethodPost, "/api/chats", bob, CreateChatRequest{ParticipantID: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, conv.ID, decode[model.Conversation](t, rec).ID)

	rec = a.do(t, http.MethodPost, "/api/chats", alice, CreateChatRequest{ParticipantID: "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "cannot create chat with yourself", decode[errorBody](t, rec).Error)

	rec = a.do(t, http.MethodPost, "/api/chats", alice, CreateChatRequest{ParticipantID: "nobody"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	msgsPath := "/api/chats/" + conv.ID.String() + "/messages"
	for _, content := range []string{"one", "two", "three"} {
		rec = a.do(t, http.MethodPost, msgsPath, alice, SendRequest{Content: content})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	rec = a.do(t, http.MethodPost, msgsPath, alice, SendRequest{Content: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, msgsPath, carol, SendRequest{Content: "hi"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(t, http.MethodGet, msgsPath+"?page=1&limit=2", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[chat.HistoryPage](t, rec)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "two", page.Messages[0].Content)
	assert.Equal(t, "three", page.Messages[1].Content)
	assert.Equal(t, chat.Pagination{CurrentPage: 1, TotalPages: 2, TotalMessages: 3, HasMore: true}, page.Pagination)

	rec = a.do(t, http.MethodGet, msgsPath+"?page=x", bob, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPut, "/api/chats/"+conv.ID.String()+"/read", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decode[map[string]any](t, rec)["marked"])

	rec = a.do(t, http.MethodGet, "/api/chats", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]model.Conversation](t, rec)
	require.Len(t, list, 1)
	assert.False(t, list[0].LastMessageID.Zero())

	rec = a.do(t, http.MethodDelete, "/api/chats/"+conv.ID.String(), carol, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = a.do(t, http.MethodDelete, "/api/chats/"+conv.ID.String(), bob, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = a.do(t, http.MethodGet, msgsPath, bob, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/chats/abc/messages", bob, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendBroadcastsToRoom(t *testing.T) {
	a := newTestAPI(t, Config{})
	alice := a.login(t, "alice")
	a.login(t, "bob")

	rec := a.do(t, http.MethodPost, "/api/chats", alice, CreateChatRequest{ParticipantID: "bob"})
	conv := decode[model.Conversation](t, rec)

	sub := &captureSub{id: "bob-conn"}
	a.rooms.Join(room.ConversationKey(conv.ID), sub)

	rec = a.do(t, http.MethodPost, "/api/chats/"+conv.ID.String()+"/messages", alice, SendRequest{Content: "over rest"})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, sub.frames, 1)
	var env model.Envelope
	require.NoError(t, json.Unmarshal(sub.frames[0], &env))
	assert.Equal(t, model.EventNewMessage, env.Event)
}

type captureSub struct {
	id     string
	frames [][]byte
}

func (c *captureSub) ID() string { return c.id }
func (c *captureSub) Deliver(f []byte) bool {
	c.frames = append(c.frames, f)
	return true
}

func TestGroupChat(t *testing.T) {
	a := newTestAPI(t, Config{})
	alice := a.login(t, "alice")
	bob := a.login(t, "bob")
	a.login(t, "carol")

	rec := a.do(t, http.MethodPost, "/api/chats", alice, CreateChatRequest{ParticipantIDs: []string{"bob", "carol"}, IsGroup: true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/chats", alice, CreateChatRequest{ParticipantIDs: []string{"bob", "carol"}, IsGroup: true, GroupName: "team"})
	require.Equal(t, http.StatusCreated, rec.Code)
	g := decode[model.Conversation](t, rec)
	assert.Equal(t, "alice", g.AdminID)
	assert.True(t, g.IsGroup)

	rec = a.do(t, http.MethodDelete, "/api/chats/"+g.ID.String(), bob, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = a.do(t, http.MethodDelete, "/api/chats/"+g.ID.String(), alice, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPresenceEndpoints(t *testing.T) {
	a := newTestAPI(t, Config{})
	tok := a.login(t, "alice")
	a.registry.MarkOnline("bob", "c1")

	rec := a.do(t, http.MethodGet, "/api/users/online", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"users":["bob"]}`, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/api/users/bob/presence", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[PresenceResponse](t, rec)
	assert.True(t, p.Online)
	require.NotNil(t, p.LastSeen)

	rec = a.do(t, http.MethodGet, "/api/users/ghost/presence", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p = decode[PresenceResponse](t, rec)
	assert.False(t, p.Online)
	assert.Nil(t, p.LastSeen)
}

func TestNotifications(t *testing.T) {
	a := newTestAPI(t, Config{})
	tok := a.login(t, "alice")
	a.notes.items["alice"] = []notify.Notification{{MessageID: 5, SenderID: "bob", Preview: "yo"}}

	rec := a.do(t, http.MethodGet, "/api/notifications", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Notifications []notify.Notification `json:"notifications"`
	}](t, rec)
	require.Len(t, body.Notifications, 1)
	assert.Equal(t, "yo", body.Notifications[0].Preview)

	rec = a.do(t, http.MethodGet, "/api/notifications", tok, nil)
	assert.JSONEq(t, `{"notifications":[]}`, rec.Body.String())

	a.notes.err = errors.New("redis down")
	rec = a.do(t, http.MethodGet, "/api/notifications", tok, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "temporarily unavailable", decode[errorBody](t, rec).Error)
}

func TestRateLimitPerIP(t *testing.T) {
	a := newTestAPI(t, Config{RequestsPerMinute: 2})
	tok := a.login(t, "alice")

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, a.do(t, http.MethodGet, "/api/chats", tok, nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestLoginValidation(t *testing.T) {
	a := newTestAPI(t, Config{})
	rec := a.do(t, http.MethodPost, "/login", "", LoginRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
