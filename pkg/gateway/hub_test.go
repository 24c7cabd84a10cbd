package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/chat"
	"github.com/mahaj/chatcore/pkg/fanout"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/room"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	srv    *httptest.Server
	hub    *Hub
	chat   *chat.Service
	store  *store.Store
	issuer *auth.TokenIssuer
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	return newEnvWith(t, cfg, nil)
}

// newEnvWith lets a test wrap the emitter the hub publishes presence with.
func newEnvWith(t *testing.T, cfg Config, wrap func(fanout.Emitter) fanout.Emitter) *env {
	t.Helper()
	rooms := room.NewMembership()
	var emitter fanout.Emitter = fanout.NewLocal(rooms)
	st := store.NewMemory()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	svc, err := chat.NewService(chat.Deps{Store: st, Emitter: emitter, IDs: node})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer("test-secret", time.Hour, "test")
	require.NoError(t, err)

	hubEmitter := emitter
	if wrap != nil {
		hubEmitter = wrap(emitter)
	}
	hub, err := NewHub(Deps{
		Chat:     svc,
		Resolver: issuer,
		Rooms:    rooms,
		Registry: presence.NewRegistry(),
		Emitter:  hubEmitter,
		Config:   cfg,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return &env{srv: srv, hub: hub, chat: svc, store: st, issuer: issuer}
}

func (e *env) token(t *testing.T, userID, name string) string {
	t.Helper()
	tok, err := e.issuer.GenerateToken(auth.Identity{UserID: userID, DisplayName: name})
	require.NoError(t, err)
	return tok
}

type wsConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *env) dial(t *testing.T, query string) *wsConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsConn{t: t, conn: conn}
}

func (c *wsConn) send(event string, payload any) {
	c.t.Helper()
	frame, err := model.Frame(event, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

// expect reads frames until one carries event, failing after two seconds.
func (c *wsConn) expect(event string) model.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, raw, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", event)
		var env model.Envelope
		require.NoError(c.t, json.Unmarshal(raw, &env))
		if env.Event == event {
			return env
		}
	}
}

func decodeData[T any](t *testing.T, env model.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func (e *env) authenticated(t *testing.T, userID, name string) *wsConn {
	t.Helper()
	c := e.dial(t, "?token="+e.token(t, userID, name))
	ack := decodeData[model.AuthenticatedPayload](t, c.expect(model.EventAuthenticated))
	require.Equal(t, userID, ack.UserID)
	return c
}

func TestScenario_DirectChatLifecycle(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()

	a := e.authenticated(t, "1", "A")

	b := e.dial(t, "")
	b.send(model.EventAuthenticate, model.AuthenticatePayload{Token: e.token(t, "2", "B")})
	b.expect(model.EventAuthenticated)
	online := decodeData[model.PresencePayload](t, a.expect(model.EventUserOnline))
	assert.Equal(t, "2", online.UserID)

	conv, created, err := e.chat.CreateConversation(ctx, chat.CreateRequest{CreatorID: "1", ParticipantIDs: []string{"2"}})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, []string{"1", "2"}, conv.Participants)
	assert.False(t, conv.IsGroup)

	for _, c := range []*wsConn{a, b} {
		c.send(model.EventJoinRoom, model.RoomPayload{ConversationID: conv.ID})
		joined := decodeData[model.RoomPayload](t, c.expect(model.EventRoomJoined))
		assert.Equal(t, conv.ID, joined.ConversationID)
	}

	a.send(model.EventSendMessage, model.SendMessagePayload{ConversationID: conv.ID, Content: "hi", ClientRef: "r1"})
	got := decodeData[model.Message](t, b.expect(model.EventNewMessage))
	assert.Equal(t, "hi", got.Content)
	assert.Equal(t, "1", got.SenderID)
	require.NotNil(t, got.Sender)
	assert.Equal(t, "A", got.Sender.DisplayName)

	sent := decodeData[model.MessageSentPayload](t, a.expect(model.EventMessageSent))
	assert.Equal(t, "r1", sent.ClientRef)
	assert.Equal(t, got.ID, sent.Message.ID)

	stored, err := e.store.Conversations.FindByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, got.ID, stored.LastMessageID)
	assert.False(t, stored.LastActivity.IsZero())

	b.send(model.EventMarkAsRead, model.MarkAsReadPayload{ConversationID: conv.ID, MessageID: got.ID})
	read := decodeData[model.MessageReadPayload](t, a.expect(model.EventMessageRead))
	assert.Equal(t, got.ID, read.MessageID)
	assert.Equal(t, "2", read.UserID)

	require.NoError(t, a.conn.Close())
	offline := decodeData[model.PresencePayload](t, b.expect(model.EventUserOffline))
	assert.Equal(t, "1", offline.UserID)

	online2, err := e.hub.View().IsOnline(ctx, "1")
	require.NoError(t, err)
	assert.False(t, online2)
}

func TestAnonymousConnectionIsRestricted(t *testing.T) {
	e := newEnv(t, Config{})
	c := e.dial(t, "")

	c.send(model.EventJoinRoom, model.RoomPayload{ConversationID: 1})
	errEv := decodeData[model.ErrorPayload](t, c.expect(model.EventError))
	assert.Equal(t, model.EventJoinRoom, errEv.Event)
	assert.Equal(t, model.Reason(model.ErrAuth), errEv.Reason)

	c.send(model.EventAuthenticate, model.AuthenticatePayload{Token: "garbage"})
	authErr := decodeData[model.ErrorPayload](t, c.expect(model.EventAuthError))
	assert.Equal(t, model.Reason(model.ErrAuth), authErr.Reason)

	// The connection stays open and can still authenticate.
	c.send(model.EventAuthenticate, model.AuthenticatePayload{Token: e.token(t, "7", "Seven")})
	c.expect(model.EventAuthenticated)

	c.send(model.EventAuthenticate, model.AuthenticatePayload{Token: e.token(t, "7", "Seven")})
	again := decodeData[model.ErrorPayload](t, c.expect(model.EventAuthError))
	assert.Equal(t, reasonAlreadyAuthed, again.Reason)
}

func TestUpgradeRejectsBadToken(t *testing.T) {
	e := newEnv(t, Config{})
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?token=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoinRequiresParticipation(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	_ = e.authenticated(t, "1", "A")
	_ = e.authenticated(t, "2", "B")
	mallory := e.authenticated(t, "3", "M")

	conv, _, err := e.chat.CreateConversation(ctx, chat.CreateRequest{CreatorID: "1", ParticipantIDs: []string{"2"}})
	require.NoError(t, err)

	mallory.send(model.EventJoinRoom, model.RoomPayload{ConversationID: conv.ID})
	errEv := decodeData[model.ErrorPayload](t, mallory.expect(model.EventError))
	assert.Equal(t, model.Reason(model.ErrNotAuthorized), errEv.Reason)

	mallory.send(model.EventSendMessage, model.SendMessagePayload{ConversationID: conv.ID, Content: "x", ClientRef: "m1"})
	sendErr := decodeData[model.ErrorPayload](t, mallory.expect(model.EventMessageError))
	assert.Equal(t, "m1", sendErr.ClientRef)
	assert.Equal(t, model.Reason(model.ErrNotAuthorized), sendErr.Reason)
}

func TestTypingIsRelayedToOthersInRoom(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	a := e.authenticated(t, "1", "A")
	b := e.authenticated(t, "2", "B")
	conv, _, err := e.chat.CreateConversation(ctx, chat.CreateRequest{CreatorID: "1", ParticipantIDs: []string{"2"}})
	require.NoError(t, err)

	a.send(model.EventTyping, model.RoomPayload{ConversationID: conv.ID})
	notJoined := decodeData[model.ErrorPayload](t, a.expect(model.EventError))
	assert.Equal(t, reasonNotInRoom, notJoined.Reason)

	for _, c := range []*wsConn{a, b} {
		c.send(model.EventJoinRoom, model.RoomPayload{ConversationID: conv.ID})
		c.expect(model.EventRoomJoined)
	}
	a.send(model.EventTyping, model.RoomPayload{ConversationID: conv.ID})
	typing := decodeData[model.UserTypingPayload](t, b.expect(model.EventUserTyping))
	assert.Equal(t, "1", typing.UserID)
	assert.True(t, typing.IsTyping)

	a.send(model.EventStopTyping, model.RoomPayload{ConversationID: conv.ID})
	typing = decodeData[model.UserTypingPayload](t, b.expect(model.EventUserTyping))
	assert.False(t, typing.IsTyping)
}

func TestTypingIntoDeletedConversation(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	a := e.authenticated(t, "1", "A")
	b := e.authenticated(t, "2", "B")
	conv, _, err := e.chat.CreateConversation(ctx, chat.CreateRequest{CreatorID: "1", ParticipantIDs: []string{"2"}})
	require.NoError(t, err)
	for _, c := range []*wsConn{a, b} {
		c.send(model.EventJoinRoom, model.RoomPayload{ConversationID: conv.ID})
		c.expect(model.EventRoomJoined)
	}

	require.NoError(t, e.chat.DeleteConversation(ctx, "1", conv.ID))

	b.send(model.EventTyping, model.RoomPayload{ConversationID: conv.ID})
	gone := decodeData[model.ErrorPayload](t, b.expect(model.EventError))
	assert.Equal(t, model.EventTyping, gone.Event)
	assert.Equal(t, model.Reason(model.ErrNotFound), gone.Reason)

	b.send(model.EventTyping, model.RoomPayload{ConversationID: conv.ID})
	left := decodeData[model.ErrorPayload](t, b.expect(model.EventError))
	assert.Equal(t, reasonNotInRoom, left.Reason, "the stale room was left")
}

func TestPresenceAcrossConnections(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()
	watcher := e.authenticated(t, "9", "W")

	first := e.authenticated(t, "1", "A")
	watcher.expect(model.EventUserOnline)
	second := e.authenticated(t, "1", "A")

	require.NoError(t, first.conn.Close())
	require.Eventually(t, func() bool { return e.hub.Connections() == 2 }, 2*time.Second, 10*time.Millisecond)
	online, _ := e.hub.View().IsOnline(ctx, "1")
	assert.True(t, online, "one connection is still open")

	require.NoError(t, second.conn.Close())
	offline := decodeData[model.PresencePayload](t, watcher.expect(model.EventUserOffline))
	assert.Equal(t, "1", offline.UserID)
}

// heldOffline stalls the userOffline broadcast for one user until release.
type heldOffline struct {
	inner   fanout.Emitter
	userID  string
	held    chan struct{}
	gate    chan struct{}
	heldOne sync.Once
	openOne sync.Once
}

func (h *heldOffline) Emit(ctx context.Context, roomKey string, frame []byte, excludeID string) {
	var env model.Envelope
	if json.Unmarshal(frame, &env) == nil && env.Event == model.EventUserOffline {
		var p model.PresencePayload
		if json.Unmarshal(env.Data, &p) == nil && p.UserID == h.userID {
			h.heldOne.Do(func() { close(h.held) })
			<-h.gate
		}
	}
	h.inner.Emit(ctx, roomKey, frame, excludeID)
}

func (h *heldOffline) release() { h.openOne.Do(func() { close(h.gate) }) }

func TestReconnectDuringOfflinePublication(t *testing.T) {
	hold := &heldOffline{userID: "1", held: make(chan struct{}), gate: make(chan struct{})}
	e := newEnvWith(t, Config{}, func(inner fanout.Emitter) fanout.Emitter {
		hold.inner = inner
		return hold
	})
	t.Cleanup(hold.release)
	ctx := context.Background()

	watcher := e.authenticated(t, "9", "W")
	first := e.authenticated(t, "1", "A")
	watcher.expect(model.EventUserOnline)

	require.NoError(t, first.conn.Close())
	select {
	case <-hold.held:
	case <-time.After(2 * time.Second):
		t.Fatal("offline transition was never published")
	}

	second := e.dial(t, "?token="+e.token(t, "1", "A"))
	time.Sleep(50 * time.Millisecond)
	hold.release()

	offline := decodeData[model.PresencePayload](t, watcher.expect(model.EventUserOffline))
	assert.Equal(t, "1", offline.UserID)
	online := decodeData[model.PresencePayload](t, watcher.expect(model.EventUserOnline))
	assert.Equal(t, "1", online.UserID)

	second.expect(model.EventAuthenticated)
	isOnline, err := e.hub.View().IsOnline(ctx, "1")
	require.NoError(t, err)
	assert.True(t, isOnline)
}

func TestPostEventsReachOnlySubscribers(t *testing.T) {
	e := newEnv(t, Config{})
	liker := e.authenticated(t, "1", "A")
	reader := e.dial(t, "")

	reader.send(model.EventSubscribePost, model.PostPayload{PostID: "p1"})
	// Anonymous subscription has no ack; a round trip orders it before the like.
	reader.send(model.EventJoinRoom, model.RoomPayload{ConversationID: 1})
	reader.expect(model.EventError)

	liker.send(model.EventLikePost, model.PostPayload{PostID: "p1", Data: json.RawMessage(`{"likes":1}`)})
	liked := decodeData[model.PostEventPayload](t, reader.expect(model.EventPostLiked))
	assert.Equal(t, "p1", liked.PostID)
	assert.Equal(t, "1", liked.UserID)
	assert.JSONEq(t, `{"likes":1}`, string(liked.Data))

	reader.send(model.EventLikePost, model.PostPayload{PostID: "p1"})
	errEv := decodeData[model.ErrorPayload](t, reader.expect(model.EventError))
	assert.Equal(t, model.Reason(model.ErrAuth), errEv.Reason)
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, Config{EventsPerSec: 0.001, EventBurst: 1})
	c := e.authenticated(t, "1", "A")

	c.send(model.EventLikePost, model.PostPayload{PostID: "p"})
	c.send(model.EventLikePost, model.PostPayload{PostID: "p"})
	errEv := decodeData[model.ErrorPayload](t, c.expect(model.EventError))
	assert.Equal(t, reasonRateLimited, errEv.Reason)
}

func TestMalformedFrame(t *testing.T) {
	e := newEnv(t, Config{})
	c := e.dial(t, "")
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	errEv := decodeData[model.ErrorPayload](t, c.expect(model.EventError))
	assert.Equal(t, reasonMalformed, errEv.Reason)
}
