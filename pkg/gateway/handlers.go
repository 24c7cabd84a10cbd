package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/chat"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/room"
)

const (
	reasonMalformed     = "malformed payload"
	reasonUnknownEvent  = "unknown event"
	reasonRateLimited   = "rate limit exceeded"
	reasonAlreadyAuthed = "already authenticated"
	reasonNotInRoom     = "join the conversation first"
	reasonMissingPostID = "postId is required"
	reasonMissingToken  = "token is required"
)

// handle dispatches one client frame according to the connection state.
func (c *Client) handle(raw []byte) {
	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		c.sendError("", reasonMalformed)
		return
	}

	switch env.Event {
	case model.EventAuthenticate:
		c.onAuthenticate(env.Data)
		return
	case model.EventSubscribePost, model.EventUnsubscribePost:
		c.onPostSubscription(env.Event, env.Data)
		return
	}

	if err := c.session.Require(auth.Identified); err != nil {
		c.hub.log.Debug("event needs an identified session", "conn", c.id, "event", env.Event, "session", c.session.Capability().String(), "state", c.state.String())
		c.sendError(env.Event, model.Reason(err))
		return
	}

	switch env.Event {
	case model.EventSendMessage, model.EventTyping, model.EventStopTyping, model.EventLikePost, model.EventCommentOnPost:
		if !c.limiter.Allow() {
			c.hub.metrics.Rejected("rate_limited")
			c.sendError(env.Event, reasonRateLimited)
			return
		}
	}

	switch env.Event {
	case model.EventJoinRoom:
		c.onJoinRoom(env.Data)
	case model.EventLeaveRoom:
		c.onLeaveRoom(env.Data)
	case model.EventSendMessage:
		c.onSendMessage(env.Data)
	case model.EventTyping:
		c.onTyping(env.Event, env.Data, true)
	case model.EventStopTyping:
		c.onTyping(env.Event, env.Data, false)
	case model.EventMarkAsRead:
		c.onMarkAsRead(env.Data)
	case model.EventLikePost:
		c.onPostEvent(env.Event, model.EventPostLiked, env.Data)
	case model.EventCommentOnPost:
		c.onPostEvent(env.Event, model.EventNewComment, env.Data)
	default:
		c.sendError(env.Event, reasonUnknownEvent)
	}
}

func (c *Client) sendError(event, reason string) {
	c.sendEvent(model.EventError, model.ErrorPayload{Event: event, Reason: reason})
}

func (c *Client) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.hub.base, opTimeout)
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing payload", model.ErrInvalidInput)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	return nil
}

func (c *Client) onAuthenticate(data json.RawMessage) {
	if c.state != stateUnauthenticated {
		c.sendEvent(model.EventAuthError, model.ErrorPayload{Event: model.EventAuthenticate, Reason: reasonAlreadyAuthed})
		return
	}
	var p model.AuthenticatePayload
	if err := decode(data, &p); err != nil || strings.TrimSpace(p.Token) == "" {
		c.sendEvent(model.EventAuthError, model.ErrorPayload{Event: model.EventAuthenticate, Reason: reasonMissingToken})
		return
	}

	ctx, cancel := c.opContext()
	defer cancel()
	id, err := c.hub.resolver.Resolve(ctx, auth.StripBearer(p.Token))
	if err != nil {
		c.hub.metrics.Rejected("auth")
		c.hub.log.Info("authentication failed", "conn", c.id, "error", err)
		c.sendEvent(model.EventAuthError, model.ErrorPayload{Event: model.EventAuthenticate, Reason: model.Reason(err)})
		return
	}
	c.hub.authenticate(c, id)
}

func (c *Client) onJoinRoom(data json.RawMessage) {
	var p model.RoomPayload
	if err := decode(data, &p); err != nil {
		c.sendError(model.EventJoinRoom, model.Reason(err))
		return
	}
	ctx, cancel := c.opContext()
	defer cancel()
	conv, err := c.hub.chat.Authorize(ctx, c.session.UserID(), p.ConversationID)
	if err != nil {
		c.sendError(model.EventJoinRoom, model.Reason(err))
		return
	}
	key := room.ConversationKey(conv.ID)
	c.hub.rooms.Join(key, c)
	c.rooms[key] = true
	c.sendEvent(model.EventRoomJoined, model.RoomPayload{ConversationID: conv.ID})
}

func (c *Client) onLeaveRoom(data json.RawMessage) {
	var p model.RoomPayload
	if err := decode(data, &p); err != nil {
		c.sendError(model.EventLeaveRoom, model.Reason(err))
		return
	}
	key := room.ConversationKey(p.ConversationID)
	c.hub.rooms.Leave(key, c.id)
	delete(c.rooms, key)
	c.sendEvent(model.EventRoomLeft, model.RoomPayload{ConversationID: p.ConversationID})
}

func (c *Client) onSendMessage(data json.RawMessage) {
	var p model.SendMessagePayload
	if err := decode(data, &p); err != nil {
		c.sendEvent(model.EventMessageError, model.ErrorPayload{Event: model.EventSendMessage, Reason: model.Reason(err)})
		return
	}
	ctx, cancel := c.opContext()
	defer cancel()
	msg, err := c.hub.chat.Send(ctx, chat.SendRequest{
		SenderID:       c.session.UserID(),
		ConversationID: p.ConversationID,
		Content:        p.Content,
		Type:           p.Type,
		File:           p.File,
		Entry:          chat.EntryWebsocket,
	})
	if err != nil {
		c.sendEvent(model.EventMessageError, model.ErrorPayload{Event: model.EventSendMessage, Reason: model.Reason(err), ClientRef: p.ClientRef})
		return
	}
	c.sendEvent(model.EventMessageSent, model.MessageSentPayload{ClientRef: p.ClientRef, Message: msg})
}

func (c *Client) onTyping(event string, data json.RawMessage, isTyping bool) {
	var p model.RoomPayload
	if err := decode(data, &p); err != nil {
		c.sendError(event, model.Reason(err))
		return
	}
	if !c.rooms[room.ConversationKey(p.ConversationID)] {
		c.sendError(event, reasonNotInRoom)
		return
	}
	ctx, cancel := c.opContext()
	defer cancel()
	err := c.hub.chat.SignalTyping(ctx, c.session.UserID(), p.ConversationID, c.id, isTyping)
	if err == nil {
		return
	}
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrNotAuthorized) {
		key := room.ConversationKey(p.ConversationID)
		c.hub.rooms.Leave(key, c.id)
		delete(c.rooms, key)
	}
	c.sendError(event, model.Reason(err))
}

func (c *Client) onMarkAsRead(data json.RawMessage) {
	var p model.MarkAsReadPayload
	if err := decode(data, &p); err != nil {
		c.sendError(model.EventMarkAsRead, model.Reason(err))
		return
	}
	ctx, cancel := c.opContext()
	defer cancel()
	if _, err := c.hub.chat.MarkRead(ctx, c.session.UserID(), p.ConversationID, p.MessageID); err != nil {
		c.sendError(model.EventMarkAsRead, model.Reason(err))
	}
}

func (c *Client) onPostSubscription(event string, data json.RawMessage) {
	var p model.PostPayload
	if err := decode(data, &p); err != nil {
		c.sendError(event, model.Reason(err))
		return
	}
	postID := strings.TrimSpace(p.PostID)
	if postID == "" {
		c.sendError(event, reasonMissingPostID)
		return
	}
	key := room.PostKey(postID)
	if event == model.EventSubscribePost {
		c.hub.rooms.Join(key, c)
		c.rooms[key] = true
		return
	}
	c.hub.rooms.Leave(key, c.id)
	delete(c.rooms, key)
}

func (c *Client) onPostEvent(event, outEvent string, data json.RawMessage) {
	var p model.PostPayload
	if err := decode(data, &p); err != nil {
		c.sendError(event, model.Reason(err))
		return
	}
	ctx, cancel := c.opContext()
	defer cancel()
	if err := c.hub.chat.PostEvent(ctx, outEvent, c.session.UserID(), p.PostID, p.Data); err != nil {
		c.sendError(event, model.Reason(err))
	}
}
