package model

import (
	"encoding/json"
	"time"

	"github.com/mahaj/chatcore/pkg/snowflake"
)

// Event names on the websocket wire.
const (
	// client -> server
	EventAuthenticate    = "authenticate"
	EventJoinRoom        = "joinRoom"
	EventLeaveRoom       = "leaveRoom"
	EventSendMessage     = "sendMessage"
	EventTyping          = "typing"
	EventStopTyping      = "stopTyping"
	EventMarkAsRead      = "markAsRead"
	EventSubscribePost   = "subscribePost"
	EventUnsubscribePost = "unsubscribePost"
	EventLikePost        = "likePost"
	EventCommentOnPost   = "commentOnPost"

	// server -> client
	EventAuthenticated = "authenticated"
	EventAuthError     = "authError"
	EventRoomJoined    = "roomJoined"
	EventRoomLeft      = "roomLeft"
	EventNewMessage    = "newMessage"
	EventMessageSent   = "messageSent"
	EventMessageError  = "messageError"
	EventUserTyping    = "userTyping"
	EventMessageRead   = "messageRead"
	EventUserOnline    = "userOnline"
	EventUserOffline   = "userOffline"
	EventPostLiked     = "postLiked"
	EventNewComment    = "newComment"
	EventError         = "error"
)

// TypingTTL is how long a receiver should show a typing indicator without a
// refresh. stopTyping is not guaranteed to arrive.
const TypingTTL = 5 * time.Second

// Envelope is one websocket frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Frame encodes an event and its payload into a websocket frame.
func Frame(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// ErrorPayload is used by authError, messageError and error.
type ErrorPayload struct {
	Event     string `json:"event,omitempty"`
	Reason    string `json:"reason"`
	ClientRef string `json:"clientRef,omitempty"`
}

type RoomPayload struct {
	ConversationID snowflake.ID `json:"conversationId"`
}

type SendMessagePayload struct {
	ConversationID snowflake.ID `json:"conversationId"`
	Content        string       `json:"content"`
	Type           MessageType  `json:"type,omitempty"`
	File           *FileRef     `json:"file,omitempty"`
	ClientRef      string       `json:"clientRef,omitempty"`
}

type MessageSentPayload struct {
	ClientRef string   `json:"clientRef,omitempty"`
	Message   *Message `json:"message"`
}

type UserTypingPayload struct {
	ConversationID snowflake.ID `json:"conversationId"`
	UserID         string       `json:"userId"`
	IsTyping       bool         `json:"isTyping"`
}

type MarkAsReadPayload struct {
	ConversationID snowflake.ID `json:"conversationId"`
	MessageID      snowflake.ID `json:"messageId"`
}

type MessageReadPayload struct {
	ConversationID snowflake.ID `json:"conversationId"`
	MessageID      snowflake.ID `json:"messageId"`
	UserID         string       `json:"userId"`
	ReadAt         time.Time    `json:"readAt"`
}

type PresencePayload struct {
	UserID   string    `json:"userId"`
	LastSeen time.Time `json:"lastSeen"`
}

// PostPayload is sent by clients for post subscriptions and interactions.
// Data is forwarded untouched.
type PostPayload struct {
	PostID string          `json:"postId"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type PostEventPayload struct {
	PostID string          `json:"postId"`
	UserID string          `json:"userId"`
	Data   json.RawMessage `json:"data,omitempty"`
}
