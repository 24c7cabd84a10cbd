package model

import (
	"time"

	"github.com/mahaj/chatcore/pkg/snowflake"
)

type MessageType string

const (
	TypeText MessageType = "text"
	TypeFile MessageType = "file"
)

// DefaultMaxContentLength bounds message content, in runes.
const DefaultMaxContentLength = 1000

// FileRef points at media stored elsewhere; the chat core never reads it.
type FileRef struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// Sender carries the display attributes resolved at send time.
type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

type ReadReceipt struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

type Message struct {
	ID             snowflake.ID  `json:"id"`
	ConversationID snowflake.ID  `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Sender         *Sender       `json:"sender,omitempty"`
	Content        string        `json:"content"`
	Type           MessageType   `json:"type"`
	File           *FileRef      `json:"file,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	ReadBy         []ReadReceipt `json:"readBy"`
}

// ReadByUser reports whether userID already has a receipt on the message.
func (m *Message) ReadByUser(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with m.
func (m *Message) Clone() *Message {
	c := *m
	if m.Sender != nil {
		s := *m.Sender
		c.Sender = &s
	}
	if m.File != nil {
		f := *m.File
		c.File = &f
	}
	c.ReadBy = append([]ReadReceipt(nil), m.ReadBy...)
	return &c
}

// Profile is what the user directory knows about a user.
type Profile struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

func (p *Profile) Sender() *Sender {
	name := p.DisplayName
	if name == "" {
		name = p.UserID
	}
	return &Sender{ID: p.UserID, DisplayName: name, PhotoURL: p.PhotoURL}
}
