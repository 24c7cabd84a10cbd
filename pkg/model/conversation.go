package model

import (
	"time"

	"github.com/mahaj/chatcore/pkg/snowflake"
)

type Conversation struct {
	ID            snowflake.ID `json:"id"`
	Participants  []string     `json:"participants"`
	IsGroup       bool         `json:"isGroupChat"`
	GroupName     string       `json:"groupName,omitempty"`
	AdminID       string       `json:"admin,omitempty"`
	LastMessageID snowflake.ID `json:"lastMessageId,omitempty"`
	LastActivity  time.Time    `json:"lastActivity"`
	CreatedAt     time.Time    `json:"createdAt"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	return &cp
}

// PairKey orders two user ids so a pairwise conversation has one key
// regardless of who created it.
func PairKey(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}
