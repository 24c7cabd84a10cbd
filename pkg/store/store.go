// Package store defines the persistence contracts of the chat core and
// provides an in-memory and a ScyllaDB implementation of each.
//
// Implementations return model.ErrNotFound for missing records and wrap
// every backend failure in model.ErrStoreUnavailable.
package store

import (
	"context"
	"time"

	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

type Conversations interface {
	// Create stores c. For a pairwise conversation whose pair already has
	// one, the existing conversation is returned with created false.
	Create(ctx context.Context, c *model.Conversation) (conv *model.Conversation, created bool, err error)
	FindByID(ctx context.Context, id snowflake.ID) (*model.Conversation, error)
	// FindByParticipants finds the pairwise conversation of a and b.
	FindByParticipants(ctx context.Context, a, b string) (*model.Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]*model.Conversation, error)
	UpdateLastMessage(ctx context.Context, id, messageID snowflake.ID, at time.Time) error
	Delete(ctx context.Context, id snowflake.ID) error
}

type Messages interface {
	Create(ctx context.Context, m *model.Message) error
	Find(ctx context.Context, conversationID, messageID snowflake.ID) (*model.Message, error)
	// FindByConversationPaged returns up to limit messages newest first,
	// skipping the newest offset, and the conversation's message count.
	FindByConversationPaged(ctx context.Context, conversationID snowflake.ID, offset, limit int) ([]*model.Message, int, error)
	// AppendReadReceipt reports false when the user already had a receipt.
	AppendReadReceipt(ctx context.Context, conversationID, messageID snowflake.ID, r model.ReadReceipt) (bool, error)
	// MarkAllRead adds a receipt for userID to every message sent by someone
	// else and returns the ids that gained one, oldest first.
	MarkAllRead(ctx context.Context, conversationID snowflake.ID, userID string, at time.Time) ([]snowflake.ID, error)
	DeleteAllForConversation(ctx context.Context, conversationID snowflake.ID) error
}

// Directory resolves user display attributes.
type Directory interface {
	Lookup(ctx context.Context, userID string) (*model.Profile, error)
	Upsert(ctx context.Context, p model.Profile) error
}

// Store bundles the three collaborators.
type Store struct {
	Conversations Conversations
	Messages      Messages
	Directory     Directory
}
