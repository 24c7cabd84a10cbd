// Package notify queues notifications for conversation participants who
// were offline when a message was sent.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "notifications:"
	defaultCap    = 100
	previewRunes  = 80
)

type Notification struct {
	ConversationID snowflake.ID `json:"conversationId"`
	MessageID      snowflake.ID `json:"messageId"`
	SenderID       string       `json:"senderId"`
	SenderName     string       `json:"senderName,omitempty"`
	Preview        string       `json:"preview"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// Sink receives notifications for one user.
type Sink interface {
	Push(ctx context.Context, userID string, n Notification) error
}

// Queue is a capped per-user Redis list, newest at the head.
type Queue struct {
	rdb    redis.UniversalClient
	prefix string
	cap    int64
}

func NewQueue(rdb redis.UniversalClient, prefix string, capacity int) *Queue {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if capacity <= 0 {
		capacity = defaultCap
	}
	return &Queue{rdb: rdb, prefix: prefix, cap: int64(capacity)}
}

func (q *Queue) key(userID string) string { return q.prefix + userID }

func (q *Queue) Push(ctx context.Context, userID string, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, q.key(userID), b)
		p.LTrim(ctx, q.key(userID), 0, q.cap-1)
		return nil
	})
	return err
}

// Drain returns and removes the user's pending notifications, oldest first.
func (q *Queue) Drain(ctx context.Context, userID string) ([]Notification, error) {
	var lr *redis.StringSliceCmd
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		lr = p.LRange(ctx, q.key(userID), 0, -1)
		p.Del(ctx, q.key(userID))
		return nil
	})
	if err != nil {
		return nil, err
	}

	raw := lr.Val()
	out := make([]Notification, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var n Notification
		if err := json.Unmarshal([]byte(raw[i]), &n); err != nil {
			return out, fmt.Errorf("decode notification: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}
