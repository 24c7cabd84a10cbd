package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gocql/gocql"
	"github.com/mahaj/chatcore/pkg/db"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

// NewScylla returns a Store over the tables created by db.Migrate.
func NewScylla(s *db.Session) *Store {
	return &Store{
		Conversations: &ScyllaConversations{db: s},
		Messages:      &ScyllaMessages{db: s},
		Directory:     &ScyllaDirectory{db: s},
	}
}

func storeErr(op string, err error) error {
	if errors.Is(err, gocql.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, model.ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %w", op, model.ErrStoreUnavailable, err)
}

type ScyllaConversations struct {
	db *db.Session
}

const conversationColumns = `id, participants, is_group, group_name, admin_id, last_message_id, last_activity, created_at`

func scanConversation(scan func(...any) error) (*model.Conversation, error) {
	var (
		c             model.Conversation
		id, lastMsgID int64
	)
	err := scan(&id, &c.Participants, &c.IsGroup, &c.GroupName, &c.AdminID, &lastMsgID, &c.LastActivity, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.ID = snowflake.ID(id)
	c.LastMessageID = snowflake.ID(lastMsgID)
	return &c, nil
}

func (s *ScyllaConversations) Create(ctx context.Context, c *model.Conversation) (*model.Conversation, bool, error) {
	// The row goes in before the pair claim so that a concurrent creator who
	// loses the claim can always load the winner.
	err := s.db.Query(`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(c.ID), c.Participants, c.IsGroup, c.GroupName, c.AdminID, int64(c.LastMessageID), c.LastActivity, c.CreatedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return nil, false, storeErr("insert conversation", err)
	}

	if pair, pairwise := pairOf(c); pairwise {
		existing := map[string]any{}
		applied, err := s.db.Query(`INSERT INTO conversations_by_pair (user_a, user_b, conversation_id) VALUES (?, ?, ?) IF NOT EXISTS`,
			pair[0], pair[1], int64(c.ID),
		).WithContext(ctx).MapScanCAS(existing)
		if err != nil {
			return nil, false, storeErr("claim conversation pair", err)
		}
		if !applied {
			if err := s.db.Query(`DELETE FROM conversations WHERE id = ?`, int64(c.ID)).WithContext(ctx).Exec(); err != nil {
				return nil, false, storeErr("discard duplicate conversation", err)
			}
			id, _ := existing["conversation_id"].(int64)
			winner, err := s.FindByID(ctx, snowflake.ID(id))
			if err != nil {
				return nil, false, err
			}
			return winner, false, nil
		}
	}

	batch := s.db.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	for _, p := range c.Participants {
		batch.Query(`INSERT INTO user_conversations (user_id, conversation_id) VALUES (?, ?)`, p, int64(c.ID))
	}
	if err := s.db.ExecuteBatch(batch); err != nil {
		return nil, false, storeErr("index conversation", err)
	}
	return c.Clone(), true, nil
}

func (s *ScyllaConversations) FindByID(ctx context.Context, id snowflake.ID) (*model.Conversation, error) {
	q := s.db.Query(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, int64(id)).WithContext(ctx)
	c, err := scanConversation(q.Scan)
	if err != nil {
		return nil, storeErr("conversation "+id.String(), err)
	}
	return c, nil
}

func (s *ScyllaConversations) FindByParticipants(ctx context.Context, a, b string) (*model.Conversation, error) {
	a, b = model.PairKey(a, b)
	var id int64
	err := s.db.Query(`SELECT conversation_id FROM conversations_by_pair WHERE user_a = ? AND user_b = ?`, a, b).
		WithContext(ctx).Scan(&id)
	if err != nil {
		return nil, storeErr("conversation pair", err)
	}
	return s.FindByID(ctx, snowflake.ID(id))
}

func (s *ScyllaConversations) ListForUser(ctx context.Context, userID string) ([]*model.Conversation, error) {
	iter := s.db.Query(`SELECT conversation_id FROM user_conversations WHERE user_id = ?`, userID).WithContext(ctx).Iter()
	var (
		ids []int64
		id  int64
	)
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, storeErr("list conversations", err)
	}

	out := make([]*model.Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := s.FindByID(ctx, snowflake.ID(id))
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *ScyllaConversations) UpdateLastMessage(ctx context.Context, id, messageID snowflake.ID, at time.Time) error {
	err := s.db.Query(`UPDATE conversations SET last_message_id = ?, last_activity = ? WHERE id = ?`,
		int64(messageID), at, int64(id),
	).WithContext(ctx).Exec()
	if err != nil {
		return storeErr("update last message", err)
	}
	return nil
}

func (s *ScyllaConversations) Delete(ctx context.Context, id snowflake.ID) error {
	c, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	if pair, pairwise := pairOf(c); pairwise {
		batch.Query(`DELETE FROM conversations_by_pair WHERE user_a = ? AND user_b = ?`, pair[0], pair[1])
	}
	for _, p := range c.Participants {
		batch.Query(`DELETE FROM user_conversations WHERE user_id = ? AND conversation_id = ?`, p, int64(id))
	}
	batch.Query(`DELETE FROM conversations WHERE id = ?`, int64(id))
	if err := s.db.ExecuteBatch(batch); err != nil {
		return storeErr("delete conversation", err)
	}
	return nil
}

type ScyllaMessages struct {
	db *db.Session
}

const messageColumns = `conversation_id, id, sender_id, content, type, file_url, file_name, created_at`

func scanMessage(scan func(...any) error) (*model.Message, error) {
	var (
		m                model.Message
		convID, id       int64
		typ, fURL, fName string
	)
	if err := scan(&convID, &id, &m.SenderID, &m.Content, &typ, &fURL, &fName, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.ConversationID = snowflake.ID(convID)
	m.ID = snowflake.ID(id)
	m.Type = model.MessageType(typ)
	if fURL != "" {
		m.File = &model.FileRef{URL: fURL, Name: fName}
	}
	m.ReadBy = []model.ReadReceipt{}
	return &m, nil
}

func (s *ScyllaMessages) Create(ctx context.Context, m *model.Message) error {
	var fURL, fName string
	if m.File != nil {
		fURL, fName = m.File.URL, m.File.Name
	}
	err := s.db.Query(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(m.ConversationID), int64(m.ID), m.SenderID, m.Content, string(m.Type), fURL, fName, m.CreatedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return storeErr("insert message", err)
	}
	// Counter updates cannot join a batch with the insert. A missed
	// increment only lowers the reported total, which paging tolerates.
	if err := s.db.Query(`UPDATE message_counts SET total = total + 1 WHERE conversation_id = ?`,
		int64(m.ConversationID)).WithContext(ctx).Exec(); err != nil {
		slog.Warn("message count update failed", "conversation", m.ConversationID, "error", err)
	}
	return nil
}

func (s *ScyllaMessages) count(ctx context.Context, conversationID snowflake.ID) (int, error) {
	var total int64
	err := s.db.Query(`SELECT total FROM message_counts WHERE conversation_id = ?`, int64(conversationID)).
		WithContext(ctx).Scan(&total)
	if errors.Is(err, gocql.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr("count messages", err)
	}
	return int(total), nil
}

func (s *ScyllaMessages) Find(ctx context.Context, conversationID, messageID snowflake.ID) (*model.Message, error) {
	q := s.db.Query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND id = ?`,
		int64(conversationID), int64(messageID)).WithContext(ctx)
	m, err := scanMessage(q.Scan)
	if err != nil {
		return nil, storeErr("message "+messageID.String(), err)
	}
	if err := s.attachReceipts(ctx, conversationID, []*model.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *ScyllaMessages) FindByConversationPaged(ctx context.Context, conversationID snowflake.ID, offset, limit int) ([]*model.Message, int, error) {
	total, err := s.count(ctx, conversationID)
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		return nil, total, nil
	}

	// Clustering order is id DESC, so the partition reads newest first.
	iter := s.db.Query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? LIMIT ?`,
		int64(conversationID), offset+limit).WithContext(ctx).Iter()
	scanner := iter.Scanner()
	var out []*model.Message
	for i := 0; scanner.Next(); i++ {
		m, err := scanMessage(scanner.Scan)
		if err != nil {
			_ = iter.Close()
			return nil, 0, storeErr("scan message", err)
		}
		if i >= offset {
			out = append(out, m)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, storeErr("page messages", err)
	}
	if seen := offset + len(out); seen > total {
		total = seen
	}
	if err := s.attachReceipts(ctx, conversationID, out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *ScyllaMessages) attachReceipts(ctx context.Context, conversationID snowflake.ID, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]int64, len(msgs))
	byID := make(map[int64]*model.Message, len(msgs))
	for i, m := range msgs {
		ids[i] = int64(m.ID)
		byID[ids[i]] = m
	}
	iter := s.db.Query(`SELECT message_id, user_id, read_at FROM message_reads WHERE conversation_id = ? AND message_id IN ?`,
		int64(conversationID), ids).WithContext(ctx).Iter()
	var (
		msgID int64
		r     model.ReadReceipt
	)
	for iter.Scan(&msgID, &r.UserID, &r.ReadAt) {
		if m, ok := byID[msgID]; ok {
			m.ReadBy = append(m.ReadBy, r)
		}
	}
	if err := iter.Close(); err != nil {
		return storeErr("load read receipts", err)
	}
	return nil
}

func (s *ScyllaMessages) AppendReadReceipt(ctx context.Context, conversationID, messageID snowflake.ID, r model.ReadReceipt) (bool, error) {
	existing := map[string]any{}
	applied, err := s.db.Query(`INSERT INTO message_reads (conversation_id, message_id, user_id, read_at) VALUES (?, ?, ?, ?) IF NOT EXISTS`,
		int64(conversationID), int64(messageID), r.UserID, r.ReadAt,
	).WithContext(ctx).MapScanCAS(existing)
	if err != nil {
		return false, storeErr("append read receipt", err)
	}
	return applied, nil
}

func (s *ScyllaMessages) MarkAllRead(ctx context.Context, conversationID snowflake.ID, userID string, at time.Time) ([]snowflake.ID, error) {
	iter := s.db.Query(`SELECT id, sender_id FROM messages WHERE conversation_id = ?`, int64(conversationID)).WithContext(ctx).Iter()
	var (
		candidates []snowflake.ID
		id         int64
		sender     string
	)
	for iter.Scan(&id, &sender) {
		if sender != userID {
			candidates = append(candidates, snowflake.ID(id))
		}
	}
	if err := iter.Close(); err != nil {
		return nil, storeErr("scan unread messages", err)
	}

	var marked []snowflake.ID
	// Rows arrive newest first; walk backwards to report oldest first.
	for i := len(candidates) - 1; i >= 0; i-- {
		ok, err := s.AppendReadReceipt(ctx, conversationID, candidates[i], model.ReadReceipt{UserID: userID, ReadAt: at})
		if err != nil {
			return marked, err
		}
		if ok {
			marked = append(marked, candidates[i])
		}
	}
	return marked, nil
}

func (s *ScyllaMessages) DeleteAllForConversation(ctx context.Context, conversationID snowflake.ID) error {
	if err := s.db.Query(`DELETE FROM message_reads WHERE conversation_id = ?`, int64(conversationID)).WithContext(ctx).Exec(); err != nil {
		return storeErr("delete read receipts", err)
	}
	if err := s.db.Query(`DELETE FROM messages WHERE conversation_id = ?`, int64(conversationID)).WithContext(ctx).Exec(); err != nil {
		return storeErr("delete messages", err)
	}
	if err := s.db.Query(`DELETE FROM message_counts WHERE conversation_id = ?`, int64(conversationID)).WithContext(ctx).Exec(); err != nil {
		return storeErr("delete message count", err)
	}
	return nil
}

type ScyllaDirectory struct {
	db *db.Session
}

func (d *ScyllaDirectory) Lookup(ctx context.Context, userID string) (*model.Profile, error) {
	p := model.Profile{UserID: userID}
	err := d.db.Query(`SELECT display_name, photo_url FROM users WHERE id = ?`, userID).
		WithContext(ctx).Scan(&p.DisplayName, &p.PhotoURL)
	if err != nil {
		return nil, storeErr("user "+userID, err)
	}
	return &p, nil
}

func (d *ScyllaDirectory) Upsert(ctx context.Context, p model.Profile) error {
	if p.UserID == "" {
		return fmt.Errorf("%w: empty user id", model.ErrInvalidInput)
	}
	err := d.db.Query(`INSERT INTO users (id, display_name, photo_url, updated_at) VALUES (?, ?, ?, ?)`,
		p.UserID, p.DisplayName, p.PhotoURL, time.Now().UTC(),
	).WithContext(ctx).Exec()
	if err != nil {
		return storeErr("upsert user", err)
	}
	return nil
}
