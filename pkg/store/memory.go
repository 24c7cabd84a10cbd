package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

// NewMemory returns a Store held entirely in process memory. It backs tests
// and single-node development.
func NewMemory() *Store {
	return &Store{
		Conversations: NewMemoryConversations(),
		Messages:      NewMemoryMessages(),
		Directory:     NewMemoryDirectory(),
	}
}

type MemoryConversations struct {
	mu     sync.RWMutex
	byID   map[snowflake.ID]*model.Conversation
	byPair map[[2]string]snowflake.ID
}

func NewMemoryConversations() *MemoryConversations {
	return &MemoryConversations{
		byID:   make(map[snowflake.ID]*model.Conversation),
		byPair: make(map[[2]string]snowflake.ID),
	}
}

func pairOf(c *model.Conversation) ([2]string, bool) {
	if c.IsGroup || len(c.Participants) != 2 {
		return [2]string{}, false
	}
	a, b := model.PairKey(c.Participants[0], c.Participants[1])
	return [2]string{a, b}, true
}

func (s *MemoryConversations) Create(_ context.Context, c *model.Conversation) (*model.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[c.ID]; ok {
		return nil, false, fmt.Errorf("conversation %s: %w: duplicate id", c.ID, model.ErrStoreUnavailable)
	}
	pair, pairwise := pairOf(c)
	if pairwise {
		if id, ok := s.byPair[pair]; ok {
			return s.byID[id].Clone(), false, nil
		}
		s.byPair[pair] = c.ID
	}
	s.byID[c.ID] = c.Clone()
	return c.Clone(), true, nil
}

func (s *MemoryConversations) FindByID(_ context.Context, id snowflake.ID) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, model.ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *MemoryConversations) FindByParticipants(_ context.Context, a, b string) (*model.Conversation, error) {
	a, b = model.PairKey(a, b)
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPair[[2]string{a, b}]
	if !ok {
		return nil, fmt.Errorf("conversation %s/%s: %w", a, b, model.ErrNotFound)
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryConversations) ListForUser(_ context.Context, userID string) ([]*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Conversation
	for _, c := range s.byID {
		if c.HasParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryConversations) UpdateLastMessage(_ context.Context, id, messageID snowflake.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, model.ErrNotFound)
	}
	c.LastMessageID = messageID
	c.LastActivity = at
	return nil
}

func (s *MemoryConversations) Delete(_ context.Context, id snowflake.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, model.ErrNotFound)
	}
	if pair, pairwise := pairOf(c); pairwise {
		delete(s.byPair, pair)
	}
	delete(s.byID, id)
	return nil
}

// MemoryMessages keeps each conversation's messages sorted by id.
type MemoryMessages struct {
	mu     sync.RWMutex
	byConv map[snowflake.ID][]*model.Message
}

func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{byConv: make(map[snowflake.ID][]*model.Message)}
}

func (s *MemoryMessages) Create(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.byConv[m.ConversationID]
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].ID >= m.ID })
	if i < len(msgs) && msgs[i].ID == m.ID {
		return fmt.Errorf("message %s: %w: duplicate id", m.ID, model.ErrStoreUnavailable)
	}
	msgs = append(msgs, nil)
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m.Clone()
	s.byConv[m.ConversationID] = msgs
	return nil
}

func (s *MemoryMessages) find(conversationID, messageID snowflake.ID) (*model.Message, error) {
	msgs := s.byConv[conversationID]
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].ID >= messageID })
	if i == len(msgs) || msgs[i].ID != messageID {
		return nil, fmt.Errorf("message %s: %w", messageID, model.ErrNotFound)
	}
	return msgs[i], nil
}

func (s *MemoryMessages) Find(_ context.Context, conversationID, messageID snowflake.ID) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.find(conversationID, messageID)
	if err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

func (s *MemoryMessages) FindByConversationPaged(_ context.Context, conversationID snowflake.ID, offset, limit int) ([]*model.Message, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.byConv[conversationID]
	total := len(msgs)
	var out []*model.Message
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, msgs[i].Clone())
	}
	return out, total, nil
}

func (s *MemoryMessages) AppendReadReceipt(_ context.Context, conversationID, messageID snowflake.ID, r model.ReadReceipt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.find(conversationID, messageID)
	if err != nil {
		return false, err
	}
	if m.ReadByUser(r.UserID) {
		return false, nil
	}
	m.ReadBy = append(m.ReadBy, r)
	return true, nil
}

func (s *MemoryMessages) MarkAllRead(_ context.Context, conversationID snowflake.ID, userID string, at time.Time) ([]snowflake.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var marked []snowflake.ID
	for _, m := range s.byConv[conversationID] {
		if m.SenderID == userID || m.ReadByUser(userID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, model.ReadReceipt{UserID: userID, ReadAt: at})
		marked = append(marked, m.ID)
	}
	return marked, nil
}

func (s *MemoryMessages) DeleteAllForConversation(_ context.Context, conversationID snowflake.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byConv, conversationID)
	return nil
}

type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[string]model.Profile
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{profiles: make(map[string]model.Profile)}
}

func (d *MemoryDirectory) Lookup(_ context.Context, userID string) (*model.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
	}
	return &p, nil
}

func (d *MemoryDirectory) Upsert(_ context.Context, p model.Profile) error {
	if p.UserID == "" {
		return fmt.Errorf("%w: empty user id", model.ErrInvalidInput)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.UserID] = p
	return nil
}
