package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

type CreateRequest struct {
	CreatorID      string
	ParticipantIDs []string
	IsGroup        bool
	GroupName      string
}

// CreateConversation opens a pairwise chat or a group. A pairwise chat that
// already exists for the two users is returned with created false.
func (s *Service) CreateConversation(ctx context.Context, req CreateRequest) (*model.Conversation, bool, error) {
	conv, created, err := s.createConversation(ctx, req)
	if err != nil {
		s.reject("createConversation", err)
	}
	return conv, created, err
}

func (s *Service) createConversation(ctx context.Context, req CreateRequest) (*model.Conversation, bool, error) {
	seen := map[string]bool{req.CreatorID: true}
	var others []string
	for _, id := range req.ParticipantIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		others = append(others, id)
	}

	groupName := strings.TrimSpace(req.GroupName)
	switch {
	case len(others) == 0:
		return nil, false, fmt.Errorf("%w: cannot create chat with yourself", model.ErrInvalidInput)
	case !req.IsGroup && len(others) != 1:
		return nil, false, fmt.Errorf("%w: a direct chat has exactly one other participant", model.ErrInvalidInput)
	case req.IsGroup && groupName == "":
		return nil, false, fmt.Errorf("%w: groupName is required", model.ErrInvalidInput)
	}

	for _, id := range others {
		if _, err := s.dir.Lookup(ctx, id); err != nil {
			return nil, false, fmt.Errorf("participant %s: %w", id, storeFailure(err))
		}
	}

	if !req.IsGroup {
		existing, err := s.convs.FindByParticipants(ctx, req.CreatorID, others[0])
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return nil, false, storeFailure(err)
		}
	}

	now := s.now()
	conv := &model.Conversation{
		ID:           s.ids.Generate(),
		Participants: append([]string{req.CreatorID}, others...),
		IsGroup:      req.IsGroup,
		LastActivity: now,
		CreatedAt:    now,
	}
	if req.IsGroup {
		conv.GroupName = groupName
		conv.AdminID = req.CreatorID
	}

	stored, created, err := s.convs.Create(ctx, conv)
	if err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", storeFailure(err))
	}
	if created {
		s.log.Info("conversation created", "conversation", stored.ID, "group", stored.IsGroup, "participants", len(stored.Participants))
	}
	return stored, created, nil
}

// ListConversations returns the user's conversations, most recently active
// first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]*model.Conversation, error) {
	list, err := s.convs.ListForUser(ctx, userID)
	if err != nil {
		return nil, storeFailure(err)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].LastActivity.Equal(list[j].LastActivity) {
			return list[i].LastActivity.After(list[j].LastActivity)
		}
		return list[i].ID > list[j].ID
	})
	return list, nil
}

type Pagination struct {
	CurrentPage   int  `json:"currentPage"`
	TotalPages    int  `json:"totalPages"`
	TotalMessages int  `json:"totalMessages"`
	HasMore       bool `json:"hasMore"`
}

type HistoryPage struct {
	Messages   []*model.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// History returns one page of a conversation. Pages count back from the
// newest message (page 1 is the latest); messages within a page are oldest
// first.
func (s *Service) History(ctx context.Context, userID string, conversationID snowflake.ID, page, limit int) (*HistoryPage, error) {
	if _, err := s.Authorize(ctx, userID, conversationID); err != nil {
		s.reject("history", err)
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = s.cfg.HistoryDefaultLimit
	}
	if limit > s.cfg.HistoryMaxLimit {
		limit = s.cfg.HistoryMaxLimit
	}

	msgs, total, err := s.msgs.FindByConversationPaged(ctx, conversationID, (page-1)*limit, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", storeFailure(err))
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	senders := make(map[string]*model.Sender)
	for _, m := range msgs {
		if m.Sender != nil {
			continue
		}
		snd, ok := senders[m.SenderID]
		if !ok {
			snd = s.Profile(ctx, m.SenderID).Sender()
			senders[m.SenderID] = snd
		}
		c := *snd
		m.Sender = &c
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}

	totalPages := (total + limit - 1) / limit
	return &HistoryPage{
		Messages: msgs,
		Pagination: Pagination{
			CurrentPage:   page,
			TotalPages:    totalPages,
			TotalMessages: total,
			HasMore:       page < totalPages,
		},
	}, nil
}

// DeleteConversation removes a conversation and its messages. Groups can
// only be deleted by their admin.
func (s *Service) DeleteConversation(ctx context.Context, userID string, conversationID snowflake.ID) error {
	conv, err := s.Authorize(ctx, userID, conversationID)
	if err != nil {
		s.reject("deleteConversation", err)
		return err
	}
	if conv.IsGroup && conv.AdminID != userID {
		err := fmt.Errorf("only the group admin can delete the chat: %w", model.ErrNotAuthorized)
		s.reject("deleteConversation", err)
		return err
	}

	unlock := s.seq.lock(conv.ID)
	defer unlock()

	if err := s.msgs.DeleteAllForConversation(ctx, conv.ID); err != nil {
		return fmt.Errorf("delete messages: %w", storeFailure(err))
	}
	if err := s.convs.Delete(ctx, conv.ID); err != nil {
		return fmt.Errorf("delete conversation: %w", storeFailure(err))
	}
	s.log.Info("conversation deleted", "conversation", conv.ID, "by", userID)
	return nil
}
