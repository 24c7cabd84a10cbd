package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/room"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

// SignalTyping relays a typing indicator to the conversation room, skipping
// the connection it came from. Nothing is stored. The conversation is
// checked on every call, so a deleted conversation or a removed participant
// stops typing even while a room subscription is still open.
func (s *Service) SignalTyping(ctx context.Context, userID string, conversationID snowflake.ID, excludeConnID string, isTyping bool) error {
	if _, err := s.Authorize(ctx, userID, conversationID); err != nil {
		s.reject("typing", err)
		return err
	}
	s.emit(ctx, room.ConversationKey(conversationID), model.EventUserTyping, model.UserTypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	}, excludeConnID)
	return nil
}

// PostEvent relays a like or comment to the post's subscribers. event is
// model.EventPostLiked or model.EventNewComment.
func (s *Service) PostEvent(ctx context.Context, event, userID, postID string, data json.RawMessage) error {
	switch event {
	case model.EventPostLiked, model.EventNewComment:
	default:
		return fmt.Errorf("%w: unknown post event %q", model.ErrInvalidInput, event)
	}
	postID = strings.TrimSpace(postID)
	if postID == "" {
		return fmt.Errorf("%w: postId is required", model.ErrInvalidInput)
	}
	s.emit(ctx, room.PostKey(postID), event, model.PostEventPayload{
		PostID: postID,
		UserID: userID,
		Data:   data,
	}, "")
	return nil
}
