package chat

import (
	"context"
	"fmt"

	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/room"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

// MarkRead records that userID has read one message and tells the room.
// It returns false, without emitting, when the message is the user's own or
// already carries the user's receipt.
func (s *Service) MarkRead(ctx context.Context, userID string, conversationID, messageID snowflake.ID) (bool, error) {
	ok, err := s.markRead(ctx, userID, conversationID, messageID)
	if err != nil {
		s.reject("markRead", err)
	}
	return ok, err
}

func (s *Service) markRead(ctx context.Context, userID string, conversationID, messageID snowflake.ID) (bool, error) {
	conv, err := s.Authorize(ctx, userID, conversationID)
	if err != nil {
		return false, err
	}
	msg, err := s.msgs.Find(ctx, conv.ID, messageID)
	if err != nil {
		return false, storeFailure(err)
	}
	if msg.SenderID == userID {
		return false, nil
	}

	// Under the sequencer so a receipt never overtakes its newMessage.
	unlock := s.seq.lock(conv.ID)
	defer unlock()

	receipt := model.ReadReceipt{UserID: userID, ReadAt: s.now()}
	added, err := s.msgs.AppendReadReceipt(ctx, conv.ID, messageID, receipt)
	if err != nil {
		return false, fmt.Errorf("append read receipt: %w", storeFailure(err))
	}
	if !added {
		return false, nil
	}
	s.emit(ctx, room.ConversationKey(conv.ID), model.EventMessageRead, model.MessageReadPayload{
		ConversationID: conv.ID,
		MessageID:      messageID,
		UserID:         userID,
		ReadAt:         receipt.ReadAt,
	}, "")
	return true, nil
}

// MarkAllRead marks every message of the conversation sent by others as
// read by userID and emits one messageRead per newly read message.
func (s *Service) MarkAllRead(ctx context.Context, userID string, conversationID snowflake.ID) (int, error) {
	conv, err := s.Authorize(ctx, userID, conversationID)
	if err != nil {
		s.reject("markAllRead", err)
		return 0, err
	}

	unlock := s.seq.lock(conv.ID)
	defer unlock()

	at := s.now()
	ids, err := s.msgs.MarkAllRead(ctx, conv.ID, userID, at)
	// Receipts stored before a failure are still announced.
	for _, id := range ids {
		s.emit(ctx, room.ConversationKey(conv.ID), model.EventMessageRead, model.MessageReadPayload{
			ConversationID: conv.ID,
			MessageID:      id,
			UserID:         userID,
			ReadAt:         at,
		}, "")
	}
	if err != nil {
		err = fmt.Errorf("mark all read: %w", storeFailure(err))
		s.reject("markAllRead", err)
		return len(ids), err
	}
	return len(ids), nil
}
