package chat

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/room"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

// Entry points, used as the metrics label of sent messages.
const (
	EntryWebsocket = "ws"
	EntryREST      = "rest"
)

type SendRequest struct {
	SenderID       string
	ConversationID snowflake.ID
	Content        string
	Type           model.MessageType
	File           *model.FileRef
	Entry          string
}

// Send validates, persists and broadcasts one message. It is the only way a
// message enters a conversation.
//
// Participation is checked against the store on every call; having joined
// the live room grants nothing. Id assignment, persistence and emission run
// under the conversation's sequencer lock, so messages are broadcast in id
// order. A failed persist emits nothing. A failed last-activity update is
// logged and the message still stands.
func (s *Service) Send(ctx context.Context, req SendRequest) (*model.Message, error) {
	msg, err := s.send(ctx, req)
	if err != nil {
		s.reject("send", err)
		return nil, err
	}
	entry := req.Entry
	if entry == "" {
		entry = EntryREST
	}
	s.metrics.MessageSent(entry)
	return msg, nil
}

func (s *Service) send(ctx context.Context, req SendRequest) (*model.Message, error) {
	conv, err := s.Authorize(ctx, req.SenderID, req.ConversationID)
	if err != nil {
		return nil, err
	}
	content, typ, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	sender := s.Profile(ctx, req.SenderID).Sender()

	unlock := s.seq.lock(conv.ID)
	defer unlock()

	msg := &model.Message{
		ID:             s.ids.Generate(),
		ConversationID: conv.ID,
		SenderID:       req.SenderID,
		Sender:         sender,
		Content:        content,
		Type:           typ,
		CreatedAt:      s.now(),
		ReadBy:         []model.ReadReceipt{},
	}
	if req.File != nil {
		f := *req.File
		msg.File = &f
	}

	if err := s.msgs.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", storeFailure(err))
	}
	if err := s.convs.UpdateLastMessage(ctx, conv.ID, msg.ID, msg.CreatedAt); err != nil {
		s.metrics.SecondaryUpdateFailed()
		s.log.Warn("update last activity failed", "conversation", conv.ID, "message", msg.ID, "error", err)
	}

	s.emit(ctx, room.ConversationKey(conv.ID), model.EventNewMessage, msg, "")
	return msg, nil
}

func (s *Service) validate(req SendRequest) (string, model.MessageType, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return "", "", fmt.Errorf("%w: content is required", model.ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(content); n > s.cfg.MaxContentLength {
		return "", "", fmt.Errorf("%w: content exceeds %d characters", model.ErrInvalidInput, s.cfg.MaxContentLength)
	}

	typ := req.Type
	if typ == "" {
		typ = model.TypeText
	}
	switch typ {
	case model.TypeText:
	case model.TypeFile:
		if req.File == nil || strings.TrimSpace(req.File.URL) == "" {
			return "", "", fmt.Errorf("%w: file messages need a file url", model.ErrInvalidInput)
		}
	default:
		return "", "", fmt.Errorf("%w: unknown message type %q", model.ErrInvalidInput, typ)
	}
	return content, typ, nil
}
