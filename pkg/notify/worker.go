package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mahaj/chatcore/pkg/fanout"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/store"
	"github.com/segmentio/kafka-go"
)

const maxAttempts = 3

// Reader is the part of *kafka.Reader the worker uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewReader joins the shared notifier consumer group, so each record is
// handled by one notifier instance.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
		MaxWait:  500 * time.Millisecond,
	})
}

// Worker reads the fan-out topic and queues a notification for every
// participant of a new message's conversation who is offline.
type Worker struct {
	reader   Reader
	convs    store.Conversations
	presence presence.View
	sink     Sink
	log      *slog.Logger
}

func NewWorker(r Reader, convs store.Conversations, view presence.View, sink Sink, log *slog.Logger) *Worker {
	return &Worker{
		reader:   r,
		convs:    convs,
		presence: view,
		sink:     sink,
		log:      log.With("component", "notifier"),
	}
}

// Run consumes until ctx is done. A record whose backends are unavailable
// is retried a few times before it is committed anyway.
func (w *Worker) Run(ctx context.Context) error {
	for {
		m, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("error reading message, retrying in 1s", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		err = w.Handle(ctx, m.Value)
		for attempt := 1; errors.Is(err, model.ErrStoreUnavailable) && attempt < maxAttempts; attempt++ {
			w.log.Warn("notification failed, retrying", "offset", m.Offset, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Duration(attempt) * time.Second):
			}
			err = w.Handle(ctx, m.Value)
		}
		if err != nil {
			w.log.Error("dropping record", "offset", m.Offset, "error", err)
		}
		if err := w.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			w.log.Error("commit offset", "offset", m.Offset, "error", err)
		}
	}
}

// Handle processes one fan-out record. Records other than newMessage are
// ignored.
func (w *Worker) Handle(ctx context.Context, value []byte) error {
	rec, err := fanout.DecodeRecord(value)
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	var env model.Envelope
	if err := json.Unmarshal(rec.Frame, &env); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if env.Event != model.EventNewMessage {
		return nil
	}
	var msg model.Message
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	conv, err := w.convs.FindByID(ctx, msg.ConversationID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	n := Notification{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		Preview:        preview(msg),
		CreatedAt:      msg.CreatedAt,
	}
	if msg.Sender != nil {
		n.SenderName = msg.Sender.DisplayName
	}

	var errs []error
	for _, p := range conv.Participants {
		if p == msg.SenderID {
			continue
		}
		online, err := w.presence.IsOnline(ctx, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("presence of %s: %w: %w", p, model.ErrStoreUnavailable, err))
			continue
		}
		if online {
			continue
		}
		if err := w.sink.Push(ctx, p, n); err != nil {
			errs = append(errs, fmt.Errorf("queue for %s: %w: %w", p, model.ErrStoreUnavailable, err))
			continue
		}
		w.log.Debug("notification queued", "user", p, "conversation", msg.ConversationID, "message", msg.ID)
	}
	return errors.Join(errs...)
}

func (w *Worker) Close() error {
	return w.reader.Close()
}

func preview(m model.Message) string {
	if m.Type == model.TypeFile {
		if m.File != nil && m.File.Name != "" {
			return "sent a file: " + m.File.Name
		}
		return "sent a file"
	}
	r := []rune(strings.TrimSpace(m.Content))
	if len(r) > previewRunes {
		return string(r[:previewRunes]) + "…"
	}
	return string(r)
}
