// Package chat implements the conversation operations shared by the
// websocket gateway and the REST API: the message pipeline, read receipts,
// typing signals and conversation management.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mahaj/chatcore/pkg/fanout"
	"github.com/mahaj/chatcore/pkg/logger"
	"github.com/mahaj/chatcore/pkg/metrics"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store"
)

type Config struct {
	MaxContentLength    int
	HistoryDefaultLimit int
	HistoryMaxLimit     int
}

func (c *Config) withDefaults() {
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = model.DefaultMaxContentLength
	}
	if c.HistoryDefaultLimit <= 0 {
		c.HistoryDefaultLimit = 50
	}
	if c.HistoryMaxLimit < c.HistoryDefaultLimit {
		c.HistoryMaxLimit = 200
	}
}

// Deps are the collaborators of a Service. Store, Emitter and IDs are
// required.
type Deps struct {
	Store   *store.Store
	Emitter fanout.Emitter
	IDs     *snowflake.Node
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   func() time.Time
	Config  Config
}

type Service struct {
	convs   store.Conversations
	msgs    store.Messages
	dir     store.Directory
	emitter fanout.Emitter
	ids     *snowflake.Node
	seq     *sequencer
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
	cfg     Config
}

func NewService(d Deps) (*Service, error) {
	if d.Store == nil || d.Store.Conversations == nil || d.Store.Messages == nil || d.Store.Directory == nil {
		return nil, errors.New("chat: incomplete store")
	}
	if d.Emitter == nil {
		return nil, errors.New("chat: nil emitter")
	}
	if d.IDs == nil {
		return nil, errors.New("chat: nil id generator")
	}
	if d.Logger == nil {
		d.Logger = logger.Discard()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	d.Config.withDefaults()

	return &Service{
		convs:   d.Store.Conversations,
		msgs:    d.Store.Messages,
		dir:     d.Store.Directory,
		emitter: d.Emitter,
		ids:     d.IDs,
		seq:     newSequencer(defaultStripes),
		metrics: d.Metrics,
		log:     d.Logger.With("component", "chat"),
		now:     func() time.Time { return d.Clock().UTC() },
		cfg:     d.Config,
	}, nil
}

// Authorize loads the conversation and checks that userID takes part in it.
func (s *Service) Authorize(ctx context.Context, userID string, conversationID snowflake.ID) (*model.Conversation, error) {
	conv, err := s.convs.FindByID(ctx, conversationID)
	if err != nil {
		return nil, storeFailure(err)
	}
	if !conv.HasParticipant(userID) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotAuthorized)
	}
	return conv, nil
}

// Profile resolves a user's display attributes, falling back to the bare id
// when the directory has no entry or cannot be reached.
func (s *Service) Profile(ctx context.Context, userID string) *model.Profile {
	p, err := s.dir.Lookup(ctx, userID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			s.log.Warn("directory lookup failed", "user", userID, "error", err)
		}
		return &model.Profile{UserID: userID}
	}
	return p
}

// UpsertProfile records the display attributes carried by a credential.
func (s *Service) UpsertProfile(ctx context.Context, p model.Profile) error {
	if err := s.dir.Upsert(ctx, p); err != nil {
		return storeFailure(err)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, roomKey, event string, payload any, excludeID string) {
	frame, err := model.Frame(event, payload)
	if err != nil {
		s.log.Error("encode event", "event", event, "room", roomKey, "error", err)
		return
	}
	s.emitter.Emit(ctx, roomKey, frame, excludeID)
}

func (s *Service) reject(op string, err error) {
	reason := "internal"
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		reason = "invalid_input"
	case errors.Is(err, model.ErrNotAuthorized):
		reason = "not_authorized"
	case errors.Is(err, model.ErrNotFound):
		reason = "not_found"
	case errors.Is(err, model.ErrStoreUnavailable):
		reason = "store_unavailable"
	case errors.Is(err, model.ErrAuth):
		reason = "auth"
	}
	s.metrics.Rejected(reason)
	s.log.Debug("operation rejected", "op", op, "reason", reason, "error", err)
}

// storeFailure keeps classified errors as they are and marks anything else
// coming out of a store as unavailable.
func storeFailure(err error) error {
	for _, kind := range []error{model.ErrNotFound, model.ErrStoreUnavailable, model.ErrInvalidInput, model.ErrNotAuthorized} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
}
