package auth

import (
	"context"
	"fmt"

	"github.com/mahaj/chatcore/pkg/model"
)

// Identity is what a verified credential resolves to.
type Identity struct {
	UserID      string
	DisplayName string
	PhotoURL    string
}

func (i *Identity) Profile() *model.Profile {
	return &model.Profile{UserID: i.UserID, DisplayName: i.DisplayName, PhotoURL: i.PhotoURL}
}

// Resolver turns an opaque credential into a user identity.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (*Identity, error)
}

// Capability is what a session is allowed to do.
type Capability int

const (
	Anonymous Capability = iota
	Identified
)

func (c Capability) String() string {
	if c == Identified {
		return "identified"
	}
	return "anonymous"
}

// Session is either anonymous or bound to one user id.
type Session struct {
	cap    Capability
	userID string
}

func AnonymousSession() Session { return Session{cap: Anonymous} }

func IdentifiedSession(userID string) Session {
	return Session{cap: Identified, userID: userID}
}

func (s Session) Capability() Capability { return s.cap }
func (s Session) UserID() string         { return s.userID }
func (s Session) Identified() bool       { return s.cap == Identified }

// Require fails with model.ErrAuth when the session lacks c.
func (s Session) Require(c Capability) error {
	if s.cap < c {
		return fmt.Errorf("%w: %s session required", model.ErrAuth, c)
	}
	return nil
}

type contextKey string

const sessionKey contextKey = "session"

func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// FromContext returns the request session, anonymous when none is set.
func FromContext(ctx context.Context) Session {
	if s, ok := ctx.Value(sessionKey).(Session); ok {
		return s
	}
	return AnonymousSession()
}
