package presence

import (
	"context"
	"time"
)

// View answers presence queries for the REST API.
type View interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
	ListOnline(ctx context.Context) ([]string, error)
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

// LocalView serves presence from the in-process registry. Users unknown to
// the registry fall back to the mirror for last-seen, when one is set.
type LocalView struct {
	Registry *Registry
	Mirror   *Mirror
}

func (v LocalView) IsOnline(_ context.Context, userID string) (bool, error) {
	return v.Registry.IsOnline(userID), nil
}

func (v LocalView) ListOnline(_ context.Context) ([]string, error) {
	return v.Registry.ListOnline(), nil
}

func (v LocalView) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	if rec, ok := v.Registry.Get(userID); ok {
		return rec.LastSeen, true, nil
	}
	if v.Mirror == nil {
		return time.Time{}, false, nil
	}
	return v.Mirror.LastSeen(ctx, userID)
}
