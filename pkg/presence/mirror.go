package presence

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "presence:"
	onlineKey     = "online"
	lastSeenKey   = "last_seen"
)

// Mirror copies presence transitions into Redis so processes that do not
// own connections (REST tier, notifier) can answer presence queries.
type Mirror struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewMirror(rdb redis.UniversalClient, prefix string) *Mirror {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Mirror{rdb: rdb, prefix: prefix}
}

func (m *Mirror) key(k string) string { return m.prefix + k }

// Online records that userID came online at the given time.
func (m *Mirror) Online(ctx context.Context, userID string, at time.Time) error {
	_, err := m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, m.key(onlineKey), userID)
		p.HSet(ctx, m.key(lastSeenKey), userID, at.UnixMilli())
		return nil
	})
	return err
}

// Offline records that userID's last connection closed.
func (m *Mirror) Offline(ctx context.Context, userID string, at time.Time) error {
	_, err := m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, m.key(onlineKey), userID)
		p.HSet(ctx, m.key(lastSeenKey), userID, at.UnixMilli())
		return nil
	})
	return err
}

// Reset clears the online set. A restarted gateway owns no connections.
func (m *Mirror) Reset(ctx context.Context) error {
	return m.rdb.Del(ctx, m.key(onlineKey)).Err()
}

func (m *Mirror) IsOnline(ctx context.Context, userID string) (bool, error) {
	return m.rdb.SIsMember(ctx, m.key(onlineKey), userID).Result()
}

func (m *Mirror) ListOnline(ctx context.Context) ([]string, error) {
	users, err := m.rdb.SMembers(ctx, m.key(onlineKey)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}

// LastSeen returns the last transition time, false when never seen.
func (m *Mirror) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	v, err := m.rdb.HGet(ctx, m.key(lastSeenKey), userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}
