package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 64

// Record is a snapshot of one user's presence.
type Record struct {
	UserID      string
	Online      bool
	LastSeen    time.Time
	Connections int
}

type userEntry struct {
	conns    map[string]struct{}
	lastSeen time.Time
}

type userShard struct {
	mu    sync.Mutex
	users map[string]*userEntry
}

type connShard struct {
	mu    sync.Mutex
	conns map[string]string // connection id -> user id
}

// Registry maps users to their live connections. Users and connections are
// hashed to independent shards; no call holds more than one shard lock, so
// unrelated users never contend on the same mutex (modulo hash collisions).
type Registry struct {
	users []*userShard
	conns []*connShard
	now   func() time.Time
}

type Option func(*Registry)

// WithShards overrides the shard count.
func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.users = make([]*userShard, n)
			r.conns = make([]*connShard, n)
		}
	}
}

// WithClock overrides the time source used for last-seen stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		users: make([]*userShard, defaultShards),
		conns: make([]*connShard, defaultShards),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := range r.users {
		r.users[i] = &userShard{users: make(map[string]*userEntry)}
	}
	for i := range r.conns {
		r.conns[i] = &connShard{conns: make(map[string]string)}
	}
	return r
}

func (r *Registry) userShard(userID string) *userShard {
	return r.users[xxhash.Sum64String(userID)%uint64(len(r.users))]
}

func (r *Registry) connShard(connID string) *connShard {
	return r.conns[xxhash.Sum64String(connID)%uint64(len(r.conns))]
}

// MarkOnline attaches connID to userID. It returns true when the user had no
// live connection before, i.e. an online event should be broadcast.
func (r *Registry) MarkOnline(userID, connID string) bool {
	cs := r.connShard(connID)
	cs.mu.Lock()
	cs.conns[connID] = userID
	cs.mu.Unlock()

	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	e, ok := us.users[userID]
	if !ok {
		e = &userEntry{conns: make(map[string]struct{})}
		us.users[userID] = e
	}
	wasOffline := len(e.conns) == 0
	e.conns[connID] = struct{}{}
	if wasOffline {
		e.lastSeen = r.now()
	}
	return wasOffline
}

// MarkOffline detaches connID. It returns the owning user and true when that
// was the user's last connection. Unknown connections return ("", false).
func (r *Registry) MarkOffline(connID string) (string, bool) {
	cs := r.connShard(connID)
	cs.mu.Lock()
	userID, ok := cs.conns[connID]
	delete(cs.conns, connID)
	cs.mu.Unlock()
	if !ok {
		return "", false
	}

	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	e, ok := us.users[userID]
	if !ok {
		return userID, false
	}
	if _, had := e.conns[connID]; !had {
		return userID, false
	}
	delete(e.conns, connID)
	if len(e.conns) > 0 {
		return userID, false
	}
	e.lastSeen = r.now()
	return userID, true
}

func (r *Registry) IsOnline(userID string) bool {
	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	e, ok := us.users[userID]
	return ok && len(e.conns) > 0
}

// Get returns the presence record for a user seen since process start.
func (r *Registry) Get(userID string) (Record, bool) {
	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	e, ok := us.users[userID]
	if !ok {
		return Record{}, false
	}
	return Record{
		UserID:      userID,
		Online:      len(e.conns) > 0,
		LastSeen:    e.lastSeen,
		Connections: len(e.conns),
	}, true
}

// ListOnline returns the online user ids, sorted. Shards are visited one at
// a time so the result is not an atomic snapshot.
func (r *Registry) ListOnline() []string {
	var out []string
	for _, us := range r.users {
		us.mu.Lock()
		for id, e := range us.users {
			if len(e.conns) > 0 {
				out = append(out, id)
			}
		}
		us.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// OnlineCount returns the number of users with at least one connection.
func (r *Registry) OnlineCount() int {
	n := 0
	for _, us := range r.users {
		us.mu.Lock()
		for _, e := range us.users {
			if len(e.conns) > 0 {
				n++
			}
		}
		us.mu.Unlock()
	}
	return n
}
