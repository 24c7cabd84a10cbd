package room

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

const defaultShards = 64

// PresenceKey is the room every identified connection joins to receive
// userOnline/userOffline events.
const PresenceKey = "presence"

// ConversationKey is the live room of a conversation.
func ConversationKey(id snowflake.ID) string { return "chat:" + id.String() }

// PostKey is the live room of a post's audience.
func PostKey(postID string) string { return "post:" + postID }

// Subscriber receives frames. Deliver must not block; it reports whether
// the frame was queued.
type Subscriber interface {
	ID() string
	Deliver(frame []byte) bool
}

type room struct {
	mu      sync.Mutex
	members map[string]Subscriber
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

// Membership maps room keys to their subscribers.
//
// Lock order is shard then room. Broadcast takes only the room lock, and
// holds it across the whole enqueue loop, so two broadcasts to one room
// cannot interleave and every member sees the room's events in emission
// order.
type Membership struct {
	shards []*shard
}

func NewMembership() *Membership {
	m := &Membership{shards: make([]*shard, defaultShards)}
	for i := range m.shards {
		m.shards[i] = &shard{rooms: make(map[string]*room)}
	}
	return m
}

func (m *Membership) shard(key string) *shard {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

// Join adds sub to the room. It returns false if sub was already a member.
func (m *Membership) Join(key string, sub Subscriber) bool {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[key]
	if !ok {
		r = &room{members: make(map[string]Subscriber)}
		s.rooms[key] = r
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[sub.ID()]; ok {
		return false
	}
	r.members[sub.ID()] = sub
	return true
}

// Leave removes the subscriber and drops the room once empty.
func (m *Membership) Leave(key, subID string) bool {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[key]
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[subID]; !ok {
		return false
	}
	delete(r.members, subID)
	if len(r.members) == 0 {
		delete(s.rooms, key)
	}
	return true
}

// Broadcast queues frame on every member except excludeID and returns the
// number of members that accepted it.
func (m *Membership) Broadcast(key string, frame []byte, excludeID string) int {
	s := m.shard(key)
	s.mu.RLock()
	r, ok := s.rooms[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delivered := 0
	for id, sub := range r.members {
		if id == excludeID {
			continue
		}
		if sub.Deliver(frame) {
			delivered++
		}
	}
	return delivered
}

// Members returns the number of subscribers in a room.
func (m *Membership) Members(key string) int {
	s := m.shard(key)
	s.mu.RLock()
	r, ok := s.rooms[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Rooms returns the number of non-empty rooms.
func (m *Membership) Rooms() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.rooms)
		s.mu.RUnlock()
	}
	return n
}
