package presence

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Transitions(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry(WithClock(func() time.Time { return clock }))

	assert.True(t, r.MarkOnline("1", "c1"), "first connection is a transition")
	assert.False(t, r.MarkOnline("1", "c2"), "second connection is not")
	assert.True(t, r.IsOnline("1"))

	clock = clock.Add(time.Minute)
	user, offline := r.MarkOffline("c1")
	assert.Equal(t, "1", user)
	assert.False(t, offline)
	assert.True(t, r.IsOnline("1"))

	user, offline = r.MarkOffline("c2")
	assert.Equal(t, "1", user)
	assert.True(t, offline)
	assert.False(t, r.IsOnline("1"))

	rec, ok := r.Get("1")
	require.True(t, ok)
	assert.False(t, rec.Online)
	assert.Equal(t, clock, rec.LastSeen)
	assert.Zero(t, rec.Connections)
}

func TestRegistry_UnknownConnection(t *testing.T) {
	r := NewRegistry()
	user, offline := r.MarkOffline("nope")
	assert.Empty(t, user)
	assert.False(t, offline)

	r.MarkOnline("1", "c1")
	_, _ = r.MarkOffline("c1")
	_, offline = r.MarkOffline("c1")
	assert.False(t, offline, "double close must not signal twice")
}

func TestRegistry_ListOnline(t *testing.T) {
	r := NewRegistry(WithShards(4))
	r.MarkOnline("b", "1")
	r.MarkOnline("a", "2")
	r.MarkOnline("c", "3")
	r.MarkOffline("3")

	assert.Equal(t, []string{"a", "b"}, r.ListOnline())
	assert.Equal(t, 2, r.OnlineCount())
}

// IsOnline(u) holds iff u has at least one active connection, for any
// interleaving of connects and disconnects.
func TestRegistry_OnlineIffConnections(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	r := NewRegistry(WithShards(8))

	model := make(map[string]map[string]bool) // user -> conns
	owner := make(map[string]string)          // conn -> user
	nextConn := 0

	for step := 0; step < 5000; step++ {
		user := fmt.Sprintf("u%d", rng.Intn(10))
		if rng.Intn(2) == 0 || len(owner) == 0 {
			conn := fmt.Sprintf("c%d", nextConn)
			nextConn++
			wasEmpty := len(model[user]) == 0
			got := r.MarkOnline(user, conn)
			require.Equal(t, wasEmpty, got, "step %d online transition", step)
			if model[user] == nil {
				model[user] = make(map[string]bool)
			}
			model[user][conn] = true
			owner[conn] = user
		} else {
			var conn string
			for c := range owner {
				conn = c
				break
			}
			u := owner[conn]
			delete(owner, conn)
			delete(model[u], conn)
			gotUser, wentOffline := r.MarkOffline(conn)
			require.Equal(t, u, gotUser)
			require.Equal(t, len(model[u]) == 0, wentOffline, "step %d offline transition", step)
		}

		for u, conns := range model {
			require.Equal(t, len(conns) > 0, r.IsOnline(u), "step %d user %s", step, u)
		}
	}
}

func TestRegistry_ConcurrentLifecycles(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	var mu sync.Mutex
	onlineSignals := make(map[string]int)
	offlineSignals := make(map[string]int)

	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				user := fmt.Sprintf("u%d", i%5)
				conn := fmt.Sprintf("g%d-c%d", g, i)
				on := r.MarkOnline(user, conn)
				_, off := r.MarkOffline(conn)
				mu.Lock()
				if on {
					onlineSignals[user]++
				}
				if off {
					offlineSignals[user]++
				}
				mu.Unlock()
			}
		}(g)
	}
	wg.Wait()

	assert.Empty(t, r.ListOnline())
	for u, n := range onlineSignals {
		assert.Equal(t, n, offlineSignals[u], "user %s online/offline signals must pair up", u)
	}
}

func TestLocalView(t *testing.T) {
	r := NewRegistry()
	r.MarkOnline("1", "c1")
	v := LocalView{Registry: r}
	ctx := context.Background()

	online, err := v.IsOnline(ctx, "1")
	require.NoError(t, err)
	assert.True(t, online)

	list, err := v.ListOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, list)

	_, ok, err := v.LastSeen(ctx, "2")
	require.NoError(t, err)
	assert.False(t, ok)
}

const testRedisAddr = "localhost:6379"

func TestMirror_Redis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", testRedisAddr, err)
	}

	prefix := fmt.Sprintf("test:presence:%d:", time.Now().UnixNano())
	defer client.Del(ctx, prefix+onlineKey, prefix+lastSeenKey)
	m := NewMirror(client, prefix)

	at := time.UnixMilli(time.Now().UnixMilli())
	require.NoError(t, m.Online(ctx, "1", at))
	online, err := m.IsOnline(ctx, "1")
	require.NoError(t, err)
	assert.True(t, online)

	list, err := m.ListOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, list)

	later := at.Add(time.Second)
	require.NoError(t, m.Offline(ctx, "1", later))
	online, err = m.IsOnline(ctx, "1")
	require.NoError(t, err)
	assert.False(t, online)

	seen, ok, err := m.LastSeen(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, seen.Equal(later))

	require.NoError(t, m.Online(ctx, "2", at))
	require.NoError(t, m.Reset(ctx))
	list, err = m.ListOnline(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
