package chat

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

const defaultStripes = 256

// sequencer serializes work per conversation with a fixed set of striped
// mutexes. Two conversations may share a stripe; one conversation always
// maps to the same one.
type sequencer struct {
	stripes []sync.Mutex
}

func newSequencer(n int) *sequencer {
	return &sequencer{stripes: make([]sync.Mutex, n)}
}

func (q *sequencer) lock(id snowflake.ID) func() {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	mu := &q.stripes[xxhash.Sum64(b[:])%uint64(len(q.stripes))]
	mu.Lock()
	return mu.Unlock
}
