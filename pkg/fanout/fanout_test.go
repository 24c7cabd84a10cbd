package fanout

import (
	"context"
	"sync"
	"testing"

	"github.com/mahaj/chatcore/pkg/room"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
}

func (s *sink) ID() string { return s.id }

func (s *sink) Deliver(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return true
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func TestLocalEmit(t *testing.T) {
	rooms := room.NewMembership()
	a, b, c := &sink{id: "a"}, &sink{id: "b"}, &sink{id: "c"}
	rooms.Join("chat:1", a)
	rooms.Join("chat:1", b)
	rooms.Join("chat:2", c)

	var e Emitter = NewLocal(rooms)
	e.Emit(context.Background(), "chat:1", []byte(`{"event":"x"}`), "a")

	assert.Equal(t, 0, a.count(), "excluded subscriber")
	assert.Equal(t, 1, b.count())
	assert.Equal(t, 0, c.count(), "other room")
}

func TestRecordRoundTrip(t *testing.T) {
	frame := []byte(`{"event":"newMessage","data":{"id":"42"}}`)
	b, err := EncodeRecord("chat:42", frame, "conn-1")
	require.NoError(t, err)

	rec, err := DecodeRecord(b)
	require.NoError(t, err)
	assert.Equal(t, "chat:42", rec.Room)
	assert.Equal(t, "conn-1", rec.Exclude)
	assert.JSONEq(t, string(frame), string(rec.Frame))
}

func TestDecodeRecord_Malformed(t *testing.T) {
	_, err := DecodeRecord([]byte("not json"))
	assert.Error(t, err)
}

func TestNewKafka_RequiresBrokers(t *testing.T) {
	_, err := NewKafka(KafkaConfig{Topic: "t"}, NewLocal(room.NewMembership()), nil, nil)
	assert.Error(t, err)
	_, err = NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}}, NewLocal(room.NewMembership()), nil, nil)
	assert.Error(t, err)
}

func TestNewKafka_PublishOnly(t *testing.T) {
	_, err := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"}, nil, nil, nil)
	assert.Error(t, err, "a consumer needs somewhere to deliver")

	k, err := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t", PublishOnly: true}, nil, nil, nil)
	require.NoError(t, err)
	assert.Error(t, k.Run(context.Background()))
	assert.NoError(t, k.Close())
}
