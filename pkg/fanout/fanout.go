// Package fanout carries encoded events to room subscribers, either directly
// in process or through Kafka so that every gateway instance delivers to
// its own connections.
package fanout

import (
	"context"
	"encoding/json"

	"github.com/mahaj/chatcore/pkg/room"
)

// Emitter publishes a frame to a room. Emission is best effort: persisted
// state is the source of truth and clients re-fetch after reconnecting.
type Emitter interface {
	Emit(ctx context.Context, roomKey string, frame []byte, excludeID string)
}

// Local delivers straight into the process's room membership.
type Local struct {
	rooms *room.Membership
}

func NewLocal(rooms *room.Membership) *Local {
	return &Local{rooms: rooms}
}

func (l *Local) Emit(_ context.Context, roomKey string, frame []byte, excludeID string) {
	l.rooms.Broadcast(roomKey, frame, excludeID)
}

// Record is the Kafka value wrapping one emitted frame.
type Record struct {
	Room    string          `json:"room"`
	Exclude string          `json:"exclude,omitempty"`
	Frame   json.RawMessage `json:"frame"`
}

func EncodeRecord(roomKey string, frame []byte, excludeID string) ([]byte, error) {
	return json.Marshal(Record{Room: roomKey, Exclude: excludeID, Frame: frame})
}

func DecodeRecord(b []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
