package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/observer/watchparty/internal/pubsub"
)

// PubSubBroadcaster lets the admission service reach live connections
// through the pub/sub fabric without depending on the hub. Messages carry no
// origin, so every instance — this one included — delivers them.
type PubSubBroadcaster struct {
	ps pubsub.PubSub
}

// NewPubSubBroadcaster creates a broadcaster over the given backend.
func NewPubSubBroadcaster(ps pubsub.PubSub) *PubSubBroadcaster {
	return &PubSubBroadcaster{ps: ps}
}

// BroadcastPause emits a synthetic hostPause to every connection in the room.
func (b *PubSubBroadcaster) BroadcastPause(ctx context.Context, roomID string, position float64, reason string) error {
	payload, err := json.Marshal(HostPausePayload{
		RoomID:          roomID,
		PositionSec:     position,
		HostTimestampMS: time.Now().UnixMilli(),
		Reason:          reason,
	})
	if err != nil {
		return err
	}

	topic := pubsub.RoomTopic(roomID)
	return b.ps.Publish(ctx, topic, &pubsub.Message{
		Topic:   topic,
		Event:   EventHostPause,
		Payload: payload,
	})
}
