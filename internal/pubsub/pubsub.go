// Package pubsub provides an interface-driven pub/sub system for realtime
// fan-out. The default is an in-memory implementation; the Redis backend
// spans instances for horizontal scaling.
package pubsub

import (
	"context"
	"encoding/json"
)

// Message is a pub/sub message carrying a signaling event. Origin identifies
// the publishing instance so subscribers can skip their own publishes.
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Origin  string          `json:"origin,omitempty"`

	// ExcludeUser names a user whose connections must not receive the
	// event (the sender of a control event).
	ExcludeUser string `json:"exclude_user,omitempty"`
}

// Handler is a callback for processing messages
type Handler func(ctx context.Context, msg *Message)

// Subscription represents an active subscription that can be closed
type Subscription interface {
	// Unsubscribe removes the subscription
	Unsubscribe() error
}

// PubSub defines the interface for publish/subscribe operations.
// All implementations must be safe for concurrent use.
type PubSub interface {
	// Publish sends a message to all subscribers of the given topic.
	Publish(ctx context.Context, topic string, msg *Message) error

	// Subscribe registers a handler for messages on the given topic.
	// Returns a Subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)

	// Close shuts down the pub/sub system and releases resources.
	Close() error
}

// RoomTopic returns the fan-out topic for a room.
func RoomTopic(roomID string) string {
	return "room:" + roomID
}
