package pubsub

import "errors"

var (
	// ErrClosed is returned when operating on a closed pub/sub instance.
	ErrClosed = errors.New("pubsub is closed")
)
