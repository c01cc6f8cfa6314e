package sitesync

import "errors"

var (
	// ErrInvalidEvent reports a notification without a usable bucket or key.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrInvalidKey reports a staging key that yields no usable destination
	// prefix.
	ErrInvalidKey = errors.New("invalid key")
	// ErrUnknown wraps a panic recovered while handling an event.
	ErrUnknown = errors.New("unknown failure")
)
