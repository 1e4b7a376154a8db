package model

import (
	"context"
	"errors"
)

// ErrMalformedEvent marks a frame from the hub that could not be decoded.
// It is recoverable: the frame is dropped and the stream stays usable.
var ErrMalformedEvent = errors.New("malformed event")

// ErrStreamClosed is returned by EventStream.Next once the stream is gone.
var ErrStreamClosed = errors.New("event stream closed")

// EventStream is a live subscription to hub notifications.
type EventStream interface {
	// Next blocks until the next event arrives, the stream fails, or ctx is done.
	Next(ctx context.Context) (DeviceEvent, error)
	Close() error
}

// HubClient is the narrow hub contract required by the ingestion loop.
type HubClient interface {
	// Ping performs a cheap authenticated request to check reachability and token validity.
	Ping(ctx context.Context) error
	// Devices lists every device known to the hub with its current state.
	Devices(ctx context.Context) ([]Device, error)
	// Subscribe opens the event stream.
	Subscribe(ctx context.Context) (EventStream, error)
}

// StateReader exposes the ingestion state to read surfaces (HTTP and socket RPC).
type StateReader interface {
	State() ConnState
	// Ready reports whether the loop has reached Subscribed at least once.
	Ready() bool
}
