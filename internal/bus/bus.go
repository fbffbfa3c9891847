// Package bus defines the swappable publish/read abstraction the rest of
// the runtime is built on: an in-process implementation for single-process
// dev/test, and a log-structured implementation over Redis Streams for
// production, consumer-group deployments.
package bus

import (
	"context"
	"errors"
)

// Message is one bus entry: the canonical id used for idempotency
// detection, the topic it was published to, its JSON payload, and the
// backend-assigned opaque cursor.
type Message struct {
	ID      string
	Topic   string
	Payload []byte
	Cursor  string
}

// ReadRequest parameterizes a Read call. Group and Consumer select
// consumer-group mode; when Group is empty, Read operates in tail mode and
// fans the same entries out to every caller.
type ReadRequest struct {
	Topic      string
	LastCursor string
	Limit      int
	BlockMS    int
	Group      string
	Consumer   string
}

// Bus is the typed, at-least-once, ordered, cursor-addressable publish/read
// contract every backend implements.
type Bus interface {
	// Publish appends payload to topic under canonical id and returns the
	// new entry's cursor.
	Publish(ctx context.Context, topic, id string, payload []byte) (cursor string, err error)

	// Read returns up to req.Limit entries. In tail mode it returns entries
	// strictly after req.LastCursor (or from the live tail if LastCursor is
	// empty). In group mode it returns entries not yet delivered to
	// req.Group, claiming them for req.Consumer. If req.BlockMS > 0 and
	// nothing is available, Read waits up to that long before returning an
	// empty slice.
	Read(ctx context.Context, req ReadRequest) ([]Message, error)

	// Ack marks an entry processed in consumer-group mode. No-op in tail
	// mode.
	Ack(ctx context.Context, topic, group, cursor string) error

	// Close releases backend resources.
	Close() error
}

// ErrBusUnavailable indicates a transport-level failure talking to the
// backend (connection refused, context deadline on a backend call, etc.).
var ErrBusUnavailable = errors.New("bus: unavailable")

// ErrInvalidCursor indicates a cursor string the backend cannot parse.
var ErrInvalidCursor = errors.New("bus: invalid cursor")
