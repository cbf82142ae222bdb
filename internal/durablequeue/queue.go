// Package durablequeue abstracts the single-consumer-group, at-least-
// once FIFO queue that hands execution ids off from the submission API
// to the dispatcher.
package durablequeue

import (
	"context"
	"errors"
)

// ErrClosed is returned by MemoryQueue's Publish and Consume once the
// queue has been closed. Consume does not first drain messages that
// were still buffered when Close was called.
var ErrClosed = errors.New("durablequeue: closed")

// AckToken identifies one delivered message for acknowledgement.
// Backends are free to make it opaque; callers never parse it.
type AckToken string

// Message is one delivered unit: the minimal {id, kind} hand-off
// payload, already framed as bytes (JSON-encoded by the publisher).
type Message struct {
	Payload []byte
	Token   AckToken
}

// Queue is the narrow contract every durable-queue backend satisfies.
type Queue interface {
	// Publish enqueues payload with at-least-once delivery.
	Publish(ctx context.Context, payload []byte) error

	// Consume blocks until a message is available, ctx is done, or the
	// queue is closed.
	Consume(ctx context.Context) (Message, error)

	// Ack acknowledges a previously consumed message. Acking an
	// already-acked or unknown token is a no-op, not an error; the
	// dispatcher's duplicate-delivery handling relies on idempotent acks.
	Ack(ctx context.Context, token AckToken) error

	Close() error
}
