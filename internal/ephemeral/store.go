// Package ephemeral abstracts the single logical "ephemeral store"
// collaborator: key/value with TTL, list queues with atomic push and
// blocking pop, and pub/sub channels. Every component in the engine
// (submission API, dispatcher, pool manager, workers, result path)
// talks to one Store; see the ownership rules in the data model for
// which component may write which key.
package ephemeral

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("ephemeral: key not found")

// Subscription is an open pub/sub subscription. Callers must Close it
// when done to release the underlying connection or goroutine.
type Subscription interface {
	// Channel delivers published payloads in order. It is closed when
	// the subscription is closed or the underlying connection drops.
	Channel() <-chan []byte
	Close() error
}

// Store is the narrow contract every ephemeral-store backend satisfies.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error

	// Expire sets or refreshes a TTL on key, whether it holds a plain
	// value or a list. Expiring a missing key is a no-op.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// RPush appends value to list and returns the new length. A push
	// onto an expired list starts a fresh one with no TTL.
	RPush(ctx context.Context, list string, value []byte) (int64, error)
	// BLPop blocks until a value is available or timeout elapses. A
	// timeout of 0 returns immediately. ok is false on timeout.
	BLPop(ctx context.Context, list string, timeout time.Duration) (value []byte, ok bool, err error)

	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Close() error
}
