// Package cancelchan implements the Cancellation Channel: a single
// well-known pub/sub topic any submitter may publish to, which the
// pool manager subscribes to at startup.
package cancelchan

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bifrostrun/execengine/internal/ephemeral"
	"github.com/bifrostrun/execengine/pkg/types"
)

// Topic is the well-known cancellation channel name.
const Topic = "cancel"

// Publisher publishes CancelRequest messages.
type Publisher struct {
	store ephemeral.Store
}

// NewPublisher wraps an ephemeral store as a cancel-request publisher.
func NewPublisher(store ephemeral.Store) *Publisher {
	return &Publisher{store: store}
}

// Publish sends a CancelRequest for id. Acceptance is immediate and
// does not guarantee the execution stops before completing.
func (p *Publisher) Publish(ctx context.Context, id types.ExecutionID, reason string) error {
	body, err := json.Marshal(types.CancelRequest{ExecutionID: id, Reason: reason})
	if err != nil {
		return fmt.Errorf("cancelchan: marshal: %w", err)
	}
	return p.store.Publish(ctx, Topic, body)
}

// Subscriber receives CancelRequest messages, decoded from the topic.
type Subscriber struct {
	sub ephemeral.Subscription
}

// Subscribe opens a subscription to the cancel topic. Call Close when
// done; use Requests to read decoded messages.
func Subscribe(ctx context.Context, store ephemeral.Store) (*Subscriber, error) {
	sub, err := store.Subscribe(ctx, Topic)
	if err != nil {
		return nil, fmt.Errorf("cancelchan: subscribe: %w", err)
	}
	return &Subscriber{sub: sub}, nil
}

// Requests decodes and forwards CancelRequest messages. Malformed
// payloads are dropped silently; a canceler publishing a bad message
// should never take down the pool manager's event loop.
func (s *Subscriber) Requests() <-chan types.CancelRequest {
	out := make(chan types.CancelRequest)
	go func() {
		defer close(out)
		for raw := range s.sub.Channel() {
			var req types.CancelRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				continue
			}
			out <- req
		}
	}()
	return out
}

func (s *Subscriber) Close() error {
	return s.sub.Close()
}
