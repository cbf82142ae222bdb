// Package progress streams logs and state transitions from the
// scheduler/worker to subscribed clients, assigning each execution its
// own monotonic sequence number so late subscribers can detect gaps.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bifrostrun/execengine/internal/ephemeral"
	"github.com/bifrostrun/execengine/pkg/types"
)

// ExecutionTopic returns the per-execution progress channel name.
func ExecutionTopic(id types.ExecutionID) string {
	return fmt.Sprintf("progress:%s", id)
}

// TenantTopic returns the optional per-tenant progress channel name.
func TenantTopic(tenantID string) string {
	return fmt.Sprintf("progress:tenant:%s", tenantID)
}

// Publisher assigns sequence numbers and publishes ProgressEvents.
// One Publisher is shared by a pool manager across all executions; the
// sequence counter is per-execution, not global.
type Publisher struct {
	store ephemeral.Store

	mu   sync.Mutex
	seqs map[types.ExecutionID]*atomic.Uint64
}

// NewPublisher wraps an ephemeral store as a progress event publisher.
func NewPublisher(store ephemeral.Store) *Publisher {
	return &Publisher{store: store, seqs: make(map[types.ExecutionID]*atomic.Uint64)}
}

// Publish emits one event on the execution's topic (and, if tenantID
// is non-empty, on the tenant's topic too) with the next seq for id.
func (p *Publisher) Publish(ctx context.Context, id types.ExecutionID, tenantID string, kind types.ProgressKind, payload interface{}) error {
	seq := p.nextSeq(id)
	event := types.ProgressEvent{ExecutionID: id, Kind: kind, Payload: payload, Seq: seq}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("progress: marshal: %w", err)
	}
	if err := p.store.Publish(ctx, ExecutionTopic(id), body); err != nil {
		return fmt.Errorf("progress: publish execution topic: %w", err)
	}
	if tenantID != "" {
		if err := p.store.Publish(ctx, TenantTopic(tenantID), body); err != nil {
			return fmt.Errorf("progress: publish tenant topic: %w", err)
		}
	}
	return nil
}

func (p *Publisher) nextSeq(id types.ExecutionID) uint64 {
	p.mu.Lock()
	counter, ok := p.seqs[id]
	if !ok {
		counter = &atomic.Uint64{}
		p.seqs[id] = counter
	}
	p.mu.Unlock()
	return counter.Add(1)
}

// Forget drops the sequence counter for id, called once the execution
// reaches a terminal state so the map doesn't grow unbounded.
func (p *Publisher) Forget(id types.ExecutionID) {
	p.mu.Lock()
	delete(p.seqs, id)
	p.mu.Unlock()
}
