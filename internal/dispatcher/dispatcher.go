// Package dispatcher implements the single consumer of the durable
// queue: it materializes the RUNNING record, resolves the target, and
// hands the execution to the pool.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bifrostrun/execengine/internal/durablequeue"
	"github.com/bifrostrun/execengine/internal/ephemeral"
	"github.com/bifrostrun/execengine/internal/progress"
	"github.com/bifrostrun/execengine/internal/recordstore"
	"github.com/bifrostrun/execengine/internal/resolver"
	"github.com/bifrostrun/execengine/pkg/types"
)

// ErrPoolSaturated is returned by a PoolDispatcher when it has no
// capacity to accept a new execution right now.
var ErrPoolSaturated = errors.New("dispatcher: pool saturated")

// PoolDispatcher is the narrow slice of the pool manager the dispatcher
// depends on. Satisfied by *pool.Manager in production and a fake in
// tests.
type PoolDispatcher interface {
	Dispatch(ctx context.Context, id types.ExecutionID, tenantID string, sync bool, timeout time.Duration, kind types.ExecutionKind) error
}

type dispatchMessage struct {
	ID   types.ExecutionID   `json:"id"`
	Kind types.ExecutionKind `json:"kind"`
}

// ContextTTLGrace is added to an execution's timeout when computing the
// TTL on exec:{id}:context.
const ContextTTLGrace = 30 * time.Second

// Dispatcher drives the consume-resolve-dispatch loop described above.
type Dispatcher struct {
	queue     durablequeue.Queue
	ephemeral ephemeral.Store
	records   recordstore.Store
	resolver  *resolver.Registry
	pool      PoolDispatcher
	publisher *progress.Publisher

	requeueBackoff time.Duration
	log            *slog.Logger
}

// New builds a Dispatcher. requeueBackoff is the delay before a
// POOL_SATURATED message is re-published.
func New(queue durablequeue.Queue, store ephemeral.Store, records recordstore.Store, reg *resolver.Registry, pool PoolDispatcher, publisher *progress.Publisher, requeueBackoff time.Duration) *Dispatcher {
	return &Dispatcher{
		queue:          queue,
		ephemeral:      store,
		records:        records,
		resolver:       reg,
		pool:           pool,
		publisher:      publisher,
		requeueBackoff: requeueBackoff,
		log:            slog.Default().With("component", "dispatcher"),
	}
}

// Run consumes the durable queue until ctx is cancelled or the queue is
// closed.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		msg, err := d.queue.Consume(ctx)
		if err != nil {
			if errors.Is(err, durablequeue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dispatcher: consume: %w", err)
		}
		d.handle(ctx, msg)
	}
}

func (d *Dispatcher) handle(ctx context.Context, msg durablequeue.Message) {
	var dm dispatchMessage
	if err := json.Unmarshal(msg.Payload, &dm); err != nil {
		d.log.Error("malformed dispatch message, dropping", "error", err)
		_ = d.queue.Ack(ctx, msg.Token)
		return
	}

	raw, err := d.ephemeral.Get(ctx, pendingKey(dm.ID))
	if errors.Is(err, ephemeral.ErrNotFound) {
		d.log.Info("pending context missing, dropping duplicate or expired message", "id", dm.ID)
		_ = d.queue.Ack(ctx, msg.Token)
		return
	}
	if err != nil {
		d.log.Error("fetch pending context", "id", dm.ID, "error", err)
		return
	}

	var req types.ExecutionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		d.log.Error("decode pending context, dropping", "id", dm.ID, "error", err)
		_ = d.queue.Ack(ctx, msg.Token)
		return
	}

	now := time.Now()
	record := &types.ExecutionRecord{
		ID:        dm.ID,
		Kind:      req.Kind,
		TargetID:  req.Target,
		TenantID:  req.Caller.TenantID,
		UserID:    req.Caller.UserID,
		StartedAt: &now,
	}
	prior, err := d.records.UpsertRunning(ctx, record)
	if err != nil {
		d.log.Error("upsert running", "id", dm.ID, "error", err)
		return
	}
	if prior.IsTerminal() {
		d.log.Info("duplicate delivery for terminal execution, dropping", "id", dm.ID, "status", prior)
		_ = d.queue.Ack(ctx, msg.Token)
		return
	}

	meta, ok := d.resolver.Resolve(req.Target)
	if !ok {
		d.failAndAck(ctx, msg, dm.ID, req.Caller.TenantID, types.ErrTargetNotFound, fmt.Sprintf("no executable registered for target %q", req.Target))
		return
	}

	if req.Parameters == nil {
		req.Parameters = map[string]interface{}{}
	}

	// Coerce parameters against the target's declared schema. A
	// failure here is INVALID_PARAMS, not TARGET_NOT_FOUND: the target
	// resolved fine, its shape didn't.
	if _, err := d.resolver.ValidateParams(req.Target, req.Parameters); err != nil {
		d.failAndAck(ctx, msg, dm.ID, req.Caller.TenantID, types.ErrInvalidParams, err.Error())
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = meta.DeclaredTimeout
	}

	ctxBody, err := json.Marshal(req)
	if err != nil {
		d.log.Error("marshal worker context", "id", dm.ID, "error", err)
		return
	}
	if err := d.ephemeral.Set(ctx, contextKey(dm.ID), ctxBody, timeout+ContextTTLGrace); err != nil {
		d.log.Error("write worker context", "id", dm.ID, "error", err)
		return
	}

	err = d.pool.Dispatch(ctx, dm.ID, req.Caller.TenantID, req.Sync, timeout, req.Kind)
	switch {
	case err == nil:
		_ = d.queue.Ack(ctx, msg.Token)
	case errors.Is(err, ErrPoolSaturated):
		d.requeue(ctx, msg)
	default:
		d.log.Error("pool dispatch failed", "id", dm.ID, "error", err)
	}
}

// requeue re-publishes msg after the configured backoff and acks the
// original delivery. It runs in its own goroutine so a saturated pool
// never stalls the consume loop.
func (d *Dispatcher) requeue(ctx context.Context, msg durablequeue.Message) {
	go func() {
		select {
		case <-time.After(d.requeueBackoff):
		case <-ctx.Done():
			return
		}
		if err := d.queue.Publish(ctx, msg.Payload); err != nil {
			d.log.Error("requeue after pool saturation", "error", err)
			return
		}
		_ = d.queue.Ack(ctx, msg.Token)
	}()
}

func (d *Dispatcher) failAndAck(ctx context.Context, msg durablequeue.Message, id types.ExecutionID, tenantID string, kind types.ErrorKind, message string) {
	now := time.Now()
	err := d.records.Finalize(ctx, id, recordstore.FinalizeFields{
		Status:       types.StatusFailed,
		FinishedAt:   now,
		ErrorKind:    kind,
		ErrorMessage: message,
	})
	if err != nil {
		d.log.Error("finalize failed dispatch", "id", id, "error", err)
	}
	if d.publisher != nil {
		_ = d.publisher.Publish(ctx, id, tenantID, types.ProgressState, map[string]string{"status": string(types.StatusFailed)})
	}
	_ = d.queue.Ack(ctx, msg.Token)
}

func pendingKey(id types.ExecutionID) string { return fmt.Sprintf("pending:%s", id) }
func contextKey(id types.ExecutionID) string { return fmt.Sprintf("exec:%s:context", id) }
