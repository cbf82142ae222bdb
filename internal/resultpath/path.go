// Package resultpath implements the result path: the common funnel
// every terminal outcome (success, user error, timeout, cancellation,
// worker crash) passes through on its way from a process slot to a
// durable record and back to whoever is waiting. The same steps run
// whether the outcome came from a real Result frame or a synthetic one
// the pool manager invented.
package resultpath

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bifrostrun/execengine/internal/ephemeral"
	"github.com/bifrostrun/execengine/internal/logsink"
	"github.com/bifrostrun/execengine/internal/metrics"
	"github.com/bifrostrun/execengine/internal/progress"
	"github.com/bifrostrun/execengine/internal/recordstore"
	"github.com/bifrostrun/execengine/pkg/types"
)

// Outcome is everything the result path needs to finalize one
// execution, regardless of whether it came from a genuine child Result
// frame or was synthesized by the pool manager on timeout, cancel, or
// crash.
type Outcome struct {
	ExecutionID   types.ExecutionID
	TenantID      string
	Sync          bool
	Status        types.ExecutionStatus
	Result        interface{}
	ErrorKind     types.ErrorKind
	ErrorMessage  string
	ResourceUsage types.ResourceUsage
	Logs          []byte
}

// Path finalizes an Outcome: it writes the durable record, flushes any
// buffered logs, publishes a terminal ProgressEvent, and, for a
// synchronous submission, wakes the waiter on the rendezvous list.
// Every step is safe to repeat: Finalize itself is idempotent at the
// whole-outcome level, since at-least-once delivery from the durable
// queue and duplicate synthetic/genuine results both funnel through it.
type Path struct {
	records       recordstore.Store
	logs          logsink.Sink
	publisher     *progress.Publisher
	ephemeral     ephemeral.Store
	metrics       *metrics.Collector
	rendezvousTTL time.Duration

	log *slog.Logger
}

// DefaultRendezvousTTL bounds how long a sync caller's terminal record
// stays on result:{id} when no explicit ceiling is configured. It
// matches the default sync_wait_ceiling_seconds.
const DefaultRendezvousTTL = 30 * time.Minute

// New builds a Path. logs and metrics may be nil; both collaborators
// are optional. rendezvousTTL caps the lifetime of result:{id} so a
// waiter that never shows up doesn't leak the key; <= 0 falls back to
// DefaultRendezvousTTL.
func New(records recordstore.Store, logs logsink.Sink, publisher *progress.Publisher, eph ephemeral.Store, mc *metrics.Collector, rendezvousTTL time.Duration) *Path {
	if rendezvousTTL <= 0 {
		rendezvousTTL = DefaultRendezvousTTL
	}
	return &Path{
		records:       records,
		logs:          logs,
		publisher:     publisher,
		ephemeral:     eph,
		metrics:       mc,
		rendezvousTTL: rendezvousTTL,
		log:           slog.Default().With("component", "resultpath"),
	}
}

// Finalize persists, flushes, publishes, and wakes for o. If the
// record is already terminal, Finalize is a no-op: this is what makes a
// duplicate queue delivery, a late genuine Result racing a synthesized
// TIMEOUT, and a retried Finalize call all safe to allow through
// without a mutex at the call site.
func (p *Path) Finalize(ctx context.Context, o Outcome) error {
	existing, err := p.records.Get(ctx, o.ExecutionID)
	switch {
	case err == nil:
		if existing.Status.IsTerminal() {
			p.log.Debug("finalize no-op, already terminal", "id", o.ExecutionID, "status", existing.Status)
			return nil
		}
	case errors.Is(err, recordstore.ErrNotFound):
		existing = nil
	default:
		return fmt.Errorf("resultpath: load existing record: %w", err)
	}

	fields := recordstore.FinalizeFields{
		Status:        o.Status,
		FinishedAt:    time.Now(),
		Result:        o.Result,
		ErrorKind:     o.ErrorKind,
		ErrorMessage:  o.ErrorMessage,
		ResourceUsage: o.ResourceUsage,
	}

	if len(o.Logs) > 0 && p.logs != nil {
		ref, err := p.logs.Put(ctx, o.ExecutionID, o.Logs)
		if err != nil {
			p.log.Error("flush execution logs", "id", o.ExecutionID, "error", err)
		} else {
			fields.LogsRef = ref
		}
	}

	if err := p.records.Finalize(ctx, o.ExecutionID, fields); err != nil {
		return fmt.Errorf("resultpath: finalize record: %w", err)
	}

	if p.metrics != nil {
		latency := 0.0
		if existing != nil && existing.StartedAt != nil {
			latency = fields.FinishedAt.Sub(*existing.StartedAt).Seconds()
		}
		p.metrics.RecordTerminal(string(o.Status), latency)
	}

	if p.publisher != nil {
		payload := map[string]string{"status": string(o.Status)}
		if err := p.publisher.Publish(ctx, o.ExecutionID, o.TenantID, types.ProgressState, payload); err != nil {
			p.log.Warn("publish terminal progress event", "id", o.ExecutionID, "error", err)
		}
		p.publisher.Forget(o.ExecutionID)
	}

	if o.Sync {
		record, err := p.records.Get(ctx, o.ExecutionID)
		if err != nil {
			return fmt.Errorf("resultpath: reload finalized record: %w", err)
		}
		body, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("resultpath: marshal finalized record: %w", err)
		}
		if _, err := p.ephemeral.RPush(ctx, rendezvousKey(o.ExecutionID), body); err != nil {
			return fmt.Errorf("resultpath: push rendezvous result: %w", err)
		}
		// Bound the rendezvous key so a waiter that already gave up (or
		// crashed) doesn't leak it; the record store stays the durable
		// source of truth either way.
		if err := p.ephemeral.Expire(ctx, rendezvousKey(o.ExecutionID), p.rendezvousTTL); err != nil {
			p.log.Warn("expire rendezvous result", "id", o.ExecutionID, "error", err)
		}
	}

	if err := p.ephemeral.Delete(ctx, contextKey(o.ExecutionID)); err != nil {
		p.log.Debug("delete execution context", "id", o.ExecutionID, "error", err)
	}

	return nil
}

func rendezvousKey(id types.ExecutionID) string { return fmt.Sprintf("result:%s", id) }
func contextKey(id types.ExecutionID) string    { return fmt.Sprintf("exec:%s:context", id) }
