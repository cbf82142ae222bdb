// Package submission implements the Submission API: validates and
// stages an execution request, stores its context in the ephemeral
// store, enqueues a minimal hand-off message, and returns the id. It
// never touches the pool directly; all coupling to the rest of the
// engine is through the durable queue and the ephemeral store.
package submission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bifrostrun/execengine/internal/cancelchan"
	"github.com/bifrostrun/execengine/internal/durablequeue"
	"github.com/bifrostrun/execengine/internal/ephemeral"
	"github.com/bifrostrun/execengine/internal/metrics"
	"github.com/bifrostrun/execengine/internal/resolver"
	"github.com/bifrostrun/execengine/pkg/idgen"
	"github.com/bifrostrun/execengine/pkg/types"
)

// ErrTimeoutWait is returned by WaitForResult when the deadline
// elapses before the record reaches a terminal state.
var ErrTimeoutWait = fmt.Errorf("submission: %s", "TIMEOUT_WAIT")

// ValidationError wraps a submission-time failure (a rejected request,
// or UNAVAILABLE when the ephemeral store or queue write fails) with
// its kind from the error handling design.
type ValidationError struct {
	Kind    types.ErrorKind
	Message string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

var knownKinds = map[types.ExecutionKind]bool{
	types.KindWorkflow:     true,
	types.KindTool:         true,
	types.KindDataProvider: true,
	types.KindInlineCode:   true,
}

// PendingTTLGrace is added to the request's timeout when computing the
// TTL on pending:{id}, so the key outlives the dispatcher's queue
// visibility window.
const PendingTTLGrace = 30 * time.Second

// API implements submit/wait_for_result/cancel.
type API struct {
	store           ephemeral.Store
	queue           durablequeue.Queue
	resolver        *resolver.Registry
	cancelPub       *cancelchan.Publisher
	metrics         *metrics.Collector
	maxTimeoutSecs  int
	syncWaitCeiling time.Duration
}

// NewAPI builds a Submission API. maxTimeoutSeconds is the platform
// ceiling on ExecutionRequest.TimeoutSeconds; syncWaitCeiling bounds
// WaitForResult's timeout argument. reg is the executable resolver used
// to validate "target resolves" and "parameters conform to schema" at
// submission time; a nil reg skips that check (useful for a thin
// submission-only deployment that has no resolver of its own). mc may
// be nil.
func NewAPI(store ephemeral.Store, queue durablequeue.Queue, reg *resolver.Registry, maxTimeoutSeconds int, syncWaitCeiling time.Duration, mc *metrics.Collector) *API {
	return &API{
		store:           store,
		queue:           queue,
		resolver:        reg,
		cancelPub:       cancelchan.NewPublisher(store),
		metrics:         mc,
		maxTimeoutSecs:  maxTimeoutSeconds,
		syncWaitCeiling: syncWaitCeiling,
	}
}

type dispatchMessage struct {
	ID   types.ExecutionID   `json:"id"`
	Kind types.ExecutionKind `json:"kind"`
}

// Submit validates req, allocates an id, stages it, and enqueues the
// dispatch hand-off. It returns before the execution has been picked
// up by a dispatcher.
func (a *API) Submit(ctx context.Context, req types.ExecutionRequest) (types.ExecutionID, types.ExecutionStatus, error) {
	if err := a.validate(&req); err != nil {
		return "", "", err
	}

	id := idgen.New()
	req.ID = id
	req.EnqueuedAt = time.Now()

	body, err := json.Marshal(req)
	if err != nil {
		return "", "", fmt.Errorf("submission: marshal request: %w", err)
	}

	ttl := time.Duration(req.TimeoutSeconds)*time.Second + PendingTTLGrace
	if err := a.store.Set(ctx, pendingKey(id), body, ttl); err != nil {
		return "", "", &ValidationError{Kind: types.ErrUnavailable, Message: err.Error()}
	}

	msg, err := json.Marshal(dispatchMessage{ID: id, Kind: req.Kind})
	if err != nil {
		return "", "", fmt.Errorf("submission: marshal dispatch message: %w", err)
	}
	if err := a.queue.Publish(ctx, msg); err != nil {
		return "", "", &ValidationError{Kind: types.ErrUnavailable, Message: err.Error()}
	}

	if a.metrics != nil {
		a.metrics.RecordSubmitted()
	}
	return id, types.StatusPending, nil
}

func (a *API) validate(req *types.ExecutionRequest) error {
	if !knownKinds[req.Kind] {
		return &ValidationError{Kind: types.ErrInvalidRequest, Message: fmt.Sprintf("unknown kind %q", req.Kind)}
	}
	if req.Target == "" {
		return &ValidationError{Kind: types.ErrInvalidRequest, Message: "target is required"}
	}
	if req.TimeoutSeconds <= 0 {
		return &ValidationError{Kind: types.ErrInvalidRequest, Message: "timeout_seconds must be > 0"}
	}
	if a.maxTimeoutSecs > 0 && req.TimeoutSeconds > a.maxTimeoutSecs {
		return &ValidationError{Kind: types.ErrInvalidRequest, Message: "timeout_seconds exceeds platform ceiling"}
	}
	if a.resolver != nil {
		ok, err := a.resolver.ValidateParams(req.Target, req.Parameters)
		if !ok {
			return &ValidationError{Kind: types.ErrTargetNotFound, Message: fmt.Sprintf("no executable registered for target %q", req.Target)}
		}
		if err != nil {
			return &ValidationError{Kind: types.ErrInvalidRequest, Message: err.Error()}
		}
	}
	return nil
}

// WaitForResult blocks on the rendezvous list result:{id} until the
// terminal record arrives or timeout elapses (capped at the configured
// ceiling). It never returns before the record is terminal.
func (a *API) WaitForResult(ctx context.Context, id types.ExecutionID, timeout time.Duration) (*types.ExecutionRecord, error) {
	if timeout > a.syncWaitCeiling {
		timeout = a.syncWaitCeiling
	}

	body, ok, err := a.store.BLPop(ctx, resultKey(id), timeout)
	if err != nil {
		return nil, fmt.Errorf("submission: wait_for_result: %w", err)
	}
	if !ok {
		return nil, ErrTimeoutWait
	}

	var rec types.ExecutionRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("submission: decode terminal record: %w", err)
	}
	return &rec, nil
}

// Cancel publishes a CancelRequest. Acceptance does not guarantee the
// execution stops before completing.
func (a *API) Cancel(ctx context.Context, id types.ExecutionID, reason string) error {
	return a.cancelPub.Publish(ctx, id, reason)
}

func pendingKey(id types.ExecutionID) string { return fmt.Sprintf("pending:%s", id) }
func resultKey(id types.ExecutionID) string  { return fmt.Sprintf("result:%s", id) }
func contextKey(id types.ExecutionID) string { return fmt.Sprintf("exec:%s:context", id) }
