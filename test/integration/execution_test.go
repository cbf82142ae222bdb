// Package integration exercises the full asynchronous pipeline
// (submit, dispatch, worker invocation, result path) against
// all-memory backends. It stands in for the pool manager with a
// lightweight fake that runs a workerproc.Loop in-process instead of
// forking a real OS process (exercised separately, and without
// forking, by internal/pool's own tests), so the whole submit-to-
// result path runs deterministically under `go test`.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrostrun/execengine/internal/dispatcher"
	"github.com/bifrostrun/execengine/internal/durablequeue"
	"github.com/bifrostrun/execengine/internal/ephemeral"
	"github.com/bifrostrun/execengine/internal/progress"
	"github.com/bifrostrun/execengine/internal/recordstore"
	"github.com/bifrostrun/execengine/internal/resolver"
	"github.com/bifrostrun/execengine/internal/resultpath"
	"github.com/bifrostrun/execengine/internal/submission"
	"github.com/bifrostrun/execengine/internal/targets"
	"github.com/bifrostrun/execengine/internal/workerproc"
	"github.com/bifrostrun/execengine/pkg/types"
)

// fakePool stands in for internal/pool.Manager: it satisfies
// dispatcher.PoolDispatcher by running one workerproc.Loop invocation
// per dispatch against in-memory pipes.
type fakePool struct {
	store    ephemeral.Store
	registry *resolver.Registry
	results  *resultpath.Path

	dispatches atomic.Int32
}

func (p *fakePool) Dispatch(_ context.Context, id types.ExecutionID, _ string, _ bool, _ time.Duration, _ types.ExecutionKind) error {
	p.dispatches.Add(1)
	go p.runOne(id)
	return nil
}

func (p *fakePool) runOne(id types.ExecutionID) {
	ctx := context.Background()
	raw, err := p.store.Get(ctx, fmt.Sprintf("exec:%s:context", id))
	if err != nil {
		return
	}
	var req types.ExecutionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}

	cmdBody, _ := workerproc.Command{Type: workerproc.MsgRun, ExecutionID: id}.Encode()
	in := bytes.NewReader(cmdBody)
	out := &bytes.Buffer{}

	loop := workerproc.NewLoop(p.registry, p.store, "itest-worker", in, out)
	_ = loop.Run(ctx)

	var last *workerproc.ResultFrame
	dec := json.NewDecoder(out)
	for dec.More() {
		var e workerproc.Event
		if err := dec.Decode(&e); err != nil {
			break
		}
		if e.Type == workerproc.MsgResult {
			last = e.Result
		}
	}

	outcome := resultpath.Outcome{ExecutionID: id, TenantID: req.Caller.TenantID, Sync: req.Sync}
	if last != nil {
		outcome.Status = last.Status
		outcome.Result = last.Result
		outcome.ErrorKind = last.ErrorKind
		outcome.ErrorMessage = last.ErrorMessage
		outcome.ResourceUsage = last.ResourceUsage
	}
	_ = p.results.Finalize(ctx, outcome)
}

type harness struct {
	eph     ephemeral.Store
	queue   durablequeue.Queue
	records recordstore.Store
	api     *submission.API
	pool    *fakePool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	eph := ephemeral.NewMemoryStore()
	queue := durablequeue.NewMemoryQueue(64, time.Second)
	records := recordstore.NewMemoryStore()
	registry := targets.BuiltinRegistry()
	publisher := progress.NewPublisher(eph)
	results := resultpath.New(records, nil, publisher, eph, nil, 0)
	pool := &fakePool{store: eph, registry: registry, results: results}
	disp := dispatcher.New(queue, eph, records, registry, pool, publisher, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go disp.Run(ctx)
	t.Cleanup(cancel)

	return &harness{
		eph:     eph,
		queue:   queue,
		records: records,
		api:     submission.NewAPI(eph, queue, registry, 0, time.Minute, nil),
		pool:    pool,
	}
}

func TestEndToEndAsyncSuccess(t *testing.T) {
	h := newHarness(t)
	id, status, err := h.api.Submit(context.Background(), types.ExecutionRequest{
		Kind: types.KindTool, Target: "echo", Parameters: map[string]interface{}{"value": "hi"}, TimeoutSeconds: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, status)

	require.Eventually(t, func() bool {
		rec, err := h.records.Get(context.Background(), id)
		return err == nil && rec.Status == types.StatusSuccess
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := h.records.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "hi", rec.Result)
}

func TestEndToEndSyncWaitsForResult(t *testing.T) {
	h := newHarness(t)
	id, _, err := h.api.Submit(context.Background(), types.ExecutionRequest{
		Kind: types.KindTool, Target: "echo", Parameters: map[string]interface{}{"value": 7.0}, TimeoutSeconds: 5, Sync: true,
	})
	require.NoError(t, err)

	rec, err := h.api.WaitForResult(context.Background(), id, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, rec.Status)
	assert.EqualValues(t, 7.0, rec.Result)
}

// TestEndToEndTargetNotFound exercises the submission-time propagation
// policy: TARGET_NOT_FOUND is returned synchronously to the caller and
// no execution record is ever created for it.
func TestEndToEndTargetNotFound(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.api.Submit(context.Background(), types.ExecutionRequest{
		Kind: types.KindTool, Target: "no-such-target", TimeoutSeconds: 5,
	})
	require.Error(t, err)
	var verr *submission.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, types.ErrTargetNotFound, verr.Kind)
}

// The dispatch-time variant of TARGET_NOT_FOUND (a target deregistered
// between submit and dispatch) is exercised deterministically by
// internal/dispatcher's own TestDispatcher_UnknownTarget_FinalizesFailed,
// which calls handle() synchronously instead of racing a background
// consumer loop.

func TestEndToEndDuplicateDeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	id, _, err := h.api.Submit(context.Background(), types.ExecutionRequest{
		Kind: types.KindTool, Target: "echo", Parameters: map[string]interface{}{"value": "once"}, TimeoutSeconds: 5,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := h.records.Get(context.Background(), id)
		return err == nil && rec.Status == types.StatusSuccess
	}, 2*time.Second, 10*time.Millisecond)

	dispatchesAfterFirst := h.pool.dispatches.Load()

	// Redeliver the same {id, kind} hand-off, simulating an
	// at-least-once duplicate from the durable queue.
	body, err := json.Marshal(map[string]string{"id": string(id), "kind": string(types.KindTool)})
	require.NoError(t, err)
	require.NoError(t, h.queue.Publish(context.Background(), body))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dispatchesAfterFirst, h.pool.dispatches.Load(), "a duplicate delivery for a terminal execution must never reach the pool")

	rec, err := h.records.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, rec.Status)
	assert.Equal(t, "once", rec.Result)
}
