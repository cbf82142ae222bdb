package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrostrun/execengine/internal/durablequeue"
	"github.com/bifrostrun/execengine/internal/ephemeral"
	"github.com/bifrostrun/execengine/internal/progress"
	"github.com/bifrostrun/execengine/internal/recordstore"
	"github.com/bifrostrun/execengine/internal/resolver"
	"github.com/bifrostrun/execengine/pkg/types"
)

type fakePool struct {
	mu        sync.Mutex
	calls     []types.ExecutionID
	rejectIDs map[types.ExecutionID]bool
}

func newFakePool() *fakePool { return &fakePool{rejectIDs: map[types.ExecutionID]bool{}} }

func (f *fakePool) Dispatch(_ context.Context, id types.ExecutionID, _ string, _ bool, _ time.Duration, _ types.ExecutionKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if f.rejectIDs[id] {
		delete(f.rejectIDs, id)
		return ErrPoolSaturated
	}
	return nil
}

func (f *fakePool) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func setup(t *testing.T) (*Dispatcher, ephemeral.Store, durablequeue.Queue, recordstore.Store, *resolver.Registry, *fakePool) {
	t.Helper()
	store := ephemeral.NewMemoryStore()
	queue := durablequeue.NewMemoryQueue(16, time.Second)
	records := recordstore.NewMemoryStore()
	reg := resolver.NewRegistry()
	pool := newFakePool()
	pub := progress.NewPublisher(store)

	d := New(queue, store, records, reg, pool, pub, 20*time.Millisecond)
	return d, store, queue, records, reg, pool
}

func stageAndEnqueue(t *testing.T, store ephemeral.Store, queue durablequeue.Queue, req types.ExecutionRequest) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), "pending:"+string(req.ID), body, time.Minute))

	msg, err := json.Marshal(dispatchMessage{ID: req.ID, Kind: req.Kind})
	require.NoError(t, err)
	require.NoError(t, queue.Publish(context.Background(), msg))
}

func TestDispatcher_HappyPath_UpsertsRunningAndDispatches(t *testing.T) {
	d, store, queue, records, reg, pool := setup(t)
	require.NoError(t, reg.Register("http.get", resolver.Entry{
		Handler:      func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil },
		DeclaredKind: types.KindTool,
	}))

	req := types.ExecutionRequest{ID: "exec-1", Kind: types.KindTool, Target: "http.get", TimeoutSeconds: 30, Caller: types.Caller{TenantID: "t1"}}
	stageAndEnqueue(t, store, queue, req)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := queue.Consume(ctx)
	require.NoError(t, err)
	d.handle(context.Background(), msg)

	assert.Equal(t, 1, pool.callCount())

	rec, err := records.Get(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, rec.Status)

	ctxBody, err := store.Get(context.Background(), "exec:exec-1:context")
	require.NoError(t, err)
	assert.NotEmpty(t, ctxBody)
}

func TestDispatcher_MissingPendingContext_DropsMessage(t *testing.T) {
	d, _, queue, records, _, pool := setup(t)

	msg, err := json.Marshal(dispatchMessage{ID: "exec-gone", Kind: types.KindTool})
	require.NoError(t, err)
	require.NoError(t, queue.Publish(context.Background(), msg))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := queue.Consume(ctx)
	require.NoError(t, err)
	d.handle(context.Background(), m)

	assert.Equal(t, 0, pool.callCount())
	_, err = records.Get(context.Background(), "exec-gone")
	assert.ErrorIs(t, err, recordstore.ErrNotFound)
}

func TestDispatcher_UnknownTarget_FinalizesFailed(t *testing.T) {
	d, store, queue, records, _, pool := setup(t)

	req := types.ExecutionRequest{ID: "exec-2", Kind: types.KindTool, Target: "no.such.target", TimeoutSeconds: 30}
	stageAndEnqueue(t, store, queue, req)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := queue.Consume(ctx)
	require.NoError(t, err)
	d.handle(context.Background(), msg)

	assert.Equal(t, 0, pool.callCount())
	rec, err := records.Get(context.Background(), "exec-2")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, types.ErrTargetNotFound, rec.ErrorKind)
}

func TestDispatcher_ParamsFailingDeclaredSchema_FinalizesInvalidParams(t *testing.T) {
	d, store, queue, records, reg, pool := setup(t)
	require.NoError(t, reg.Register("http.get", resolver.Entry{
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil },
		Validate: func(params map[string]interface{}) error {
			if _, ok := params["url"]; !ok {
				return assert.AnError
			}
			return nil
		},
	}))

	req := types.ExecutionRequest{ID: "exec-5", Kind: types.KindTool, Target: "http.get", TimeoutSeconds: 30}
	stageAndEnqueue(t, store, queue, req)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := queue.Consume(ctx)
	require.NoError(t, err)
	d.handle(context.Background(), msg)

	assert.Equal(t, 0, pool.callCount())
	rec, err := records.Get(context.Background(), "exec-5")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, types.ErrInvalidParams, rec.ErrorKind)
}

func TestDispatcher_DuplicateDeliveryAfterTerminal_Drops(t *testing.T) {
	d, store, queue, records, reg, pool := setup(t)
	require.NoError(t, reg.Register("http.get", resolver.Entry{
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil },
	}))

	now := time.Now()
	_, err := records.UpsertRunning(context.Background(), &types.ExecutionRecord{ID: "exec-3", StartedAt: &now})
	require.NoError(t, err)
	require.NoError(t, records.Finalize(context.Background(), "exec-3", recordstore.FinalizeFields{
		Status: types.StatusSuccess, FinishedAt: now,
	}))

	req := types.ExecutionRequest{ID: "exec-3", Kind: types.KindTool, Target: "http.get", TimeoutSeconds: 30}
	stageAndEnqueue(t, store, queue, req)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := queue.Consume(ctx)
	require.NoError(t, err)
	d.handle(context.Background(), msg)

	assert.Equal(t, 0, pool.callCount())
}

func TestDispatcher_PoolSaturated_Requeues(t *testing.T) {
	d, store, queue, _, reg, pool := setup(t)
	require.NoError(t, reg.Register("http.get", resolver.Entry{
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil },
	}))
	pool.rejectIDs["exec-4"] = true

	req := types.ExecutionRequest{ID: "exec-4", Kind: types.KindTool, Target: "http.get", TimeoutSeconds: 30}
	stageAndEnqueue(t, store, queue, req)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := queue.Consume(ctx)
	require.NoError(t, err)
	d.handle(context.Background(), msg)

	assert.Equal(t, 1, pool.callCount())

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	redelivered, err := queue.Consume(ctx2)
	require.NoError(t, err)
	var dm dispatchMessage
	require.NoError(t, json.Unmarshal(redelivered.Payload, &dm))
	assert.Equal(t, types.ExecutionID("exec-4"), dm.ID)
}
