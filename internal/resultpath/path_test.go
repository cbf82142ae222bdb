package resultpath

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrostrun/execengine/internal/ephemeral"
	"github.com/bifrostrun/execengine/internal/progress"
	"github.com/bifrostrun/execengine/internal/recordstore"
	"github.com/bifrostrun/execengine/pkg/types"
)

func newTestPath(t *testing.T) (*Path, recordstore.Store, ephemeral.Store) {
	t.Helper()
	records := recordstore.NewMemoryStore()
	eph := ephemeral.NewMemoryStore()
	pub := progress.NewPublisher(eph)
	return New(records, nil, pub, eph, nil, 0), records, eph
}

func seedRunning(t *testing.T, records recordstore.Store, id types.ExecutionID) {
	t.Helper()
	now := time.Now()
	_, err := records.UpsertRunning(context.Background(), &types.ExecutionRecord{ID: id, StartedAt: &now})
	require.NoError(t, err)
}

func TestFinalizeSuccessSync(t *testing.T) {
	path, records, eph := newTestPath(t)
	id := types.ExecutionID("exec-1")
	seedRunning(t, records, id)

	err := path.Finalize(context.Background(), Outcome{
		ExecutionID: id,
		Sync:        true,
		Status:      types.StatusSuccess,
		Result:      map[string]interface{}{"ok": true},
	})
	require.NoError(t, err)

	rec, err := records.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, rec.Status)

	body, ok, err := eph.BLPop(context.Background(), rendezvousKey(id), time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok, "sync finalize must push a rendezvous result")
	assert.Contains(t, string(body), "SUCCESS")
}

func TestFinalizeSyncRendezvousCarriesTTL(t *testing.T) {
	records := recordstore.NewMemoryStore()
	eph := ephemeral.NewMemoryStore()
	pub := progress.NewPublisher(eph)
	path := New(records, nil, pub, eph, nil, 10*time.Millisecond)

	id := types.ExecutionID("exec-ttl")
	seedRunning(t, records, id)

	require.NoError(t, path.Finalize(context.Background(), Outcome{
		ExecutionID: id,
		Sync:        true,
		Status:      types.StatusSuccess,
	}))
	time.Sleep(30 * time.Millisecond)

	_, ok, err := eph.BLPop(context.Background(), rendezvousKey(id), 0)
	require.NoError(t, err)
	assert.False(t, ok, "an unclaimed rendezvous result must expire rather than leak")
}

func TestFinalizeAsyncSkipsRendezvous(t *testing.T) {
	path, records, eph := newTestPath(t)
	id := types.ExecutionID("exec-2")
	seedRunning(t, records, id)

	require.NoError(t, path.Finalize(context.Background(), Outcome{
		ExecutionID: id,
		Sync:        false,
		Status:      types.StatusSuccess,
	}))

	_, ok, err := eph.BLPop(context.Background(), rendezvousKey(id), time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "async finalize must not push a rendezvous result")
}

func TestFinalizeIsIdempotent(t *testing.T) {
	path, records, _ := newTestPath(t)
	id := types.ExecutionID("exec-3")
	seedRunning(t, records, id)

	first := Outcome{ExecutionID: id, Status: types.StatusTimeout, ErrorKind: types.ErrTimeout, ErrorMessage: "deadline exceeded"}
	require.NoError(t, path.Finalize(context.Background(), first))

	// A late genuine result racing the synthetic timeout must not
	// overwrite the already-terminal record.
	late := Outcome{ExecutionID: id, Status: types.StatusSuccess, Result: "too late"}
	require.NoError(t, path.Finalize(context.Background(), late))

	rec, err := records.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusTimeout, rec.Status)
	assert.Nil(t, rec.Result)
}

func TestFinalizeContextCleanup(t *testing.T) {
	path, records, eph := newTestPath(t)
	id := types.ExecutionID("exec-4")
	seedRunning(t, records, id)
	require.NoError(t, eph.Set(context.Background(), contextKey(id), []byte(`{}`), time.Minute))

	require.NoError(t, path.Finalize(context.Background(), Outcome{ExecutionID: id, Status: types.StatusFailed, ErrorKind: types.ErrUserError, ErrorMessage: "boom"}))

	_, err := eph.Get(context.Background(), contextKey(id))
	assert.ErrorIs(t, err, ephemeral.ErrNotFound)
}
