package recordstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrostrun/execengine/pkg/types"
)

func TestPostgresStore_UpsertRunning_NewRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStoreFromDB(db)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO execution_records").
		WithArgs(types.ExecutionID("exec-1"), types.KindTool, "target-1", "tenant-1", "user-1", now).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(""))

	prior, err := store.UpsertRunning(context.Background(), &types.ExecutionRecord{
		ID: "exec-1", Kind: types.KindTool, TargetID: "target-1",
		TenantID: "tenant-1", UserID: "user-1", StartedAt: &now,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionStatus(""), prior)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Finalize_AlreadyTerminalNoOps(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStoreFromDB(db)
	now := time.Now()

	mock.ExpectExec("UPDATE execution_records").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.|\\n)* FROM execution_records").
		WithArgs(types.ExecutionID("exec-1")).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "kind", "target_id", "tenant_id", "user_id", "status", "started_at",
			"finished_at", "result", "error_kind", "error_message", "logs_ref", "resource_usage",
		}).AddRow("exec-1", "tool", "target-1", "tenant-1", "user-1", "SUCCESS", now, now,
			[]byte(`42`), "", "", "", []byte(`{}`)))

	err = store.Finalize(context.Background(), "exec-1", FinalizeFields{
		Status: types.StatusSuccess, FinishedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStoreFromDB(db)

	mock.ExpectQuery("SELECT (.|\\n)* FROM execution_records").
		WithArgs(types.ExecutionID("missing")).
		WillReturnError(sql.ErrNoRows)

	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
