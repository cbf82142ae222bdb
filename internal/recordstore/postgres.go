package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/bifrostrun/execengine/pkg/types"
)

const terminalStatuses = `'SUCCESS','FAILED','COMPLETED_WITH_ERRORS','TIMEOUT','CANCELLED'`

// PostgresStore is the production Store backend, built on
// database/sql via pgx's stdlib driver rather than pgx's native pool
// interface: this is what lets the test suite drive the exact same
// code path through go-sqlmock instead of a live database. The RUNNING
// upsert and terminal finalize are each a single statement, so the
// "serializable" requirement on record-store writes falls out of
// Postgres's own row-level locking.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool using dsn (a standard
// Postgres connection string). Call Migrate separately at startup to
// apply schema changes.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("recordstore: open: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already-open *sql.DB, used by tests
// to inject a go-sqlmock connection.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) UpsertRunning(ctx context.Context, rec *types.ExecutionRecord) (types.ExecutionStatus, error) {
	var prior types.ExecutionStatus
	// The sub-select in RETURNING reads the statement's snapshot, so it
	// sees the row as it was before this upsert ('' for a new id).
	query := fmt.Sprintf(`
		INSERT INTO execution_records (id, kind, target_id, tenant_id, user_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5, 'RUNNING', $6)
		ON CONFLICT (id) DO UPDATE SET
			status     = CASE WHEN execution_records.status IN (%[1]s) THEN execution_records.status ELSE 'RUNNING' END,
			started_at = CASE WHEN execution_records.status IN (%[1]s) THEN execution_records.started_at ELSE EXCLUDED.started_at END
		RETURNING COALESCE((SELECT prior.status FROM execution_records AS prior WHERE prior.id = $1), '')
	`, terminalStatuses)

	err := s.db.QueryRowContext(ctx, query,
		rec.ID, rec.Kind, rec.TargetID, rec.TenantID, rec.UserID, rec.StartedAt).Scan(&prior)
	if err != nil {
		return "", fmt.Errorf("recordstore: upsert running: %w", err)
	}
	return prior, nil
}

func (s *PostgresStore) Finalize(ctx context.Context, id types.ExecutionID, f FinalizeFields) error {
	resultJSON, err := json.Marshal(f.Result)
	if err != nil {
		return fmt.Errorf("recordstore: marshal result: %w", err)
	}
	usageJSON, err := json.Marshal(f.ResourceUsage)
	if err != nil {
		return fmt.Errorf("recordstore: marshal resource usage: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE execution_records
		SET status = $2, finished_at = $3, result = $4, error_kind = $5,
		    error_message = $6, resource_usage = $7, logs_ref = $8
		WHERE id = $1 AND status NOT IN (%s)
	`, terminalStatuses)

	res, err := s.db.ExecContext(ctx, query,
		id, f.Status, f.FinishedAt, resultJSON, f.ErrorKind, f.ErrorMessage, usageJSON, f.LogsRef)
	if err != nil {
		return fmt.Errorf("recordstore: finalize: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either already terminal (no-op, per idempotence law) or the
		// id doesn't exist; distinguish with a read.
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id types.ExecutionID) (*types.ExecutionRecord, error) {
	rec := &types.ExecutionRecord{}
	var (
		startedAt, finishedAt        sql.NullTime
		errorKind, errorMsg, logsRef sql.NullString
		resultJSON, usageJSON        []byte
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, target_id, tenant_id, user_id, status, started_at, finished_at,
		       result, error_kind, error_message, logs_ref, resource_usage
		FROM execution_records WHERE id = $1
	`, id).Scan(&rec.ID, &rec.Kind, &rec.TargetID, &rec.TenantID, &rec.UserID, &rec.Status,
		&startedAt, &finishedAt, &resultJSON, &errorKind, &errorMsg,
		&logsRef, &usageJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("recordstore: get: %w", err)
	}

	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		rec.FinishedAt = &finishedAt.Time
	}
	rec.ErrorKind = types.ErrorKind(errorKind.String)
	rec.ErrorMessage = errorMsg.String
	rec.LogsRef = logsRef.String
	if len(resultJSON) > 0 {
		_ = json.Unmarshal(resultJSON, &rec.Result)
	}
	if len(usageJSON) > 0 {
		_ = json.Unmarshal(usageJSON, &rec.ResourceUsage)
	}
	return rec, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
