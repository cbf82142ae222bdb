// Package recordstore abstracts the relational store holding each
// execution's durable ExecutionRecord: the RUNNING upsert performed by
// the dispatcher and the terminal finalize performed by the result
// path, both required to be idempotent under at-least-once delivery.
package recordstore

import (
	"context"
	"errors"
	"time"

	"github.com/bifrostrun/execengine/pkg/types"
)

// ErrNotFound is returned by Get when no record exists for an id.
var ErrNotFound = errors.New("recordstore: record not found")

// FinalizeFields carries everything a terminal transition sets.
type FinalizeFields struct {
	Status        types.ExecutionStatus
	FinishedAt    time.Time
	Result        interface{}
	ErrorKind     types.ErrorKind
	ErrorMessage  string
	ResourceUsage types.ResourceUsage
	LogsRef       string
}

// Store is the narrow contract every record-store backend satisfies.
type Store interface {
	// UpsertRunning creates the record if absent, or updates it to
	// RUNNING if it exists and is not already terminal. It returns the
	// status observed before the upsert so callers can detect the
	// "already terminal" duplicate-delivery case without a second read.
	UpsertRunning(ctx context.Context, rec *types.ExecutionRecord) (priorStatus types.ExecutionStatus, err error)

	// Finalize sets a terminal status and fields. If the record is
	// already terminal, it is a no-op; re-running finalize with the
	// same outcome must not error (idempotence law).
	Finalize(ctx context.Context, id types.ExecutionID, fields FinalizeFields) error

	Get(ctx context.Context, id types.ExecutionID) (*types.ExecutionRecord, error)

	Close() error
}
