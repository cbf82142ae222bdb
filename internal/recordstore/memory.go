package recordstore

import (
	"context"
	"sync"

	"github.com/bifrostrun/execengine/pkg/types"
)

// MemoryStore is an in-process Store: a single
// map[ExecutionID]*ExecutionRecord behind an RWMutex, with exactly two
// mutating operations (RUNNING upsert, terminal finalize). The status
// state machine lives in ExecutionRecord.Status itself.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[types.ExecutionID]*types.ExecutionRecord
}

// NewMemoryStore returns an empty in-process record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[types.ExecutionID]*types.ExecutionRecord)}
}

func (s *MemoryStore) UpsertRunning(_ context.Context, rec *types.ExecutionRecord) (types.ExecutionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[rec.ID]
	if !ok {
		cp := *rec
		cp.Status = types.StatusRunning
		s.records[rec.ID] = &cp
		return "", nil
	}

	prior := existing.Status
	if existing.Status.IsTerminal() {
		// Duplicate delivery racing a completed execution: leave the
		// terminal record untouched, let the caller drop the message.
		return prior, nil
	}

	existing.Status = types.StatusRunning
	existing.StartedAt = rec.StartedAt
	existing.TargetID = rec.TargetID
	existing.TenantID = rec.TenantID
	existing.UserID = rec.UserID
	existing.Kind = rec.Kind
	return prior, nil
}

func (s *MemoryStore) Finalize(_ context.Context, id types.ExecutionID, f FinalizeFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status.IsTerminal() {
		return nil // idempotence law: re-finalizing a terminal record no-ops
	}

	rec.Status = f.Status
	finished := f.FinishedAt
	rec.FinishedAt = &finished
	rec.Result = f.Result
	rec.ErrorKind = f.ErrorKind
	rec.ErrorMessage = f.ErrorMessage
	rec.ResourceUsage = f.ResourceUsage
	rec.LogsRef = f.LogsRef
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ExecutionID) (*types.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Close() error { return nil }
