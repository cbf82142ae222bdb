// Package logsink implements the optional Log Sink collaborator: blob
// storage for a finished execution's flushed log stream, referenced
// from the record's logs_ref field.
package logsink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bifrostrun/execengine/pkg/types"
)

// Sink is the narrow contract the result path writes through.
type Sink interface {
	// Put persists stream for execution id and returns an opaque
	// reference the record store's logs_ref field carries forward.
	Put(ctx context.Context, id types.ExecutionID, stream []byte) (logsRef string, err error)
}

// FileSink writes one file per execution under dir, with
// temp-file-then-rename atomicity: a reader never observes a
// half-written log.
type FileSink struct {
	dir string
}

// NewFileSink returns a sink rooted at dir, creating it if absent.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logsink: mkdir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (f *FileSink) Put(_ context.Context, id types.ExecutionID, stream []byte) (string, error) {
	path := filepath.Join(f.dir, string(id)+".log")
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, stream, 0o644); err != nil {
		return "", fmt.Errorf("logsink: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("logsink: rename: %w", err)
	}
	return path, nil
}
