// Package resolver implements the executable resolver: an explicit,
// in-process registry mapping a target string to its callable,
// declared parameter schema, timeout, and kind. Registration is
// explicit at startup; no runtime scanning happens at dispatch time.
package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bifrostrun/execengine/pkg/types"
)

// Handler is the callable a target resolves to. It receives the
// coerced parameters and an execution context carrying caller
// identity and integration config, and returns a result value or an
// error (mapped to USER_ERROR by the worker loop).
type Handler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Entry is what the registry holds per target.
type Entry struct {
	Handler          Handler
	ParametersSchema interface{}
	DeclaredTimeout  time.Duration
	DeclaredKind     types.ExecutionKind

	// Validate, if set, checks params against the target's declared
	// schema. It runs both at submission time (shape check, before an
	// id is even allocated) and again at dispatch time; a nil Validate
	// treats the target as schema-less and always accepts. Returning
	// an error here is what the submission API maps to INVALID_REQUEST
	// and the dispatcher maps to INVALID_PARAMS.
	Validate func(params map[string]interface{}) error
}

// Registry resolves targets to entries. It is populated once at
// startup (or dynamically as targets are deployed) and read
// concurrently by every dispatcher and worker-process goroutine.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds target to the registry. Re-registering the same
// target is an error: targets are deployed once per version and a
// silent overwrite would hide a deployment bug.
func (r *Registry) Register(target string, entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[target]; exists {
		return fmt.Errorf("resolver: target %q already registered", target)
	}
	r.entries[target] = entry
	return nil
}

// Unregister removes target. Unregistering a non-existent target is a
// no-op, not an error.
func (r *Registry) Unregister(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, target)
}

// IsRegistered reports whether target currently resolves.
func (r *Registry) IsRegistered(target string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[target]
	return ok
}

// Count returns the number of registered targets.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// RegisteredTargets returns the set of currently registered target names.
func (r *Registry) RegisteredTargets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	return out
}

// Resolve returns target's metadata as the dispatcher's Executable
// Resolver contract requires, or ok=false if nothing is registered
// (the dispatcher maps that to TARGET_NOT_FOUND).
func (r *Registry) Resolve(target string) (types.TargetMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[target]
	if !ok {
		return types.TargetMetadata{}, false
	}
	return types.TargetMetadata{
		CodeRef:          target,
		ParametersSchema: e.ParametersSchema,
		DeclaredTimeout:  e.DeclaredTimeout,
		DeclaredKind:     e.DeclaredKind,
	}, true
}

// ValidateParams runs target's declared schema check against params, if
// any. ok=false means target isn't registered at all (TARGET_NOT_FOUND);
// a registered target with no Validate accepts any shape.
func (r *Registry) ValidateParams(target string, params map[string]interface{}) (ok bool, err error) {
	r.mu.RLock()
	e, found := r.entries[target]
	r.mu.RUnlock()

	if !found {
		return false, nil
	}
	if e.Validate == nil {
		return true, nil
	}
	return true, e.Validate(params)
}

// Invoke runs target's handler against params. Callers (the worker
// process loop) are responsible for mapping the returned error to the
// USER_ERROR taxonomy.
func (r *Registry) Invoke(ctx context.Context, target string, params map[string]interface{}) (interface{}, error) {
	r.mu.RLock()
	e, ok := r.entries[target]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("resolver: unknown target %q", target)
	}
	return e.Handler(ctx, params)
}
