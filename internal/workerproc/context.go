package workerproc

import (
	"context"

	"github.com/bifrostrun/execengine/pkg/types"
)

// ExecLogger is how a target handler emits progress without the
// worker loop threading a logger through every call: an ambient,
// execution-scoped context value rather than process-global mutable
// state.
type ExecLogger interface {
	// Log streams a Progress(log, level, message) frame.
	Log(level, message string)
	// Checkpoint streams a Progress(variable, name, snapshot) frame,
	// the explicit substitute for trace-hook variable capture.
	Checkpoint(name string, snapshot interface{})
}

type execLoggerKey struct{}

// WithExecLogger attaches l to ctx for the duration of one invocation.
func WithExecLogger(ctx context.Context, l ExecLogger) context.Context {
	return context.WithValue(ctx, execLoggerKey{}, l)
}

// LoggerFromContext recovers the logger a target handler can use to
// stream progress. Handlers that don't care about progress may ignore it.
func LoggerFromContext(ctx context.Context) (ExecLogger, bool) {
	l, ok := ctx.Value(execLoggerKey{}).(ExecLogger)
	return l, ok
}

// CallerInfo is the caller identity and integration config injected
// into every invocation.
type CallerInfo struct {
	Caller types.Caller
	Config map[string]interface{}
}

type callerKey struct{}

// WithCaller attaches caller identity and config to ctx.
func WithCaller(ctx context.Context, caller types.Caller, config map[string]interface{}) context.Context {
	return context.WithValue(ctx, callerKey{}, CallerInfo{Caller: caller, Config: config})
}

// CallerFromContext recovers the caller identity a target handler runs on
// behalf of.
func CallerFromContext(ctx context.Context) (CallerInfo, bool) {
	c, ok := ctx.Value(callerKey{}).(CallerInfo)
	return c, ok
}

type moduleCacheKey struct{}

func withModuleCache(ctx context.Context, c *ModuleCache) context.Context {
	return context.WithValue(ctx, moduleCacheKey{}, c)
}

// ModuleCacheFromContext recovers the worker process's module cache, a
// target's one way of keeping expensive setup (SDK clients, parsed
// schemas) alive across invocations within the same process. It is
// lost with the process when the pool manager recycles the slot, and
// cleared by a Run that carries Recycle: true.
func ModuleCacheFromContext(ctx context.Context) (*ModuleCache, bool) {
	c, ok := ctx.Value(moduleCacheKey{}).(*ModuleCache)
	return c, ok
}
