// Package targets is the built-in Executable Resolver registry shipped
// inside the worker binary: a handful of reference targets exercising
// each ExecutionKind, standing in for the user-deployed workflows,
// tools, data providers, and inline code a real deployment would
// register here instead.
package targets

import (
	"context"
	"fmt"
	"time"

	"github.com/bifrostrun/execengine/internal/resolver"
	"github.com/bifrostrun/execengine/internal/workerproc"
	"github.com/bifrostrun/execengine/pkg/types"
)

// BuiltinRegistry returns a Registry pre-populated with the reference
// targets used by the integration tests and by operators smoke-testing
// a fresh deployment.
func BuiltinRegistry() *resolver.Registry {
	reg := resolver.NewRegistry()
	must(reg.Register("echo", resolver.Entry{
		Handler:         echoHandler,
		DeclaredTimeout: 30 * time.Second,
		DeclaredKind:    types.KindTool,
		Validate:        requireParams("value"),
	}))
	must(reg.Register("sleep", resolver.Entry{
		Handler:         sleepHandler,
		DeclaredTimeout: 5 * time.Minute,
		DeclaredKind:    types.KindTool,
	}))
	must(reg.Register("fail", resolver.Entry{
		Handler:         failHandler,
		DeclaredTimeout: 30 * time.Second,
		DeclaredKind:    types.KindTool,
	}))
	must(reg.Register("crash", resolver.Entry{
		Handler:         crashHandler,
		DeclaredTimeout: 30 * time.Second,
		DeclaredKind:    types.KindInlineCode,
	}))
	must(reg.Register("fetch_rows", resolver.Entry{
		Handler:         fetchRowsHandler,
		DeclaredTimeout: time.Minute,
		DeclaredKind:    types.KindDataProvider,
	}))
	must(reg.Register("cached_lookup", resolver.Entry{
		Handler:         cachedLookupHandler,
		DeclaredTimeout: 30 * time.Second,
		DeclaredKind:    types.KindDataProvider,
	}))
	must(reg.Register("whoami", resolver.Entry{
		Handler:         whoamiHandler,
		DeclaredTimeout: 30 * time.Second,
		DeclaredKind:    types.KindTool,
	}))
	return reg
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// requireParams builds a declared-schema check rejecting any call
// missing one of the named keys: the minimal "schema" these reference
// targets need, standing in for the structured schema a real deployed
// target would declare through the resolver.
func requireParams(keys ...string) func(map[string]interface{}) error {
	return func(params map[string]interface{}) error {
		for _, k := range keys {
			if _, ok := params[k]; !ok {
				return fmt.Errorf("missing required parameter %q", k)
			}
		}
		return nil
	}
}

// echoHandler returns its single "value" parameter, logging once.
// The minimal target for exercising the happy path end to end.
func echoHandler(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if logger, ok := workerproc.LoggerFromContext(ctx); ok {
		logger.Log("info", "echoing value")
	}
	return params["value"], nil
}

// sleepHandler blocks for "seconds" (default 10), checking ctx
// periodically so a pool-manager-issued SIGTERM-driven cancellation of
// the parent context is honored promptly. The reference target used
// to exercise both the timeout and cancel integration scenarios.
func sleepHandler(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	seconds := 10.0
	if v, ok := params["seconds"].(float64); ok {
		seconds = v
	}
	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return map[string]interface{}{"slept_seconds": seconds}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// failHandler always reports the explicit {success:false} sentinel
// shape, distinct from a returned Go error. The reference target for
// COMPLETED_WITH_ERRORS.
func failHandler(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	msg, _ := params["message"].(string)
	if msg == "" {
		msg = "target reported failure"
	}
	return map[string]interface{}{"success": false, "error": msg}, nil
}

// crashHandler panics, exercising the worker loop's outermost panic
// recovery (mapped to FAILED/USER_ERROR, not a process crash).
func crashHandler(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	panic(fmt.Sprintf("simulated crash: %v", params["reason"]))
}

// fetchRowsHandler is a stand-in data provider, streaming a couple of
// progress checkpoints before returning a small result set.
func fetchRowsHandler(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	logger, hasLogger := workerproc.LoggerFromContext(ctx)
	rows := make([]map[string]interface{}, 0, 3)
	for i := 0; i < 3; i++ {
		rows = append(rows, map[string]interface{}{"row": i})
		if hasLogger {
			logger.Checkpoint("rows_fetched", i+1)
		}
	}
	return map[string]interface{}{"rows": rows}, nil
}

// cachedLookupHandler keeps a "parsed schema" in the worker process's
// module cache so repeated calls against the same slot skip the
// expensive first lookup: the reference target for the per-process
// cache the pool manager tears down wholesale on recycle rather than
// clearing in place.
func cachedLookupHandler(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	key, _ := params["key"].(string)
	if key == "" {
		key = "default"
	}

	cache, ok := workerproc.ModuleCacheFromContext(ctx)
	if !ok {
		return map[string]interface{}{"key": key, "cached": false}, nil
	}

	if v, hit := cache.Get(key); hit {
		return map[string]interface{}{"key": key, "value": v, "cached": true}, nil
	}

	value := fmt.Sprintf("resolved:%s", key)
	cache.Set(key, value)
	return map[string]interface{}{"key": key, "value": value, "cached": false}, nil
}

// whoamiHandler echoes the caller identity and integration config
// injected into this invocation: the reference target for
// CallerFromContext.
func whoamiHandler(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	info, ok := workerproc.CallerFromContext(ctx)
	if !ok {
		return map[string]interface{}{}, nil
	}
	return map[string]interface{}{
		"tenant_id": info.Caller.TenantID,
		"user_id":   info.Caller.UserID,
		"config":    info.Config,
	}, nil
}
