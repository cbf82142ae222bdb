// Package workerproc implements the worker process side of the pool:
// await Run, load the execution context, invoke the target in
// isolation, stream progress, emit exactly one Result, delete the
// context, repeat. See protocol.go for the control-channel wire
// format.
package workerproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bifrostrun/execengine/internal/ephemeral"
	"github.com/bifrostrun/execengine/internal/resolver"
	"github.com/bifrostrun/execengine/pkg/types"
)

// Loop is the worker process's control loop. It is deliberately free
// of any os.Stdin/os.Stdout reference so cmd/bifrost-worker can wire
// it to the real pipes while tests wire it to in-memory buffers.
type Loop struct {
	registry  *resolver.Registry
	ephemeral ephemeral.Store
	workerID  string
	cache     *ModuleCache

	in  *bufio.Scanner
	out io.Writer
	mu  sync.Mutex // serializes writes to out; Loop itself processes one Run at a time

	log *slog.Logger
}

// NewLoop builds a Loop reading Commands from r and writing Events to w.
func NewLoop(registry *resolver.Registry, store ephemeral.Store, workerID string, r io.Reader, w io.Writer) *Loop {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	return &Loop{
		registry:  registry,
		ephemeral: store,
		workerID:  workerID,
		cache:     newModuleCache(),
		in:        scanner,
		out:       w,
		log:       slog.Default().With("component", "workerproc", "worker_id", workerID),
	}
}

// Run reads Commands until the control channel is closed, a Terminate
// frame arrives, or ctx is cancelled between executions. It returns
// nil on a clean Terminate/EOF.
func (l *Loop) Run(ctx context.Context) error {
	for l.in.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var cmd Command
		if err := json.Unmarshal(l.in.Bytes(), &cmd); err != nil {
			l.log.Error("malformed control command, ignoring", "error", err)
			continue
		}

		switch cmd.Type {
		case MsgTerminate:
			l.log.Info("terminate received, exiting")
			return nil
		case MsgRun:
			l.handleRun(ctx, cmd)
		default:
			l.log.Warn("unknown control command", "type", cmd.Type)
		}
	}
	return l.in.Err()
}

// handleRun executes one Run end to end.
func (l *Loop) handleRun(ctx context.Context, cmd Command) {
	id := cmd.ExecutionID
	start := time.Now()

	if cmd.Recycle {
		l.cache.Clear()
	}

	raw, err := l.ephemeral.Get(ctx, contextKey(id))
	if err != nil {
		l.finish(ctx, id, ResultFrame{
			Status:        types.StatusFailed,
			ErrorKind:     types.ErrWorkerCrashed,
			ErrorMessage:  fmt.Sprintf("read execution context: %v", err),
			ResourceUsage: types.ResourceUsage{DurationMillis: time.Since(start).Milliseconds()},
		})
		return
	}

	var req types.ExecutionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		l.finish(ctx, id, ResultFrame{
			Status:        types.StatusFailed,
			ErrorKind:     types.ErrInvalidParams,
			ErrorMessage:  fmt.Sprintf("decode execution context: %v", err),
			ResourceUsage: types.ResourceUsage{DurationMillis: time.Since(start).Milliseconds()},
		})
		return
	}

	l.emitEvent(Event{Type: MsgStateChange, ExecutionID: id, StateChange: "running"})

	execCtx := WithExecLogger(ctx, &streamLogger{loop: l, id: id})
	execCtx = WithCaller(execCtx, req.Caller, req.Config)
	execCtx = withModuleCache(execCtx, l.cache)

	result, invokeErr := l.invoke(execCtx, &req)
	usage := types.ResourceUsage{DurationMillis: time.Since(start).Milliseconds()}

	frame := ResultFrame{ResourceUsage: usage}
	switch {
	case invokeErr != nil:
		frame.Status = types.StatusFailed
		frame.ErrorKind = types.ErrUserError
		frame.ErrorMessage = invokeErr.Error()
	case isExplicitFailure(result):
		frame.Status = types.StatusCompletedWithErrors
		frame.ErrorKind = types.ErrUserError
		frame.ErrorMessage = explicitFailureMessage(result)
	default:
		frame.Status = types.StatusSuccess
		frame.Result = result
	}

	l.finish(ctx, id, frame)
}

// finish deletes the worker-facing context (the result path repeats
// the delete independently; both are idempotent) and emits the single
// terminal Result frame.
func (l *Loop) finish(ctx context.Context, id types.ExecutionID, frame ResultFrame) {
	if err := l.ephemeral.Delete(ctx, contextKey(id)); err != nil {
		l.log.Warn("delete execution context", "id", id, "error", err)
	}
	l.emitEvent(Event{Type: MsgResult, ExecutionID: id, Result: &frame})
}

// invoke runs the target and recovers a panic at the outermost
// boundary, mapping it to an error the same way a returned error from
// user code is mapped.
func (l *Loop) invoke(ctx context.Context, req *types.ExecutionRequest) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("target panicked: %v", r)
		}
	}()
	return l.registry.Invoke(ctx, req.Target, req.Parameters)
}

func (l *Loop) emitEvent(e Event) {
	body, err := e.Encode()
	if err != nil {
		l.log.Error("encode event", "error", err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.out.Write(body); err != nil {
		l.log.Error("write event", "error", err)
	}
}

// isExplicitFailure reports whether result is the target's {success:
// false, ...} sentinel shape, distinct from a returned error.
func isExplicitFailure(result interface{}) bool {
	m, ok := result.(map[string]interface{})
	if !ok {
		return false
	}
	v, ok := m["success"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && !b
}

func explicitFailureMessage(result interface{}) string {
	m, _ := result.(map[string]interface{})
	if msg, ok := m["error"].(string); ok {
		return msg
	}
	return "target reported success=false"
}

// streamLogger is the ExecLogger a running target sees via context.
type streamLogger struct {
	loop *Loop
	id   types.ExecutionID
}

func (s *streamLogger) Log(level, message string) {
	s.loop.emitEvent(Event{
		Type:        MsgProgress,
		ExecutionID: s.id,
		Progress:    &ProgressFrame{Kind: types.ProgressLog, Payload: map[string]string{"level": level, "message": message}},
	})
}

func (s *streamLogger) Checkpoint(name string, snapshot interface{}) {
	s.loop.emitEvent(Event{
		Type:        MsgProgress,
		ExecutionID: s.id,
		Progress:    &ProgressFrame{Kind: types.ProgressVariable, Payload: map[string]interface{}{"name": name, "value": snapshot}},
	})
}

func contextKey(id types.ExecutionID) string { return fmt.Sprintf("exec:%s:context", id) }
