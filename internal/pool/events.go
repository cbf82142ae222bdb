package pool

import (
	"context"
	"time"

	"github.com/bifrostrun/execengine/internal/workerproc"
	"github.com/bifrostrun/execengine/pkg/types"
)

// eventKind tags the typed event union the event loop selects over.
type eventKind int

const (
	eventDispatch eventKind = iota
	eventChild
	eventChildExited
	eventCancel
	eventTick
	eventMarkForRecycle
)

// managerEvent is the one type flowing through the loop's single
// inbound channel set. Exactly the fields matching kind are populated.
type managerEvent struct {
	kind eventKind

	// eventDispatch
	dispatch dispatchRequest

	// eventChild / eventChildExited
	processID string
	child     workerproc.Event
	exitErr   error

	// eventCancel
	cancel types.CancelRequest

	// eventMarkForRecycle
	recycleResp chan struct{}
}

// dispatchRequest is how Manager.Dispatch hands an execution to the
// event loop and waits for the placement decision.
type dispatchRequest struct {
	ctx      context.Context
	id       types.ExecutionID
	tenantID string
	sync     bool
	timeout  time.Duration
	kind     types.ExecutionKind
	resp     chan error
}
