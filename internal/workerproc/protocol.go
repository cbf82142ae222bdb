package workerproc

// This file defines the newline-delimited JSON control-channel
// protocol exchanged over the child's stdin (loop-to-child) and stdout
// (child-to-loop) pipes.

import (
	"encoding/json"

	"github.com/bifrostrun/execengine/pkg/types"
)

// MsgType tags a control-channel frame.
type MsgType string

const (
	// MsgRun and MsgTerminate flow loop -> child.
	MsgRun       MsgType = "run"
	MsgTerminate MsgType = "terminate"

	// MsgStateChange, MsgProgress and MsgResult flow child -> loop.
	MsgStateChange MsgType = "state_change"
	MsgProgress    MsgType = "progress"
	MsgResult      MsgType = "result"
)

// Command is one loop-to-child frame. A Run with Recycle set makes the
// child clear its module cache before invoking the target. pool.Manager
// always sends Recycle false: it kills a slot marked for recycle
// instead of reusing it.
type Command struct {
	Type        MsgType           `json:"type"`
	ExecutionID types.ExecutionID `json:"execution_id,omitempty"`
	Recycle     bool              `json:"recycle,omitempty"`
}

// ProgressFrame carries one Progress(kind, payload) emission.
type ProgressFrame struct {
	Kind    types.ProgressKind `json:"kind"`
	Payload interface{}        `json:"payload"`
}

// ResultFrame carries the single terminal Result a child emits per Run.
type ResultFrame struct {
	Status        types.ExecutionStatus `json:"status"`
	Result        interface{}           `json:"result,omitempty"`
	ErrorKind     types.ErrorKind       `json:"error_kind,omitempty"`
	ErrorMessage  string                `json:"error_message,omitempty"`
	ResourceUsage types.ResourceUsage   `json:"resource_usage"`
}

// Event is one child-to-loop frame. Exactly one of StateChange,
// Progress, Result is set, matching Type.
type Event struct {
	Type        MsgType           `json:"type"`
	ExecutionID types.ExecutionID `json:"execution_id"`
	StateChange string            `json:"state_change,omitempty"`
	Progress    *ProgressFrame    `json:"progress,omitempty"`
	Result      *ResultFrame      `json:"result,omitempty"`
}

// Encode returns e framed as a single newline-terminated JSON line, the
// unit both sides read with bufio.Scanner.
func (e Event) Encode() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(body, '\n'), nil
}

// Encode returns c framed as a single newline-terminated JSON line.
func (c Command) Encode() ([]byte, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return append(body, '\n'), nil
}
