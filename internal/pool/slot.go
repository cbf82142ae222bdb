package pool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/bifrostrun/execengine/internal/workerproc"
	"github.com/bifrostrun/execengine/pkg/types"
)

// terminationReason records why a slot is being torn down, so the
// manager knows which synthetic status to emit when the child exits.
type terminationReason int

const (
	reasonNone terminationReason = iota
	reasonTimeout
	reasonCancel
	reasonRecycle
	reasonScaleDown
)

// slot is the in-memory bookkeeping for one worker OS process. Only
// the event loop goroutine ever reads or writes a slot's fields after
// spawnSlot hands it back; monitorLoop only ever sends on channels.
type slot struct {
	processID string
	cmd       *exec.Cmd
	stdin     io.WriteCloser

	pid                 int
	state               types.SlotState
	currentExecutionID  types.ExecutionID
	currentTenantID     string
	currentSync         bool
	executionsCompleted int
	startedAt           time.Time
	becameIdleAt        time.Time
	markedForRecycle    bool

	deadline    time.Time
	terminateAt time.Time
	draining    bool
	killSent    bool
	reason      terminationReason
}

// spawnSlot starts binaryPath as a child process with the given
// environment and wires its stdin/stdout as the control channel. It
// starts the one goroutine that turns process activity into manager
// events: monitorLoop decodes Events off stdout, then, once the pipe
// reaches EOF, reaps the process and reports its exit. Doing both in
// one goroutine (rather than a separate Wait() goroutine racing the
// reader) guarantees every Event for this slot reaches the channel
// before its eventChildExited, which the event loop's draining logic
// depends on.
func spawnSlot(binaryPath string, env []string, processID string, events chan<- managerEvent, childOutputLimit int) (*slot, error) {
	cmd := exec.Command(binaryPath)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pool: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pool: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pool: start worker process: %w", err)
	}

	s := &slot{
		processID:    processID,
		cmd:          cmd,
		stdin:        stdin,
		pid:          cmd.Process.Pid,
		state:        types.SlotIdle,
		startedAt:    time.Now(),
		becameIdleAt: time.Now(),
	}

	go monitorLoop(processID, cmd, stdout, events, childOutputLimit)

	return s, nil
}

// monitorLoop watches child liveness: Wait() delivers the exit the
// instant it's available, once the control-channel reader has drained
// everything the child still had to say.
func monitorLoop(processID string, cmd *exec.Cmd, stdout io.ReadCloser, events chan<- managerEvent, bufLimit int) {
	scanner := bufio.NewScanner(stdout)
	if bufLimit <= 0 {
		bufLimit = 4 << 20
	}
	scanner.Buffer(make([]byte, 0, 64*1024), bufLimit)

	for scanner.Scan() {
		var frame workerproc.Event
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			continue
		}
		events <- managerEvent{kind: eventChild, processID: processID, child: frame}
	}
	stdout.Close()

	err := cmd.Wait()
	events <- managerEvent{kind: eventChildExited, processID: processID, exitErr: err}
}

func (s *slot) info() types.ProcessSlotInfo {
	return types.ProcessSlotInfo{
		PID:                 s.pid,
		State:               s.state,
		CurrentExecutionID:  s.currentExecutionID,
		ExecutionsCompleted: s.executionsCompleted,
		UptimeSeconds:       int64(time.Since(s.startedAt).Seconds()),
	}
}

func (s *slot) sendRun(id types.ExecutionID, recycle bool) error {
	cmd := workerproc.Command{Type: workerproc.MsgRun, ExecutionID: id, Recycle: recycle}
	body, err := cmd.Encode()
	if err != nil {
		return err
	}
	_, err = s.stdin.Write(body)
	return err
}

func (s *slot) sendTerminate() error {
	cmd := workerproc.Command{Type: workerproc.MsgTerminate}
	body, err := cmd.Encode()
	if err != nil {
		return err
	}
	_, err = s.stdin.Write(body)
	return err
}

// ctx is accepted for symmetry with the rest of the codebase's
// signal helpers even though os.Process.Signal never blocks.
func (s *slot) sigterm(_ context.Context) error {
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Signal(syscall.SIGTERM)
}

func (s *slot) sigkill(_ context.Context) error {
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}
