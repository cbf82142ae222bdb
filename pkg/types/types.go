// Package types defines the core domain models shared across the
// execution engine: requests, records, worker/slot bookkeeping, and the
// pub/sub message shapes exchanged over the ephemeral store.
package types

import "time"

// ExecutionID uniquely identifies one execution end to end.
type ExecutionID string

// ExecutionKind is the category of target being run.
type ExecutionKind string

const (
	KindWorkflow     ExecutionKind = "workflow"
	KindTool         ExecutionKind = "tool"
	KindDataProvider ExecutionKind = "data_provider"
	KindInlineCode   ExecutionKind = "inline_code"
)

// ExecutionStatus is the terminal-or-not state of an ExecutionRecord.
type ExecutionStatus string

const (
	StatusPending             ExecutionStatus = "PENDING"
	StatusRunning             ExecutionStatus = "RUNNING"
	StatusSuccess             ExecutionStatus = "SUCCESS"
	StatusFailed              ExecutionStatus = "FAILED"
	StatusCompletedWithErrors ExecutionStatus = "COMPLETED_WITH_ERRORS"
	StatusTimeout             ExecutionStatus = "TIMEOUT"
	StatusCancelled           ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether s is a write-once terminal status.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCompletedWithErrors, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// ErrorKind enumerates the engine's failure taxonomy.
type ErrorKind string

const (
	ErrInvalidRequest ErrorKind = "INVALID_REQUEST"
	ErrInvalidParams  ErrorKind = "INVALID_PARAMS"
	ErrTargetNotFound ErrorKind = "TARGET_NOT_FOUND"
	ErrPoolSaturated  ErrorKind = "POOL_SATURATED"
	ErrWorkerCrashed  ErrorKind = "WORKER_CRASHED"
	ErrTimeout        ErrorKind = "TIMEOUT"
	ErrCancelled      ErrorKind = "CANCELLED"
	ErrUserError      ErrorKind = "USER_ERROR"
	ErrUnavailable    ErrorKind = "UNAVAILABLE"
)

// Caller identifies who submitted an execution.
type Caller struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	OrgID    string `json:"org_id,omitempty"`
}

// ExecutionRequest is the ephemeral, short-TTL object staged at
// submission time under key pending:{id}.
type ExecutionRequest struct {
	ID             ExecutionID            `json:"id"`
	Kind           ExecutionKind          `json:"kind"`
	Target         string                 `json:"target"`
	Parameters     map[string]interface{} `json:"parameters"`
	Caller         Caller                 `json:"caller"`
	Config         map[string]interface{} `json:"config"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
	Sync           bool                   `json:"sync"`
	EnqueuedAt     time.Time              `json:"enqueued_at"`
}

// ResourceUsage summarizes what one execution consumed.
type ResourceUsage struct {
	DurationMillis  int64    `json:"duration_ms"`
	PeakMemoryBytes int64    `json:"peak_memory_bytes,omitempty"`
	Integrations    []string `json:"integrations,omitempty"`
}

// ExecutionRecord is the durable record keyed by id. Its status field
// is a write-once state machine: see pool manager ordering guarantees.
type ExecutionRecord struct {
	ID            ExecutionID     `json:"id"`
	Kind          ExecutionKind   `json:"kind"`
	TargetID      string          `json:"target_id"`
	TenantID      string          `json:"tenant_id"`
	UserID        string          `json:"user_id"`
	Status        ExecutionStatus `json:"status"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	Result        interface{}     `json:"result,omitempty"`
	ErrorKind     ErrorKind       `json:"error_kind,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	LogsRef       string          `json:"logs_ref,omitempty"`
	ResourceUsage ResourceUsage   `json:"resource_usage"`
}

// HasTerminalOutcome reports the invariant that a terminal record
// carries exactly one of result or (error_kind, error_message).
func (r *ExecutionRecord) HasTerminalOutcome() bool {
	hasResult := r.Result != nil
	hasError := r.ErrorKind != ""
	return hasResult != hasError
}

// SlotState is the pool-manager-local state of one process slot.
type SlotState string

const (
	SlotIdle   SlotState = "IDLE"
	SlotBusy   SlotState = "BUSY"
	SlotKilled SlotState = "KILLED"
)

// ProcessSlotInfo mirrors ProcessSlot in a heartbeat-safe, JSON-friendly
// shape. It is the unit advertised inside a WorkerRegistration.
type ProcessSlotInfo struct {
	PID                 int         `json:"pid"`
	State               SlotState   `json:"state"`
	CurrentExecutionID  ExecutionID `json:"current_execution_id,omitempty"`
	ExecutionsCompleted int         `json:"executions_completed"`
	MemoryBytes         int64       `json:"memory_bytes,omitempty"`
	UptimeSeconds       int64       `json:"uptime_seconds"`
}

// WorkerRegistration is the ephemeral heartbeat object at pool:{worker_id}.
type WorkerRegistration struct {
	WorkerID      string            `json:"worker_id"`
	Host          string            `json:"host"`
	StartedAt     time.Time         `json:"started_at"`
	PoolSize      int               `json:"pool_size"`
	IdleCount     int               `json:"idle_count"`
	BusyCount     int               `json:"busy_count"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Processes     []ProcessSlotInfo `json:"processes"`
}

// CancelRequest is the pub/sub payload published on the well-known
// "cancel" channel.
type CancelRequest struct {
	ExecutionID ExecutionID `json:"execution_id"`
	Reason      string      `json:"reason,omitempty"`
}

// ProgressKind categorizes a ProgressEvent.
type ProgressKind string

const (
	ProgressLog      ProgressKind = "log"
	ProgressState    ProgressKind = "state"
	ProgressVariable ProgressKind = "variable"
	ProgressPhase    ProgressKind = "phase"
)

// ProgressEvent is published on progress:{id} (and optionally
// progress:tenant:{tenant_id}) with a per-execution monotonic Seq so
// late subscribers can detect gaps.
type ProgressEvent struct {
	ExecutionID ExecutionID  `json:"execution_id"`
	Kind        ProgressKind `json:"kind"`
	Payload     interface{}  `json:"payload"`
	Seq         uint64       `json:"seq"`
}

// TargetMetadata is what the Executable Resolver returns for a target.
type TargetMetadata struct {
	CodeRef          string        `json:"code_ref"`
	ParametersSchema interface{}   `json:"parameters_schema"`
	DeclaredTimeout  time.Duration `json:"declared_timeout"`
	DeclaredKind     ExecutionKind `json:"declared_kind"`
}
