package scheduler

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is an execution's lifecycle state. success, failed,
// timeout, cancelled, and skipped are terminal and sticky (spec §3).
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecRunning   ExecutionStatus = "running"
	ExecSuccess   ExecutionStatus = "success"
	ExecFailed    ExecutionStatus = "failed"
	ExecTimeout   ExecutionStatus = "timeout"
	ExecCancelled ExecutionStatus = "cancelled"
	ExecSkipped   ExecutionStatus = "skipped"
)

// Terminal reports whether the status accepts no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecSuccess, ExecFailed, ExecTimeout, ExecCancelled, ExecSkipped:
		return true
	default:
		return false
	}
}

// Execution is one attempt to run a job (spec §3 Execution).
type Execution struct {
	ID          string          `json:"id"`
	JobID       string          `json:"job_id"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      any             `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Stack       string          `json:"stack,omitempty"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	WorkerID    string          `json:"worker_id,omitempty"`
	TraceID     string          `json:"trace_id,omitempty"`
	DurationMS  int64           `json:"duration_ms,omitempty"`
	Version     int64           `json:"version"`
}

// ApplyCompletion transitions e to a terminal status, computing
// duration iff started-at is set, per spec §3's invariant.
func (e *Execution) ApplyCompletion(status ExecutionStatus, completedAt time.Time, result any, errMsg string) {
	if e.Status.Terminal() {
		return
	}
	e.Status = status
	e.CompletedAt = &completedAt
	e.Result = result
	e.Error = errMsg
	if e.StartedAt != nil {
		e.DurationMS = completedAt.Sub(*e.StartedAt).Milliseconds()
	}
}

func (e Execution) marshal() ([]byte, error) { return json.Marshal(e) }

func unmarshalExecution(data []byte) (Execution, error) {
	var e Execution
	if err := json.Unmarshal(data, &e); err != nil {
		return Execution{}, err
	}
	return e, nil
}
