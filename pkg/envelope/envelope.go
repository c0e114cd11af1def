// Package envelope defines the wire format carried by the message bus:
// the self-describing unit published on a topic, its durable stream
// representation, and the historic wrap shapes readers must tolerate.
package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Priority is the envelope's dispatch priority.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Status is the envelope's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed-out"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

var agentTypePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*-agent$`)

// ExecutionConstraints bounds how an envelope's handler may run.
type ExecutionConstraints struct {
	TimeoutMS   int64 `json:"timeout_ms"`
	MaxRetries  int   `json:"max_retries"`
	Attempt     int   `json:"attempt"`
}

// TraceContext carries distributed tracing identifiers across the bus.
type TraceContext struct {
	TraceID      string  `json:"trace_id"`
	SpanID       string  `json:"span_id"`
	ParentSpanID *string `json:"parent_span_id"`
}

// WorkflowContext is the minimal workflow slice the scheduler and CAS
// primitive coordinate on: type, name, current stage, and stage outputs
// accumulated so far. Spec §1 explicitly excludes the rest of the
// workflow domain model from this core.
type WorkflowContext struct {
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	CurrentStage string         `json:"current_stage"`
	StageOutputs map[string]any `json:"stage_outputs"`
}

// Metadata carries provenance for an envelope.
type Metadata struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
}

// Envelope is the immutable unit carried by the bus. Updates to a task
// are new envelopes referencing the same TaskID, never in-place edits.
type Envelope struct {
	MessageID            string               `json:"message_id"`
	TaskID               string               `json:"task_id"`
	WorkflowID           string               `json:"workflow_id"`
	AgentType            string               `json:"agent_type"`
	Priority             Priority             `json:"priority"`
	Status               Status               `json:"status"`
	ExecutionConstraints ExecutionConstraints `json:"execution_constraints"`
	TraceContext         TraceContext         `json:"trace_context"`
	WorkflowContext      *WorkflowContext     `json:"workflow_context,omitempty"`
	Metadata             Metadata             `json:"metadata"`
	Payload              any                  `json:"payload"`
}

// Validate checks the envelope against the wire-format invariants in
// spec §6. It does not validate UUID syntax of MessageID/TaskID/WorkflowID
// beyond non-emptiness; callers that need strict UUID validation should
// parse with google/uuid themselves.
func (e Envelope) Validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("envelope: message_id is required")
	}
	if e.TaskID == "" {
		return fmt.Errorf("envelope: task_id is required")
	}
	if e.WorkflowID == "" {
		return fmt.Errorf("envelope: workflow_id is required")
	}
	if !agentTypePattern.MatchString(e.AgentType) {
		return fmt.Errorf("envelope: agent_type %q does not match %s", e.AgentType, agentTypePattern.String())
	}
	switch e.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
	default:
		return fmt.Errorf("envelope: invalid priority %q", e.Priority)
	}
	switch e.Status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled, StatusSkipped:
	default:
		return fmt.Errorf("envelope: invalid status %q", e.Status)
	}
	if e.ExecutionConstraints.TimeoutMS < 0 {
		return fmt.Errorf("envelope: timeout_ms must be >= 0")
	}
	if e.ExecutionConstraints.MaxRetries < 0 {
		return fmt.Errorf("envelope: max_retries must be >= 0")
	}
	if e.ExecutionConstraints.Attempt < 0 {
		return fmt.Errorf("envelope: attempt must be >= 0")
	}
	return nil
}

// Marshal serializes the envelope to its canonical direct-shape JSON, the
// form spec §9 says publishers SHOULD emit.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses direct-shape envelope JSON. Use UnwrapStreamEntry for
// stream payloads, which may carry the historic {key,msg} wrapper.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// wrappedEnvelope is the historic `{key, msg}` shape some older publishers
// emit. Consumers MUST accept it per spec §9.
type wrappedEnvelope struct {
	Key string          `json:"key"`
	Msg json.RawMessage `json:"msg"`
}

// UnwrapStreamEntry parses a stream payload that may be either a direct
// Envelope or the historic {key,msg} wrapper, tolerating both per spec
// §4.2/§9.
func UnwrapStreamEntry(raw []byte) (Envelope, error) {
	var wrapped wrappedEnvelope
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Msg) > 0 {
		return Unmarshal(wrapped.Msg)
	}
	return Unmarshal(raw)
}
