// Package scheduler implements the job registry and dispatcher of spec
// §4.3 on top of the Bus and KV store: cron/one-shot/recurring-bounded/
// event jobs, due-time computation, retries, timeouts, concurrency and
// overlap control, and execution history.
//
// Lifecycle shape (a ticker task plus per-dispatch goroutines coordinated
// through a mutex and a dispatcher seam) is grounded on the teacher's
// packages/com.r3e.services.automation/scheduler.go: its Scheduler wraps
// a ServiceBase, ticks on an interval, and spawns one goroutine per due
// job calling a JobDispatcher. This core keeps that shape but replaces
// the teacher's in-process job store with KV-backed, CAS-protected job
// and execution records, and swaps its hand-rolled UTC-only cron parser
// (service/schedule.go) for robfig/cron/v3, which adds IANA time zone
// support the hand-rolled version never had.
package scheduler

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobKind distinguishes how a job's due times are computed.
type JobKind string

const (
	JobCron             JobKind = "cron"
	JobOneShot          JobKind = "one-shot"
	JobRecurringBounded JobKind = "recurring-bounded"
	JobEvent            JobKind = "event"
)

// JobStatus is a job's lifecycle state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobActive    JobStatus = "active"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// HandlerKind describes what a job's handler name refers to.
type HandlerKind string

const (
	HandlerFunction HandlerKind = "function"
	HandlerAgent    HandlerKind = "agent"
	HandlerWorkflow HandlerKind = "workflow"
)

// RetryPolicy controls retry behavior on execution failure or timeout.
type RetryPolicy struct {
	MaxRetries int   `json:"max_retries"`
	DelayMS    int64 `json:"delay_ms"`
}

// Job is the scheduler's unit of work (spec §3 Job).
type Job struct {
	ID          string      `json:"id"`
	Kind        JobKind     `json:"kind"`
	Status      JobStatus   `json:"status"`
	Schedule    string      `json:"schedule,omitempty"`     // cron expression, kind=cron|recurring-bounded
	TimeZone    string      `json:"time_zone,omitempty"`    // IANA zone, defaults to UTC
	ExecuteAt   *time.Time  `json:"execute_at,omitempty"`   // kind=one-shot
	EventName   string      `json:"event_name,omitempty"`   // kind=event
	StartDate   *time.Time  `json:"start_date,omitempty"`   // kind=recurring-bounded
	EndDate     *time.Time  `json:"end_date,omitempty"`     // kind=recurring-bounded
	MaxRuns     int         `json:"max_runs,omitempty"`      // kind=recurring-bounded, 0 = unbounded

	HandlerName string      `json:"handler_name"`
	HandlerKind HandlerKind `json:"handler_kind"`
	Payload     any         `json:"payload,omitempty"`

	Retry       RetryPolicy `json:"retry"`
	TimeoutMS   int64       `json:"timeout_ms"`
	Priority    int         `json:"priority"`
	Concurrency int         `json:"concurrency"`
	Overlap     bool        `json:"overlap"`

	TotalRuns     int64 `json:"total_runs"`
	SuccessRuns   int64 `json:"success_runs"`
	FailureRuns   int64 `json:"failure_runs"`
	TotalDuration int64 `json:"total_duration_ms"`
	Running       int   `json:"running"`

	LastRun *time.Time `json:"last_run,omitempty"`
	NextRun *time.Time `json:"next_run,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// Validate enforces the invariants spec §3 lists for Job.
func (j Job) Validate() error {
	set := 0
	if j.Schedule != "" {
		set++
	}
	if j.ExecuteAt != nil {
		set++
	}
	if j.EventName != "" {
		set++
	}
	switch j.Kind {
	case JobCron, JobRecurringBounded:
		if j.Schedule == "" {
			return fmt.Errorf("scheduler: job %q of kind %s requires a schedule", j.ID, j.Kind)
		}
	case JobOneShot:
		if j.ExecuteAt == nil {
			return fmt.Errorf("scheduler: one-shot job %q requires execute_at", j.ID)
		}
	case JobEvent:
		if j.EventName == "" {
			return fmt.Errorf("scheduler: event job %q requires event_name", j.ID)
		}
	default:
		return fmt.Errorf("scheduler: invalid job kind %q", j.Kind)
	}
	if set != 1 {
		return fmt.Errorf("scheduler: job %q must set exactly one of schedule/execute_at/event_name", j.ID)
	}
	if j.Concurrency < 1 {
		return fmt.Errorf("scheduler: job %q concurrency must be >= 1", j.ID)
	}
	if j.Retry.MaxRetries < 0 {
		return fmt.Errorf("scheduler: job %q max_retries must be >= 0", j.ID)
	}
	if j.HandlerName == "" {
		return fmt.Errorf("scheduler: job %q requires a handler_name", j.ID)
	}
	return nil
}

func (j Job) marshal() ([]byte, error) { return json.Marshal(j) }

func unmarshalJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, err
	}
	return j, nil
}
