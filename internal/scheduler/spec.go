package scheduler

import (
	"strings"
	"time"

	"github.com/gregd453/agentic-sdlc-sub009/pkg/envelope"
)

// CronSpec describes a recurring job driven by a cron expression (spec
// §4.3 schedule(cron-job-spec)).
type CronSpec struct {
	ID          string
	Schedule    string
	TimeZone    string
	HandlerName string
	HandlerKind HandlerKind
	Payload     any
	Retry       RetryPolicy
	TimeoutMS   int64
	Priority    int
	Concurrency int
	Overlap     bool
}

// OneShotSpec describes a job that fires once at ExecuteAt (spec §4.3
// scheduleOnce(one-shot-spec)).
type OneShotSpec struct {
	ID          string
	ExecuteAt   time.Time
	HandlerName string
	HandlerKind HandlerKind
	Payload     any
	Retry       RetryPolicy
	TimeoutMS   int64
	Priority    int
}

// RecurringSpec describes a cron-driven job bounded by a start/end
// window and/or a maximum execution count (spec §4.3
// scheduleRecurring(recurring-spec)).
type RecurringSpec struct {
	ID          string
	Schedule    string
	TimeZone    string
	StartDate   time.Time
	EndDate     time.Time // zero means unbounded
	MaxRuns     int       // 0 means unbounded
	HandlerName string
	HandlerKind HandlerKind
	Payload     any
	Retry       RetryPolicy
	TimeoutMS   int64
	Priority    int
	Concurrency int
	Overlap     bool
}

// JobFilter narrows listJobs results. Zero-value fields are wildcards.
type JobFilter struct {
	Kind        JobKind
	Status      JobStatus
	HandlerName string
}

func (f JobFilter) matches(j Job) bool {
	if f.Kind != "" && j.Kind != f.Kind {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.HandlerName != "" && j.HandlerName != f.HandlerName {
		return false
	}
	return true
}

// MetricsWindow bounds a getMetrics query to completions observed in
// [Since, Until). A zero value means unbounded.
type MetricsWindow struct {
	Since time.Time
	Until time.Time
}

func (w MetricsWindow) contains(t time.Time) bool {
	if !w.Since.IsZero() && t.Before(w.Since) {
		return false
	}
	if !w.Until.IsZero() && !t.Before(w.Until) {
		return false
	}
	return true
}

// Metrics is the aggregate the dispatcher reports to getMetrics.
type Metrics struct {
	TotalDispatches int64
	SuccessCount    int64
	FailureCount    int64
	TimeoutCount    int64
	SkippedCount    int64
	CancelledCount  int64
	LatencyP50MS    float64
	LatencyP95MS    float64
	LatencyP99MS    float64
	QueueDepth      int
	WorkerCount     int
}

// ComponentHealth reports one dependency's health.
type ComponentHealth struct {
	OK     bool
	Detail string
}

// HealthReport is the scheduler's aggregate per-component health check.
type HealthReport struct {
	KV        ComponentHealth
	Bus       ComponentHealth
	Scheduler ComponentHealth
}

// OK reports whether every component is healthy.
func (h HealthReport) OK() bool {
	return h.KV.OK && h.Bus.OK && h.Scheduler.OK
}

// defaultRetryPolicy is applied when a spec leaves Retry zero-valued.
func defaultRetryPolicy(p RetryPolicy) RetryPolicy {
	if p.DelayMS <= 0 {
		p.DelayMS = 1000
	}
	return p
}

func defaultConcurrency(c int) int {
	if c < 1 {
		return 1
	}
	return c
}

func defaultTimeZone(tz string) string {
	if tz == "" {
		return "UTC"
	}
	return tz
}

func defaultHandlerKind(k HandlerKind) HandlerKind {
	if k == "" {
		return HandlerFunction
	}
	return k
}

// agentTypeFor derives an envelope.Envelope.AgentType tag satisfying the
// `^[a-z][a-z0-9-]*-agent$` wire-format pattern (spec §6) from a job's
// free-form handler name, which carries no such constraint.
func agentTypeFor(handlerName string) string {
	slug := strings.ToLower(handlerName)
	var b strings.Builder
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := b.String()
	if out == "" || (out[0] < 'a' || out[0] > 'z') {
		out = "h-" + out
	}
	if !strings.HasSuffix(out, "-agent") {
		out += "-agent"
	}
	return out
}

// envelopePriority maps a job's integer priority (higher is more urgent)
// onto the wire format's four-level enum.
func envelopePriority(p int) envelope.Priority {
	switch {
	case p >= 3:
		return envelope.PriorityCritical
	case p == 2:
		return envelope.PriorityHigh
	case p == 1:
		return envelope.PriorityMedium
	default:
		return envelope.PriorityLow
	}
}
