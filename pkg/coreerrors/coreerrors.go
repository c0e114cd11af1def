// Package coreerrors defines the error taxonomy shared by the KV store,
// Bus, Scheduler, and Observer, adapted from the teacher's
// infrastructure/errors (ServiceError+ErrorCode) and internal/framework
// (sentinel errors + classifier helpers), collapsed onto the seven
// kinds spec §7 distinguishes plus Conflict, the kind a bounded CAS
// retry loop surfaces when it gives up.
package coreerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a CoreError for retry/backoff/alerting decisions.
type Kind string

const (
	// TransportFailure is a failure to reach Redis (or another backing
	// store): network error, connection refused, timeout dialing.
	TransportFailure Kind = "transport_failure"
	// ParseFailure is malformed data read back from storage: corrupt
	// JSON, an envelope that fails Validate.
	ParseFailure Kind = "parse_failure"
	// HandlerFailure is an error returned by caller-supplied code: a bus
	// subscriber handler, a scheduler job handler.
	HandlerFailure Kind = "handler_failure"
	// Timeout is a caller-specified deadline (ExecutionConstraints.TimeoutMS,
	// a job's own Timeout) being exceeded.
	Timeout Kind = "timeout"
	// CASConflict is a compare-and-swap whose expected version did not
	// match, seen on a single attempt before any retry loop runs.
	CASConflict Kind = "cas_conflict"
	// NotFound is a lookup against a key/job/execution id that does not
	// exist.
	NotFound Kind = "not_found"
	// ValidationFailure is a caller-supplied value failing input checks:
	// a malformed envelope, an invalid cron spec, a negative concurrency.
	ValidationFailure Kind = "validation_failure"
	// Conflict is surfaced once a bounded CAS retry loop (ceiling 8, per
	// spec §7) still cannot apply a write; distinct from a single
	// CASConflict so callers can tell "retry me" from "give up".
	Conflict Kind = "conflict"
)

// CoreError is the error type every component returns for failures that
// callers need to classify, mirroring the teacher's ServiceError shape
// but keyed on Kind rather than a numeric ErrorCode (this core has no
// HTTP surface to map codes onto, per spec §1 Non-goals).
type CoreError struct {
	Kind    Kind
	Op      string // component/operation, e.g. "kv.CAS", "bus.Publish"
	Err     error
	Details string
}

func (e *CoreError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Kind, e.Details, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *CoreError) Unwrap() error { return e.Err }

// New builds a CoreError.
func New(kind Kind, op string, err error) *CoreError {
	return &CoreError{Kind: kind, Op: op, Err: err}
}

// Newf builds a CoreError with a formatted Details string.
func Newf(kind Kind, op string, err error, format string, args ...any) *CoreError {
	return &CoreError{Kind: kind, Op: op, Err: err, Details: fmt.Sprintf(format, args...)}
}

// Is reports whether err is a CoreError of the given Kind.
func Is(err error, kind Kind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not a CoreError.
func KindOf(err error) Kind {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// Retryable reports whether an error of this Kind warrants a transport
// retry/backoff per spec §7: TransportFailure and Timeout back off and
// retry; CASConflict retries up to the bounded ceiling; the rest do not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case TransportFailure, Timeout, CASConflict:
		return true
	default:
		return false
	}
}
