package coreerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoreError_WrapAndUnwrap(t *testing.T) {
	base := errors.New("dial tcp: connection refused")
	ce := New(TransportFailure, "kv.Get", base)
	assert.ErrorIs(t, ce, base)
	assert.Contains(t, ce.Error(), "kv.Get")
	assert.Contains(t, ce.Error(), "transport_failure")
}

func TestIs_MatchesKind(t *testing.T) {
	ce := Newf(CASConflict, "kv.CAS", nil, "expected version %d, got %d", 7, 8)
	assert.True(t, Is(ce, CASConflict))
	assert.False(t, Is(ce, NotFound))
	assert.Contains(t, ce.Error(), "expected version 7, got 8")
}

func TestKindOf_NonCoreError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(TransportFailure, "bus.Publish", nil)))
	assert.True(t, Retryable(New(Timeout, "scheduler.dispatch", nil)))
	assert.True(t, Retryable(New(CASConflict, "kv.CAS", nil)))
	assert.False(t, Retryable(New(ValidationFailure, "envelope.Validate", nil)))
	assert.False(t, Retryable(New(NotFound, "scheduler.GetJob", nil)))
	assert.False(t, Retryable(New(Conflict, "kv.CAS", nil)))
	assert.False(t, Retryable(errors.New("plain")))
}
