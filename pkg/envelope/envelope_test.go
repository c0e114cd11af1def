package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvelope() Envelope {
	return Envelope{
		MessageID:  "11111111-1111-1111-1111-111111111111",
		TaskID:     "22222222-2222-2222-2222-222222222222",
		WorkflowID: "33333333-3333-3333-3333-333333333333",
		AgentType:  "echo-agent",
		Priority:   PriorityMedium,
		Status:     StatusPending,
		ExecutionConstraints: ExecutionConstraints{
			TimeoutMS:  1000,
			MaxRetries: 2,
			Attempt:    0,
		},
		TraceContext: TraceContext{TraceID: "abc123", SpanID: "def456"},
		Metadata: Metadata{
			Version:   "1.0.0",
			CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			CreatedBy: "scheduler",
		},
		Payload: map[string]any{"hello": "world"},
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	e := validEnvelope()
	require.NoError(t, e.Validate())

	data, err := e.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, e.MessageID, got.MessageID)
	assert.Equal(t, e.TaskID, got.TaskID)
	assert.Equal(t, e.AgentType, got.AgentType)
	assert.Equal(t, e.Priority, got.Priority)
	assert.Equal(t, e.Status, got.Status)
	assert.Equal(t, e.ExecutionConstraints, got.ExecutionConstraints)
}

func TestEnvelope_Validate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Envelope)
		wantErr bool
	}{
		{"valid", func(e *Envelope) {}, false},
		{"bad agent type", func(e *Envelope) { e.AgentType = "NotAnAgent" }, true},
		{"missing message id", func(e *Envelope) { e.MessageID = "" }, true},
		{"bad priority", func(e *Envelope) { e.Priority = "urgent" }, true},
		{"bad status", func(e *Envelope) { e.Status = "unknown" }, true},
		{"negative timeout", func(e *Envelope) { e.ExecutionConstraints.TimeoutMS = -1 }, true},
		{"negative retries", func(e *Envelope) { e.ExecutionConstraints.MaxRetries = -1 }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := validEnvelope()
			tc.mutate(&e)
			err := e.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUnwrapStreamEntry_DirectShape(t *testing.T) {
	e := validEnvelope()
	data, err := e.Marshal()
	require.NoError(t, err)

	got, err := UnwrapStreamEntry(data)
	require.NoError(t, err)
	assert.Equal(t, e.MessageID, got.MessageID)
}

func TestUnwrapStreamEntry_HistoricWrapperShape(t *testing.T) {
	e := validEnvelope()
	inner, err := e.Marshal()
	require.NoError(t, err)

	wrapped, err := json.Marshal(struct {
		Key string          `json:"key"`
		Msg json.RawMessage `json:"msg"`
	}{Key: e.TaskID, Msg: inner})
	require.NoError(t, err)

	got, err := UnwrapStreamEntry(wrapped)
	require.NoError(t, err)
	assert.Equal(t, e.MessageID, got.MessageID)
}

func TestTopicHelpers(t *testing.T) {
	assert.Equal(t, "agent-invoke.echo", InvokeTopic("echo"))
	assert.Equal(t, "agent-result.echo", ResultTopic("echo"))
	assert.Equal(t, "dlq.agent-invoke.echo", DeadLetterTopic("agent-invoke.echo"))
}
