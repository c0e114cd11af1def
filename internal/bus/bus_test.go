package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/gregd453/agentic-sdlc-sub009/pkg/envelope"
)

func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := New(client, "testns", Config{MaxRedeliveries: 3})
	t.Cleanup(func() { _ = b.Disconnect() })
	return b, mr
}

func testEnvelope(msgID string) envelope.Envelope {
	return envelope.Envelope{
		MessageID:  msgID,
		TaskID:     "task-" + msgID,
		WorkflowID: "wf-" + msgID,
		AgentType:  "echo-agent",
		Priority:   envelope.PriorityMedium,
		Status:     envelope.StatusPending,
		ExecutionConstraints: envelope.ExecutionConstraints{
			TimeoutMS:  1000,
			MaxRetries: 2,
		},
		TraceContext: envelope.TraceContext{TraceID: "t", SpanID: "s"},
		Metadata: envelope.Metadata{
			Version:   "1.0.0",
			CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			CreatedBy: "test",
		},
		Payload: map[string]any{"n": 1},
	}
}

func subOpts() SubscribeOptions {
	return SubscribeOptions{
		ConsumerGroup:     "workers",
		VisibilityTimeout: time.Minute, // long enough the reclaim ticker never fires mid-test
		MaxInFlight:       8,
		BatchSize:         10,
		BlockTimeout:      100 * time.Millisecond,
	}
}

func TestPublishSubscribe_DeliversAndAcks(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	received := make(chan envelope.StreamEntry, 1)
	unsub, err := b.Subscribe(ctx, "agent-invoke.echo", func(_ context.Context, e envelope.StreamEntry) error {
		received <- e
		return nil
	}, subOpts())
	require.NoError(t, err)
	defer unsub()

	env := testEnvelope("m1")
	require.NoError(t, b.Publish(ctx, "agent-invoke.echo", env, PublishOptions{}))

	select {
	case e := <-received:
		require.Equal(t, "m1", e.Envelope.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSubscribe_InvokesEveryHandlerOnTopic(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	var calls sync.WaitGroup
	calls.Add(2)

	unsub1, err := b.Subscribe(ctx, "topic.multi", func(_ context.Context, _ envelope.StreamEntry) error {
		calls.Done()
		return nil
	}, subOpts())
	require.NoError(t, err)
	defer unsub1()

	unsub2, err := b.Subscribe(ctx, "topic.multi", func(_ context.Context, _ envelope.StreamEntry) error {
		calls.Done()
		return nil
	}, subOpts())
	require.NoError(t, err)
	defer unsub2()

	require.NoError(t, b.Publish(ctx, "topic.multi", testEnvelope("m2"), PublishOptions{}))

	waitDone := make(chan struct{})
	go func() { calls.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("not all handlers invoked")
	}
}

func TestHealth_ReportsOK(t *testing.T) {
	b, _ := newTestBus(t)
	res := b.Health(context.Background())
	require.True(t, res.OK)
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	count := 0
	var mu sync.Mutex
	unsub, err := b.Subscribe(ctx, "topic.stop", func(_ context.Context, _ envelope.StreamEntry) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}, subOpts())
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "topic.stop", testEnvelope("m3"), PublishOptions{}))
	time.Sleep(200 * time.Millisecond)
	unsub()

	require.NoError(t, b.Publish(ctx, "topic.stop", testEnvelope("m4"), PublishOptions{}))
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count, "no deliveries should occur after unsubscribe")
}
