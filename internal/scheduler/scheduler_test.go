package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/gregd453/agentic-sdlc-sub009/internal/bus"
	"github.com/gregd453/agentic-sdlc-sub009/internal/kv"
	"github.com/gregd453/agentic-sdlc-sub009/pkg/clock"
	"github.com/gregd453/agentic-sdlc-sub009/pkg/envelope"
	"github.com/gregd453/agentic-sdlc-sub009/pkg/idgen"
)

// fakeBus is an in-memory Bus substitute letting tests drive dispatch
// and reply delivery deterministically, without a reader goroutine
// racing the fake clock. It satisfies the Scheduler's Bus seam the same
// way the teacher substitutes a fake JobDispatcher in its scheduler
// tests.
type publishedMessage struct {
	topic string
	env   envelope.Envelope
}

type fakeBus struct {
	mu        sync.Mutex
	published []publishedMessage
	handlers  map[string][]bus.Handler
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string][]bus.Handler)}
}

func (f *fakeBus) Publish(_ context.Context, topic string, env envelope.Envelope, _ bus.PublishOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMessage{topic: topic, env: env})
	return nil
}

func (f *fakeBus) Subscribe(_ context.Context, topic string, handler bus.Handler, _ bus.SubscribeOptions) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = append(f.handlers[topic], handler)
	return func() {}, nil
}

func (f *fakeBus) Health(context.Context) bus.HealthResult {
	return bus.HealthResult{OK: true, Detail: "ok"}
}

func (f *fakeBus) lastPublished() publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[len(f.published)-1]
}

func (f *fakeBus) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func newTestKV(t *testing.T) kv.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return kv.New(client, "testns")
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeBus, *clock.Fake) {
	t.Helper()
	store := newTestKV(t)
	fb := newFakeBus()
	fc := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(store, fb, nil, Config{}, WithClock(fc), WithIDGenerator(idgen.NewSequential("exec")))
	return s, fb, fc
}

func succeededResult(execID string) envelope.StreamEntry {
	return envelope.StreamEntry{
		Envelope: envelope.Envelope{
			MessageID: "m-" + execID,
			TaskID:    execID,
			Status:    envelope.StatusSucceeded,
			Payload:   map[string]any{"ok": true},
		},
	}
}

// S1 — Cron dispatch.
func TestCronDispatch_S1(t *testing.T) {
	s, fb, fc := newTestScheduler(t)
	ctx := context.Background()

	job, err := s.Schedule(ctx, CronSpec{Schedule: "*/5 * * * *", TimeZone: "UTC", HandlerName: "echo"})
	require.NoError(t, err)
	require.NotNil(t, job.NextRun)
	require.Equal(t, time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC), *job.NextRun)

	fc.Set(*job.NextRun)
	s.tick(ctx)

	require.Equal(t, 1, fb.publishedCount())
	msg := fb.lastPublished()
	require.Equal(t, "agent-invoke.echo", msg.topic)
	require.Equal(t, job.ID, msg.env.WorkflowID)

	execID := msg.env.TaskID
	require.NoError(t, s.onResult(ctx, succeededResult(execID)))

	exec, err := s.GetExecution(ctx, execID)
	require.NoError(t, err)
	require.Equal(t, ExecSuccess, exec.Status)

	updated, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), updated.SuccessRuns)
}

// S2 — Timeout and retry.
func TestTimeoutAndRetry_S2(t *testing.T) {
	s, fb, fc := newTestScheduler(t)
	ctx := context.Background()

	job, err := s.ScheduleOnce(ctx, OneShotSpec{
		ExecuteAt:   fc.Now(),
		HandlerName: "sleepy",
		TimeoutMS:   100,
		Retry:       RetryPolicy{MaxRetries: 2, DelayMS: 10},
	})
	require.NoError(t, err)

	s.dispatch(ctx, job.ID)
	require.Equal(t, 1, fb.publishedCount())

	for attempt := 1; attempt <= 3; attempt++ {
		fc.Advance(100 * time.Millisecond)
		s.sweepTimeouts(ctx)

		if attempt < 3 {
			fc.Advance(10 * time.Millisecond)
			s.dispatchDueRetries(ctx)
		}
	}

	updated, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), updated.FailureRuns)
	require.Equal(t, 0, len(s.pendingRet))

	history, err := s.GetJobHistory(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for _, exec := range history {
		require.Equal(t, ExecTimeout, exec.Status)
	}
}

// S3 — Overlap suppression.
func TestOverlapSuppression_S3(t *testing.T) {
	s, fb, fc := newTestScheduler(t)
	ctx := context.Background()

	job, err := s.Schedule(ctx, CronSpec{
		Schedule: "* * * * *", TimeZone: "UTC", HandlerName: "longjob",
		Concurrency: 1, Overlap: false,
	})
	require.NoError(t, err)

	fc.Set(*job.NextRun)
	s.dispatch(ctx, job.ID)
	require.Equal(t, 1, fb.publishedCount())

	running, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, running.Running)
	require.NotNil(t, running.NextRun)

	fc.Set(*running.NextRun)
	s.dispatch(ctx, job.ID)

	// Still only one invocation envelope published; the second dispatch
	// recorded a skipped execution instead.
	require.Equal(t, 1, fb.publishedCount())

	history, err := s.GetJobHistory(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, ExecSkipped, history[0].Status)
}

// S4 — CAS conflict on concurrent pause.
func TestCASConflict_S4(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	job, err := s.Schedule(ctx, CronSpec{Schedule: "*/5 * * * *", TimeZone: "UTC", HandlerName: "echo"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.PauseJob(ctx, job.ID)
			results[i] = err
		}(i)
	}
	wg.Wait()

	require.NoError(t, results[0])
	require.NoError(t, results[1])

	final, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, JobPaused, final.Status)
}

func TestScheduleOnce_InvalidSpecRejected(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	_, err := s.ScheduleOnce(context.Background(), OneShotSpec{HandlerName: "echo"})
	require.Error(t, err)
}

func TestTriggerEvent_InvokesInProcessHandler(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	var invoked bool
	s.OnEvent("deploy.requested", "notify", 10, func(_ context.Context, payload any) error {
		invoked = true
		require.Equal(t, "v2", payload)
		return nil
	}, nil)

	require.NoError(t, s.TriggerEvent(ctx, "deploy.requested", "v2"))
	require.True(t, invoked)
}

func TestTriggerEvent_HandlerOrderByPriority(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	var order []string
	record := func(name string) EventHandlerFunc {
		return func(_ context.Context, _ any) error {
			order = append(order, name)
			return nil
		}
	}
	s.OnEvent("e", "low", 1, record("low"), nil)
	s.OnEvent("e", "high", 10, record("high"), nil)
	s.OnEvent("e", "mid", 5, record("mid"), nil)

	require.NoError(t, s.TriggerEvent(ctx, "e", nil))
	require.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestImportExportJobsRoundTrip(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	_, err := s.Schedule(ctx, CronSpec{Schedule: "@daily", TimeZone: "UTC", HandlerName: "backup", Concurrency: 1})
	require.NoError(t, err)

	data, err := s.ExportJobs(ctx, JobFilter{})
	require.NoError(t, err)
	require.Contains(t, string(data), "backup")

	s2, _, _ := newTestScheduler(t)
	imported, err := s2.ImportJobs(ctx, data)
	require.NoError(t, err)
	require.Len(t, imported, 1)
	require.Equal(t, "backup", imported[0].HandlerName)
}
