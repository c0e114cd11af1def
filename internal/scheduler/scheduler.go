package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gregd453/agentic-sdlc-sub009/internal/bus"
	"github.com/gregd453/agentic-sdlc-sub009/internal/kv"
	"github.com/gregd453/agentic-sdlc-sub009/internal/observer"
	"github.com/gregd453/agentic-sdlc-sub009/pkg/clock"
	"github.com/gregd453/agentic-sdlc-sub009/pkg/coreerrors"
	"github.com/gregd453/agentic-sdlc-sub009/pkg/envelope"
	"github.com/gregd453/agentic-sdlc-sub009/pkg/idgen"
	"github.com/gregd453/agentic-sdlc-sub009/pkg/logging"
	"github.com/gregd453/agentic-sdlc-sub009/pkg/metrics"
)

// Bus is the subset of internal/bus.Bus the scheduler dispatches
// invocation envelopes through and listens for results on. Modeled as
// an interface (rather than a concrete *bus.Bus dependency) so tests
// can substitute an in-memory fake, the same "dispatcher as a seam"
// idiom the teacher's JobDispatcher interface uses in
// packages/com.r3e.services.automation/scheduler.go.
type Bus interface {
	Publish(ctx context.Context, topic string, env envelope.Envelope, opts bus.PublishOptions) error
	Subscribe(ctx context.Context, topic string, handler bus.Handler, opts bus.SubscribeOptions) (func(), error)
	Health(ctx context.Context) bus.HealthResult
}

// Config controls the dispatch loop's cadence and retry/CAS ceilings.
type Config struct {
	TickInterval   time.Duration
	CASMaxAttempts int
	ResultGroup    string
	RecentHistory  int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.CASMaxAttempts <= 0 {
		c.CASMaxAttempts = 8
	}
	if c.ResultGroup == "" {
		c.ResultGroup = "scheduler"
	}
	if c.RecentHistory <= 0 {
		c.RecentHistory = 2000
	}
	return c
}

// Scheduler owns the job registry and dispatcher of spec §4.3: due-time
// computation, dispatch through the Bus, execution bookkeeping, retry
// and overlap control, and event-triggered jobs.
//
// Lifecycle shape grounded on packages/com.r3e.services.automation/scheduler.go:
// an immediate tick on Start plus a ticker loop, goroutine-per-due-job
// dispatch under a mutex-guarded running flag. Job/execution persistence
// replaced with the KV-backed, CAS-protected store in store.go.
type Scheduler struct {
	store *store
	bus   Bus
	obs   *observer.Channel
	clk   clock.Clock
	ids   idgen.Generator
	log   *logging.Logger
	cfg   Config

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	resultSubs  map[string]func()
	runningExec map[string]*runningExec
	pendingRet  map[string]*pendingRetry
	history     []completionSample

	events *eventRegistry
}

type runningExec struct {
	jobID       string
	handlerName string
	attempt     int
	maxAttempts int
	deadline    time.Time
	scheduledAt time.Time
}

type pendingRetry struct {
	jobID       string
	handlerName string
	handlerKind HandlerKind
	payload     any
	attempt     int
	maxAttempts int
	timeoutMS   int64
	dueAt       time.Time
}

type completionSample struct {
	at       time.Time
	status   ExecutionStatus
	duration time.Duration
}

// New builds a Scheduler over kvStore (job/execution persistence) and
// messageBus (dispatch/result transport).
func New(kvStore kv.Store, messageBus Bus, obs *observer.Channel, cfg Config, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		store:       newStore(kvStore, cfg.CASMaxAttempts),
		bus:         messageBus,
		obs:         obs,
		clk:         clock.NewSystem(),
		ids:         idgen.NewUUID(),
		log:         logging.NewDefault("scheduler"),
		cfg:         cfg,
		resultSubs:  make(map[string]func()),
		runningExec: make(map[string]*runningExec),
		pendingRet:  make(map[string]*pendingRetry),
		events:      newEventRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

func WithClock(c clock.Clock) Option       { return func(s *Scheduler) { s.clk = c } }
func WithIDGenerator(g idgen.Generator) Option { return func(s *Scheduler) { s.ids = g } }
func WithLogger(l *logging.Logger) Option  { return func(s *Scheduler) { s.log = l } }

// Start begins the ticker-driven dispatch loop. An immediate tick runs
// before the first interval elapses so freshly-scheduled jobs don't
// wait a full tick interval (teacher's scheduler.go Start shape).
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tick(runCtx)
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	}()

	s.log.Entry("scheduler").Info("scheduler started")
	return nil
}

// Stop cancels the dispatch loop and waits (up to ctx's deadline) for
// the current tick to finish. In-flight executions are not interrupted;
// per spec §5 they are allowed to complete or be reported timed out by
// the normal timeout path.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	for _, unsub := range s.resultSubs {
		unsub()
	}
	s.resultSubs = make(map[string]func())
	s.mu.Unlock()

	s.log.Entry("scheduler").Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	s.sweepTimeouts(ctx)
	s.dispatchDueRetries(ctx)

	ids, err := s.store.listJobIDs(ctx)
	if err != nil {
		s.log.Entry("scheduler").WithError(err).Warn("tick: list jobs failed")
		return
	}

	now := s.clk.Now()
	var wg sync.WaitGroup
	for _, id := range ids {
		job, ok, err := s.store.getJob(ctx, id)
		if err != nil || !ok {
			continue
		}
		if job.Status != JobActive {
			continue
		}
		if job.Kind == JobEvent {
			continue
		}
		if job.NextRun == nil || job.NextRun.After(now) {
			continue
		}
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			s.dispatch(ctx, jobID)
		}(id)
	}
	wg.Wait()
}

// dispatch handles one due job: overlap/concurrency control, due-time
// advancement, execution creation, and publish (spec §4.3 "Dispatch
// loop").
func (s *Scheduler) dispatch(ctx context.Context, jobID string) {
	var dueAt time.Time
	var outcome string // "dispatched" | "skipped" | "not-due"
	var handlerName string
	var handlerKind HandlerKind
	var timeoutMS int64
	var payload any
	var maxAttempts int

	job, err := s.store.casJob(ctx, jobID, func(j *Job) error {
		now := s.clk.Now()
		if j.Status != JobActive || j.Kind == JobEvent || j.NextRun == nil || j.NextRun.After(now) {
			outcome = "not-due"
			return nil
		}
		dueAt = *j.NextRun

		if j.Running >= j.Concurrency && !j.Overlap {
			outcome = "skipped"
		} else {
			outcome = "dispatched"
			j.Running++
			j.TotalRuns++
		}
		j.LastRun = &dueAt

		next, completed, err := nextRunForJob(*j, dueAt)
		if err != nil {
			return err
		}
		j.NextRun = next
		if completed {
			j.Status = JobCompleted
		}
		handlerName = j.HandlerName
		handlerKind = j.HandlerKind
		timeoutMS = j.TimeoutMS
		payload = j.Payload
		maxAttempts = j.Retry.MaxRetries + 1
		return nil
	})
	if err != nil {
		s.log.Entry("scheduler").WithError(err).WithField("job_id", jobID).Warn("dispatch: job CAS failed")
		return
	}
	if outcome == "not-due" {
		return
	}

	execID := s.ids.NewID()
	now := s.clk.Now()

	if outcome == "skipped" {
		exec := Execution{
			ID: execID, JobID: jobID, ScheduledAt: dueAt, StartedAt: nil,
			Status: ExecPending, Attempt: 1, MaxAttempts: maxAttempts,
		}
		exec.ApplyCompletion(ExecSkipped, now, nil, "")
		s.recordExecution(ctx, job, exec)
		metrics.RecordDispatch(jobID, "skipped", 0)
		return
	}

	s.startExecution(ctx, job, execID, dueAt, now, 1, maxAttempts, handlerName, handlerKind, timeoutMS, payload)
}

// startExecution creates a running execution record, publishes its
// invocation envelope, and tracks it for timeout detection.
func (s *Scheduler) startExecution(ctx context.Context, job Job, execID string, scheduledAt, startedAt time.Time, attempt, maxAttempts int, handlerName string, handlerKind HandlerKind, timeoutMS int64, payload any) {
	exec := Execution{
		ID: execID, JobID: job.ID, ScheduledAt: scheduledAt, StartedAt: &startedAt,
		Status: ExecRunning, Attempt: attempt, MaxAttempts: maxAttempts,
	}
	var err error
	if _, exists, _ := s.store.getExecution(ctx, execID); exists {
		// A retry's pending record was created by scheduleRetry; move it
		// to running instead of creating it again.
		_, err = s.store.casExecution(ctx, execID, func(e *Execution) error {
			*e = exec
			return nil
		})
	} else {
		err = s.store.createExecution(ctx, exec)
	}
	if err != nil {
		s.log.Entry("scheduler").WithError(err).WithField("execution_id", execID).Warn("create execution failed")
		s.releaseSlot(ctx, job.ID)
		return
	}
	s.broadcastExecution(exec)

	env := s.buildInvokeEnvelope(job, execID, attempt, handlerName, timeoutMS, payload)

	if err := s.bus.Publish(ctx, envelope.InvokeTopic(handlerName), env, bus.PublishOptions{}); err != nil {
		s.log.Entry("scheduler").WithError(err).WithField("execution_id", execID).Warn("publish invocation failed")
		s.finishExecution(ctx, job.ID, execID, ExecFailed, nil, err.Error(), attempt, maxAttempts)
		return
	}

	deadline := time.Time{}
	if timeoutMS > 0 {
		deadline = startedAt.Add(time.Duration(timeoutMS) * time.Millisecond)
	}
	s.mu.Lock()
	s.runningExec[execID] = &runningExec{
		jobID: job.ID, handlerName: handlerName, attempt: attempt,
		maxAttempts: maxAttempts, deadline: deadline, scheduledAt: scheduledAt,
	}
	s.mu.Unlock()

	s.ensureResultSubscription(ctx, handlerName)
}

func (s *Scheduler) buildInvokeEnvelope(job Job, execID string, attempt int, handlerName string, timeoutMS int64, payload any) envelope.Envelope {
	return envelope.Envelope{
		MessageID: s.ids.NewID(),
		TaskID:    execID,
		WorkflowID: job.ID,
		AgentType: agentTypeFor(handlerName),
		Priority:  envelopePriority(job.Priority),
		Status:    envelope.StatusPending,
		ExecutionConstraints: envelope.ExecutionConstraints{
			TimeoutMS:  timeoutMS,
			MaxRetries: job.Retry.MaxRetries,
			Attempt:    attempt - 1,
		},
		TraceContext: envelope.TraceContext{
			TraceID: s.ids.NewID(),
			SpanID:  s.ids.NewID(),
		},
		Metadata: envelope.Metadata{
			Version:   "1.0.0",
			CreatedAt: s.clk.Now(),
			CreatedBy: "scheduler",
		},
		Payload: payload,
	}
}

// ensureResultSubscription lazily subscribes to a handler's result
// topic the first time that handler is dispatched.
func (s *Scheduler) ensureResultSubscription(ctx context.Context, handlerName string) {
	s.mu.Lock()
	if _, ok := s.resultSubs[handlerName]; ok {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	topic := envelope.ResultTopic(handlerName)
	unsub, err := s.bus.Subscribe(ctx, topic, s.onResult, bus.SubscribeOptions{ConsumerGroup: s.cfg.ResultGroup})
	if err != nil {
		s.log.Entry("scheduler").WithError(err).WithField("handler", handlerName).Warn("subscribe to result topic failed")
		return
	}

	s.mu.Lock()
	if _, ok := s.resultSubs[handlerName]; ok {
		s.mu.Unlock()
		unsub()
		return
	}
	s.resultSubs[handlerName] = unsub
	s.mu.Unlock()
}

// onResult correlates a reply envelope (by task id == execution id)
// with its execution record and applies the terminal transition (spec
// §4.3 "Completion").
func (s *Scheduler) onResult(ctx context.Context, entry envelope.StreamEntry) error {
	execID := entry.Envelope.TaskID

	s.mu.Lock()
	re, ok := s.runningExec[execID]
	if ok {
		delete(s.runningExec, execID)
	}
	s.mu.Unlock()
	if !ok {
		// Already handled by the timeout sweep, or a duplicate delivery
		// (spec §4.2 "the same entry may be delivered more than once").
		return nil
	}

	status, errMsg := resultToExecutionStatus(entry.Envelope)
	s.finishExecution(ctx, re.jobID, execID, status, entry.Envelope.Payload, errMsg, re.attempt, re.maxAttempts)
	return nil
}

func resultToExecutionStatus(env envelope.Envelope) (ExecutionStatus, string) {
	switch env.Status {
	case envelope.StatusSucceeded:
		return ExecSuccess, ""
	case envelope.StatusTimedOut:
		return ExecTimeout, "handler reported timeout"
	case envelope.StatusCancelled:
		return ExecCancelled, "handler reported cancellation"
	default:
		msg := "handler reported failure"
		if p, ok := env.Payload.(map[string]any); ok {
			if m, ok := p["error"].(string); ok && m != "" {
				msg = m
			}
		}
		return ExecFailed, msg
	}
}

// sweepTimeouts transitions any running execution past its deadline to
// status timeout (spec §4.3 "Timeouts").
func (s *Scheduler) sweepTimeouts(ctx context.Context) {
	now := s.clk.Now()

	s.mu.Lock()
	var due []string
	for id, re := range s.runningExec {
		if !re.deadline.IsZero() && !re.deadline.After(now) {
			due = append(due, id)
		}
	}
	snapshot := make(map[string]*runningExec, len(due))
	for _, id := range due {
		snapshot[id] = s.runningExec[id]
		delete(s.runningExec, id)
	}
	s.mu.Unlock()

	for _, id := range due {
		re := snapshot[id]
		if re == nil {
			continue
		}
		s.finishExecution(ctx, re.jobID, id, ExecTimeout, nil, "execution exceeded timeout", re.attempt, re.maxAttempts)
	}
}

// finishExecution applies a terminal transition, updates job counters,
// records history, schedules a retry if the budget allows, and
// broadcasts the transition.
func (s *Scheduler) finishExecution(ctx context.Context, jobID, execID string, status ExecutionStatus, result any, errMsg string, attempt, maxAttempts int) {
	now := s.clk.Now()
	exec, err := s.store.casExecution(ctx, execID, func(e *Execution) error {
		e.ApplyCompletion(status, now, result, errMsg)
		return nil
	})
	if err != nil {
		s.log.Entry("scheduler").WithError(err).WithField("execution_id", execID).Warn("complete execution failed")
	}
	exec.ID = execID
	exec.JobID = jobID
	if exec.Status == "" {
		exec.Status = status
	}

	failed := status == ExecFailed || status == ExecTimeout
	willRetry := failed && attempt < maxAttempts

	s.releaseSlot(ctx, jobID)
	// A failure/timeout only counts toward the job's failure counter once
	// the retry budget is exhausted; attempts that still have a retry
	// ahead are not yet the job's terminal outcome (spec §8 S2: "After
	// third, job's failure counter → 1").
	s.recordCounters(ctx, jobID, status, exec.DurationMS, willRetry)
	s.appendHistorySafe(ctx, jobID, execID)
	s.broadcastExecution(exec)

	if willRetry {
		s.scheduleRetry(ctx, jobID, execID, attempt, maxAttempts)
	}

	s.mu.Lock()
	s.history = append(s.history, completionSample{at: now, status: status, duration: time.Duration(exec.DurationMS) * time.Millisecond})
	if len(s.history) > s.cfg.RecentHistory {
		s.history = s.history[len(s.history)-s.cfg.RecentHistory:]
	}
	s.mu.Unlock()
}

func (s *Scheduler) recordExecution(ctx context.Context, job Job, exec Execution) {
	if err := s.store.createExecution(ctx, exec); err != nil {
		s.log.Entry("scheduler").WithError(err).WithField("execution_id", exec.ID).Warn("create execution failed")
		return
	}
	s.appendHistorySafe(ctx, job.ID, exec.ID)
	s.broadcastExecution(exec)
}

func (s *Scheduler) appendHistorySafe(ctx context.Context, jobID, execID string) {
	if err := s.store.appendHistory(ctx, jobID, execID); err != nil {
		s.log.Entry("scheduler").WithError(err).WithField("job_id", jobID).Warn("append history failed")
	}
}

func (s *Scheduler) releaseSlot(ctx context.Context, jobID string) {
	job, err := s.store.casJob(ctx, jobID, func(j *Job) error {
		if j.Running > 0 {
			j.Running--
		}
		return nil
	})
	if err != nil {
		s.log.Entry("scheduler").WithError(err).WithField("job_id", jobID).Warn("release running slot failed")
		return
	}
	metrics.SetRunningExecutions(jobID, float64(job.Running))
}

func (s *Scheduler) recordCounters(ctx context.Context, jobID string, status ExecutionStatus, durationMS int64, willRetry bool) {
	_, err := s.store.casJob(ctx, jobID, func(j *Job) error {
		switch {
		case status == ExecSuccess:
			j.SuccessRuns++
		case (status == ExecFailed || status == ExecTimeout || status == ExecCancelled) && !willRetry:
			j.FailureRuns++
		}
		j.TotalDuration += durationMS
		return nil
	})
	if err != nil {
		s.log.Entry("scheduler").WithError(err).WithField("job_id", jobID).Warn("record counters failed")
		return
	}
	metrics.RecordDispatch(jobID, string(status), time.Duration(durationMS)*time.Millisecond)
}

func (s *Scheduler) scheduleRetry(ctx context.Context, jobID, prevExecID string, attempt, maxAttempts int) {
	job, ok, err := s.store.getJob(ctx, jobID)
	if err != nil || !ok {
		return
	}
	delay := time.Duration(job.Retry.DelayMS) * time.Millisecond
	dueAt := s.clk.Now().Add(delay)
	newExecID := s.ids.NewID()

	retryExec := Execution{
		ID: newExecID, JobID: jobID, ScheduledAt: dueAt,
		Status: ExecPending, Attempt: attempt + 1, MaxAttempts: maxAttempts,
	}
	if err := s.store.createExecution(ctx, retryExec); err != nil {
		s.log.Entry("scheduler").WithError(err).WithField("job_id", jobID).Warn("create retry execution failed")
		return
	}

	s.mu.Lock()
	s.pendingRet[newExecID] = &pendingRetry{
		jobID: jobID, handlerName: job.HandlerName, handlerKind: job.HandlerKind,
		payload: job.Payload, attempt: attempt + 1, maxAttempts: maxAttempts,
		timeoutMS: job.TimeoutMS, dueAt: dueAt,
	}
	s.mu.Unlock()

	if _, err := s.store.casExecution(ctx, prevExecID, func(e *Execution) error {
		e.NextRetryAt = &dueAt
		return nil
	}); err != nil {
		s.log.Entry("scheduler").WithError(err).WithField("execution_id", prevExecID).Warn("record next-retry-at failed")
	}
}

func (s *Scheduler) dispatchDueRetries(ctx context.Context) {
	now := s.clk.Now()

	s.mu.Lock()
	var due []string
	for id, r := range s.pendingRet {
		if !r.dueAt.After(now) {
			due = append(due, id)
		}
	}
	snapshot := make(map[string]*pendingRetry, len(due))
	for _, id := range due {
		snapshot[id] = s.pendingRet[id]
		delete(s.pendingRet, id)
	}
	s.mu.Unlock()

	for _, id := range due {
		r := snapshot[id]
		job, ok, err := s.store.getJob(ctx, r.jobID)
		// A one-shot job is already completed once its first attempt is
		// dispatched; its retries still run.
		if err != nil || !ok || (job.Status != JobActive && job.Status != JobCompleted) {
			continue
		}
		if _, err := s.store.casJob(ctx, r.jobID, func(j *Job) error {
			j.Running++
			j.TotalRuns++
			return nil
		}); err != nil {
			continue
		}
		s.startExecution(ctx, job, id, r.dueAt, s.clk.Now(), r.attempt, r.maxAttempts, r.handlerName, r.handlerKind, r.timeoutMS, r.payload)
	}
}

func (s *Scheduler) broadcastExecution(exec Execution) {
	if s.obs == nil {
		return
	}
	s.obs.Broadcast(observer.Event{
		Type:       observer.EventExecutionTransition,
		OccurredAt: s.clk.Now(),
		Payload:    exec,
	})
}

func (s *Scheduler) broadcastJob(job Job) {
	if s.obs == nil {
		return
	}
	s.obs.Broadcast(observer.Event{
		Type:       observer.EventJobStateChange,
		OccurredAt: s.clk.Now(),
		Payload:    job,
	})
}

// --- Public contract (spec §4.3) ---

// Schedule creates a cron-driven job.
func (s *Scheduler) Schedule(ctx context.Context, spec CronSpec) (Job, error) {
	job, err := s.newJob(spec.ID, JobCron, spec.HandlerName, spec.HandlerKind, spec.Payload, spec.Retry, spec.TimeoutMS, spec.Priority, spec.Concurrency, spec.Overlap)
	if err != nil {
		return Job{}, err
	}
	job.Schedule = spec.Schedule
	job.TimeZone = defaultTimeZone(spec.TimeZone)
	return s.createAndIndex(ctx, job)
}

// ScheduleOnce creates a one-shot job.
func (s *Scheduler) ScheduleOnce(ctx context.Context, spec OneShotSpec) (Job, error) {
	if spec.ExecuteAt.IsZero() {
		return Job{}, coreerrors.New(coreerrors.ValidationFailure, "scheduler.ScheduleOnce", fmt.Errorf("one-shot job requires execute_at"))
	}
	job, err := s.newJob(spec.ID, JobOneShot, spec.HandlerName, spec.HandlerKind, spec.Payload, spec.Retry, spec.TimeoutMS, spec.Priority, 1, false)
	if err != nil {
		return Job{}, err
	}
	at := spec.ExecuteAt
	job.ExecuteAt = &at
	job.NextRun = &at
	return s.createAndIndex(ctx, job)
}

// ScheduleRecurring creates a cron-driven job bounded by a start/end
// window and/or a maximum execution count.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, spec RecurringSpec) (Job, error) {
	job, err := s.newJob(spec.ID, JobRecurringBounded, spec.HandlerName, spec.HandlerKind, spec.Payload, spec.Retry, spec.TimeoutMS, spec.Priority, spec.Concurrency, spec.Overlap)
	if err != nil {
		return Job{}, err
	}
	job.Schedule = spec.Schedule
	job.TimeZone = defaultTimeZone(spec.TimeZone)
	if !spec.StartDate.IsZero() {
		start := spec.StartDate
		job.StartDate = &start
	}
	if !spec.EndDate.IsZero() {
		end := spec.EndDate
		job.EndDate = &end
	}
	job.MaxRuns = spec.MaxRuns
	return s.createAndIndex(ctx, job)
}

func (s *Scheduler) newJob(id string, kind JobKind, handlerName string, handlerKind HandlerKind, payload any, retry RetryPolicy, timeoutMS int64, priority, concurrency int, overlap bool) (Job, error) {
	if id == "" {
		id = s.ids.NewID()
	}
	now := s.clk.Now()
	job := Job{
		ID: id, Kind: kind, Status: JobActive,
		HandlerName: handlerName, HandlerKind: defaultHandlerKind(handlerKind),
		Payload: payload, Retry: defaultRetryPolicy(retry), TimeoutMS: timeoutMS,
		Priority: priority, Concurrency: defaultConcurrency(concurrency), Overlap: overlap,
		CreatedAt: now, UpdatedAt: now, Version: 0,
	}
	return job, nil
}

func (s *Scheduler) createAndIndex(ctx context.Context, job Job) (Job, error) {
	if job.NextRun == nil && job.Kind != JobOneShot && job.Kind != JobEvent {
		next, completed, err := nextRunForJob(job, s.clk.Now())
		if err != nil {
			return Job{}, coreerrors.New(coreerrors.ValidationFailure, "scheduler.Schedule", err)
		}
		job.NextRun = next
		if completed {
			job.Status = JobCompleted
		}
	}
	if err := job.Validate(); err != nil {
		return Job{}, coreerrors.New(coreerrors.ValidationFailure, "scheduler.Schedule", err)
	}
	if err := s.store.createJob(ctx, job); err != nil {
		return Job{}, err
	}
	s.broadcastJob(job)
	return job, nil
}

// Reschedule recomputes next-run from newSchedule; in-flight executions
// continue unaffected.
func (s *Scheduler) Reschedule(ctx context.Context, jobID, newSchedule string) (Job, error) {
	job, err := s.store.casJob(ctx, jobID, func(j *Job) error {
		if j.Kind != JobCron && j.Kind != JobRecurringBounded {
			return coreerrors.New(coreerrors.ValidationFailure, "scheduler.Reschedule", fmt.Errorf("job %q is not schedule-driven", jobID))
		}
		j.Schedule = newSchedule
		next, completed, err := nextRunForJob(*j, s.clk.Now())
		if err != nil {
			return coreerrors.New(coreerrors.ValidationFailure, "scheduler.Reschedule", err)
		}
		j.NextRun = next
		if completed {
			j.Status = JobCompleted
		}
		return nil
	})
	if err != nil {
		return Job{}, err
	}
	s.broadcastJob(job)
	return job, nil
}

// Unschedule transitions jobID to cancelled.
func (s *Scheduler) Unschedule(ctx context.Context, jobID string) (Job, error) {
	job, err := s.store.casJob(ctx, jobID, func(j *Job) error {
		j.Status = JobCancelled
		j.NextRun = nil
		return nil
	})
	if err != nil {
		return Job{}, err
	}
	s.broadcastJob(job)
	return job, nil
}

// PauseJob suspends dispatch without losing schedule state.
func (s *Scheduler) PauseJob(ctx context.Context, jobID string) (Job, error) {
	return s.transitionJob(ctx, jobID, JobPaused)
}

// ResumeJob reactivates a paused job.
func (s *Scheduler) ResumeJob(ctx context.Context, jobID string) (Job, error) {
	return s.transitionJob(ctx, jobID, JobActive)
}

// CancelJob transitions jobID to cancelled (alias of Unschedule, kept
// distinct per spec §4.3's separate pauseJob/resumeJob/cancelJob names).
func (s *Scheduler) CancelJob(ctx context.Context, jobID string) (Job, error) {
	return s.Unschedule(ctx, jobID)
}

// transitionJob applies a requested status, treating "already in that
// state" as success without a write — this is the S4 CAS-conflict
// resolution path: re-read, detect desired state already achieved,
// return success.
func (s *Scheduler) transitionJob(ctx context.Context, jobID string, want JobStatus) (Job, error) {
	current, ok, err := s.store.getJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if !ok {
		return Job{}, coreerrors.New(coreerrors.NotFound, "scheduler.transitionJob", nil)
	}
	if current.Status == want {
		return current, nil
	}
	alreadyInState := fmt.Errorf("job %q already %s", jobID, want)
	job, err := s.store.casJob(ctx, jobID, func(j *Job) error {
		if j.Status == want {
			return alreadyInState
		}
		j.Status = want
		return nil
	})
	if err == alreadyInState {
		return s.GetJob(ctx, jobID)
	}
	if err != nil {
		return Job{}, err
	}
	s.broadcastJob(job)
	return job, nil
}

// GetJob returns a job by id.
func (s *Scheduler) GetJob(ctx context.Context, jobID string) (Job, error) {
	job, ok, err := s.store.getJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if !ok {
		return Job{}, coreerrors.New(coreerrors.NotFound, "scheduler.GetJob", nil)
	}
	return job, nil
}

// ListJobs returns every job matching filter.
func (s *Scheduler) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	ids, err := s.store.listJobIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, ok, err := s.store.getJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok && filter.matches(job) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetJobHistory returns up to limit completed executions for jobID,
// most recent first.
func (s *Scheduler) GetJobHistory(ctx context.Context, jobID string, limit int) ([]Execution, error) {
	return s.store.getHistory(ctx, jobID, limit)
}

// GetExecution returns an execution by id.
func (s *Scheduler) GetExecution(ctx context.Context, executionID string) (Execution, error) {
	exec, ok, err := s.store.getExecution(ctx, executionID)
	if err != nil {
		return Execution{}, err
	}
	if !ok {
		return Execution{}, coreerrors.New(coreerrors.NotFound, "scheduler.GetExecution", nil)
	}
	return exec, nil
}

// RetryExecution manually re-dispatches a terminal, failed/timed-out
// execution as a fresh attempt, ignoring the job's own retry ceiling
// (an operator-invoked override, distinct from the automatic retry
// path in finishExecution).
func (s *Scheduler) RetryExecution(ctx context.Context, executionID string) (Execution, error) {
	exec, ok, err := s.store.getExecution(ctx, executionID)
	if err != nil {
		return Execution{}, err
	}
	if !ok {
		return Execution{}, coreerrors.New(coreerrors.NotFound, "scheduler.RetryExecution", nil)
	}
	if exec.Status != ExecFailed && exec.Status != ExecTimeout {
		return Execution{}, coreerrors.New(coreerrors.ValidationFailure, "scheduler.RetryExecution", fmt.Errorf("execution %q is not failed or timed out", executionID))
	}
	job, err := s.GetJob(ctx, exec.JobID)
	if err != nil {
		return Execution{}, err
	}
	if _, err := s.store.casJob(ctx, job.ID, func(j *Job) error {
		j.Running++
		j.TotalRuns++
		return nil
	}); err != nil {
		return Execution{}, err
	}

	newExecID := s.ids.NewID()
	now := s.clk.Now()
	s.startExecution(ctx, job, newExecID, now, now, 1, job.Retry.MaxRetries+1, job.HandlerName, job.HandlerKind, job.TimeoutMS, job.Payload)
	newExec, _, _ := s.store.getExecution(ctx, newExecID)
	return newExec, nil
}

// GetMetrics aggregates dispatch outcomes and latency percentiles
// observed within window.
func (s *Scheduler) GetMetrics(window MetricsWindow) Metrics {
	s.mu.Lock()
	samples := make([]completionSample, 0, len(s.history))
	for _, h := range s.history {
		if window.contains(h.at) {
			samples = append(samples, h)
		}
	}
	queueDepth := len(s.pendingRet)
	workerCount := len(s.runningExec)
	s.mu.Unlock()

	m := Metrics{QueueDepth: queueDepth, WorkerCount: workerCount}
	durations := make([]float64, 0, len(samples))
	for _, sm := range samples {
		m.TotalDispatches++
		switch sm.status {
		case ExecSuccess:
			m.SuccessCount++
		case ExecFailed:
			m.FailureCount++
		case ExecTimeout:
			m.TimeoutCount++
		case ExecSkipped:
			m.SkippedCount++
		case ExecCancelled:
			m.CancelledCount++
		}
		if sm.duration > 0 {
			durations = append(durations, float64(sm.duration.Milliseconds()))
		}
	}
	sort.Float64s(durations)
	m.LatencyP50MS = percentile(durations, 0.50)
	m.LatencyP95MS = percentile(durations, 0.95)
	m.LatencyP99MS = percentile(durations, 0.99)
	return m
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// HealthCheck reports per-component health (spec §4.3 healthCheck).
func (s *Scheduler) HealthCheck(ctx context.Context, kvStore kv.Store) HealthReport {
	var report HealthReport

	if err := kvStore.Health(ctx); err != nil {
		report.KV = ComponentHealth{OK: false, Detail: err.Error()}
	} else {
		report.KV = ComponentHealth{OK: true, Detail: "ok"}
	}

	busHealth := s.bus.Health(ctx)
	report.Bus = ComponentHealth{OK: busHealth.OK, Detail: busHealth.Detail}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	report.Scheduler = ComponentHealth{OK: running, Detail: fmt.Sprintf("running=%v", running)}

	return report
}
