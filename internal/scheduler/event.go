package scheduler

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ActionKind distinguishes what an event handler's action descriptor
// produces when no in-process function is registered.
type ActionKind string

const (
	ActionCreateJob      ActionKind = "create-job"
	ActionTriggerWorkflow ActionKind = "trigger-workflow"
	ActionDispatchAgent  ActionKind = "dispatch-agent"
)

// ActionDescriptor materializes a one-shot job when an event fires,
// instead of invoking an in-process function (spec §4.3 onEvent).
type ActionDescriptor struct {
	Kind        ActionKind
	HandlerName string
	HandlerKind HandlerKind
	TimeoutMS   int64
	Retry       RetryPolicy
	Priority    int
}

// EventHandlerFunc is an in-process handler invoked directly on
// triggerEvent, bypassing job materialization entirely.
type EventHandlerFunc func(ctx context.Context, payload any) error

// EventHandler is a subscription from an event name to a job-producing
// action or in-process function (spec §3 "Event Handler").
type EventHandler struct {
	ID            string
	EventName     string
	HandlerName   string
	Priority      int
	Enabled       bool
	PlatformScope string
	Action        *ActionDescriptor
	Fn            EventHandlerFunc
	InvokeCount   int64
	FailureCount  int64
	CreatedAt     time.Time
}

// eventRegistry holds event handlers in memory, keyed by event name.
// Unlike jobs and executions, handlers carry a function value when
// registered in-process and so are not KV-persisted (spec §1 excludes
// the workflow/handler registry's own durability from this core; only
// the jobs it materializes are durable).
type eventRegistry struct {
	mu       sync.Mutex
	byEvent  map[string][]*EventHandler
	sequence int64
}

func newEventRegistry() *eventRegistry {
	return &eventRegistry{byEvent: make(map[string][]*EventHandler)}
}

func (r *eventRegistry) add(h *EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byEvent[h.EventName] = append(r.byEvent[h.EventName], h)
}

// snapshot returns enabled handlers for eventName sorted by priority
// descending, stable on ties by registration order (spec §4.3
// "triggerEvent ... sorted by priority descending, stable on ties by
// creation time").
func (r *eventRegistry) snapshot(eventName string) []*EventHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	handlers := r.byEvent[eventName]
	out := make([]*EventHandler, 0, len(handlers))
	for _, h := range handlers {
		if h.Enabled {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// OnEvent registers a handler for eventName. Exactly one of fn or
// action should be non-nil; if both are given, fn takes precedence.
func (s *Scheduler) OnEvent(eventName, handlerName string, priority int, fn EventHandlerFunc, action *ActionDescriptor) *EventHandler {
	s.mu.Lock()
	s.events.sequence++
	seq := s.events.sequence
	s.mu.Unlock()

	h := &EventHandler{
		ID:          "evt-" + strconv.FormatInt(seq, 10),
		EventName:   eventName,
		HandlerName: handlerName,
		Priority:    priority,
		Enabled:     true,
		Action:      action,
		Fn:          fn,
		CreatedAt:   s.clk.Now(),
	}
	s.events.add(h)
	return h
}

// TriggerEvent fires eventName with payload against every enabled
// handler in priority order. A handler's failure increments its
// failure counter but never halts dispatch of lower-priority handlers
// (spec §4.3 "Event triggering").
func (s *Scheduler) TriggerEvent(ctx context.Context, eventName string, payload any) error {
	handlers := s.events.snapshot(eventName)
	var firstErr error
	for _, h := range handlers {
		h.InvokeCount++
		err := s.invokeEventHandler(ctx, h, payload)
		if err != nil {
			h.FailureCount++
			s.log.Entry("scheduler").WithError(err).WithField("event", eventName).
				WithField("handler", h.HandlerName).Warn("event handler invocation failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Scheduler) invokeEventHandler(ctx context.Context, h *EventHandler, payload any) error {
	if h.Fn != nil {
		return h.Fn(ctx, payload)
	}
	if h.Action == nil {
		return nil
	}
	return s.dispatchEventAction(ctx, h.Action, payload)
}

// dispatchEventAction materializes a one-shot job for the action
// descriptor and dispatches it immediately rather than waiting for the
// next tick, per spec §4.3's "materializes a job ... and immediately
// dispatches it".
func (s *Scheduler) dispatchEventAction(ctx context.Context, action *ActionDescriptor, payload any) error {
	now := s.clk.Now()
	spec := OneShotSpec{
		ExecuteAt:   now,
		HandlerName: action.HandlerName,
		HandlerKind: action.HandlerKind,
		Payload:     payload,
		Retry:       action.Retry,
		TimeoutMS:   action.TimeoutMS,
		Priority:    action.Priority,
	}
	job, err := s.ScheduleOnce(ctx, spec)
	if err != nil {
		return err
	}
	s.dispatch(ctx, job.ID)
	return nil
}
