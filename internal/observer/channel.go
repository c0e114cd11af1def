// Package observer implements the fan-out broadcaster of spec §4.4: a
// single channel that distributes metric snapshots, job state changes,
// and execution transitions to any number of subscribers, with no
// per-subscriber queueing beyond a small fixed buffer.
//
// The shape — a handler/subscriber set guarded by one short-held mutex,
// fanning a single published value out to every registered receiver —
// is grounded on the teacher's pkg/pgnotify bus: its invokeHandler
// spins a goroutine per handler with a context timeout so one slow
// subscriber can never block the listener loop. This core replaces
// "spin a goroutine, log on timeout" with "select-with-deadline on a
// buffered channel, drop the subscriber on timeout", which is what
// spec §4.4's "backpressure-aware dropping" asks for instead of
// best-effort delivery. A single background task owns the queue and is
// the only caller of the fan-out, which is what lets concurrent callers
// of Broadcast share one well-defined delivery order per subscriber
// (spec §5).
package observer

import (
	"sync"
	"time"

	"github.com/gregd453/agentic-sdlc-sub009/pkg/clock"
	"github.com/gregd453/agentic-sdlc-sub009/pkg/logging"
	"github.com/gregd453/agentic-sdlc-sub009/pkg/metrics"
)

// EventType classifies a broadcast Event.
type EventType string

const (
	EventMetricSnapshot      EventType = "metric_snapshot"
	EventJobStateChange      EventType = "job_state_change"
	EventExecutionTransition EventType = "execution_transition"
)

// Event is the unit fanned out to every subscriber.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

type subscriber struct {
	id int64
	ch chan Event
}

// Channel is the production Observer Channel. Zero value is not usable;
// construct with New.
type Channel struct {
	mu          sync.Mutex
	cond        *sync.Cond
	subs        map[int64]*subscriber
	nextID      int64
	closed      bool
	queue       []Event
	done        chan struct{}
	sendTimeout time.Duration
	clk         clock.Clock
	log         *logging.Logger
}

// Option configures a Channel at construction.
type Option func(*Channel)

func WithClock(c clock.Clock) Option { return func(ch *Channel) { ch.clk = c } }
func WithLogger(l *logging.Logger) Option {
	return func(ch *Channel) { ch.log = l }
}

// New builds a Channel whose Broadcast gives each subscriber up to
// sendTimeout to accept an event before being dropped. New starts the
// channel's one broadcaster task (spec §5), which is the sole caller of
// the per-event fan-out; Shutdown stops it.
func New(sendTimeout time.Duration, opts ...Option) *Channel {
	if sendTimeout <= 0 {
		sendTimeout = 50 * time.Millisecond
	}
	c := &Channel{
		subs:        make(map[int64]*subscriber),
		sendTimeout: sendTimeout,
		clk:         clock.NewSystem(),
		log:         logging.NewDefault("observer"),
		done:        make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	for _, opt := range opts {
		opt(c)
	}
	go c.run()
	return c
}

// Attach registers a new subscriber with the given buffer size and
// returns its receive channel plus a detach function. Attach after
// Shutdown returns a nil channel and a no-op detach.
func (c *Channel) Attach(bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, func() {}
	}

	c.nextID++
	id := c.nextID
	sub := &subscriber{id: id, ch: make(chan Event, bufferSize)}
	c.subs[id] = sub
	metrics.SetObserverSubscribers(len(c.subs))

	return sub.ch, func() { c.detach(id) }
}

func (c *Channel) detach(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[id]
	if !ok {
		return
	}
	delete(c.subs, id)
	close(sub.ch)
	metrics.SetObserverSubscribers(len(c.subs))
}

// Broadcast enqueues event for the channel's single broadcaster task to
// deliver. Two events enqueued in a given order — whether from the same
// goroutine or different ones — are always delivered to each subscriber
// in that order, since the queue is drained by exactly one task (spec
// §5: "one broadcaster serialization task per observer channel"; "Observer
// broadcast preserves broadcast order per subscriber"). Broadcast itself
// never blocks on subscriber delivery.
func (c *Channel) Broadcast(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = c.clk.Now()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, event)
	c.mu.Unlock()
	c.cond.Signal()
}

// run is the channel's broadcaster task: the sole reader of the queue,
// so it is also the sole caller of the per-event fan-out below, which is
// what keeps per-subscriber delivery order consistent with enqueue
// order. It drains any events queued before Shutdown was called before
// exiting.
func (c *Channel) run() {
	defer close(c.done)
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		event := c.queue[0]
		c.queue = c.queue[1:]
		targets := make([]*subscriber, 0, len(c.subs))
		for _, sub := range c.subs {
			targets = append(targets, sub)
		}
		c.mu.Unlock()

		var wg sync.WaitGroup
		for _, sub := range targets {
			wg.Add(1)
			go func(sub *subscriber) {
				defer wg.Done()
				c.sendOne(sub, event)
			}(sub)
		}
		wg.Wait()
	}
}

func (c *Channel) sendOne(sub *subscriber, event Event) {
	select {
	case sub.ch <- event:
		metrics.RecordObserverDelivery(string(event.Type))
		return
	default:
	}

	select {
	case sub.ch <- event:
		metrics.RecordObserverDelivery(string(event.Type))
	case <-c.clk.After(c.sendTimeout):
		c.log.Entry("observer").WithField("event_type", string(event.Type)).
			Warn("subscriber dropped: did not accept event within deadline")
		metrics.RecordObserverDrop(string(event.Type))
		c.detach(sub.id)
	}
}

// Shutdown stops the broadcaster task (after it drains any events
// already queued), then closes every subscriber's channel (the terminal
// signal a receiving goroutine sees on its range/ok-comma read) and
// refuses further attachments. Shutdown is idempotent.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()

	<-c.done

	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[int64]*subscriber)
	c.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	metrics.SetObserverSubscribers(0)
}

// Subscribers reports the current number of attached subscribers.
func (c *Channel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
