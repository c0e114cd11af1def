package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/gregd453/agentic-sdlc-sub009/pkg/envelope"
	"github.com/gregd453/agentic-sdlc-sub009/pkg/metrics"
)

// subscription is one (topic, consumer-group) binding: a single reader
// task fanning out delivered entries to however many handlers have been
// attached in-process. Mirrors the teacher's pgnotify handler-list per
// channel, but each subscription here owns its own background task
// instead of sharing one global listener goroutine, since Redis Streams
// reads block per consumer group rather than per connection.
type subscription struct {
	bus   *Bus
	topic string
	opts  SubscribeOptions

	stream       string
	group        string
	consumerName string

	handlersMu  sync.Mutex
	handlers    map[int]Handler
	nextID      int

	cancel context.CancelFunc
	done   chan struct{}
	sem    chan struct{}
}

func newSubscription(b *Bus, topic string, opts SubscribeOptions) *subscription {
	return &subscription{
		bus:          b,
		topic:        topic,
		opts:         opts,
		stream:       b.streamName(topic),
		group:        opts.ConsumerGroup,
		consumerName: "consumer-" + b.ids.NewID(),
		handlers:     make(map[int]Handler),
		done:         make(chan struct{}),
		sem:          make(chan struct{}, opts.MaxInFlight),
	}
}

func (s *subscription) addHandler(h Handler) int {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.nextID++
	id := s.nextID
	s.handlers[id] = h
	return id
}

// removeHandler detaches handler id and returns the number remaining.
func (s *subscription) removeHandler(id int) int {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	delete(s.handlers, id)
	return len(s.handlers)
}

func (s *subscription) snapshotHandlers() []Handler {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	out := make([]Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		out = append(out, h)
	}
	return out
}

// ensureGroup creates the consumer group (and stream, via MKSTREAM) if
// it does not already exist. A pre-existing group is left untouched so
// its cursor and pending-entries list survive process restarts (spec
// S6).
func (s *subscription) ensureGroup(ctx context.Context) error {
	err := s.bus.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return err
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func (s *subscription) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
}

func (s *subscription) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

// run is the reader task: it reclaims stale pending entries, then reads
// new ones, dispatching each to every registered handler. It exits
// promptly on ctx cancellation (spec §5 cancellation contract).
func (s *subscription) run(ctx context.Context) {
	defer close(s.done)

	claimTicker := time.NewTicker(s.opts.VisibilityTimeout)
	defer claimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-claimTicker.C:
			s.reclaimStale(ctx)
		default:
		}

		entries, err := s.readNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.bus.log.Entry("bus").WithError(err).Warn("read failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, e := range entries {
			s.dispatch(ctx, e)
		}
	}
}

func (s *subscription) readNext(ctx context.Context) ([]redis.XMessage, error) {
	res, err := s.bus.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumerName,
		Streams:  []string{s.stream, ">"},
		Count:    s.opts.BatchSize,
		Block:    s.opts.BlockTimeout,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}

// reclaimStale claims entries idle longer than the visibility deadline
// from any consumer (including crashed ones, and including a fresh
// consumer's own prior incarnation after a restart) so they are
// redelivered rather than stuck forever in another consumer's PEL.
func (s *subscription) reclaimStale(ctx context.Context) {
	minIdle := s.opts.VisibilityTimeout
	start := "-"
	for {
		messages, next, err := s.bus.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s.stream,
			Group:    s.group,
			Consumer: s.consumerName,
			MinIdle:  minIdle,
			Start:    start,
			Count:    int64(s.opts.BatchSize),
		}).Result()
		if err != nil {
			return
		}
		for _, m := range messages {
			s.dispatch(ctx, m)
		}
		if next == "" || next == "0-0" || len(messages) == 0 {
			return
		}
		start = next
	}
}

func (s *subscription) dispatch(ctx context.Context, msg redis.XMessage) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	go func() {
		defer func() { <-s.sem }()
		s.handleOne(ctx, msg)
	}()
}

func (s *subscription) handleOne(ctx context.Context, msg redis.XMessage) {
	env, err := unwrapPayload(msg.Values)
	if err != nil {
		// Poison pill: ack so it never blocks redelivery forever (spec §7
		// ParseFailure handling).
		s.bus.log.Entry("bus").WithField("entry_id", msg.ID).WithError(err).Warn("dropping unparseable entry")
		_ = s.bus.client.XAck(ctx, s.stream, s.group, msg.ID).Err()
		metrics.RecordDelivery(s.topic, "parse_error_acked")
		return
	}

	handlers := s.snapshotHandlers()
	entry := envelope.StreamEntry{ID: msg.ID, Topic: s.topic, Envelope: env}

	var wg sync.WaitGroup
	errs := make([]error, len(handlers))
	for i, h := range handlers {
		wg.Add(1)
		go func(i int, h Handler) {
			defer wg.Done()
			errs[i] = h(ctx, entry)
		}(i, h)
	}
	wg.Wait()

	failed := false
	for _, e := range errs {
		if e != nil {
			failed = true
			break
		}
	}

	if !failed {
		_ = s.bus.client.XAck(ctx, s.stream, s.group, msg.ID).Err()
		metrics.RecordDelivery(s.topic, "acked")
		return
	}

	metrics.RecordDelivery(s.topic, "failed")
	s.maybeDeadLetter(ctx, msg, env)
}

// maybeDeadLetter moves the entry to its dead-letter stream once it has
// been delivered Config.MaxRedeliveries times.
func (s *subscription) maybeDeadLetter(ctx context.Context, msg redis.XMessage, env envelope.Envelope) {
	pending, err := s.bus.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.group,
		Start:  msg.ID,
		End:    msg.ID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return
	}

	deliveries := int(pending[0].RetryCount)
	if deliveries < s.bus.cfg.MaxRedeliveries {
		return
	}

	dl := envelope.DeadLetter{
		OriginalTopic: s.topic,
		Envelope:      env,
		Reason:        "handler failed after max redeliveries",
		RetryCount:    deliveries,
	}
	payload, err := marshalDeadLetter(dl)
	if err != nil {
		return
	}

	dlqTopic := envelope.DeadLetterTopic(s.topic)
	if err := s.bus.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.bus.streamName(dlqTopic),
		Values: map[string]interface{}{
			"topic":   dlqTopic,
			"payload": string(payload),
		},
	}).Err(); err != nil {
		return
	}
	_ = s.bus.client.XAck(ctx, s.stream, s.group, msg.ID).Err()
	metrics.RecordDeadLetter(s.topic)
}
