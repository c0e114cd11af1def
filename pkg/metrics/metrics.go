// Package metrics exposes Prometheus collectors for the KV store, Bus,
// Scheduler, and Observer, adapted from the teacher's pkg/metrics
// (same Namespace/Subsystem convention, same init-time MustRegister),
// repurposed away from the HTTP/function/oracle subsystems this core
// does not have.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "core"

var (
	// Registry holds every collector this package registers.
	Registry = prometheus.NewRegistry()

	kvOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kv",
			Name:      "operations_total",
			Help:      "Total KV store operations by op and outcome.",
		},
		[]string{"op", "outcome"},
	)

	kvCASAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "kv",
			Name:      "cas_attempts",
			Help:      "Number of attempts a CAS loop took before success or giving up.",
			Buckets:   prometheus.LinearBuckets(1, 1, 8),
		},
		[]string{"outcome"},
	)

	busPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Total envelopes published by topic.",
		},
		[]string{"topic"},
	)

	busDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "delivered_total",
			Help:      "Total envelope deliveries by topic and outcome (acked, failed, parse_error_acked).",
		},
		[]string{"topic", "outcome"},
	)

	busDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "dead_lettered_total",
			Help:      "Total envelopes moved to a dead-letter topic.",
		},
		[]string{"topic"},
	)

	busConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "consumer_pending",
			Help:      "Pending (unacked) entries per topic/consumer group.",
		},
		[]string{"topic", "group"},
	)

	schedulerDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "dispatches_total",
			Help:      "Total job dispatches by job id and outcome (success, failed, timeout, cancelled, skipped).",
		},
		[]string{"job_id", "outcome"},
	)

	schedulerDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of job handler executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"job_id"},
	)

	schedulerRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "running_executions",
			Help:      "Current number of in-flight executions per job.",
		},
		[]string{"job_id"},
	)

	observerDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "observer",
			Name:      "dropped_total",
			Help:      "Total events dropped because a subscriber's buffer was full.",
		},
		[]string{"event_type"},
	)

	observerDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "observer",
			Name:      "delivered_total",
			Help:      "Total events delivered to subscribers.",
		},
		[]string{"event_type"},
	)

	observerSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "observer",
			Name:      "subscribers",
			Help:      "Current number of active observer subscriptions.",
		},
	)
)

func init() {
	Registry.MustRegister(
		kvOperations,
		kvCASAttempts,
		busPublished,
		busDelivered,
		busDeadLettered,
		busConsumerLag,
		schedulerDispatches,
		schedulerDispatchDuration,
		schedulerRunning,
		observerDropped,
		observerDelivered,
		observerSubscribers,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordKVOp records the outcome of a KV store operation.
func RecordKVOp(op, outcome string) {
	kvOperations.WithLabelValues(op, outcome).Inc()
}

// RecordCASAttempts records how many attempts a CAS loop took.
func RecordCASAttempts(outcome string, attempts int) {
	if attempts < 1 {
		attempts = 1
	}
	kvCASAttempts.WithLabelValues(outcome).Observe(float64(attempts))
}

// RecordPublish records a bus publish.
func RecordPublish(topic string) {
	busPublished.WithLabelValues(topic).Inc()
}

// RecordDelivery records a bus delivery outcome.
func RecordDelivery(topic, outcome string) {
	busDelivered.WithLabelValues(topic, outcome).Inc()
}

// RecordDeadLetter records an envelope being moved to a dead-letter topic.
func RecordDeadLetter(topic string) {
	busDeadLettered.WithLabelValues(topic).Inc()
}

// SetConsumerLag reports current pending-entry count for a topic/group.
func SetConsumerLag(topic, group string, pending float64) {
	busConsumerLag.WithLabelValues(topic, group).Set(pending)
}

// RecordDispatch records a scheduler dispatch outcome and duration.
func RecordDispatch(jobID, outcome string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	schedulerDispatches.WithLabelValues(jobID, outcome).Inc()
	schedulerDispatchDuration.WithLabelValues(jobID).Observe(duration.Seconds())
}

// SetRunningExecutions reports the current in-flight execution count for a job.
func SetRunningExecutions(jobID string, count float64) {
	schedulerRunning.WithLabelValues(jobID).Set(count)
}

// RecordObserverDrop records an event dropped due to a full subscriber buffer.
func RecordObserverDrop(eventType string) {
	observerDropped.WithLabelValues(eventType).Inc()
}

// RecordObserverDelivery records an event delivered to a subscriber.
func RecordObserverDelivery(eventType string) {
	observerDelivered.WithLabelValues(eventType).Inc()
}

// SetObserverSubscribers reports the current subscriber count.
func SetObserverSubscribers(count int) {
	observerSubscribers.Set(float64(count))
}
