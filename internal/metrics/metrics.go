// Package metrics holds shelf's prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Component labels for the error counter.
	ComponentCapture   = "capture"
	ComponentBroadcast = "broadcast"
	ComponentTasks     = "tasks"
	ComponentTransport = "transport"
)

var (
	namespace = "shelf"

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component"},
	)

	changesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "changes_delivered_total",
			Help:      "Change events handed to the broadcast router",
		},
	)

	deliveryRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "delivery_retries_total",
			Help:      "Failed change deliveries that were retried",
		},
	)

	captureCursor = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "cursor",
			Help:      "Sequence number of the last delivered change",
		},
	)

	changesPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "changes_pruned_total",
			Help:      "Delivered change log rows removed by retention",
		},
	)

	subscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "subscriptions_active",
			Help:      "Live subscriptions currently registered",
		},
	)

	subscriptionsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "subscriptions_dropped_total",
			Help:      "Subscriptions removed, by reason",
		},
		[]string{"reason"},
	)

	patchesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "patches_sent_total",
			Help:      "Patch batches delivered to subscribers",
		},
		[]string{"collection"},
	)

	eventDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "event_duration_seconds",
			Help:      "Time to classify one change event against all subscriptions",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 8),
		},
	)

	tasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Tasks that reached a terminal status, by type and status",
		},
		[]string{"type", "status"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Handler execution time by task type",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		},
		[]string{"method", "route", "status"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncErrorCount increments the error counter for a component.
func IncErrorCount(component string) {
	errorCounter.WithLabelValues(component).Inc()
}

// ChangeDelivered records a delivered change and advances the cursor gauge.
func ChangeDelivered(seq int64) {
	changesDelivered.Inc()
	captureCursor.Set(float64(seq))
}

// DeliveryRetried records a failed delivery attempt.
func DeliveryRetried() {
	deliveryRetries.Inc()
}

// ChangesPruned records pruned change log rows.
func ChangesPruned(n int64) {
	changesPruned.Add(float64(n))
}

// SubscriptionAdded increments the active subscription gauge.
func SubscriptionAdded() {
	subscriptionsActive.Inc()
}

// SubscriptionRemoved decrements the active subscription gauge and counts the
// removal under reason.
func SubscriptionRemoved(reason string) {
	subscriptionsActive.Dec()
	subscriptionsDropped.WithLabelValues(reason).Inc()
}

// PatchSent counts a delivered patch batch.
func PatchSent(collection string) {
	patchesSent.WithLabelValues(collection).Inc()
}

// ObserveEvent records how long one change event took to route.
func ObserveEvent(d time.Duration) {
	eventDuration.Observe(d.Seconds())
}

// TaskFinished records a task reaching status after running for d.
func TaskFinished(taskType, status string, d time.Duration) {
	tasksFinished.WithLabelValues(taskType, status).Inc()
	taskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

// HTTPRequest counts a served HTTP request.
func HTTPRequest(method, route string, status int) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
