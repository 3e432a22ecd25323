// Package metrics exposes Prometheus collectors for the task event consumer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event outcomes recorded per handled message.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
	OutcomeRetried  = "retried"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_events_total",
			Help: "Total number of lifecycle events handled, labeled by topic and outcome.",
		},
		[]string{"topic", "outcome"},
	)

	detectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_detections_total",
			Help: "Total number of detected anomalies and rejections, labeled by error kind.",
		},
		[]string{"kind"},
	)

	handlerDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_handler_duration_seconds",
			Help:    "Histogram of handler latencies, labeled by topic.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"topic"},
	)

	publishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_crawl_requests_published_total",
			Help: "Total number of crawl request publishes, labeled by result.",
		},
		[]string{"result"},
	)

	redeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_redeliveries_total",
			Help: "Total number of messages handed back to the broker for redelivery.",
		},
		[]string{"topic"},
	)

	subscriptionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "task_subscription_state",
			Help: "Current subscription state per topic (1 for the active state).",
		},
		[]string{"topic", "state"},
	)

	inFlightMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "task_in_flight_messages",
			Help: "Number of messages currently held by a handler.",
		},
		[]string{"topic"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveEvent records one handled message and its latency.
func ObserveEvent(topic, outcome string, duration time.Duration) {
	eventsTotal.WithLabelValues(topic, outcome).Inc()
	handlerDurationSeconds.WithLabelValues(topic).Observe(duration.Seconds())
}

// ObserveDetection counts an error kind surfaced by validation or detection.
func ObserveDetection(kind string) {
	detectionsTotal.WithLabelValues(kind).Inc()
}

// ObservePublish counts a crawl request publish attempt.
func ObservePublish(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	publishTotal.WithLabelValues(result).Inc()
}

// ObserveRedelivery counts a nacked message.
func ObserveRedelivery(topic string) {
	redeliveriesTotal.WithLabelValues(topic).Inc()
}

// SetSubscriptionState marks state as the active one for topic.
func SetSubscriptionState(topic, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		subscriptionState.WithLabelValues(topic, s).Set(v)
	}
}

// IncInFlight increments the in-flight gauge for topic.
func IncInFlight(topic string) {
	inFlightMessages.WithLabelValues(topic).Inc()
}

// DecInFlight decrements the in-flight gauge for topic.
func DecInFlight(topic string) {
	inFlightMessages.WithLabelValues(topic).Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
