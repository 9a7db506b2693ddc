// Package metrics exposes the Handler Runtime's Prometheus metrics: per
// handler lag, error-policy outcomes, resubscription counts, and
// consistency-registry wait latency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HandlerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventhandler_handler_lag",
			Help: "Difference between the global position of the event a handler is processing and its last acknowledged position",
		},
		[]string{"application", "handler_name"},
	)

	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhandler_events_processed_total",
			Help: "Total number of events a handler confirmed receipt of",
		},
		[]string{"application", "handler_name"},
	)

	ErrorOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhandler_error_outcomes_total",
			Help: "Total number of error-policy decisions by kind",
		},
		[]string{"application", "handler_name", "decision"},
	)

	ResubscribesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhandler_resubscribes_total",
			Help: "Total number of times a handler resubscribed to its durable subscription",
		},
		[]string{"application", "handler_name"},
	)

	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhandler_supervisor_restarts_total",
			Help: "Total number of times the supervisor restarted a crashed handler agent",
		},
		[]string{"application", "handler_name"},
	)

	HandleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventhandler_handle_duration_seconds",
			Help:    "Time taken by a single handle callback invocation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"application", "handler_name"},
	)

	RegistryWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventhandler_registry_wait_duration_seconds",
			Help:    "Time a strong-consistency caller spent blocked in wait_for",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"application", "handler_name"},
	)
)

func init() {
	prometheus.MustRegister(HandlerLag)
	prometheus.MustRegister(EventsProcessedTotal)
	prometheus.MustRegister(ErrorOutcomesTotal)
	prometheus.MustRegister(ResubscribesTotal)
	prometheus.MustRegister(RestartsTotal)
	prometheus.MustRegister(HandleDuration)
	prometheus.MustRegister(RegistryWaitDuration)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall-clock time for a single operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Observer) {
	histogram.Observe(time.Since(t.start).Seconds())
}
