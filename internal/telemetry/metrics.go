package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsPublished     = prometheus.NewCounter(prometheus.CounterOpts{Name: "events_published_total", Help: "Events accepted and persisted"})
	EventsSkipped       = prometheus.NewCounter(prometheus.CounterOpts{Name: "events_skipped_total", Help: "Events with no matching processors"})
	DeliveriesCreated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "deliveries_created_total", Help: "Delivery records created"})
	DeliveriesCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "deliveries_completed_total", Help: "Deliveries that reached completed"})
	DeliveriesFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "deliveries_failed_total", Help: "Deliveries that exhausted their attempts"})
	AttemptsRecorded    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "delivery_attempts_total", Help: "Delivery attempts by outcome"}, []string{"status"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_rate_limit_rejects_total", Help: "Publishes rejected by the rate limiter"})
	QueueDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_queue_depth", Help: "Ready task queue depth"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_inflight", Help: "Tasks currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsPublished,
			EventsSkipped,
			DeliveriesCreated,
			DeliveriesCompleted,
			DeliveriesFailed,
			AttemptsRecorded,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
