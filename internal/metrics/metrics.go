package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purrr_webhook_events_published_total",
			Help: "Total number of events published.",
		},
		[]string{"event_type"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purrr_webhook_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"status"}, // success, failed, exhausted, skipped
	)

	DeliveryLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "purrr_webhook_delivery_latency_seconds",
			Help:    "Receiver response time per delivery attempt.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purrr_webhook_retries_total",
			Help: "Total number of retryable failures by reason.",
		},
		[]string{"reason"}, // timeout, connection_refused, dns_error, network, http_429, http_5xx
	)

	DLQTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "purrr_webhook_dlq_total",
			Help: "Total number of pairs moved to the dead letter queue.",
		},
	)

	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purrr_webhook_breaker_transitions_total",
			Help: "Circuit breaker transitions by target state.",
		},
		[]string{"state"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "purrr_webhook_queue_depth",
			Help: "Delivery tasks waiting in the queue.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsPublishedTotal,
		DeliveriesTotal,
		DeliveryLatencySeconds,
		RetriesTotal,
		DLQTotal,
		BreakerTransitionsTotal,
		QueueDepth,
	)
}

func RecordEventPublished(eventType string) {
	EventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// RecordDelivery counts an outcome. Latency is observed only for attempts
// that made an HTTP call.
func RecordDelivery(status string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	if latency > 0 {
		DeliveryLatencySeconds.WithLabelValues(status).Observe(latency.Seconds())
	}
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDLQ() {
	DLQTotal.Inc()
}

func RecordBreakerTransition(state string) {
	BreakerTransitionsTotal.WithLabelValues(state).Inc()
}

func SetQueueDepth(n int64) {
	QueueDepth.Set(float64(n))
}
