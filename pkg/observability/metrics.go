package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leavebot_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leavebot_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	webhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leavebot_webhook_events_total",
			Help: "Total number of work-item lifecycle webhook events",
		},
		[]string{"type", "outcome"},
	)

	proactiveDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leavebot_proactive_deliveries_total",
			Help: "Total number of proactive delivery attempts",
		},
		[]string{"status"},
	)

	ticketOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leavebot_ticket_operations_total",
			Help: "Total number of ticketing backend calls",
		},
		[]string{"operation", "status"},
	)

	storeConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "leavebot_refstore_connected",
			Help: "Whether the durable reference-store tier is connected (1) or in cache-only mode (0)",
		},
	)

	initMetricsOnce sync.Once
)

// InitMetrics registers all collectors with the default registry.
func InitMetrics() {
	initMetricsOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			webhookEventsTotal,
			proactiveDeliveriesTotal,
			ticketOperationsTotal,
			storeConnected,
		)
	})
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request with its duration.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordWebhookEvent records a lifecycle webhook event and its outcome
// (handled, skipped, error).
func RecordWebhookEvent(eventType, outcome string) {
	webhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordProactiveDelivery records a resume-and-send attempt.
func RecordProactiveDelivery(status string) {
	proactiveDeliveriesTotal.WithLabelValues(status).Inc()
}

// RecordTicketOperation records a ticketing backend call.
func RecordTicketOperation(operation, status string) {
	ticketOperationsTotal.WithLabelValues(operation, status).Inc()
}

// SetStoreConnected reflects the reference store's durable-tier state.
func SetStoreConnected(connected bool) {
	if connected {
		storeConnected.Set(1)
	} else {
		storeConnected.Set(0)
	}
}
