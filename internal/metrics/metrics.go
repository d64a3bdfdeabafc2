package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the engine.
	Registry = prometheus.NewRegistry()

	// HTTPRequests counts admin API requests by method, path and status.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)

	// Deliveries counts webhook delivery attempts by event type and outcome.
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook delivery attempts by event type and status."},
		[]string{"event_type", "status"},
	)
	// DeliveryLatency tracks attempt latencies in milliseconds.
	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_latency_ms",
			Help:    "Webhook delivery latency in ms.",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"event_type", "status"},
	)
)

var regOnce sync.Once

// Register installs all collectors on the registry. Safe to call more than
// once.
func Register() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(Deliveries)
		Registry.MustRegister(DeliveryLatency)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}
