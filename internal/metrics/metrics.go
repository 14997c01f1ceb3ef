package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"mss/internal/broker"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route pattern, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// BrokerOperations counts gateway calls by operation and outcome
	BrokerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broker_operations_total", Help: "Broker operations by op and outcome."},
		[]string{"op", "outcome"},
	)
	// BrokerLatency tracks gateway call latencies in seconds
	BrokerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "broker_operation_duration_seconds", Help: "Broker operation duration in seconds.", Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5}},
		[]string{"op"},
	)

	// MessagesRouted counts Route calls by outcome (accepted or an error kind)
	MessagesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "messages_routed_total", Help: "Routed messages by outcome."},
		[]string{"outcome"},
	)
	// DeliveriesCounted counts counter increments, one per (message, subscriber)
	DeliveriesCounted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "deliveries_counted_total", Help: "Deliveries recorded in the counter table."},
	)
	// Subscriptions is the number of subscriptions with at least one binding
	Subscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "subscriptions", Help: "Current number of subscriptions."},
	)
	// WatchClients is the number of connected WebSocket watchers
	WatchClients = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "watch_clients", Help: "Connected counter watchers."},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(BrokerOperations)
		Registry.MustRegister(BrokerLatency)
		Registry.MustRegister(MessagesRouted)
		Registry.MustRegister(DeliveriesCounted)
		Registry.MustRegister(Subscriptions)
		Registry.MustRegister(WatchClients)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// ObserveBroker records one gateway call. It matches broker.ObserveFunc.
func ObserveBroker(op broker.Op, err error, took time.Duration) {
	BrokerOperations.WithLabelValues(string(op), broker.Outcome(err)).Inc()
	BrokerLatency.WithLabelValues(string(op)).Observe(took.Seconds())
}
