// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ark-network/ark-core/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Agent bus metrics
	BusMessagesTotal           *prometheus.CounterVec
	OrchestratorStageDuration  *prometheus.HistogramVec

	// Federation metrics
	FederationSyncTotal       *prometheus.CounterVec
	FederationSyncDuration    *prometheus.HistogramVec
	FederationConflictsTotal  *prometheus.CounterVec
	FederationPeersReachable  prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Agent bus metrics
		BusMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_messages_total",
				Help: "Total number of agent bus messages published, by kind",
			},
			[]string{"service", "kind", "from"},
		),
		OrchestratorStageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_stage_duration_seconds",
				Help:    "Pipeline stage duration in seconds",
				Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"service", "stage", "status"},
		),

		// Federation metrics
		FederationSyncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_sync_total",
				Help: "Total number of federation sync attempts, by outcome",
			},
			[]string{"service", "peer_id", "status"},
		),
		FederationSyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "federation_sync_duration_seconds",
				Help:    "Federation sync round-trip duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"service", "peer_id"},
		),
		FederationConflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_conflicts_total",
				Help: "Total number of lattice node conflicts resolved during sync",
			},
			[]string{"service", "peer_id"},
		),
		FederationPeersReachable: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "federation_peers_reachable",
				Help: "Current number of reachable federation peers",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.BusMessagesTotal,
			m.OrchestratorStageDuration,
			m.FederationSyncTotal,
			m.FederationSyncDuration,
			m.FederationConflictsTotal,
			m.FederationPeersReachable,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordBusMessage records one published agent bus message.
func (m *Metrics) RecordBusMessage(service, kind, from string) {
	m.BusMessagesTotal.WithLabelValues(service, kind, from).Inc()
}

// RecordStageDuration records one orchestrator pipeline stage's duration.
func (m *Metrics) RecordStageDuration(service, stage, status string, duration time.Duration) {
	m.OrchestratorStageDuration.WithLabelValues(service, stage, status).Observe(duration.Seconds())
}

// RecordFederationSync records one federation sync attempt's outcome,
// duration, and any conflicts it resolved.
func (m *Metrics) RecordFederationSync(service, peerID, status string, duration time.Duration, conflicts int) {
	m.FederationSyncTotal.WithLabelValues(service, peerID, status).Inc()
	m.FederationSyncDuration.WithLabelValues(service, peerID).Observe(duration.Seconds())
	if conflicts > 0 {
		m.FederationConflictsTotal.WithLabelValues(service, peerID).Add(float64(conflicts))
	}
}

// SetFederationPeersReachable sets the current count of reachable peers.
func (m *Metrics) SetFederationPeersReachable(count int) {
	m.FederationPeersReachable.Set(float64(count))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
