// Package metric provides Prometheus metrics for glimmerdb-server.
//
// It exposes metrics in Prometheus format for monitoring connection
// counts, command throughput, latency, blocked waiters, and replication
// state.
package metric

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all application metrics.
type Registry struct {
	registry *prometheus.Registry

	ConnectedClients prometheus.Gauge
	ConnectionsTotal prometheus.Counter

	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	CommandErrors   *prometheus.CounterVec

	BlockedWaiters prometheus.Gauge

	ReplicaCount      prometheus.Gauge
	ReplicationOffset prometheus.Gauge

	RateLimitRejections prometheus.Counter
}

// NewRegistry creates a metrics registry backed by its own
// *prometheus.Registry, registering the Go runtime and process
// collectors alongside the application metrics.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)

	return &Registry{
		registry: reg,

		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "glimmerdb_connected_clients",
			Help: "Number of currently connected clients.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "glimmerdb_connections_total",
			Help: "Total number of client connections accepted.",
		}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "glimmerdb_commands_total",
			Help: "Total number of commands processed, by command name.",
		}, []string{"command"}),
		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "glimmerdb_command_duration_seconds",
			Help:    "Command handling latency in seconds, by command name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		CommandErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "glimmerdb_command_errors_total",
			Help: "Total number of commands that returned an error reply, by command name.",
		}, []string{"command"}),
		BlockedWaiters: factory.NewGauge(prometheus.GaugeOpts{
			Name: "glimmerdb_blocked_waiters",
			Help: "Number of connections currently blocked in BLPOP or XREAD BLOCK.",
		}),
		ReplicaCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "glimmerdb_replica_count",
			Help: "Number of connected replicas.",
		}),
		ReplicationOffset: factory.NewGauge(prometheus.GaugeOpts{
			Name: "glimmerdb_replication_offset_bytes",
			Help: "Master replication offset in bytes.",
		}),
		RateLimitRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "glimmerdb_rate_limit_rejections_total",
			Help: "Total number of commands rejected by the per-connection rate limiter.",
		}),
	}
}

// Register adds a custom collector, such as the KeyspaceCollector in
// collector.go, to the registry.
func (r *Registry) Register(c prometheus.Collector) error {
	return r.registry.Register(c)
}

// Handler returns an HTTP handler serving this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

var (
	globalOnce sync.Once
	global     *Registry
)

// Global returns the process-wide metrics registry, creating it on
// first use.
func Global() *Registry {
	globalOnce.Do(func() {
		global = NewRegistry()
	})
	return global
}

// Handler returns an HTTP handler serving the global registry's metrics.
func Handler() http.Handler {
	return Global().Handler()
}
