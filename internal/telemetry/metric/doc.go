// Package metric provides Prometheus metrics for glimmerdb-server.
//
// This package implements metrics collection and exposition:
//
//   - prometheus.go: Prometheus registry and HTTP handler
//   - collector.go: Pull-based collector for keyspace sizes
//
// Metrics include:
//
//   - Command throughput and latency histograms
//   - Connected client and blocked waiter gauges
//   - Replica count and replication offset
//   - Keyspace sizes
//
// Metrics are exposed wherever the server mounts the handler returned
// by Handler(), typically on a dedicated metrics address.
package metric
