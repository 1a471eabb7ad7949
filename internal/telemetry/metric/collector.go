package metric

import "github.com/prometheus/client_golang/prometheus"

// StatsSource reports keyspace sizes at scrape time. internal/store's
// engines satisfy this by exposing Size() int.
type StatsSource interface {
	Size() int
}

var keysDesc = prometheus.NewDesc(
	"glimmerdb_keys",
	"Number of keys held, by keyspace.",
	[]string{"keyspace"},
	nil,
)

// KeyspaceCollector is a pull-based prometheus.Collector that reports
// the current size of each registered keyspace at scrape time, rather
// than requiring callers to keep a gauge in sync on every write.
type KeyspaceCollector struct {
	sources map[string]StatsSource
}

// NewKeyspaceCollector builds a collector over the given keyspace name
// to store mapping (e.g. "strings", "lists", "streams").
func NewKeyspaceCollector(sources map[string]StatsSource) *KeyspaceCollector {
	return &KeyspaceCollector{sources: sources}
}

// Describe implements prometheus.Collector.
func (c *KeyspaceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- keysDesc
}

// Collect implements prometheus.Collector.
func (c *KeyspaceCollector) Collect(ch chan<- prometheus.Metric) {
	for keyspace, src := range c.sources {
		ch <- prometheus.MustNewConstMetric(keysDesc, prometheus.GaugeValue, float64(src.Size()), keyspace)
	}
}
