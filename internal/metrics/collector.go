package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DatapathSnapshot is a point-in-time copy of datapath counters.
type DatapathSnapshot struct {
	Hit        uint64
	Missed     uint64
	Lost       uint64
	Frags      uint64
	Invalid    uint64
	Flows      uint64
	Buckets    uint64
	MaxBuckets uint64
}

// DatapathCollector exports datapath counters that are kept sharded in the
// datapath itself and summed on scrape.
type DatapathCollector struct {
	name     string
	snapshot func() DatapathSnapshot

	packets    *prometheus.Desc
	flows      *prometheus.Desc
	buckets    *prometheus.Desc
	maxBuckets *prometheus.Desc
}

// NewDatapathCollector returns a collector reading from snapshot.
func NewDatapathCollector(name string, snapshot func() DatapathSnapshot) *DatapathCollector {
	labels := prometheus.Labels{"datapath": name}
	return &DatapathCollector{
		name:     name,
		snapshot: snapshot,
		packets: prometheus.NewDesc("flowpath_datapath_packets_total",
			"Packets handled by the datapath, by outcome", []string{"result"}, labels),
		flows: prometheus.NewDesc("flowpath_datapath_flows",
			"Flows currently installed", nil, labels),
		buckets: prometheus.NewDesc("flowpath_datapath_buckets",
			"Buckets in the current flow table generation", nil, labels),
		maxBuckets: prometheus.NewDesc("flowpath_datapath_max_buckets",
			"Configured bucket limit", nil, labels),
	}
}

// Describe implements prometheus.Collector.
func (c *DatapathCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packets
	ch <- c.flows
	ch <- c.buckets
	ch <- c.maxBuckets
}

// Collect implements prometheus.Collector.
func (c *DatapathCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	for result, v := range map[string]uint64{
		"hit":     s.Hit,
		"missed":  s.Missed,
		"lost":    s.Lost,
		"frags":   s.Frags,
		"invalid": s.Invalid,
	} {
		ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue, float64(v), result)
	}
	ch <- prometheus.MustNewConstMetric(c.flows, prometheus.GaugeValue, float64(s.Flows))
	ch <- prometheus.MustNewConstMetric(c.buckets, prometheus.GaugeValue, float64(s.Buckets))
	ch <- prometheus.MustNewConstMetric(c.maxBuckets, prometheus.GaugeValue, float64(s.MaxBuckets))
}
