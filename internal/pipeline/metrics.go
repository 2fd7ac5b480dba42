package pipeline

import (
	"sync/atomic"
)

// Metrics contains per-pipeline metrics counters.
type Metrics struct {
	Name string

	// Packet counters (using atomic for thread-safety)
	Received   atomic.Uint64
	Dispatched atomic.Uint64
	Dropped    atomic.Uint64
	Processed  atomic.Uint64
}

// NewMetrics creates a new metrics instance.
func NewMetrics(name string) *Metrics {
	return &Metrics{Name: name}
}

// Reset resets all counters to zero.
func (m *Metrics) Reset() {
	m.Received.Store(0)
	m.Dispatched.Store(0)
	m.Dropped.Store(0)
	m.Processed.Store(0)
}
