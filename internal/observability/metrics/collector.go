package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// field maps one value of a snapshot to a metric.
type field[T any] struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(T) float64
}

// snapshotCollector reports fields read from a bound snapshot function at
// scrape time. Until something is bound it reports nothing.
type snapshotCollector[T any] struct {
	mu     sync.RWMutex
	source func() T
	fields []field[T]
}

func (c *snapshotCollector[T]) add(subsystem, name, help string, kind prometheus.ValueType, value func(T) float64) {
	c.fields = append(c.fields, field[T]{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(Namespace, subsystem, name), help, nil, nil),
		kind:  kind,
		value: value,
	})
}

func (c *snapshotCollector[T]) bind(source func() T) {
	c.mu.Lock()
	c.source = source
	c.mu.Unlock()
}

func (c *snapshotCollector[T]) describe(ch chan<- *prometheus.Desc) {
	for _, f := range c.fields {
		ch <- f.desc
	}
}

func (c *snapshotCollector[T]) collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	source := c.source
	c.mu.RUnlock()
	if source == nil {
		return
	}
	snap := source()
	for _, f := range c.fields {
		ch <- prometheus.MustNewConstMetric(f.desc, f.kind, f.value(snap))
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
