package sinks

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exports store operation announcements as Prometheus metrics:
// a gauge of currently active operations and a counter partitioned by
// operation kind.
type PrometheusSink struct {
	active     prometheus.Gauge
	operations *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlcache_store_operations_active",
			Help: "Number of store operations currently in flight.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlcache_store_operations_total",
			Help: "Store operations started, partitioned by operation kind.",
		}, []string{"operation"}),
	}
	for _, collector := range []prometheus.Collector{s.active, s.operations} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Notify updates the collectors; subscribe it with Broadcaster.Subscribe. It
// is safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Notify(active bool, label string) {
	if active {
		s.active.Inc()
		s.operations.WithLabelValues(operationKind(label)).Inc()
		return
	}
	s.active.Dec()
}

// operationKind reduces a human-readable label like "Caching data for
// https://a.test..." to a low-cardinality metric label.
func operationKind(label string) string {
	word, _, _ := strings.Cut(strings.TrimSpace(label), " ")
	word = strings.TrimSuffix(word, "...")
	if word == "" {
		return "unknown"
	}
	return strings.ToLower(word)
}
