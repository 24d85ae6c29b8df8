// Package obsmetrics implements ports.MetricsSink. Sink is a plain
// in-process counter map in the teacher's texture (no metrics library
// anywhere in the teacher's own stack — config.Config just carries
// EnableMetrics/MetricsPort for an external scraper to point at).
// PrometheusSink decorates Sink with real counter/gauge vectors using
// github.com/prometheus/client_golang, the metrics stack the
// certenIO-certen-validator repo in the retrieval pack wires into its
// validator core, for deployments that want a real /metrics endpoint.
package obsmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the default in-process ports.MetricsSink: one counter per
// distinct event name, with the fields of the most recent occurrence
// retained for inspection.
type Sink struct {
	mu     sync.Mutex
	counts map[string]int
	last   map[string]map[string]interface{}
}

// NewSink builds an empty in-process metrics sink.
func NewSink() *Sink {
	return &Sink{
		counts: make(map[string]int),
		last:   make(map[string]map[string]interface{}),
	}
}

func (s *Sink) Record(event string, fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[event]++
	s.last[event] = fields
}

func (s *Sink) Get() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]interface{}, len(s.counts))
	for event, n := range s.counts {
		out[event] = map[string]interface{}{
			"count":       n,
			"last_fields": s.last[event],
		}
	}
	return out
}

// PrometheusSink wraps a Sink with a prometheus.CounterVec so events are
// also exposed on a real /metrics endpoint, keyed by event name.
type PrometheusSink struct {
	*Sink
	counter *prometheus.CounterVec
}

// NewPrometheusSink registers a "matchcore_events_total" counter vector
// on reg (pass prometheus.DefaultRegisterer in production).
func NewPrometheusSink(reg prometheus.Registerer, namespace string) *PrometheusSink {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "matchcore_events_total",
		Help:      "Count of match coordination core events by name.",
	}, []string{"event"})
	reg.MustRegister(counter)

	return &PrometheusSink{Sink: NewSink(), counter: counter}
}

func (p *PrometheusSink) Record(event string, fields map[string]interface{}) {
	p.Sink.Record(event, fields)
	p.counter.WithLabelValues(event).Inc()
}
