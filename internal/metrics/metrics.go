// Package metrics owns the Prometheus registry for the ingestion daemon. Operators watch
// the outcome counters to track the drop rate.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aqua"

// Registry wraps a private Prometheus registry and the ingestion metrics.
type Registry struct {
	reg *prometheus.Registry

	received      prometheus.Counter
	outcomes      *prometheus.CounterVec
	queueOverflow prometheus.Counter
	connected     prometheus.Gauge
	reconnects    prometheus.Counter
}

// New creates a registry with the ingestion metrics plus Go runtime and process collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_received_total",
			Help:      "Messages received from the broker.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "outcomes_total",
			Help:      "Processed messages by outcome.",
		}, []string{"outcome"}),
		queueOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "queue_overflow_total",
			Help:      "Messages dropped because the dispatch queue was full.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "connected",
			Help:      "1 while the broker connection is up and subscribed.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "reconnects_total",
			Help:      "Broker connections re-established after a loss.",
		}),
	}

	for _, outcome := range []string{"stored", "malformed", "unknown_sensor", "storage_error"} {
		r.outcomes.WithLabelValues(outcome)
	}

	reg.MustRegister(
		r.received,
		r.outcomes,
		r.queueOverflow,
		r.connected,
		r.reconnects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registerer exposes the registry for components that register their own collectors.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.reg
}

// Gatherer exposes the registry for scraping and tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// RecordOutcome counts one processed message.
func (r *Registry) RecordOutcome(outcome string) {
	r.outcomes.WithLabelValues(outcome).Inc()
}

// MessageReceived counts one inbound broker message.
func (r *Registry) MessageReceived() {
	r.received.Inc()
}

// QueueOverflow counts one message dropped at dispatch.
func (r *Registry) QueueOverflow() {
	r.queueOverflow.Inc()
}

// SetConnected records the listener connection state.
func (r *Registry) SetConnected(up bool) {
	if up {
		r.connected.Set(1)
		return
	}
	r.connected.Set(0)
}

// Reconnected counts one re-established broker connection.
func (r *Registry) Reconnected() {
	r.reconnects.Inc()
}
