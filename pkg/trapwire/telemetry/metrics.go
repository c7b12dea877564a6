package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fsociety/trapwire/pkg/trapwire/event"
)

// Metrics exposes the prometheus instrumentation for the pipeline.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsTotal  *prometheus.CounterVec
	EventsTotal       *prometheus.CounterVec
	VerdictsTotal     *prometheus.CounterVec
	ActionsTotal      *prometheus.CounterVec
	PublishDropsTotal prometheus.Counter
	OffenderCount     prometheus.Gauge
	ActiveDecoys      prometheus.Gauge
}

// NewMetrics creates the metric set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trapwire",
			Name:      "connections_total",
			Help:      "Connections accepted by decoy services",
		}, []string{"service"}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trapwire",
			Name:      "events_published_total",
			Help:      "Telemetry records published, by type",
		}, []string{"type"}),
		VerdictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trapwire",
			Name:      "verdicts_total",
			Help:      "Containment verdicts produced, by reason",
		}, []string{"reason"}),
		ActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trapwire",
			Name:      "actions_total",
			Help:      "Remediation actions recorded, by outcome",
		}, []string{"outcome"}),
		PublishDropsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "trapwire",
			Name:      "publish_drops_total",
			Help:      "Telemetry records dropped by full subscribers",
		}),
		OffenderCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "trapwire",
			Name:      "offenders",
			Help:      "Offender identities currently tracked by the aggregator",
		}),
		ActiveDecoys: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "trapwire",
			Name:      "active_decoys",
			Help:      "Decoy services currently listening",
		}),
	}
}

// Publish implements Publisher, counting records by type so the metric sink
// can sit on the fan-out like any other subscriber.
func (m *Metrics) Publish(rec Record) {
	m.EventsTotal.WithLabelValues(rec.Type).Inc()
	switch data := rec.Data.(type) {
	case event.ConnectionEvent:
		m.ConnectionsTotal.WithLabelValues(string(data.Service)).Inc()
	case event.Verdict:
		m.VerdictsTotal.WithLabelValues(data.Kind.String()).Inc()
	case event.LedgerEntry:
		m.ActionsTotal.WithLabelValues(data.Outcome.String()).Inc()
	}
}

// Handler returns the scrape handler for the metric registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
