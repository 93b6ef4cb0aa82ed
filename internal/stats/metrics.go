package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"movelog/internal/replica"
	"movelog/internal/store"
)

// Metrics mirrors the latest cache into gauges. Observe is meant to be
// registered with replica.Engine.Observe.
type Metrics struct {
	movements *prometheus.GaugeVec
	accounts  *prometheus.GaugeVec
	messages  prometheus.Gauge
	versions  *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		movements: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "movelog",
			Name:      "movements",
			Help:      "Movement records in the local view, by kind.",
		}, []string{"kind"}),
		accounts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "movelog",
			Name:      "accounts",
			Help:      "Accounts in the local view, by state.",
		}, []string{"state"}),
		messages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "movelog",
			Name:      "messages",
			Help:      "Messages in the local view.",
		}),
		versions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "movelog",
			Name:      "snapshot_version",
			Help:      "Store version of the last applied snapshot, by collection.",
		}, []string{"collection"}),
	}
	reg.MustRegister(m.movements, m.accounts, m.messages, m.versions)
	return m
}

func (m *Metrics) Observe(c *replica.Cache) {
	report := Compute(c)
	m.movements.WithLabelValues(string(store.KindReceive)).Set(float64(report.Summary.Receive))
	m.movements.WithLabelValues(string(store.KindDeliver)).Set(float64(report.Summary.Deliver))
	m.accounts.WithLabelValues("active").Set(float64(report.Summary.ActiveAccounts))
	m.accounts.WithLabelValues("suspended").Set(float64(report.Summary.Accounts - report.Summary.ActiveAccounts))
	m.messages.Set(float64(report.Summary.Messages))
	for _, coll := range store.Collections {
		m.versions.WithLabelValues(string(coll)).Set(float64(c.Version(coll)))
	}
}
