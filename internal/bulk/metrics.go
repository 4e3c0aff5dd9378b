package bulk

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts resolved rows by mode and outcome.
type Metrics struct {
	rows *prometheus.CounterVec
}

// NewMetrics registers the bulk counters with reg. A nil registerer leaves the
// collectors unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "installcore",
			Subsystem: "bulk",
			Name:      "rows_total",
			Help:      "Bulk match rows by mode and outcome.",
		}, []string{"mode", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.rows)
	}
	return m
}

// Collector exposes the underlying counter for registration or inspection.
func (m *Metrics) Collector() *prometheus.CounterVec { return m.rows }

func (m *Metrics) observe(mode Mode, outcome Outcome) {
	if m == nil {
		return
	}
	m.rows.WithLabelValues(string(mode), string(outcome)).Inc()
}
