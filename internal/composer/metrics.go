package composer

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	recompositions prometheus.Counter
	duration       prometheus.Histogram
	feedErrors     *prometheus.CounterVec
	memberFeeds    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		recompositions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "installcore",
			Subsystem: "composer",
			Name:      "recompositions_total",
			Help:      "Full recompositions published.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "installcore",
			Subsystem: "composer",
			Name:      "recomposition_duration_seconds",
			Help:      "Time spent joining and aggregating one set of snapshots.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		feedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "installcore",
			Subsystem: "composer",
			Name:      "subscription_errors_total",
			Help:      "Subscription failures by collection.",
		}, []string{"collection"}),
		memberFeeds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "installcore",
			Subsystem: "composer",
			Name:      "member_feeds",
			Help:      "Open per-team member subscriptions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.recompositions, m.duration, m.feedErrors, m.memberFeeds)
	}
	return m
}
