package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Denied            *prometheus.CounterVec
	Degraded          prometheus.Gauge
	ActiveConnections prometheus.Gauge
}

// New registers with reg. A nil reg builds unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Denied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardreader_ratelimit_denied_total",
			Help: "Connection attempts refused by the rate limiter",
		}, []string{"reason"}),
		Degraded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cardreader_ratelimit_degraded",
			Help: "1 while the shared limiter store is unavailable and the in-memory fallback is used",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cardreader_ratelimit_tracked_connections",
			Help: "Open connections counted against per-IP concurrency limits",
		}),
	}
}

func (m *Metrics) IncrementDenied(reason string) {
	if m == nil {
		return
	}
	m.Denied.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.Degraded.Set(1)
		return
	}
	m.Degraded.Set(0)
}

func (m *Metrics) AddConnections(delta int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(float64(delta))
}
