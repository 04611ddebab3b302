package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Delivered   *prometheus.CounterVec
	Failed      *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
	BreakerOpen *prometheus.GaugeVec
}

// New registers with reg. A nil reg builds unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardreader_sink_delivered_total",
			Help: "Events delivered to an external sink",
		}, []string{"sink"}),
		Failed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardreader_sink_failures_total",
			Help: "Failed deliveries to an external sink",
		}, []string{"sink"}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardreader_sink_dropped_total",
			Help: "Events never attempted, by sink and reason",
		}, []string{"sink", "reason"}),
		BreakerOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cardreader_sink_breaker_open",
			Help: "1 while the sink circuit breaker is open",
		}, []string{"sink"}),
	}
}

func (m *Metrics) IncrementDelivered(sink string) {
	if m == nil {
		return
	}
	m.Delivered.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncrementFailed(sink string) {
	if m == nil {
		return
	}
	m.Failed.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncrementDropped(sink, reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(sink, reason).Inc()
}

func (m *Metrics) SetBreakerOpen(sink string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerOpen.WithLabelValues(sink).Set(v)
}
