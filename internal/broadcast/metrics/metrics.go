package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Subscribers prometheus.Gauge
	Broadcasts  *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
	Refused     *prometheus.CounterVec
}

// New registers with reg. A nil reg builds unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cardreader_subscribers",
			Help: "Connected websocket subscribers",
		}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardreader_broadcasts_total",
			Help: "Events fanned out to subscribers, by mode",
		}, []string{"mode"}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardreader_subscribers_dropped_total",
			Help: "Subscribers disconnected by the server, by reason",
		}, []string{"reason"}),
		Refused: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardreader_connections_refused_total",
			Help: "Websocket connections refused before upgrade, by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

func (m *Metrics) IncrementBroadcasts(mode string) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(mode).Inc()
}

func (m *Metrics) IncrementDropped(reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncrementRefused(reason string) {
	if m == nil {
		return
	}
	m.Refused.WithLabelValues(reason).Inc()
}
