package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Reads           *prometheus.CounterVec
	ReadDuration    prometheus.Histogram
	CardsPresent    prometheus.Gauge
	TransportErrors prometheus.Counter
	PublishErrors   prometheus.Counter
}

// New registers with reg. A nil reg builds unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Reads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardreader_card_reads_total",
			Help: "Card sessions by outcome",
		}, []string{"outcome"}),
		ReadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cardreader_card_read_duration_seconds",
			Help:    "Time from insertion to published record",
			Buckets: []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13},
		}),
		CardsPresent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cardreader_cards_present",
			Help: "Readers currently holding a card",
		}),
		TransportErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardreader_transport_errors_total",
			Help: "Reader transport failures that forced a reconnect",
		}),
		PublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardreader_publish_errors_total",
			Help: "Events that at least one publisher failed to accept",
		}),
	}
}

func (m *Metrics) ObserveRead(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Reads.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.ReadDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) SetCardsPresent(n int) {
	if m == nil {
		return
	}
	m.CardsPresent.Set(float64(n))
}

func (m *Metrics) IncrementTransportErrors() {
	if m == nil {
		return
	}
	m.TransportErrors.Inc()
}

func (m *Metrics) IncrementPublishErrors() {
	if m == nil {
		return
	}
	m.PublishErrors.Inc()
}
