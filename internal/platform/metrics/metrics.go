package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the process collectors and the build info gauge. Domain
// packages register their own metrics against Registerer().
type Registry struct {
	reg *prometheus.Registry
}

// New creates a registry with Go runtime and process collectors.
func New(version string) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name:        "cardreader_build_info",
		Help:        "Build information",
		ConstLabels: prometheus.Labels{"version": version},
	}).Set(1)
	return &Registry{reg: reg}
}

func (r *Registry) Registerer() prometheus.Registerer { return r.reg }

func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
