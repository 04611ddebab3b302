package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"cardreader/internal/monitor"
	"cardreader/pkg/platform/httputil"
	"cardreader/pkg/platform/middleware/metadata"
	"cardreader/pkg/platform/middleware/requesttime"
)

// ReaderState reports the card monitor's view of the readers.
type ReaderState interface {
	Readers() []monitor.ReaderInfo
	Connected() bool
}

// SubscriberCounter reports connected websocket subscribers.
type SubscriberCounter interface {
	Count() int
}

// SinkHealth reports whether an external sink is delivering.
type SinkHealth interface {
	Name() string
	Healthy() bool
}

// Deps are the components the router exposes. Metrics may be nil.
type Deps struct {
	Subscribe   http.Handler
	Readers     ReaderState
	Subscribers SubscriberCounter
	Sinks       []SinkHealth
	Metrics     http.Handler
	Logger      *slog.Logger
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status      string               `json:"status"`
	PCSC        bool                 `json:"pcsc_connected"`
	Readers     []monitor.ReaderInfo `json:"readers"`
	Subscribers int                  `json:"subscribers"`
	Sinks       map[string]string    `json:"sinks,omitempty"`
	Time        time.Time            `json:"time"`
}

// NewRouter mounts the websocket endpoint on / and /ws, plus /healthz and
// /metrics.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Log(d.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/", d.Subscribe.ServeHTTP)
	r.Get("/ws", d.Subscribe.ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, health(d, requesttime.Now(req.Context())))
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	return r
}

// health is "ok" when PC/SC is up and every sink delivers, "degraded"
// otherwise. The endpoint answers 200 either way.
func health(d Deps, now time.Time) HealthResponse {
	resp := HealthResponse{
		Status:  "ok",
		Readers: []monitor.ReaderInfo{},
		Time:    now.UTC(),
	}
	if d.Readers != nil {
		resp.PCSC = d.Readers.Connected()
		resp.Readers = d.Readers.Readers()
		if !resp.PCSC {
			resp.Status = "degraded"
		}
	}
	if d.Subscribers != nil {
		resp.Subscribers = d.Subscribers.Count()
	}
	if len(d.Sinks) > 0 {
		resp.Sinks = make(map[string]string, len(d.Sinks))
		for _, s := range d.Sinks {
			state := "ok"
			if !s.Healthy() {
				state = "circuit_open"
				resp.Status = "degraded"
			}
			resp.Sinks[s.Name()] = state
		}
	}
	return resp
}
