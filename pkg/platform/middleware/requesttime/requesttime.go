// Package requesttime stamps each request with its arrival time and logs the
// request once it completes.
package requesttime

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"cardreader/pkg/platform/middleware/metadata"
)

type contextKeyTime struct{}

// Middleware stores the arrival time in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithTime(r.Context(), time.Now())))
	})
}

// Now returns the request arrival time, or the current time outside a request.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(contextKeyTime{}).(time.Time); ok {
		return t
	}
	return time.Now()
}

func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, contextKeyTime{}, t)
}

// Log writes one line per request. Upgraded websocket requests are logged
// when the upgrade handler returns, which is when the subscription is set up.
func Log(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			ctx := r.Context()
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelDebug
			if status >= http.StatusBadRequest {
				level = slog.LevelInfo
			}
			logger.Log(ctx, level, "http request",
				"request_id", middleware.GetReqID(ctx),
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"ip", metadata.GetClientIP(ctx),
				"duration", time.Since(Now(ctx)),
			)
		})
	}
}
