package broadcast

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"cardreader/internal/ratelimit/models"
	dErrors "cardreader/pkg/domain-errors"
	audit "cardreader/pkg/platform/audit"
	"cardreader/pkg/platform/httputil"
	"cardreader/pkg/platform/middleware/metadata"
	"cardreader/pkg/platform/privacy"
)

// ConnectionLimiter admits connection attempts per client IP.
type ConnectionLimiter interface {
	CheckConnect(ctx context.Context, ip string) *models.RateLimitResult
	Acquire(ip string) (release func(), ok bool)
}

// Handler performs admission (origin, rate limit, credential) and upgrades
// admitted requests to websocket subscribers.
type Handler struct {
	broadcaster *Broadcaster
	auth        *Authenticator
	limiter     ConnectionLimiter
	origins     []string
	upgrader    websocket.Upgrader
	logger      *slog.Logger
	audit       AuditEmitter
}

type HandlerOption func(*Handler)

func WithLimiter(l ConnectionLimiter) HandlerOption {
	return func(h *Handler) {
		h.limiter = l
	}
}

// WithAllowedOrigins restricts browser origins. "*" allows any.
func WithAllowedOrigins(origins []string) HandlerOption {
	return func(h *Handler) {
		h.origins = origins
	}
}

func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

func WithHandlerAudit(a AuditEmitter) HandlerOption {
	return func(h *Handler) {
		h.audit = a
	}
}

func NewHandler(b *Broadcaster, auth *Authenticator, opts ...HandlerOption) *Handler {
	h := &Handler{
		broadcaster: b,
		auth:        auth,
		logger:      slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Origin is checked before the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := metadata.GetClientIP(ctx)
	if ip == "" {
		ip = metadata.ClientIPFromRequest(r)
	}

	if !h.originAllowed(r.Header.Get("Origin")) {
		h.refuse(ctx, w, ip, audit.EventOriginRejected, "origin",
			dErrors.New(dErrors.CodeForbidden, "origin not allowed"))
		return
	}

	if h.limiter != nil {
		if res := h.limiter.CheckConnect(ctx, ip); !res.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
			h.refuse(ctx, w, ip, audit.EventRateLimitExceeded, "rate",
				dErrors.New(dErrors.CodeRateLimited, "too many connection attempts"))
			return
		}
	}

	principal, err := h.auth.Authenticate(r)
	if err != nil {
		h.refuse(ctx, w, ip, audit.EventAuthFailure, "auth", err)
		return
	}
	if h.auth.Enabled() {
		ev := audit.NewEvent(audit.EventAuthSuccess, principal.Subject)
		ev.IP = privacy.AnonymizeIP(ip)
		ev.Reason = principal.Method
		h.emit(ctx, ev)
	}

	release := func() {}
	if h.limiter != nil {
		var ok bool
		release, ok = h.limiter.Acquire(ip)
		if !ok {
			h.refuse(ctx, w, ip, audit.EventRateLimitExceeded, "concurrent",
				dErrors.New(dErrors.CodeRateLimited, "too many open connections"))
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		release()
		// Upgrade has already written the HTTP error.
		h.logger.DebugContext(ctx, "websocket upgrade failed", "error", err)
		return
	}
	if _, err := h.broadcaster.Subscribe(conn, SubscriberMeta{IP: ip, Principal: principal, OnClose: release}); err != nil {
		h.logger.WarnContext(ctx, "subscribe failed", "error", err)
	}
}

func (h *Handler) originAllowed(origin string) bool {
	if len(h.origins) == 0 || origin == "" || slices.Contains(h.origins, "*") {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.origins {
		if strings.EqualFold(strings.TrimRight(allowed, "/"), origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

func (h *Handler) refuse(ctx context.Context, w http.ResponseWriter, ip string, action audit.AuditEvent, reason string, err error) {
	h.broadcaster.metrics.IncrementRefused(reason)
	h.logger.WarnContext(ctx, "websocket connection refused",
		"reason", reason,
		"ip", privacy.AnonymizeIP(ip),
		"error", err,
	)
	ev := audit.NewEvent(action, "")
	ev.IP = privacy.AnonymizeIP(ip)
	ev.Reason = err.Error()
	h.emit(ctx, ev)
	httputil.WriteError(w, err)
}

func (h *Handler) emit(ctx context.Context, ev audit.Event) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Emit(ctx, ev); err != nil {
		h.logger.DebugContext(ctx, "audit emit failed", "action", ev.Action, "error", err)
	}
}
