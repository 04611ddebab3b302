// Package ratelimit limits websocket connection attempts per client IP with a
// sliding window and caps concurrent connections per IP.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"cardreader/internal/ratelimit/metrics"
	"cardreader/internal/ratelimit/models"
	"cardreader/internal/ratelimit/store/bucket"
	"cardreader/pkg/platform/circuit"
)

const (
	ReasonRate       = "rate"
	ReasonConcurrent = "concurrent"
)

// BucketStore is a sliding-window counter keyed by string.
type BucketStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error)
}

type Config struct {
	RequestsPerWindow   int
	Window              time.Duration
	MaxConnectionsPerIP int
}

// DefaultConfig allows 60 connection attempts per minute and 5 concurrent
// connections from one IP.
func DefaultConfig() Config {
	return Config{RequestsPerWindow: 60, Window: time.Minute, MaxConnectionsPerIP: 5}
}

type Limiter struct {
	cfg      Config
	primary  BucketStore
	fallback *bucket.InMemoryBucketStore
	breaker  *circuit.Breaker
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	conns map[string]int
}

type Option func(*Limiter)

// WithStore sets a shared store such as Redis. Failures fall back to memory.
func WithStore(store BucketStore) Option {
	return func(l *Limiter) {
		l.primary = store
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

func New(cfg Config, opts ...Option) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	l := &Limiter{
		cfg:      cfg,
		fallback: bucket.NewInMemoryBucketStore(),
		breaker:  circuit.New("ratelimit-store"),
		logger:   slog.Default(),
		conns:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckConnect records a connection attempt from ip. A non-positive
// RequestsPerWindow disables the check.
func (l *Limiter) CheckConnect(ctx context.Context, ip string) *models.RateLimitResult {
	if l.cfg.RequestsPerWindow <= 0 {
		return &models.RateLimitResult{Allowed: true}
	}
	key := models.NewConnectKey(ip)
	result := l.check(ctx, key)
	if !result.Allowed {
		l.metrics.IncrementDenied(ReasonRate)
	}
	return result
}

func (l *Limiter) check(ctx context.Context, key string) *models.RateLimitResult {
	if l.primary != nil {
		result, err := l.primary.Allow(ctx, key, l.cfg.RequestsPerWindow, l.cfg.Window)
		if err == nil {
			if _, change := l.breaker.RecordSuccess(); change.Closed {
				l.logger.InfoContext(ctx, "rate limit store recovered")
				l.metrics.SetDegraded(false)
			}
			return result
		}
		if _, change := l.breaker.RecordFailure(); change.Opened {
			l.logger.WarnContext(ctx, "rate limit store unavailable, using in-memory fallback", "error", err)
			l.metrics.SetDegraded(true)
		}
	}
	// The in-memory store cannot fail.
	result, _ := l.fallback.Allow(ctx, key, l.cfg.RequestsPerWindow, l.cfg.Window)
	return result
}

// Acquire reserves a concurrent connection slot for ip. The returned release
// is idempotent. A non-positive MaxConnectionsPerIP disables the cap.
func (l *Limiter) Acquire(ip string) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cfg.MaxConnectionsPerIP > 0 && l.conns[ip] >= l.cfg.MaxConnectionsPerIP {
		l.metrics.IncrementDenied(ReasonConcurrent)
		return func() {}, false
	}
	l.conns[ip]++
	l.metrics.AddConnections(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.conns[ip]--
			if l.conns[ip] <= 0 {
				delete(l.conns, ip)
			}
			l.metrics.AddConnections(-1)
		})
	}, true
}

// Connections returns the open connection count for ip.
func (l *Limiter) Connections(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns[ip]
}

// Degraded reports whether the shared store is bypassed.
func (l *Limiter) Degraded() bool {
	return l.breaker.IsOpen()
}

// Sweep releases memory held by idle fallback buckets.
func (l *Limiter) Sweep() int {
	return l.fallback.Sweep()
}
