// Package broadcast fans card events out to authenticated websocket
// subscribers.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cardreader/internal/broadcast/metrics"
	"cardreader/internal/card/models"
	dErrors "cardreader/pkg/domain-errors"
	audit "cardreader/pkg/platform/audit"
	"cardreader/pkg/platform/privacy"
	"cardreader/pkg/platform/sentinel"
)

type Config struct {
	QueueSize       int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	ReplayLastState bool
}

func DefaultConfig() Config {
	return Config{QueueSize: 16, WriteTimeout: 10 * time.Second, PingInterval: 30 * time.Second}
}

// AuditEmitter records audit events.
type AuditEmitter interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Broadcaster keeps the subscriber set. Broadcast renders the payload once
// and offers the same bytes to every subscriber.
type Broadcaster struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   AuditEmitter

	mu     sync.RWMutex
	subs   map[string]*Subscriber
	last   map[string][]byte // reader -> current CardInserted payload
	closed bool
}

type Option func(*Broadcaster)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Broadcaster) {
		b.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) {
		b.metrics = m
	}
}

func WithAudit(a AuditEmitter) Option {
	return func(b *Broadcaster) {
		b.audit = a
	}
}

func New(cfg Config, opts ...Option) *Broadcaster {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	b := &Broadcaster{
		cfg:    cfg,
		logger: slog.Default(),
		subs:   make(map[string]*Subscriber),
		last:   make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SubscriberMeta describes an admitted connection.
type SubscriberMeta struct {
	IP        string
	Principal Principal
	OnClose   func()
}

// Subscribe registers an upgraded connection and starts its pumps.
func (b *Broadcaster) Subscribe(conn *websocket.Conn, meta SubscriberMeta) (*Subscriber, error) {
	sub := newSubscriber(uuid.NewString(), conn, b.cfg.QueueSize, b.logger)
	sub.IP = meta.IP
	sub.Principal = meta.Principal
	release := meta.OnClose
	sub.onClose = func(s *Subscriber, reason string) {
		b.remove(s, reason)
		if release != nil {
			release()
		}
	}
	if err := b.register(sub); err != nil {
		_ = conn.Close()
		if release != nil {
			release()
		}
		return nil, err
	}

	go sub.writePump(b.cfg.WriteTimeout, b.cfg.PingInterval)
	go sub.readPump(2 * b.cfg.PingInterval)
	return sub, nil
}

func (b *Broadcaster) register(sub *Subscriber) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return dErrors.Wrap(sentinel.ErrClosed, dErrors.CodeInternal, "broadcaster closed")
	}
	b.subs[sub.ID] = sub
	n := len(b.subs)
	var replay [][]byte
	if b.cfg.ReplayLastState {
		for _, p := range b.last {
			replay = append(replay, p)
		}
	}
	b.mu.Unlock()

	b.metrics.SetSubscribers(n)
	b.logger.Info("subscriber connected",
		"subscriber_id", sub.ID,
		"ip", privacy.AnonymizeIP(sub.IP),
		"auth", sub.Principal.Method,
		"subscribers", n,
	)
	b.emit(audit.EventConnectionOpened, sub, "")

	for _, p := range replay {
		sub.enqueue(p)
	}
	return nil
}

func (b *Broadcaster) remove(sub *Subscriber, reason string) {
	b.mu.Lock()
	_, ok := b.subs[sub.ID]
	delete(b.subs, sub.ID)
	n := len(b.subs)
	b.mu.Unlock()
	if !ok {
		return
	}

	b.metrics.SetSubscribers(n)
	if reason != ReasonClientClosed {
		b.metrics.IncrementDropped(reason)
	}
	b.logger.Info("subscriber disconnected", "subscriber_id", sub.ID, "reason", reason, "subscribers", n)
	if reason == ReasonOverflow {
		b.emit(audit.EventSubscriberDropped, sub, reason)
		return
	}
	b.emit(audit.EventConnectionClosed, sub, reason)
}

// Publish implements events.Publisher.
func (b *Broadcaster) Publish(ctx context.Context, ev models.Event) error {
	return b.Broadcast(ctx, ev)
}

// Broadcast offers the event to every subscriber. A subscriber whose queue
// is full is disconnected; that is not an error for the caller.
func (b *Broadcaster) Broadcast(ctx context.Context, ev models.Event) error {
	payload, err := ev.Payload()
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "render event payload")
	}

	b.mu.Lock()
	if ev.Kind == models.CardInserted {
		b.last[ev.Reader] = payload
	} else {
		delete(b.last, ev.Reader)
	}
	snapshot := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		snapshot = append(snapshot, s)
	}
	b.mu.Unlock()

	var overflowed []*Subscriber
	for _, s := range snapshot {
		if !s.enqueue(payload) {
			overflowed = append(overflowed, s)
		}
	}
	for _, s := range overflowed {
		b.logger.WarnContext(ctx, "subscriber queue full, disconnecting",
			"subscriber_id", s.ID,
			"error", dErrors.New(dErrors.CodeSubscriberOverflow, "queue full"),
		)
		s.Close(ReasonOverflow)
	}

	b.metrics.IncrementBroadcasts(ev.Kind.Mode())
	b.logger.DebugContext(ctx, "event broadcast",
		"mode", ev.Kind.Mode(),
		"reader", ev.Reader,
		"delivered", len(snapshot)-len(overflowed),
		"dropped", len(overflowed),
	)
	return nil
}

// Count returns the number of connected subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close disconnects every subscriber and refuses new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	snapshot := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		snapshot = append(snapshot, s)
	}
	b.mu.Unlock()

	for _, s := range snapshot {
		s.Close(ReasonShutdown)
	}
}

func (b *Broadcaster) emit(action audit.AuditEvent, sub *Subscriber, reason string) {
	if b.audit == nil {
		return
	}
	ev := audit.NewEvent(action, sub.ID)
	ev.IP = privacy.AnonymizeIP(sub.IP)
	ev.Reason = reason
	if err := b.audit.Emit(context.Background(), ev); err != nil {
		b.logger.Debug("audit emit failed", "action", action, "error", err)
	}
}
