package publisher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	audit "cardreader/pkg/platform/audit"
)

// ErrBufferFull is returned by Emit in async mode when the queue is saturated.
var ErrBufferFull = errors.New("audit buffer full")

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event audit.Event) error
	ListRecent(ctx context.Context, limit int) ([]audit.Event, error)
}

// Publisher writes audit events to a store and mirrors each one to the
// structured log. In async mode a single worker drains a bounded queue so
// that request and card paths never wait on the store.
type Publisher struct {
	store  Store
	logger *slog.Logger

	queue chan audit.Event
	wg    sync.WaitGroup
	once  sync.Once
	mu    sync.RWMutex
	done  bool
}

type Option func(*Publisher)

// WithAsyncBuffer enables async mode with a queue of size n.
func WithAsyncBuffer(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = make(chan audit.Event, n)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func NewPublisher(store Store, opts ...Option) *Publisher {
	p := &Publisher{store: store}
	for _, opt := range opts {
		opt(p)
	}
	if p.queue != nil {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Emit records the event. A zero timestamp is set to now.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if p == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}
	if event.Severity == "" {
		event.Severity = audit.AuditEvent(event.Action).Severity()
	}
	p.log(ctx, event)

	if p.queue == nil {
		return p.store.Append(ctx, event)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.done {
		return p.store.Append(ctx, event)
	}
	select {
	case p.queue <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBufferFull
	}
}

// List returns up to limit of the most recent events, oldest first.
func (p *Publisher) List(ctx context.Context, limit int) ([]audit.Event, error) {
	return p.store.ListRecent(ctx, limit)
}

// Close stops accepting async events and waits until the queue is drained.
func (p *Publisher) Close() {
	if p == nil || p.queue == nil {
		return
	}
	p.once.Do(func() {
		p.mu.Lock()
		p.done = true
		close(p.queue)
		p.mu.Unlock()
		p.wg.Wait()
	})
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for event := range p.queue {
		if err := p.store.Append(context.Background(), event); err != nil && p.logger != nil {
			p.logger.Error("audit append failed", "action", event.Action, "error", err)
		}
	}
}

func (p *Publisher) log(ctx context.Context, event audit.Event) {
	if p.logger == nil {
		return
	}
	level := slog.LevelInfo
	switch event.Severity {
	case audit.SeverityWarning:
		level = slog.LevelWarn
	case audit.SeverityCritical:
		level = slog.LevelError
	}
	p.logger.Log(ctx, level, "audit",
		"action", event.Action,
		"category", string(event.Category),
		"subject", event.Subject,
		"ip", event.IP,
		"session_id", event.SessionID,
		"subject_hash", event.SubjectIDHash,
		"reason", event.Reason,
	)
}
