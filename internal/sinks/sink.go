// Package sinks forwards card events to external systems. Every network sink
// runs behind Async so a slow or unreachable broker never stalls the monitor.
package sinks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cardreader/internal/card/models"
	"cardreader/internal/sinks/metrics"
	"cardreader/pkg/platform/circuit"
	"cardreader/pkg/platform/sentinel"
)

const (
	DropQueueFull   = "queue_full"
	DropCircuitOpen = "circuit_open"
	DropClosed      = "closed"
	DropRender      = "render_failed"
)

// Sink delivers one rendered event. Send may block; Async bounds it.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev models.Event, payload []byte) error
	Close() error
}

type item struct {
	ev      models.Event
	payload []byte
}

// Async puts a Sink behind a bounded queue drained by one worker. Deliveries
// are short-circuited while the breaker is open; after Cooldown the next
// event is attempted as a probe.
type Async struct {
	sink     Sink
	logger   *slog.Logger
	metrics  *metrics.Metrics
	breaker  *circuit.Breaker
	timeout  time.Duration
	cooldown time.Duration
	now      func() time.Time

	queue chan item
	wg    sync.WaitGroup

	mu         sync.RWMutex
	closed     bool
	lastFailed time.Time
}

type AsyncOption func(*Async)

func WithQueueSize(n int) AsyncOption {
	return func(a *Async) {
		if n > 0 {
			a.queue = make(chan item, n)
		}
	}
}

// WithSendTimeout bounds a single delivery.
func WithSendTimeout(d time.Duration) AsyncOption {
	return func(a *Async) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithBreaker sets how many consecutive failures open the breaker and how
// long it stays open before a probe.
func WithBreaker(failures int, cooldown time.Duration) AsyncOption {
	return func(a *Async) {
		a.breaker = circuit.New(a.sink.Name(),
			circuit.WithFailureThreshold(failures),
			circuit.WithSuccessThreshold(1),
		)
		if cooldown > 0 {
			a.cooldown = cooldown
		}
	}
}

func WithLogger(logger *slog.Logger) AsyncOption {
	return func(a *Async) {
		a.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) AsyncOption {
	return func(a *Async) {
		a.metrics = m
	}
}

// NewAsync starts the worker. Defaults: queue 64, send timeout 5s, breaker
// opens after 3 failures with a 30s cooldown.
func NewAsync(sink Sink, opts ...AsyncOption) *Async {
	a := &Async{
		sink:     sink,
		logger:   slog.Default(),
		timeout:  5 * time.Second,
		cooldown: 30 * time.Second,
		now:      time.Now,
		queue:    make(chan item, 64),
	}
	a.breaker = circuit.New(sink.Name(),
		circuit.WithFailureThreshold(3),
		circuit.WithSuccessThreshold(1),
	)
	for _, opt := range opts {
		opt(a)
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) Name() string { return a.sink.Name() }

// Publish renders the event and enqueues it without blocking.
func (a *Async) Publish(ctx context.Context, ev models.Event) error {
	payload, err := ev.Payload()
	if err != nil {
		a.metrics.IncrementDropped(a.Name(), DropRender)
		return fmt.Errorf("sink %s: render payload: %w", a.Name(), err)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.metrics.IncrementDropped(a.Name(), DropClosed)
		return fmt.Errorf("sink %s: %w", a.Name(), sentinel.ErrClosed)
	}
	select {
	case a.queue <- item{ev: ev, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		a.metrics.IncrementDropped(a.Name(), DropQueueFull)
		return fmt.Errorf("sink %s: queue full: %w", a.Name(), sentinel.ErrUnavailable)
	}
}

// Close stops intake, drains what is queued (bounded by ctx) and closes the
// sink.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		a.logger.Warn("sink drain interrupted", "sink", a.Name(), "pending", len(a.queue))
	}
	return a.sink.Close()
}

// Healthy reports whether the breaker is closed.
func (a *Async) Healthy() bool {
	return !a.breaker.IsOpen()
}

func (a *Async) run() {
	defer a.wg.Done()
	for it := range a.queue {
		a.deliver(it)
	}
}

func (a *Async) deliver(it item) {
	name := a.Name()
	if a.breaker.IsOpen() && a.now().Sub(a.failedAt()) < a.cooldown {
		a.metrics.IncrementDropped(name, DropCircuitOpen)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	err := a.sink.Send(ctx, it.ev, it.payload)
	cancel()

	if err != nil {
		a.mu.Lock()
		a.lastFailed = a.now()
		a.mu.Unlock()
		a.metrics.IncrementFailed(name)
		_, change := a.breaker.RecordFailure()
		if change.Opened {
			a.metrics.SetBreakerOpen(name, true)
			a.logger.Error("sink circuit opened", "sink", name, "error", err)
			return
		}
		a.logger.Warn("sink delivery failed",
			"sink", name,
			"mode", it.ev.Kind.Mode(),
			"reader", it.ev.Reader,
			"error", err,
		)
		return
	}

	a.metrics.IncrementDelivered(name)
	if _, change := a.breaker.RecordSuccess(); change.Closed {
		a.metrics.SetBreakerOpen(name, false)
		a.logger.Info("sink circuit closed", "sink", name)
	}
}

func (a *Async) failedAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastFailed
}
