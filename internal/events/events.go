// Package events connects the card monitor to everything that consumes card
// events: the subscriber broadcaster, external sinks and in-process listeners.
package events

import (
	"context"
	"errors"
	"sync"

	"cardreader/internal/card/models"
)

// Publisher receives card events. Implementations must not block on slow
// consumers; the monitor calls Publish from its only goroutine.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev models.Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev models.Event) error { return f(ctx, ev) }

// Fanout publishes to every member and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev models.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Channel delivers events to an in-process consumer such as a local display.
// Events are dropped, never queued without bound, when the consumer lags.
type Channel struct {
	mu      sync.Mutex
	ch      chan models.Event
	closed  bool
	dropped int
}

func NewChannel(buffer int) *Channel {
	return &Channel{ch: make(chan models.Event, buffer)}
}

// C returns the receive side. It is closed by Close.
func (c *Channel) C() <-chan models.Event { return c.ch }

func (c *Channel) Publish(_ context.Context, ev models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.ch <- ev:
	default:
		c.dropped++
	}
	return nil
}

// Dropped returns how many events the consumer missed.
func (c *Channel) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}
