// Package pcsc implements the card transport on top of the platform PC/SC
// stack (pcsclite on Linux/macOS, WinSCard on Windows).
package pcsc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ebfe/scard"

	"cardreader/internal/card/transport"
	"cardreader/pkg/platform/sentinel"
)

// pnpReader is the pseudo reader pcsclite and WinSCard use to signal reader
// attach/detach through GetStatusChange.
const pnpReader = `\\?PnP?\Notification`

// Transport is a PC/SC context. It is not safe for concurrent use except for
// cancelling a pending wait, which happens through the context passed to it.
type Transport struct {
	ctx      *scard.Context
	logger   *slog.Logger
	noPnP    bool
	pnpState scard.StateFlag
}

// New establishes a PC/SC context.
func New(logger *slog.Logger) (*Transport, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establish pcsc context: %w", mapErr(err))
	}
	return &Transport{ctx: ctx, logger: logger}, nil
}

// Factory adapts New to transport.Factory.
func Factory(logger *slog.Logger) transport.Factory {
	return func() (transport.Transport, error) {
		return New(logger)
	}
}

func (t *Transport) ListReaders(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok, err := t.ctx.IsValid(); !ok || err != nil {
		return nil, fmt.Errorf("pcsc context invalid: %w", sentinel.ErrUnavailable)
	}
	readers, err := t.ctx.ListReaders()
	if err != nil {
		return nil, mapErr(err)
	}
	if len(readers) == 0 {
		return nil, transport.ErrNoReaders
	}
	return readers, nil
}

func (t *Transport) WaitForChange(ctx context.Context, known []transport.ReaderStatus, timeout time.Duration) ([]transport.ReaderStatus, error) {
	states := make([]scard.ReaderState, 0, len(known)+1)
	for _, k := range known {
		current := scard.StateUnaware
		if k.EventCount != 0 {
			current = scard.StateFlag(k.EventCount) &^ scard.StateChanged
		}
		states = append(states, scard.ReaderState{Reader: k.Name, CurrentState: current})
	}
	if !t.noPnP {
		states = append(states, scard.ReaderState{Reader: pnpReader, CurrentState: t.pnpState})
	}
	if len(states) == 0 {
		return nil, transport.ErrNoReaders
	}

	stop := context.AfterFunc(ctx, func() {
		if err := t.ctx.Cancel(); err != nil {
			t.logger.Debug("pcsc cancel failed", "error", err)
		}
	})
	defer stop()

	err := t.ctx.GetStatusChange(states, timeout)
	if errors.Is(err, scard.ErrUnknownReader) && !t.noPnP {
		// Some pcsclite builds reject the PnP pseudo reader.
		t.logger.Debug("pcsc pnp notifications unsupported")
		t.noPnP = true
		states = states[:len(states)-1]
		if len(states) == 0 {
			return nil, transport.ErrNoReaders
		}
		err = t.ctx.GetStatusChange(states, timeout)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, mapErr(err)
	}

	out := make([]transport.ReaderStatus, 0, len(known))
	for _, rs := range states {
		if rs.Reader == pnpReader {
			t.pnpState = rs.EventState &^ scard.StateChanged
			continue
		}
		if rs.EventState&(scard.StateUnknown|scard.StateIgnore) != 0 {
			continue
		}
		out = append(out, status(rs))
	}
	return out, nil
}

// status converts a reader state. The high word of the event state is the
// reader's card event counter on pcsclite and WinSCard.
func status(rs scard.ReaderState) transport.ReaderStatus {
	return transport.ReaderStatus{
		Name:       rs.Reader,
		Present:    rs.EventState&scard.StatePresent != 0 && rs.EventState&scard.StateMute == 0,
		EventCount: uint32(rs.EventState),
		Generation: uint32(rs.EventState) >> 16,
	}
}

func (t *Transport) Connect(ctx context.Context, reader string) (transport.Card, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	card, err := t.ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", reader, mapErr(err))
	}
	return &Card{card: card}, nil
}

func (t *Transport) Release() error {
	return mapErr(t.ctx.Release())
}

// Card wraps an scard connection.
type Card struct {
	card *scard.Card
}

func (c *Card) Transmit(cmd []byte) ([]byte, error) {
	resp, err := c.card.Transmit(cmd)
	if err != nil {
		return nil, mapErr(err)
	}
	return resp, nil
}

func (c *Card) Disconnect() error {
	err := c.card.Disconnect(scard.LeaveCard)
	if errors.Is(err, scard.ErrRemovedCard) || errors.Is(err, scard.ErrInvalidHandle) {
		return nil
	}
	return mapErr(err)
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, scard.ErrTimeout):
		return transport.ErrTimeout
	case errors.Is(err, scard.ErrNoReadersAvailable), errors.Is(err, scard.ErrUnknownReader):
		return fmt.Errorf("%w: %v", transport.ErrNoReaders, err)
	case errors.Is(err, scard.ErrCancelled):
		return transport.ErrCancelled
	case errors.Is(err, scard.ErrRemovedCard), errors.Is(err, scard.ErrNoSmartcard):
		return fmt.Errorf("%w: %v", transport.ErrCardRemoved, err)
	case errors.Is(err, scard.ErrNoService), errors.Is(err, scard.ErrServiceStopped):
		return fmt.Errorf("%w: %v", sentinel.ErrUnavailable, err)
	default:
		return err
	}
}
