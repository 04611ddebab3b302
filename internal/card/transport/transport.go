// Package transport declares the capabilities the card pipeline needs from a
// physical reader stack. Implementations live in sibling packages (pcsc).
package transport

//go:generate mockgen -source=transport.go -destination=mocks/mocks.go -package=mocks Transport,Card

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by WaitForChange when nothing changed in time.
	ErrTimeout = errors.New("transport: wait timed out")
	// ErrNoReaders is returned when no reader is attached.
	ErrNoReaders = errors.New("transport: no readers available")
	// ErrCancelled is returned when a blocking wait was interrupted.
	ErrCancelled = errors.New("transport: wait cancelled")
	// ErrCardRemoved is returned by Transmit when the card left mid-exchange.
	ErrCardRemoved = errors.New("transport: card removed")
)

// ReaderStatus is the last observed state of one reader slot. EventCount is
// opaque to callers and passed back on the next wait.
type ReaderStatus struct {
	Name       string
	Present    bool
	EventCount uint32
	// Generation counts card insertions and removals on the reader. Zero
	// when the platform does not report it.
	Generation uint32
}

// Transport enumerates readers, waits for presence changes and opens cards.
type Transport interface {
	ListReaders(ctx context.Context) ([]string, error)
	// WaitForChange blocks until a reader in known differs from its
	// EventCount, the set of attached readers changes, timeout elapses
	// (ErrTimeout) or ctx ends. Only readers in known are reported; an entry
	// with a zero EventCount is reported with its current state at once.
	// Callers discover new readers with ListReaders.
	WaitForChange(ctx context.Context, known []ReaderStatus, timeout time.Duration) ([]ReaderStatus, error)
	Connect(ctx context.Context, reader string) (Card, error)
	// Release frees the underlying context. The transport is unusable after.
	Release() error
}

// Card is an open connection to an inserted card.
type Card interface {
	// Transmit sends one command APDU and returns the raw response including
	// the trailing status word.
	Transmit(cmd []byte) ([]byte, error)
	Disconnect() error
}

// Factory establishes a fresh transport. The monitor calls it again after a
// transport-level failure.
type Factory func() (Transport, error)
