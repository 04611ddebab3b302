package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Transports, stores and sinks return
// these (optionally wrapped) so callers can translate them into domain errors.
//
//   - ErrNotFound: entity does not exist in store
//   - ErrUnavailable: device, broker or service temporarily unavailable
//   - ErrClosed: component has been shut down
//   - ErrCircuitOpen: calls are being short-circuited after repeated failures
//
// For decode and validation failures use pkg/domain-errors directly.
var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("unavailable")
	ErrClosed      = errors.New("closed")
	ErrCircuitOpen = errors.New("circuit open")
)
