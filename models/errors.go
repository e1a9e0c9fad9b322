package models

import "errors"

// Shared error taxonomy. Adapters translate vendor-specific failures into
// these sentinels and wrap them with fmt.Errorf("...: %w", ...) so callers
// can branch with errors.Is regardless of which venue produced the failure.
var (
	// ErrAuthentication indicates missing or invalid credentials for a
	// trading or private-data call.
	ErrAuthentication = errors.New("authentication required")

	// ErrMarketNotFound indicates a market lookup yielded zero results.
	ErrMarketNotFound = errors.New("market not found")

	// ErrEventNotFound indicates an event lookup yielded zero results.
	ErrEventNotFound = errors.New("event not found")

	// ErrInvalidOrder indicates order parameters were rejected by venue
	// rules (e.g. cancelling an irrevocable pari-mutuel bet).
	ErrInvalidOrder = errors.New("invalid order parameters")

	// ErrInsufficientFunds indicates the account balance cannot cover the order.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNetwork indicates a transport-level failure.
	ErrNetwork = errors.New("network error")

	// ErrExchangeNotAvailable indicates the vendor endpoint is unreachable
	// or the feature is categorically unsupported by the venue.
	ErrExchangeNotAvailable = errors.New("exchange not available")

	// ErrNotSupported indicates an optional capability the adapter does not
	// implement. Compliance-style callers treat this as a skip, not a failure.
	ErrNotSupported = errors.New("not supported")

	// ErrBadRequest is the fall-through for vendor errors with no more
	// specific mapping; the original message is preserved in the wrap.
	ErrBadRequest = errors.New("bad request")

	// ErrClosed is delivered to every pending watcher when a realtime
	// channel is torn down.
	ErrClosed = errors.New("watch channel closed")
)
