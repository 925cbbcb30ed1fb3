package tunnel

import "errors"

var (
	// ErrSessionClosed is the reason given to in-flight exchanges when
	// their session is closed, whether intentionally, by transport loss
	// or by health-check exhaustion.
	ErrSessionClosed = errors.New("tunnel: session closed")

	// ErrSessionEvicted is the reason given to in-flight exchanges when
	// their session is evicted from the registry, either by capacity
	// pressure or by a superseding registration.
	ErrSessionEvicted = errors.New("tunnel: session evicted")

	// ErrSessionSuspended is returned by operations which cannot proceed
	// while the session is parked.
	ErrSessionSuspended = errors.New("tunnel: session suspended")

	// ErrExchangeTimeout marks an exchange which did not resolve before
	// its deadline. It is independent of transport health.
	ErrExchangeTimeout = errors.New("tunnel: exchange deadline exceeded")

	// ErrNotFound is returned when no session holds the requested
	// routing key.
	ErrNotFound = errors.New("tunnel: no such tunnel")

	// ErrKeyTaken is returned when a registration names a routing key
	// held by a live session which is configured as exclusive.
	ErrKeyTaken = errors.New("tunnel: routing key taken")

	// ErrLocalUnreachable marks an exchange which failed because the
	// client could not reach its local server. It never affects session
	// health.
	ErrLocalUnreachable = errors.New("tunnel: local server unreachable")
)
