// Package errs collects the sentinel error kinds shared across the
// connection manager. Call sites wrap these with go-errors/errors when a
// stack trace is useful for diagnosing a failure deep inside an actor.
package errs

import (
	"errors"

	goerrors "github.com/go-errors/errors"
)

// Repository errors (4.1, 7).
var (
	ErrPeerNotFound  = errors.New("peerstore: peer not found")
	ErrDuplicatePeer = errors.New("peerstore: duplicate peer")
	ErrPeerStore     = errors.New("peerstore: corrupt or unreadable store")
)

// Configuration errors (4.2, 7).
var (
	ErrInvalidConfiguration    = errors.New("config: invalid configuration")
	ErrInvalidConnectionLimits = errors.New("config: invalid connection limits")
)

// Connection-lifecycle errors (4.3, 7).
var (
	// ErrHandshakeTimeout fires when handshake_timeout elapses before all
	// four handshake flags are set.
	ErrHandshakeTimeout = errors.New("peer: handshake timed out")

	// ErrBanned wraps a validation failure that must result in the peer
	// being banned: network mismatch, chain mismatch, banned user agent,
	// or protocol-version floor.
	ErrBanned = errors.New("peer: validation failed, peer banned")

	// ErrNetworkFault classifies a fault as network-level (connection
	// reset, broken pipe, EOF, unexpected I/O error) per 4.3's restart
	// policy, as opposed to a non-network fault which never restarts.
	ErrNetworkFault = errors.New("peer: network-level fault")

	// ErrMaxRestarts is returned when the restart-tracking record exceeds
	// max_restarts within restart_window.
	ErrMaxRestarts = errors.New("peer: max restarts exceeded in window")

	// ErrMaxRetries is returned when the backoff schedule exhausts
	// max_retries consecutive attempts.
	ErrMaxRetries = errors.New("peer: max retries exceeded")
)

// Listener errors (4.5, 7).
var (
	ErrListenerBindFailed = errors.New("listener: bind failed")
)

// Event-bus errors (4.8).
var (
	// ErrEventsDropped is the Reason of the EventsDropped control event that
	// tells a subscriber how many events drop-oldest backpressure evicted
	// from its channel. The bus queues that event on the next publish,
	// immediately ahead of the new event and behind whatever the subscriber
	// has not yet read.
	ErrEventsDropped = errors.New("events: subscriber missed events under overflow")
)

// Wrap annotates err with a stack trace via go-errors/errors, preserving
// errors.Is/As compatibility with the sentinels above.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return goerrors.WrapPrefix(err, context, 1)
}
