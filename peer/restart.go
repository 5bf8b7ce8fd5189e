package peer

import (
	"errors"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// restartTracker implements the restart-window bookkeeping of §4.3: a
// count of network-fault restarts within a sliding window, reset when the
// window lapses.
type restartTracker struct {
	count       int
	windowStart time.Time
}

// record registers one restart at time now, re-anchoring the window if it
// has lapsed. Returns true if the restart budget (maxRestarts within
// window) is now exceeded.
func (r *restartTracker) record(now time.Time, window time.Duration, max int) bool {
	if r.windowStart.IsZero() || now.Sub(r.windowStart) > window {
		r.windowStart = now
		r.count = 0
	}
	r.count++
	return r.count > max
}

// isNetworkFault classifies an error as network-level (connection reset,
// broken pipe, EOF, unexpected I/O error) vs a non-network/protocol fault,
// per §4.3's restart-policy distinction. Protocol-level decode errors
// (*wire.MessageError, produced on magic mismatch or malformed frames)
// are explicitly NOT network faults — they never trigger a restart.
func isNetworkFault(err error) bool {
	if err == nil {
		return false
	}
	var wireErr *wire.MessageError
	if errors.As(err, &wireErr) {
		return false
	}
	// Anything else reaching here — connection reset, broken pipe, EOF,
	// a deadline exceeded mid-read — is a network-level fault (§4.3).
	return true
}
