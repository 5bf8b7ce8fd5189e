// Package gate implements AdmissionGate (§4.4): the single atomic choke
// point through which every new connection — inbound or outbound — must
// pass before any TCP work begins, eliminating the check-then-act race
// between concurrent inbound and outbound attempts (§8).
package gate

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// AdmissionGate bounds total active connections by max_connections. The
// steady-state case is backed directly by a weighted semaphore of weight 1
// per connection: TryAcquire/Release already give us exactly
// try_reserve/release. Resize additionally tracks a small amount of "debt"
// so that lowering max_connections converges without forcibly evicting
// existing sessions (§4.7).
type AdmissionGate struct {
	sem *semaphore.Weighted

	mtx     sync.Mutex
	current int64
	debt    int64
}

// semCapacity sizes the semaphore far above any real connection limit. The
// gate itself holds every permit above the current max, so Resize can raise
// the limit by releasing part of that headroom.
const semCapacity = 1 << 30

// New creates a gate bounded by max (must be > 0).
func New(max int) *AdmissionGate {
	sem := semaphore.NewWeighted(semCapacity)
	sem.TryAcquire(semCapacity - int64(max))
	return &AdmissionGate{
		sem:     sem,
		current: int64(max),
	}
}

// TryReserve attempts to reserve one connection slot, returning true iff
// the current count was strictly less than max_connections. Reservation
// must precede any TCP work (§4.4).
func (g *AdmissionGate) TryReserve() bool {
	return g.sem.TryAcquire(1)
}

// Release frees one previously reserved slot. It must be called exactly
// once per successful TryReserve, on every terminal transition of the
// connection that reserved it (§4.4, §8).
//
// If a prior Resize shrank max_connections while slots were in use, a
// retiring Release pays down that debt instead of returning the slot to
// circulation, so the effective ceiling converges downward without ever
// forcibly closing a session.
func (g *AdmissionGate) Release() {
	g.mtx.Lock()
	if g.debt > 0 {
		g.debt--
		g.mtx.Unlock()
		return
	}
	g.mtx.Unlock()
	g.sem.Release(1)
}

// Resize changes max_connections in place for dynamic reconfiguration
// (§4.7). Raising the limit makes the delta immediately available.
// Lowering it retires currently-idle slots right away and marks the
// remainder as debt to be retired by future Release calls; in-flight
// sessions are never forcibly closed.
func (g *AdmissionGate) Resize(newMax int) {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	delta := int64(newMax) - g.current
	switch {
	case delta > 0:
		// Outstanding debt is cancelled first: those sessions' slots
		// stay valid under the higher limit.
		cancelled := delta
		if cancelled > g.debt {
			cancelled = g.debt
		}
		g.debt -= cancelled
		g.sem.Release(delta - cancelled)
		g.current = int64(newMax)
	case delta < 0:
		shrink := -delta
		var acquired int64
		for acquired < shrink && g.sem.TryAcquire(1) {
			acquired++
		}
		g.debt += shrink - acquired
		g.current = int64(newMax)
	}
}
