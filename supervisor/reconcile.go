package supervisor

import (
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/bsv-infra/p2pcore/events"
	"github.com/bsv-infra/p2pcore/peer"
	"github.com/bsv-infra/p2pcore/peerstore"
)

// adopt is the listener.Spawner callback: it registers an accepted actor in
// the active-connection map and starts its goroutine. The listener has
// already reserved (or deliberately not reserved, for the over-capacity
// path) the admission-gate slot before constructing the actor.
func (s *Supervisor) adopt(a *peer.Actor) {
	s.mtx.Lock()
	s.active[a.ID()] = &activeConn{actor: a, endpoint: a.Endpoint()}
	s.byEndpoint[a.Endpoint().Key()] = a.ID()
	count := len(s.active)
	s.mtx.Unlock()

	s.metrics.SetActiveConnections(count)

	go func() {
		<-a.Done()
		s.retire(a.ID())
	}()

	go a.Run()
}

// retire removes a terminated actor from the active-connection map and
// releases its admission-gate slot exactly once (§4.4, §8's "for every TCP
// session, the gate is released exactly once" invariant) — keyed to Done()
// rather than any particular ControlEvent kind, since an outbound actor can
// emit several ConnectionFailed events from its own internal retry loop
// before it actually terminates (see DESIGN.md).
func (s *Supervisor) retire(id uuid.UUID) {
	s.mtx.Lock()
	c, ok := s.active[id]
	if !ok {
		s.mtx.Unlock()
		return
	}
	delete(s.active, id)
	delete(s.byEndpoint, c.endpoint.Key())
	count := len(s.active)
	s.mtx.Unlock()

	// Over-capacity actors never reserved a slot (see adopt).
	if c.actor.Direction() != peer.OverCapacity {
		s.gate.Release()
	}
	s.metrics.SetActiveConnections(count)

	s.reconcileOutbound()
}

// runControlLoop drains the supervisor's own control-bus subscription and
// applies the repository status transitions named in §4.7: HandshakeComplete
// marks Valid, PeerBanned marks Banned and persists immediately, terminal
// failures mark Inaccessible.
func (s *Supervisor) runControlLoop(sub <-chan events.ControlEvent, unsubscribe func()) {
	defer s.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.applyControlEvent(ev)
		}
	}
}

func (s *Supervisor) applyControlEvent(ev events.ControlEvent) {
	s.mtx.Lock()
	c, ok := s.active[ev.PeerID]
	s.mtx.Unlock()
	if !ok {
		return
	}

	switch ev.Kind {
	case events.HandshakeComplete:
		s.markStatus(c, peerstore.StatusValid, peerstore.BanReason{})
	case events.PeerBanned:
		s.markStatus(c, peerstore.StatusBanned, ev.BanReason)
		s.repo.Save()
		s.metrics.RecordBan(banReasonKindName(ev.BanReason))
	case events.ConnectionFailed, events.ConnectionLost:
		// Fires once per failed dial/handshake/session attempt, including
		// attempts an outbound actor is about to retry internally — the
		// peer genuinely is unreachable at this instant, and a later
		// HandshakeComplete flips it back to Valid if the retry succeeds.
		// Gate release and active-map cleanup are handled separately by
		// retire, keyed to Actor.Done() rather than this event, since this
		// event can fire several times before the actor actually
		// terminates (see retire's doc comment).
		s.markStatus(c, peerstore.StatusInaccessible, peerstore.BanReason{})
		s.metrics.HandshakeFailures.Inc()
	case events.InboundRejectedCapacity:
		s.metrics.InboundRejected.Inc()
	}
}

func banReasonKindName(r peerstore.BanReason) string {
	switch r.Kind {
	case peerstore.BanNetworkMismatch:
		return "NetworkMismatch"
	case peerstore.BanChainMismatch:
		return "ChainMismatch"
	case peerstore.BanUserAgent:
		return "BannedUserAgent"
	default:
		return "Unknown"
	}
}

func (s *Supervisor) markStatus(c *activeConn, status peerstore.Status, ban peerstore.BanReason) {
	repoID, p, ok := s.resolveRepoPeer(c)
	if !ok {
		return
	}
	p.Status = status
	p.BanReason = ban
	if status == peerstore.StatusValid {
		p.LastSuccess = time.Now()
	}
	if err := s.repo.Update(p); err != nil {
		return
	}

	s.mtx.Lock()
	c.repoID = repoID
	c.hasRepoID = true
	s.mtx.Unlock()
}

// resolveRepoPeer finds the repository record backing an active connection.
// Outbound actors are constructed with the repo peer's own id as their
// actor id, so the lookup is direct. Accepted actors (inbound/over-capacity)
// carry a synthetic id assigned by the listener; their first status-
// affecting event resolves (or creates) the backing repository record by
// endpoint instead.
func (s *Supervisor) resolveRepoPeer(c *activeConn) (uuid.UUID, peerstore.Peer, bool) {
	if c.hasRepoID {
		p, err := s.repo.Read(c.repoID)
		if err == nil {
			return c.repoID, p, true
		}
	}
	if p, found := s.repo.FindByEndpoint(c.endpoint); found {
		return p.ID, p, true
	}
	if p, err := s.repo.Read(c.actor.ID()); err == nil {
		return p.ID, p, true
	}
	created, err := s.repo.Create(peerstore.Peer{Endpoint: c.endpoint})
	if err != nil {
		return uuid.Nil, peerstore.Peer{}, false
	}
	return created.ID, created, true
}

// reconcileOutbound initiates as many outbound connections as needed to
// reach target_connections, paced by MaxOutboundDialRate (§4.2's
// supplement) and bounded by the admission gate.
func (s *Supervisor) reconcileOutbound() {
	s.mtx.Lock()
	active := len(s.active)
	s.mtx.Unlock()

	deficit := s.netCfg.TargetConnections - active
	if deficit <= 0 {
		return
	}

	candidates := s.candidateOutboundPeers()
	for i := 0; i < deficit && i < len(candidates); i++ {
		if !s.dialLimiter.Allow() {
			break
		}
		if !s.gate.TryReserve() {
			break
		}
		s.initiateOutbound(candidates[i])
	}
}

func (s *Supervisor) initiateOutbound(p peerstore.Peer) {
	a := peer.New(peer.Options{
		ID:               p.ID,
		Endpoint:         p.Endpoint,
		Direction:        peer.Outbound,
		NetworkConfig:    s.netCfg,
		ConnectionConfig: s.connCfg,
		Magic:            s.magic,
		Dialer:           s.dialer,
		ControlBus:       s.controlBus,
		MsgBus:           s.msgBus,
		Metrics:          s.metrics,
		Log:              s.peerLog,
	})

	s.mtx.Lock()
	s.active[a.ID()] = &activeConn{actor: a, endpoint: p.Endpoint, repoID: p.ID, hasRepoID: true}
	s.byEndpoint[p.Endpoint.Key()] = a.ID()
	count := len(s.active)
	s.mtx.Unlock()

	s.metrics.SetActiveConnections(count)

	go func() {
		<-a.Done()
		s.retire(a.ID())
	}()

	go a.Run()
}

// runPeriodicTasks drives the two timers named in §4.7 that are not already
// owned by a collaborator (seeder owns its own hourly tick): a 5-minute
// repository snapshot, and a reconcile tick that re-attempts outbound
// initiation whenever new Valid/Unknown candidates appear between events
// (e.g. freshly seeded peers) without waiting on a ConnectionFailed/Lost.
func (s *Supervisor) runPeriodicTasks() {
	defer s.wg.Done()

	snapshot := ticker.New(snapshotInterval)
	snapshot.Resume()
	defer snapshot.Stop()

	reconcile := ticker.New(reconcileInterval)
	reconcile.Resume()
	defer reconcile.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-snapshot.Ticks():
			s.repo.Save()
		case <-reconcile.Ticks():
			s.reconcileOutbound()
		}
	}
}
