package supervisor

import (
	"github.com/bsv-infra/p2pcore/config"
	"github.com/bsv-infra/p2pcore/peerstore"
)

// SnapshotResult answers the read-only query described in §4.7's
// Supplement: peer counts by status, the current active-connection count,
// and the config presently in effect. Consumed by tests and by
// cmd/p2pcored's status line.
type SnapshotResult struct {
	Counts  map[peerstore.Status]int
	Active  int
	NetCfg  config.NetworkConfig
	ConnCfg config.ConnectionConfig
}

type snapshotQuery struct {
	resp chan SnapshotResult
}

// Snapshot performs the read-only query via the supervisor's single
// query-handling goroutine (the `queries chan interface{}` pattern
// generalized from server.go's queryHandler/listPeersMsg). The
// active-connection map is still read under s.mtx, since the control loop
// and the actor-retirement goroutines change it too; once the supervisor is
// shutting down, the snapshot is taken on the caller's goroutine instead.
func (s *Supervisor) Snapshot() SnapshotResult {
	q := snapshotQuery{resp: make(chan SnapshotResult, 1)}
	select {
	case s.queries <- &q:
	case <-s.ctx.Done():
		return s.snapshotNow()
	}
	select {
	case r := <-q.resp:
		return r
	case <-s.ctx.Done():
		return s.snapshotNow()
	}
}

func (s *Supervisor) runQueryLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case query := <-s.queries:
			switch q := query.(type) {
			case *snapshotQuery:
				q.resp <- s.snapshotNow()
			}
		}
	}
}

func (s *Supervisor) snapshotNow() SnapshotResult {
	counts := map[peerstore.Status]int{
		peerstore.StatusUnknown:     s.repo.CountByStatus(peerstore.StatusUnknown),
		peerstore.StatusValid:       s.repo.CountByStatus(peerstore.StatusValid),
		peerstore.StatusInaccessible: s.repo.CountByStatus(peerstore.StatusInaccessible),
		peerstore.StatusBanned:      s.repo.CountByStatus(peerstore.StatusBanned),
	}

	s.mtx.Lock()
	active := len(s.active)
	s.mtx.Unlock()

	return SnapshotResult{
		Counts:  counts,
		Active:  active,
		NetCfg:  s.netCfg,
		ConnCfg: s.connCfg,
	}
}
