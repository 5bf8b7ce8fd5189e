package supervisor

import (
	"net"
	"sort"
	"strconv"

	"github.com/bsv-infra/p2pcore/config"
	"github.com/bsv-infra/p2pcore/peerstore"
)

// candidateOutboundPeers returns peers eligible for a new outbound
// initiation, in the preference order pinned by §4.7: Valid before Unknown;
// within each class, oldest status_timestamp first, tie-broken by id for a
// stable order. Banned and Inaccessible peers are never candidates. Peers
// already carrying an active connection are excluded.
func (s *Supervisor) candidateOutboundPeers() []peerstore.Peer {
	if s.netCfg.Mode == config.FixedPeerMode {
		return s.fixedPeerCandidates()
	}

	valid := s.repo.FindByStatus(peerstore.StatusValid)
	unknown := s.repo.FindByStatus(peerstore.StatusUnknown)

	sortByAgeThenID(valid)
	sortByAgeThenID(unknown)

	out := make([]peerstore.Peer, 0, len(valid)+len(unknown))
	out = append(out, valid...)
	out = append(out, unknown...)

	return s.excludeActive(out)
}

func sortByAgeThenID(peers []peerstore.Peer) {
	sort.Slice(peers, func(i, j int) bool {
		if !peers[i].StatusTimestamp.Equal(peers[j].StatusTimestamp) {
			return peers[i].StatusTimestamp.Before(peers[j].StatusTimestamp)
		}
		return peers[i].ID.String() < peers[j].ID.String()
	})
}

func (s *Supervisor) excludeActive(peers []peerstore.Peer) []peerstore.Peer {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	out := make([]peerstore.Peer, 0, len(peers))
	for _, p := range peers {
		if _, active := s.byEndpoint[p.Endpoint.Key()]; active {
			continue
		}
		out = append(out, p)
	}
	return out
}

// fixedPeerCandidates parses NetworkConfig.FixedPeers ("host:port" strings)
// in the order given (§4.6's "Fixed-peer mode bypasses the seeder"): the
// explicit list IS the preference order, rather than the Valid-before-
// Unknown/oldest-timestamp rule that governs seeded discovery. A repository
// record is created on first sight so Banned fixed peers are still honored
// (never dialed again) and status transitions are tracked the same way as
// any other peer.
func (s *Supervisor) fixedPeerCandidates() []peerstore.Peer {
	out := make([]peerstore.Peer, 0, len(s.netCfg.FixedPeers))
	for _, addr := range s.netCfg.FixedPeers {
		ep, ok := parseEndpoint(addr, s.netCfg.DefaultPort)
		if !ok {
			continue
		}
		p, found := s.repo.FindByEndpoint(ep)
		if !found {
			created, err := s.repo.Create(peerstore.Peer{Endpoint: ep})
			if err != nil {
				continue
			}
			p = created
		}
		if p.Status == peerstore.StatusBanned || p.Status == peerstore.StatusInaccessible {
			continue
		}
		out = append(out, p)
	}
	return s.excludeActive(out)
}

func parseEndpoint(addr string, defaultPort uint16) (peerstore.Endpoint, bool) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		portStr = ""
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return peerstore.Endpoint{}, false
	}
	port := defaultPort
	if portStr != "" {
		n, err := strconv.Atoi(portStr)
		if err != nil || n <= 0 || n > 65535 {
			return peerstore.Endpoint{}, false
		}
		port = uint16(n)
	}
	return peerstore.Endpoint{IP: ip, Port: port}, true
}
