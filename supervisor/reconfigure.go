package supervisor

import (
	"fmt"

	"golang.org/x/time/rate"

	"github.com/bsv-infra/p2pcore/config"
)

// UpdateNetworkConfig applies a validated NetworkConfig change in place
// (§4.7, §9's "Dynamic reconfiguration"): max_connections changes resize
// the admission gate without forcibly closing sessions, and a changed
// listener address triggers a stop-and-rebind (itself non-fatal on bind
// failure).
func (s *Supervisor) UpdateNetworkConfig(netCfg config.NetworkConfig) error {
	if err := netCfg.Validate(); err != nil {
		return fmt.Errorf("supervisor: reject config update: %w", err)
	}

	prev := s.netCfg
	s.netCfg = netCfg

	if netCfg.MaxConnections != prev.MaxConnections {
		s.gate.Resize(netCfg.MaxConnections)
	}

	if netCfg.Listener != prev.Listener {
		if err := s.listener.Rebind(netCfg); err != nil {
			s.log.Errorf("supervisor: listener rebind failed: %v", err)
		}
	}

	s.reconcileOutbound()
	return nil
}

// UpdateConnectionConfig validates and propagates a new ConnectionConfig to
// every currently active actor (§4.7). Applying the same config twice is a
// no-op after the first application, since each Actor.UpdateConfig replaces
// rather than queues.
func (s *Supervisor) UpdateConnectionConfig(connCfg config.ConnectionConfig) error {
	if err := connCfg.Validate(); err != nil {
		return fmt.Errorf("supervisor: reject config update: %w", err)
	}

	s.connCfg = connCfg
	s.dialLimiter.SetLimit(rate.Limit(connCfg.MaxOutboundDialRate))

	s.mtx.Lock()
	actors := make([]*activeConn, 0, len(s.active))
	for _, c := range s.active {
		actors = append(actors, c)
	}
	s.mtx.Unlock()

	for _, c := range actors {
		c.actor.UpdateConfig(connCfg)
	}
	return nil
}
