package listener

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bsv-infra/p2pcore/config"
	"github.com/bsv-infra/p2pcore/events"
	"github.com/bsv-infra/p2pcore/gate"
	"github.com/bsv-infra/p2pcore/peer"
	"github.com/bsv-infra/p2pcore/peerstore"
)

type noActive struct{}

func (noActive) IsActive(peerstore.Endpoint) bool { return false }

type allActive struct{}

func (allActive) IsActive(peerstore.Endpoint) bool { return true }

type spawnRecorder struct {
	mtx   sync.Mutex
	actors []*peer.Actor
}

func (s *spawnRecorder) spawn(a *peer.Actor) {
	s.mtx.Lock()
	s.actors = append(s.actors, a)
	s.mtx.Unlock()
	go a.Run()
}

func (s *spawnRecorder) len() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.actors)
}

func newTestListener(t *testing.T, g *gate.AdmissionGate, repo peerstore.Repository, active ActiveChecker, rec *spawnRecorder) *Listener {
	t.Helper()
	netCfg := config.DefaultNetworkConfig(config.Regtest)
	netCfg.Listener = config.ListenerConfig{Enabled: true, BindIP: "127.0.0.1", BindPort: 0}

	return New(Options{
		NetworkConfig:    netCfg,
		ConnectionConfig: config.DefaultConnectionConfig(),
		Magic:            uint32(config.MagicRegtest),
		Repository:       repo,
		Gate:             g,
		Active:           active,
		Spawn:            rec.spawn,
		ControlBus:       events.NewControlBus(),
		MsgBus:           events.NewMessageBus(),
	})
}

func TestAcceptedConnectionSpawnsInboundActorWithinCapacity(t *testing.T) {
	g := gate.New(4)
	repo := peerstore.NewStore("")
	rec := &spawnRecorder{}
	l := newTestListener(t, g, repo, noActive{}, rec)

	require.NoError(t, l.Start())
	defer l.Stop()

	addr := waitForAddr(t, l)
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, peer.Inbound, rec.actors[0].Direction())
}

func TestAcceptedConnectionOverCapacityBecomesOverCapacityActor(t *testing.T) {
	g := gate.New(1)
	require.True(t, g.TryReserve()) // saturate the gate up front

	repo := peerstore.NewStore("")
	rec := &spawnRecorder{}
	l := newTestListener(t, g, repo, noActive{}, rec)

	require.NoError(t, l.Start())
	defer l.Stop()

	addr := waitForAddr(t, l)
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, peer.OverCapacity, rec.actors[0].Direction())
}

func TestAcceptedConnectionWithActiveEndpointIsClosed(t *testing.T) {
	g := gate.New(4)
	repo := peerstore.NewStore("")
	rec := &spawnRecorder{}
	l := newTestListener(t, g, repo, allActive{}, rec)

	require.NoError(t, l.Start())
	defer l.Stop()

	addr := waitForAddr(t, l)
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, rec.len())
}

func waitForAddr(t *testing.T, l *Listener) string {
	t.Helper()
	require.Eventually(t, func() bool {
		l.mtx.Lock()
		defer l.mtx.Unlock()
		return l.ln != nil
	}, time.Second, 5*time.Millisecond)
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.ln.Addr().String()
}
