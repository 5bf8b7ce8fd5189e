// Package supervisor implements the Supervisor orchestrator (§4.7): the
// top-level task that loads the peer repository, brings up the listener and
// seeder, initiates outbound connections toward target_connections,
// reconciles peer-repository state from the actors' control-event stream,
// and answers read-only status queries. Grounded on lnd's server.go: the
// newPeers/donePeers hand-off, the queryHandler/queries-channel pattern
// (connectPeerMsg/listPeersMsg generalized into this package's query
// types), and the Start/Stop lifecycle shape are kept; the HTLC/channel
// domain is replaced by the handshake/ban/restart domain this spec governs.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bsv-infra/p2pcore/config"
	"github.com/bsv-infra/p2pcore/events"
	"github.com/bsv-infra/p2pcore/gate"
	"github.com/bsv-infra/p2pcore/listener"
	"github.com/bsv-infra/p2pcore/metrics"
	"github.com/bsv-infra/p2pcore/peer"
	"github.com/bsv-infra/p2pcore/peerstore"
	"github.com/bsv-infra/p2pcore/seed"
)

const (
	snapshotInterval  = 5 * time.Minute
	reconcileInterval = time.Second
)

// activeConn tracks one live ConnectionActor's bookkeeping. repoID is the
// peerstore.Peer this connection is tracked against. For outbound actors it
// is assigned up front (the actor's own id IS the repo id); for accepted
// actors (inbound/over-capacity) it is resolved lazily on the first status-
// affecting control event, since the listener constructs actors with a
// fresh identity it cannot look up in the repository itself (writes there
// are supervisor-only, per §5).
type activeConn struct {
	actor     *peer.Actor
	endpoint  peerstore.Endpoint
	repoID    uuid.UUID
	hasRepoID bool
}

// Supervisor is the top-level orchestrator described in §4.7.
type Supervisor struct {
	netCfg  config.NetworkConfig
	connCfg config.ConnectionConfig
	magic   uint32

	repo    peerstore.Repository
	gate    *gate.AdmissionGate
	dialer  peer.Dialer
	metrics *metrics.Collectors
	log     btclog.Logger
	peerLog btclog.Logger

	controlBus *events.ControlBus
	msgBus     *events.MessageBus

	listener *listener.Listener
	seeder   *seed.Seeder

	dialLimiter *rate.Limiter

	mtx        sync.Mutex
	active     map[uuid.UUID]*activeConn // keyed by actor.ID()
	byEndpoint map[string]uuid.UUID      // endpoint key -> actor.ID()

	queries chan interface{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Options bundles Supervisor's construction-time collaborators.
type Options struct {
	NetworkConfig    config.NetworkConfig
	ConnectionConfig config.ConnectionConfig

	// Repository, when non-nil, is used as-is (tests inject a fresh
	// peerstore.NewStore("")). When nil, Start loads it from
	// NetworkConfig.PeerFile via peerstore.Load.
	Repository peerstore.Repository

	Dialer  peer.Dialer
	Metrics *metrics.Collectors

	// Log is the supervisor's own subsystem logger. PeerLog, ListenerLog,
	// and SeedLog let a caller (cmd/p2pcored) give each collaborator its
	// own subsystem tag; any left nil falls back to Log.
	Log         btclog.Logger
	PeerLog     btclog.Logger
	ListenerLog btclog.Logger
	SeedLog     btclog.Logger

	// Resolver overrides the seeder's DNS resolver; tests inject a stub.
	Resolver seed.Resolver
}

// New validates the supplied configuration and constructs a Supervisor.
// Call Start to bring it up.
func New(opts Options) (*Supervisor, error) {
	if err := opts.NetworkConfig.Validate(); err != nil {
		return nil, err
	}
	if err := opts.ConnectionConfig.Validate(); err != nil {
		return nil, err
	}

	magic, err := config.MagicFor(opts.NetworkConfig.Network)
	if err != nil {
		return nil, err
	}

	log := opts.Log
	if log == nil {
		log = btclog.Disabled
	}
	peerLog := opts.PeerLog
	if peerLog == nil {
		peerLog = log
	}
	listenerLog := opts.ListenerLog
	if listenerLog == nil {
		listenerLog = log
	}
	seedLog := opts.SeedLog
	if seedLog == nil {
		seedLog = log
	}
	mcs := opts.Metrics
	if mcs == nil {
		mcs = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Supervisor{
		netCfg:      opts.NetworkConfig,
		connCfg:     opts.ConnectionConfig,
		magic:       uint32(magic),
		repo:        opts.Repository,
		gate:        gate.New(opts.NetworkConfig.MaxConnections),
		dialer:      opts.Dialer,
		metrics:     mcs,
		log:         log,
		peerLog:     peerLog,
		controlBus:  events.NewControlBus(),
		msgBus:      events.NewMessageBus(),
		dialLimiter: rate.NewLimiter(rate.Limit(opts.ConnectionConfig.MaxOutboundDialRate), 1),
		active:      make(map[uuid.UUID]*activeConn),
		byEndpoint:  make(map[string]uuid.UUID),
		queries:     make(chan interface{}),
		ctx:         ctx,
		cancel:      cancel,
	}

	s.seeder = seed.New(seed.Options{
		NetworkConfig: opts.NetworkConfig,
		Repository:    opts.Repository,
		Resolver:      opts.Resolver,
		Log:           seedLog,
	})

	s.listener = listener.New(listener.Options{
		NetworkConfig:    opts.NetworkConfig,
		ConnectionConfig: opts.ConnectionConfig,
		Magic:            uint32(magic),
		Repository:       opts.Repository,
		Gate:             s.gate,
		Active:           s,
		Spawn:            s.adopt,
		ControlBus:       s.controlBus,
		MsgBus:           s.msgBus,
		Log:              listenerLog,
	})

	return s, nil
}

// ControlBus exposes the supervisor's control-event stream for subscribers
// (§4.8); the supervisor owns the bus (§3's Ownership section).
func (s *Supervisor) ControlBus() *events.ControlBus { return s.controlBus }

// MessageBus exposes the post-handshake Bitcoin-message stream.
func (s *Supervisor) MessageBus() *events.MessageBus { return s.msgBus }

// Repository exposes the loaded peer repository, primarily for tests and
// for the cmd/p2pcored status line.
func (s *Supervisor) Repository() peerstore.Repository { return s.repo }

// IsActive implements listener.ActiveChecker.
func (s *Supervisor) IsActive(ep peerstore.Endpoint) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	_, ok := s.byEndpoint[ep.Key()]
	return ok
}

// Start brings the supervisor up per §4.7: load the repository, bind the
// listener if enabled, run one seeder pass in Normal mode, then initiate
// outbound connections toward target_connections. A corrupt repository
// file aborts startup with an error; every other failure named in §4.7 is
// non-fatal and only logged/emitted as a control event.
func (s *Supervisor) Start() error {
	if s.repo == nil {
		repo, err := peerstore.Load(s.netCfg.PeerFile)
		if err != nil {
			return fmt.Errorf("supervisor: load repository: %w", err)
		}
		s.repo = repo
		s.listener.SetRepository(repo)
		s.seeder.SetRepository(repo)
	}

	sub, unsubscribe := s.controlBus.Subscribe()
	s.wg.Add(1)
	go s.runControlLoop(sub, unsubscribe)

	s.wg.Add(1)
	go s.runQueryLoop()

	if s.netCfg.Listener.Enabled {
		if err := s.listener.Start(); err != nil {
			return fmt.Errorf("supervisor: start listener: %w", err)
		}
	}

	if s.netCfg.Mode == config.NormalMode {
		s.seeder.RunOnce(s.ctx)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.seeder.Run(s.ctx)
		}()
	}

	s.reconcileOutbound()

	s.wg.Add(1)
	go s.runPeriodicTasks()

	return nil
}

// Stop implements the §4.7 shutdown sequence: stop the listener, signal the
// seeder and every active actor, await their termination, then snapshot
// the repository.
func (s *Supervisor) Stop() error {
	s.cancel()
	s.listener.Stop()
	s.seeder.Stop()

	s.mtx.Lock()
	actors := make([]*peer.Actor, 0, len(s.active))
	for _, c := range s.active {
		actors = append(actors, c.actor)
	}
	s.mtx.Unlock()

	for _, a := range actors {
		a.Stop()
	}
	for _, a := range actors {
		<-a.Done()
	}

	s.wg.Wait()

	return s.repo.Save()
}
