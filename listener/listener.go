// Package listener implements InboundListener (§4.5): the optional TCP
// accept loop that applies ban/duplicate/capacity checks to every accepted
// socket before handing it to a ConnectionActor.
package listener

import (
	"net"
	"strconv"
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/google/uuid"

	"github.com/bsv-infra/p2pcore/config"
	"github.com/bsv-infra/p2pcore/errs"
	"github.com/bsv-infra/p2pcore/events"
	"github.com/bsv-infra/p2pcore/gate"
	"github.com/bsv-infra/p2pcore/peer"
	"github.com/bsv-infra/p2pcore/peerstore"
)

// ActiveChecker reports whether an active connection already exists to an
// endpoint. The supervisor owns the active-connection map (§4.7's
// supplement); the listener only queries it.
type ActiveChecker interface {
	IsActive(ep peerstore.Endpoint) bool
}

// Spawner hands a newly constructed actor off to its owner (the
// supervisor), which assigns it a peer-repository identity, registers it in
// the active-connection map, and starts its goroutine. The listener itself
// never calls peer.Actor.Run or touches the repository directly (§4.1's
// "access is serialized by the repository itself" plus the supervisor-only
// write rule of §5 — the listener only reads, via Repository.FindByEndpoint).
type Spawner func(a *peer.Actor)

// Listener is the InboundListener component.
type Listener struct {
	netCfg  config.NetworkConfig
	connCfg config.ConnectionConfig
	magic   uint32

	repo   peerstore.Repository
	gate   *gate.AdmissionGate
	active ActiveChecker
	spawn  Spawner

	bus    *events.ControlBus
	msgBus *events.MessageBus
	log    btclog.Logger

	mtx sync.Mutex
	ln  net.Listener

	quit chan struct{}
	done chan struct{}
}

// Options bundles Listener's collaborators.
type Options struct {
	NetworkConfig    config.NetworkConfig
	ConnectionConfig config.ConnectionConfig
	Magic            uint32

	Repository peerstore.Repository
	Gate       *gate.AdmissionGate
	Active     ActiveChecker
	Spawn      Spawner

	ControlBus *events.ControlBus
	MsgBus     *events.MessageBus
	Log        btclog.Logger
}

// New constructs a Listener. Call Start to bind and begin accepting.
func New(opts Options) *Listener {
	log := opts.Log
	if log == nil {
		log = btclog.Disabled
	}
	return &Listener{
		netCfg:  opts.NetworkConfig,
		connCfg: opts.ConnectionConfig,
		magic:   opts.Magic,
		repo:    opts.Repository,
		gate:    opts.Gate,
		active:  opts.Active,
		spawn:   opts.Spawn,
		bus:     opts.ControlBus,
		msgBus:  opts.MsgBus,
		log:     log,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start binds the configured address and begins accepting connections in
// a background goroutine. A bind failure is non-fatal per §4.5: it is
// logged, a ListenerBindFailed control event is emitted, and Start returns
// nil so the caller continues with outbound-only operation.
func (l *Listener) Start() error {
	addr := net.JoinHostPort(l.netCfg.Listener.BindIP, strconv.Itoa(int(l.netCfg.Listener.BindPort)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		l.log.Errorf("listener: bind %s failed: %v", addr, err)
		l.bus.Publish(events.ControlEvent{
			Kind:    events.ListenerBindFailed,
			BindErr: errs.Wrap(err, "listener bind"),
		})
		return nil
	}

	l.mtx.Lock()
	l.ln = ln
	l.mtx.Unlock()

	go l.acceptLoop(ln)
	return nil
}

// Addr returns the bound listen address, or ok=false if the listener isn't
// currently bound (not started, bind failed, or stopped).
func (l *Listener) Addr() (string, bool) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.ln == nil {
		return "", false
	}
	return l.ln.Addr().String(), true
}

// SetRepository injects the repository once it becomes available. Must be
// called before Start; the listener only reads the repository (ban checks),
// so no synchronization is needed once the accept loop is running.
func (l *Listener) SetRepository(repo peerstore.Repository) {
	l.repo = repo
}

// Stop closes the listening socket and awaits the accept loop's exit.
func (l *Listener) Stop() {
	select {
	case <-l.quit:
	default:
		close(l.quit)
	}
	l.mtx.Lock()
	ln := l.ln
	l.ln = nil
	l.mtx.Unlock()
	// Only a bound socket has an accept loop to wait for.
	if ln != nil {
		ln.Close()
		<-l.done
	}
}

// Rebind stops the current socket (if any) and starts a new one at the
// current NetworkConfig.Listener address, per §4.7's dynamic-reconfiguration
// "stop and rebind" rule. Bind failures remain non-fatal.
func (l *Listener) Rebind(netCfg config.NetworkConfig) error {
	l.Stop()
	l.netCfg = netCfg
	l.quit = make(chan struct{})
	l.done = make(chan struct{})
	if !netCfg.Listener.Enabled {
		close(l.done)
		return nil
	}
	return l.Start()
}

func (l *Listener) acceptLoop(ln net.Listener) {
	defer close(l.done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.quit:
				return
			default:
				l.log.Warnf("listener: accept error: %v", err)
				continue
			}
		}
		go l.handleAccepted(conn)
	}
}

// handleAccepted applies the §4.5 checks in order: ban, duplicate-active,
// then capacity.
func (l *Listener) handleAccepted(conn net.Conn) {
	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		conn.Close()
		return
	}
	ip := net.ParseIP(host)
	port, _ := strconv.Atoi(portStr)
	ep := peerstore.Endpoint{IP: ip, Port: uint16(port)}

	if p, ok := l.repo.FindByEndpoint(ep); ok && p.Status == peerstore.StatusBanned {
		conn.Close()
		return
	}
	if l.active != nil && l.active.IsActive(ep) {
		conn.Close()
		return
	}

	direction := peer.Inbound
	if !l.gate.TryReserve() {
		direction = peer.OverCapacity
	}

	a := peer.New(peer.Options{
		ID:               uuid.New(),
		Endpoint:         ep,
		Direction:        direction,
		Conn:             conn,
		NetworkConfig:    l.netCfg,
		ConnectionConfig: l.connCfg,
		Magic:            l.magic,
		ControlBus:       l.bus,
		MsgBus:           l.msgBus,
		Log:              l.log,
	})
	l.spawn(a)
}
