// Package peer implements ConnectionActor (§4.3): the per-peer task that
// owns one TCP stream, drives the connection state machine, negotiates the
// handshake, runs keepalive, and applies the restart/backoff policy. It is
// grounded on lnd's peer.go — its per-peer goroutine, queueHandler/
// writeHandler split, and pingHandler pattern are kept; the HTLC/channel
// machinery built on top of that skeleton is replaced with the handshake,
// validation, and restart state machine this spec calls for.
package peer

import (
	"context"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/queue"

	"github.com/bsv-infra/p2pcore/config"
	"github.com/bsv-infra/p2pcore/errs"
	"github.com/bsv-infra/p2pcore/events"
	"github.com/bsv-infra/p2pcore/peerstore"
)

// State is one of the six ConnectionActor states (§4.3).
type State uint8

const (
	Disconnected State = iota
	Connecting
	AwaitingHandshake
	Connected
	Rejected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case AwaitingHandshake:
		return "AwaitingHandshake"
	case Connected:
		return "Connected"
	case Rejected:
		return "Rejected"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Direction distinguishes the three actor flavors described in §4.3.
type Direction uint8

const (
	Outbound Direction = iota
	Inbound
	OverCapacity
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	case OverCapacity:
		return "over-capacity"
	default:
		return "unknown"
	}
}

// Dialer opens an outbound TCP connection. Tests inject a fake to avoid
// real sockets (§8 end-to-end scenarios use loopback listeners instead, but
// a Dialer seam keeps failure-path tests cheap to write too).
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

func defaultDialer(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

// Metrics is the narrow interface ConnectionActor needs from the metrics
// package (§2.2): recording Pong RTT. Kept as an interface here so peer has
// no import-time dependency on the concrete Prometheus collectors.
type Metrics interface {
	ObservePongRTT(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObservePongRTT(time.Duration) {}

// Actor is one ConnectionActor: the owner of a single TCP stream and the
// state machine layered over it.
type Actor struct {
	id        uuid.UUID
	endpoint  peerstore.Endpoint
	direction Direction

	netCfg config.NetworkConfig
	connCfg config.ConnectionConfig
	magic  uint32

	dialer Dialer
	conn   net.Conn

	controlBus *events.ControlBus
	msgBus     *events.MessageBus
	metrics    Metrics
	log        btclog.Logger

	state State
	hs    handshakeState

	restarts restartTracker
	backoff  *backoff.ExponentialBackOff
	retries  int

	pendingPings map[uint64]time.Time
	sendHeadersPreferred bool

	outQueue *queue.ConcurrentQueue

	updateCfg chan config.ConnectionConfig
	quit      chan struct{}
	done      chan struct{}
}

// Options bundles NewActor's construction-time collaborators.
type Options struct {
	ID        uuid.UUID
	Endpoint  peerstore.Endpoint
	Direction Direction
	NetworkConfig    config.NetworkConfig
	ConnectionConfig config.ConnectionConfig
	Magic     uint32

	// Conn is required for Inbound/OverCapacity actors (the listener has
	// already accepted the socket) and must be nil for Outbound.
	Conn net.Conn

	Dialer     Dialer
	ControlBus *events.ControlBus
	MsgBus     *events.MessageBus
	Metrics    Metrics
	Log        btclog.Logger
}

// New constructs an Actor. The caller must call Run to start it and must
// have already reserved a slot from gate.AdmissionGate.
func New(opts Options) *Actor {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = defaultDialer
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	log := opts.Log
	if log == nil {
		log = btclog.Disabled
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.ConnectionConfig.InitialBackoff
	b.Multiplier = opts.ConnectionConfig.BackoffMultiplier
	b.MaxElapsedTime = 0
	// No jitter and no interval cap, so the i-th wait is exactly
	// InitialBackoff * BackoffMultiplier^i. Reset makes the first wait start
	// from InitialBackoff rather than the library's default interval.
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.Reset()

	return &Actor{
		id:           opts.ID,
		endpoint:     opts.Endpoint,
		direction:    opts.Direction,
		netCfg:       opts.NetworkConfig,
		connCfg:      opts.ConnectionConfig,
		magic:        opts.Magic,
		dialer:       dialer,
		conn:         opts.Conn,
		controlBus:   opts.ControlBus,
		msgBus:       opts.MsgBus,
		metrics:      metrics,
		log:          log,
		state:        Disconnected,
		backoff:      b,
		pendingPings: make(map[uint64]time.Time),
		updateCfg:    make(chan config.ConnectionConfig, 1),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// ID returns the actor's peer identity.
func (a *Actor) ID() uuid.UUID { return a.id }

// Direction reports whether the actor is outbound, inbound, or the
// handshake-then-reject over-capacity variant.
func (a *Actor) Direction() Direction { return a.direction }

// Endpoint returns the actor's remote endpoint.
func (a *Actor) Endpoint() peerstore.Endpoint { return a.endpoint }

// State returns the actor's current state. Safe to call from outside the
// actor's own goroutine: it is only ever read for diagnostics/Snapshot, and
// Go's memory model guarantees no torn read on a word-sized value set only
// by the owning goroutine between synchronization points (channel sends).
func (a *Actor) State() State { return a.state }

// UpdateConfig propagates a new ConnectionConfig to a running actor (§4.7).
// Non-blocking: if the actor hasn't drained a previous update yet, the
// stale one is discarded in favor of the newest.
func (a *Actor) UpdateConfig(cfg config.ConnectionConfig) {
	select {
	case a.updateCfg <- cfg:
	default:
		select {
		case <-a.updateCfg:
		default:
		}
		a.updateCfg <- cfg
	}
}

// Stop requests graceful termination. It does not block; callers await
// actual termination via Done.
func (a *Actor) Stop() {
	select {
	case <-a.quit:
	default:
		close(a.quit)
	}
}

// Done is closed once the actor's Run goroutine has fully exited and
// released all its resources (but NOT the admission-gate slot — the
// supervisor releases that when it sees Done close, not on any control
// event, per §4.4's "release is guaranteed on every terminal transition").
func (a *Actor) Done() <-chan struct{} { return a.done }

// Run is the actor's entire lifetime. It must be invoked as `go a.Run()`.
func (a *Actor) Run() {
	defer close(a.done)

	switch a.direction {
	case Outbound:
		a.runOutbound()
	case Inbound, OverCapacity:
		a.runAccepted()
	}
}

func (a *Actor) emitControl(ev events.ControlEvent) {
	ev.PeerID = a.id
	a.controlBus.Publish(ev)
}

// runOutbound implements the outbound half of §4.3: Disconnected →
// Connecting → AwaitingHandshake → Connected, with retry/backoff on
// Connecting failures and restart-on-fault once Connected.
func (a *Actor) runOutbound() {
	for {
		select {
		case <-a.quit:
			a.state = Disconnected
			return
		default:
		}

		a.state = Connecting
		ctx, cancel := context.WithTimeout(context.Background(), a.connCfg.HandshakeTimeout)
		conn, err := a.dialer(ctx, "tcp", a.endpoint.String())
		cancel()
		if err != nil {
			a.emitControl(events.ControlEvent{Kind: events.ConnectionFailed, Reason: err})
			if !a.awaitRetry() {
				return
			}
			continue
		}

		a.conn = conn

		if a.runConnection() == runOutcomeRestart {
			// Immediate reconnect attempt on a network fault while
			// Connected, per §4.3's restart policy; falls through to
			// the top of the loop which re-dials without a backoff
			// wait on the very first attempt.
			continue
		}
		return
	}
}

type runOutcome uint8

const (
	runOutcomeTerminal runOutcome = iota
	runOutcomeRestart
)

// awaitRetry waits out the exponential backoff schedule for the *i*-th
// retry, enforcing max_retries (§4.3's Backoff section). Returns false if
// the retry budget is exhausted or shutdown was requested.
func (a *Actor) awaitRetry() bool {
	if a.retries >= a.connCfg.MaxRetries {
		a.state = Failed
		a.emitControl(events.ControlEvent{
			Kind:   events.ConnectionFailed,
			Reason: errs.ErrMaxRetries,
		})
		return false
	}
	d := a.backoff.NextBackOff()
	if d == backoff.Stop {
		a.state = Failed
		return false
	}
	a.retries++

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-a.quit:
		return false
	}
}

// runAccepted implements the inbound variants: the socket already exists,
// so the actor starts directly in AwaitingHandshake (§4.3).
func (a *Actor) runAccepted() {
	a.runConnection()
}

// runConnection drives one AwaitingHandshake→(Connected|Rejected|Failed)
// cycle over the actor's current a.conn, and — for Connected — the full
// keepalive/message loop until a fault or shutdown ends the session.
func (a *Actor) runConnection() runOutcome {
	defer func() {
		if a.conn != nil {
			a.conn.Close()
		}
	}()

	a.state = AwaitingHandshake
	a.hs = handshakeState{}
	// Pings sent on an earlier session can never be answered on this one.
	a.pendingPings = make(map[uint64]time.Time)

	if a.direction == Outbound {
		a.emitControl(events.ControlEvent{Kind: events.ConnectionEstablished})
	} else {
		a.emitControl(events.ControlEvent{Kind: events.InboundAccepted, Addr: a.conn.RemoteAddr()})
	}

	if err := a.doHandshake(); err != nil {
		return a.handleHandshakeFailure(err)
	}

	if a.direction == OverCapacity {
		a.sendRejectCapacity()
		a.state = Rejected
		a.emitControl(events.ControlEvent{Kind: events.InboundRejectedCapacity, Addr: a.conn.RemoteAddr()})
		return runOutcomeTerminal
	}

	a.state = Connected
	a.backoff.Reset()
	a.retries = 0
	a.emitControl(events.ControlEvent{Kind: events.HandshakeComplete})
	a.queueSend(sendHeadersMessage())

	return a.runMessageLoop()
}

// handleHandshakeFailure classifies a handshake-phase error per §4.3: a ban
// reason produced by validation, a timeout, or a bare I/O fault.
func (a *Actor) handleHandshakeFailure(err error) runOutcome {
	if ban, ok := err.(*banError); ok {
		a.state = Failed
		a.emitControl(events.ControlEvent{
			Kind:      events.PeerBanned,
			Addr:      addrOf(a.conn),
			BanReason: ban.reason,
		})
		return runOutcomeTerminal
	}
	if err == errs.ErrHandshakeTimeout {
		a.state = Failed
		a.emitControl(events.ControlEvent{Kind: events.ConnectionFailed, Reason: err})
		return runOutcomeTerminal
	}
	a.state = Failed
	a.emitControl(events.ControlEvent{Kind: events.ConnectionFailed, Reason: err})
	return runOutcomeTerminal
}

func addrOf(conn net.Conn) net.Addr {
	if conn == nil {
		return nil
	}
	return conn.RemoteAddr()
}

// banError carries the peerstore.BanReason produced by handshake
// validation (§4.3's "Validation failures produce a Ban").
type banError struct {
	reason peerstore.BanReason
}

func (e *banError) Error() string {
	return fmt.Sprintf("peer banned: %s", e.reason.String())
}

