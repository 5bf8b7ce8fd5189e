package peer

import (
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/bsv-infra/p2pcore/errs"
	"github.com/bsv-infra/p2pcore/events"
)

// frameOrErr carries one decoded frame or the terminal read error, off the
// dedicated reader goroutine readLoop spawns (grounded on peer.go's own
// split between a blocking read loop and the actor's central select,
// generalized here since this actor reacts to more than one input source).
type frameOrErr struct {
	msg wire.Message
	err error
}

// runMessageLoop is the Connected-state body: keepalive ticks, the
// outgoing queue, inbound frames, and control-plane commands (quit,
// UpdateConfig), until a fault or shutdown ends the session.
func (a *Actor) runMessageLoop() runOutcome {
	pingTicker := ticker.New(a.connCfg.PingInterval)
	pingTicker.Resume()
	defer pingTicker.Stop()

	frames := make(chan frameOrErr, 1)
	stopReader := make(chan struct{})
	defer close(stopReader)

	go func() {
		for {
			msg, err := a.readFrame()
			select {
			case frames <- frameOrErr{msg, err}:
			case <-stopReader:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var outCh <-chan interface{}
	if a.outQueue != nil {
		outCh = a.outQueue.ChanOut()
	}

	for {
		select {
		case <-a.quit:
			return runOutcomeTerminal

		case cfg := <-a.updateCfg:
			a.connCfg = cfg

		case <-pingTicker.Ticks():
			if a.oldestPingOverdue() {
				return a.handleConnectedFault(errs.ErrNetworkFault)
			}
			a.sendPing()

		case item := <-outCh:
			msg := item.(wire.Message)
			if err := a.writeFrame(msg); err != nil {
				return a.handleConnectedFault(err)
			}

		case fe := <-frames:
			if fe.err != nil {
				return a.handleConnectedFault(fe.err)
			}
			if fault := a.handleConnectedMessage(fe.msg); fault != nil {
				return a.handleConnectedFault(fault)
			}
			if a.oldestPingOverdue() {
				return a.handleConnectedFault(errs.ErrNetworkFault)
			}
		}
	}
}

// handleConnectedMessage dispatches one post-handshake frame: Ping/Pong are
// consumed here; everything else is forwarded opaquely as a
// BitcoinMessageEvent (§4.8, §6). Returns a non-nil error only for faults
// that should end the session (none today — message forwarding never
// fails), kept as a return value for symmetry with the read path.
func (a *Actor) handleConnectedMessage(msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.MsgPing:
		a.queueSend(wire.NewMsgPong(m.Nonce))
	case *wire.MsgPong:
		a.handlePong(m)
	case *wire.MsgSendHeaders:
		a.sendHeadersPreferred = true
	default:
		a.msgBus.Publish(events.BitcoinMessageEvent{PeerID: a.id, Message: msg})
	}
	return nil
}

func (a *Actor) sendPing() {
	nonce := randomNonce()
	a.pendingPings[nonce] = time.Now()
	a.queueSend(wire.NewMsgPing(nonce))
}

func (a *Actor) handlePong(m *wire.MsgPong) {
	sentAt, ok := a.pendingPings[m.Nonce]
	if !ok {
		a.log.Debugf("unsolicited pong from %s (nonce %d)", a.endpoint, m.Nonce)
		return
	}
	delete(a.pendingPings, m.Nonce)
	a.metrics.ObservePongRTT(time.Since(sentAt))
}

// oldestPingOverdue reports whether the longest-outstanding ping has
// exceeded ping_timeout, the liveness-fault condition of §4.3.
func (a *Actor) oldestPingOverdue() bool {
	var oldest time.Time
	for _, sentAt := range a.pendingPings {
		if oldest.IsZero() || sentAt.Before(oldest) {
			oldest = sentAt
		}
	}
	if oldest.IsZero() {
		return false
	}
	return time.Since(oldest) > a.connCfg.PingTimeout
}

// handleConnectedFault applies the restart policy of §4.3 to a fault that
// ended an active Connected session.
func (a *Actor) handleConnectedFault(err error) runOutcome {
	if !isNetworkFault(err) {
		a.state = Failed
		a.emitControl(events.ControlEvent{Kind: events.ConnectionFailed, Reason: err})
		return runOutcomeTerminal
	}

	if a.direction != Outbound {
		// Inbound normal: terminate, no reconnect — the peer's source
		// port is not its listening port (§4.3).
		a.state = Disconnected
		a.emitControl(events.ControlEvent{Kind: events.ConnectionLost, Reason: err})
		return runOutcomeTerminal
	}

	exceeded := a.restarts.record(time.Now(), a.connCfg.RestartWindow, a.connCfg.MaxRestarts)
	if exceeded {
		a.state = Failed
		a.emitControl(events.ControlEvent{Kind: events.ConnectionFailed, Reason: errs.ErrMaxRestarts})
		return runOutcomeTerminal
	}

	a.state = Connecting
	a.emitControl(events.ControlEvent{Kind: events.ConnectionRestarting, Reason: err})
	return runOutcomeRestart
}
