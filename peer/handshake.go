package peer

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/bsv-infra/p2pcore/errs"
	"github.com/bsv-infra/p2pcore/peerstore"
)

// protocolVersionFloor is pinned by SPEC_FULL §3.1: peers below this
// protocol version are rejected during handshake validation.
const protocolVersionFloor = 70015

// bsvUserAgentSubstring is the required-OR branch of the BSV user-agent
// rule pinned in §3.1.
const bsvUserAgentSubstring = "/Bitcoin SV:"

// defaultAllowedUserAgentGlobs is applied in addition to whatever the
// caller configures, matching the default named in §3.1.
var defaultAllowedUserAgentGlobs = []string{"/Bitcoin SV:*/"}

// handshakeState tracks the four independent flags of §4.3. The handshake
// succeeds once all four are true; messages may arrive in any order.
type handshakeState struct {
	versionSent     bool
	versionReceived bool
	verackSent      bool
	verackReceived  bool

	peerVersion *wire.MsgVersion
}

func (h handshakeState) complete() bool {
	return h.versionSent && h.versionReceived && h.verackSent && h.verackReceived
}

// doHandshake drives the four-flag handshake to completion or failure, per
// §4.3: outbound sends Version first; inbound (both variants) waits for
// Version first. A single timer enforces handshake_timeout across the
// whole exchange.
func (a *Actor) doHandshake() error {
	deadline := time.Now().Add(a.connCfg.HandshakeTimeout)
	if err := a.conn.SetDeadline(deadline); err != nil {
		return err
	}
	defer a.conn.SetDeadline(time.Time{})

	if a.direction == Outbound {
		if err := a.sendVersion(); err != nil {
			return err
		}
	}

	for !a.hs.complete() {
		msg, err := a.readFrame()
		if err != nil {
			if isTimeoutErr(err) {
				return errs.ErrHandshakeTimeout
			}
			if wireErr, ok := err.(*wire.MessageError); ok {
				// wire.ReadMessageN itself rejects a frame whose header
				// BitcoinNet doesn't match a.magic before this code ever
				// sees a message value — §4.3's "network magic" check is
				// therefore this classification, not a field inspected
				// inside validateVersion.
				return &banError{reason: peerstore.BanReason{
					Kind:            peerstore.BanNetworkMismatch,
					ExpectedNetwork: fmt.Sprintf("magic=%#08x", a.magic),
					GotNetwork:      wireErr.Description,
				}}
			}
			return err
		}

		switch m := msg.(type) {
		case *wire.MsgVersion:
			if a.hs.versionReceived {
				continue
			}
			a.hs.versionReceived = true
			a.hs.peerVersion = m
			if err := a.validateVersion(m); err != nil {
				return err
			}
			a.applyPeerVersion(m)
			if a.direction != Outbound {
				if err := a.sendVersion(); err != nil {
					return err
				}
			}
			if err := a.sendVerack(); err != nil {
				return err
			}
		case *wire.MsgVerAck:
			a.hs.verackReceived = true
		case *wire.MsgSendHeaders:
			a.sendHeadersPreferred = true
		default:
			// Any other command observed before the handshake
			// completes is ignored; real nodes occasionally race a
			// ping/addr ahead of verack.
		}
	}
	return nil
}

func (a *Actor) applyPeerVersion(m *wire.MsgVersion) {
	// The actor never writes PeerRepository (§5), and HandshakeComplete
	// carries no copy of the peer's Version, so its user agent and services
	// are not recorded anywhere.
	_ = m
}

func (a *Actor) sendVersion() error {
	nonce := randomNonce()
	me := wire.NewNetAddressIPPort(localIP(a.conn), 0, 0)
	you := wire.NewNetAddressIPPort(a.endpoint.IP, a.endpoint.Port, 0)
	msg := wire.NewMsgVersion(me, you, nonce, 0)
	msg.UserAgent = "/p2pcore:0.1.0/"
	if err := a.writeFrame(msg); err != nil {
		return err
	}
	a.hs.versionSent = true
	return nil
}

func (a *Actor) sendVerack() error {
	if err := a.writeFrame(&wire.MsgVerAck{}); err != nil {
		return err
	}
	a.hs.verackSent = true
	return nil
}

func sendHeadersMessage() wire.Message {
	return &wire.MsgSendHeaders{}
}

// validateVersion performs the one-time validation of §4.3 that can only be
// judged from the decoded Version payload: BSV identity, user-agent
// ban-list, and protocol-version floor. The network-magic re-check named in
// §4.3 happens earlier, in doHandshake's classification of readFrame's
// error — msgVersion carries no magic field of its own to inspect here.
func (a *Actor) validateVersion(m *wire.MsgVersion) error {
	// The protocol-version floor has no dedicated BanReason variant in §3
	// (only NetworkMismatch/ChainMismatch/BannedUserAgent are named); it is
	// pinned here to reuse NetworkMismatch, annotated with the floor and
	// the offending version so the reason remains diagnosable.
	if m.ProtocolVersion < protocolVersionFloor {
		return &banError{reason: peerstore.BanReason{
			Kind:            peerstore.BanNetworkMismatch,
			ExpectedNetwork: fmt.Sprintf("protocol_version>=%d", protocolVersionFloor),
			GotNetwork:      fmt.Sprintf("protocol_version=%d", m.ProtocolVersion),
		}}
	}
	if !isBSVUserAgent(m.UserAgent) {
		return &banError{reason: peerstore.BanReason{
			Kind:    peerstore.BanUserAgent,
			Pattern: bsvUserAgentSubstring,
		}}
	}
	for _, pattern := range a.netCfg.BannedUserAgents {
		if globMatch(pattern, m.UserAgent) {
			return &banError{reason: peerstore.BanReason{
				Kind:    peerstore.BanUserAgent,
				Pattern: pattern,
			}}
		}
	}
	return nil
}

// isBSVUserAgent implements the rule pinned in §3.1: a case-sensitive
// substring match of "/Bitcoin SV:" OR a match against the allow-list of
// glob patterns, default ["/Bitcoin SV:*/"].
func isBSVUserAgent(ua string) bool {
	if strings.Contains(ua, bsvUserAgentSubstring) {
		return true
	}
	for _, pattern := range defaultAllowedUserAgentGlobs {
		if globMatch(pattern, ua) {
			return true
		}
	}
	return false
}

func globMatch(pattern, s string) bool {
	ok, err := filepath.Match(pattern, s)
	return err == nil && ok
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
