package peer

import (
	"crypto/rand"
	"encoding/binary"
	"net"

	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/queue"
)

// wirePVer is the protocol version used to encode/decode frames. It is
// pinned to the same floor enforced during handshake validation (§3.1) —
// there is no reason to negotiate a lower wire format than the minimum
// version this implementation accepts from peers.
const wirePVer = protocolVersionFloor

// outQueueBuffer sizes the internal staging channel queue.ConcurrentQueue
// keeps between its unbounded backing slice and the writer; it is not a
// hard cap (the queue itself grows without bound, matching lnd's
// queueHandler), just the chunk size it moves at a time.
const outQueueBuffer = 50

func (a *Actor) readFrame() (wire.Message, error) {
	_, msg, _, err := wire.ReadMessageN(a.conn, wirePVer, wire.BitcoinNet(a.magic))
	if err != nil {
		return nil, err
	}
	a.log.Tracef("received %T from %s: %s", msg, a.endpoint, spew.Sdump(msg))
	return msg, nil
}

// writeFrame encodes and sends msg directly on the connection. It sends the
// handshake-phase messages and the Reject to an over-capacity peer, and
// runMessageLoop uses it to write each message it takes off the outgoing
// queue (queueSend).
func (a *Actor) writeFrame(msg wire.Message) error {
	_, err := wire.WriteMessageN(a.conn, msg, wirePVer, wire.BitcoinNet(a.magic))
	return err
}

// queueSend enqueues msg for the write loop. Safe to call before the write
// loop has started (the queue buffers); the queue is drained by
// runMessageLoop once Connected.
func (a *Actor) queueSend(msg wire.Message) {
	if a.outQueue == nil {
		a.outQueue = queue.NewConcurrentQueue(outQueueBuffer)
		a.outQueue.Start()
	}
	a.outQueue.ChanIn() <- msg
}

func (a *Actor) sendRejectCapacity() {
	reject := wire.NewMsgReject("version", wire.RejectObsolete, "over capacity")
	_ = a.writeFrame(reject)
}

func randomNonce() uint64 {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint64(buf[:])
}

func localIP(conn net.Conn) net.IP {
	if conn == nil {
		return net.IPv4zero
	}
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return net.IPv4zero
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return net.IPv4zero
	}
	return ip
}
