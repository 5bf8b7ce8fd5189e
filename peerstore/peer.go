// Package peerstore implements PeerRepository (§4.1): the durable catalog
// of known peers, keyed by identity and by (ip, port), with concurrent
// CRUD and status/endpoint queries, and a crash-atomic JSON snapshot file.
package peerstore

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// Status is one of the four lifecycle states a Peer can occupy (§3).
type Status uint8

const (
	StatusUnknown Status = iota
	StatusValid
	StatusInaccessible
	StatusBanned
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "Unknown"
	case StatusValid:
		return "Valid"
	case StatusInaccessible:
		return "Inaccessible"
	case StatusBanned:
		return "Banned"
	default:
		return fmt.Sprintf("unknown-status(%d)", uint8(s))
	}
}

// BanReasonKind selects which variant of BanReason is populated.
type BanReasonKind uint8

const (
	BanNone BanReasonKind = iota
	BanNetworkMismatch
	BanChainMismatch
	BanUserAgent
)

// BanReason annotates a Banned peer with why it was banned (§3).
type BanReason struct {
	Kind BanReasonKind

	// NetworkMismatch fields.
	ExpectedNetwork string
	GotNetwork      string

	// ChainMismatch field.
	GotChain string

	// BannedUserAgent field.
	Pattern string
}

func (r BanReason) String() string {
	switch r.Kind {
	case BanNetworkMismatch:
		return fmt.Sprintf("NetworkMismatch{expected: %s, got: %s}", r.ExpectedNetwork, r.GotNetwork)
	case BanChainMismatch:
		return fmt.Sprintf("ChainMismatch{got: %s}", r.GotChain)
	case BanUserAgent:
		return fmt.Sprintf("BannedUserAgent{pattern: %s}", r.Pattern)
	default:
		return "NoBan"
	}
}

// Endpoint is the (IP, port) pair identifying a peer's network location.
// Two peers with the same Endpoint must not coexist (§3).
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// Key returns a canonical, comparable representation for use as a map key:
// net.IP's own byte representation isn't directly comparable across the v4
// vs v4-in-v6 encodings, so we normalize to the 16-byte form first.
func (e Endpoint) Key() string {
	ip := e.IP.To16()
	return fmt.Sprintf("%s|%d", ip.String(), e.Port)
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.Port))
}

// Peer is the durable record described in §3. ID is an opaque identity
// generated on first insertion and never reused.
type Peer struct {
	ID       uuid.UUID
	Endpoint Endpoint

	Status          Status
	StatusTimestamp time.Time

	BanReason BanReason

	// PeerMetadata supplement (SPEC_FULL §3.1): informational annotations
	// that never participate in identity/uniqueness.
	LastAttempt time.Time
	LastSuccess time.Time
	UserAgent   string
	Services    uint64
}

// Clone returns a deep-enough copy safe for a caller to mutate without
// racing the repository's internal state.
func (p Peer) Clone() Peer {
	cp := p
	cp.Endpoint.IP = append(net.IP(nil), p.Endpoint.IP...)
	return cp
}
