// Package config defines the validated configuration objects consumed by
// the connection manager: network-wide policy (NetworkConfig) and
// per-connection tunables (ConnectionConfig). Neither type reads the
// process environment directly — that is the job of the CLI collaborator
// in cmd/p2pcored.
package config

import (
	"fmt"
	"time"

	"github.com/bsv-infra/p2pcore/errs"
)

// Network identifies which BSV network a NetworkConfig targets.
type Network uint8

const (
	Mainnet Network = iota
	Testnet
	Regtest
)

func (n Network) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Testnet:
		return "testnet"
	case Regtest:
		return "regtest"
	default:
		return fmt.Sprintf("unknown-network(%d)", uint8(n))
	}
}

// Magic is the 4-byte constant prefixing every wire frame on a given
// network. It is defined as its own type (rather than reusing
// wire.BitcoinNet directly in this package) so config stays independent of
// the codec collaborator; the peer package converts at its boundary.
type Magic uint32

// The authoritative BSV network magics (4.2).
const (
	MagicMainnet Magic = 0xE3E1F3E8
	MagicTestnet Magic = 0xF4E5F3F4
	MagicRegtest Magic = 0xDAB5BFFA
)

// MagicFor returns the wire magic for the given network.
func MagicFor(n Network) (Magic, error) {
	switch n {
	case Mainnet:
		return MagicMainnet, nil
	case Testnet:
		return MagicTestnet, nil
	case Regtest:
		return MagicRegtest, nil
	default:
		return 0, fmt.Errorf("%w: unrecognized network %v", errs.ErrInvalidConfiguration, n)
	}
}

// ListenerConfig describes the optional InboundListener (4.5).
type ListenerConfig struct {
	Enabled bool
	BindIP  string
	BindPort uint16
}

// OperatingMode selects how the Supervisor sources outbound peers (§4.6).
type OperatingMode uint8

const (
	// NormalMode runs the DnsSeeder and draws outbound candidates from the
	// full repository.
	NormalMode OperatingMode = iota

	// FixedPeerMode bypasses the seeder entirely; outbound candidates are
	// restricted to FixedPeers, in the order given.
	FixedPeerMode
)

func (m OperatingMode) String() string {
	switch m {
	case FixedPeerMode:
		return "fixed-peer"
	default:
		return "normal"
	}
}

// NetworkConfig is the manager-level configuration (4.2).
type NetworkConfig struct {
	Network Network

	// Mode selects Normal (seeded, repository-driven) or FixedPeer
	// (seeder bypassed, explicit peer list) outbound behavior (§4.6).
	Mode OperatingMode

	// FixedPeers is the explicit endpoint list consulted when Mode is
	// FixedPeerMode.
	FixedPeers []string

	// TargetConnections is the desired steady-state active connection
	// count; the supervisor initiates outbound work to approach it.
	TargetConnections int

	// MaxConnections bounds total active connections (inbound + outbound).
	MaxConnections int

	// DNSSeeds is the set of hostnames the DnsSeeder resolves.
	DNSSeeds []string

	// DefaultPort is used for peers discovered via DNS seeding, which
	// carry no port of their own.
	DefaultPort uint16

	// PeerFile is the optional path to the JSON peer snapshot. Empty
	// means the repository is memory-only (no persistence).
	PeerFile string

	Listener ListenerConfig

	// BannedUserAgents is a set of glob patterns; any peer whose user
	// agent matches one is banned during handshake validation.
	BannedUserAgents []string

	// LogThreshold is the minimum btclog level name ("trace", "debug",
	// "info", "warn", "error", "critical") applied to every subsystem
	// logger at startup.
	LogThreshold string

	// TelemetryAddr, if non-empty, is the bind address the CLI
	// collaborator uses to expose Prometheus metrics registered by this
	// package's collaborators. The core itself never listens on it.
	TelemetryAddr string
}

// DefaultNetworkConfig returns a NetworkConfig with the §4.2 defaults
// applied, for the given network.
func DefaultNetworkConfig(n Network) NetworkConfig {
	return NetworkConfig{
		Network:           n,
		TargetConnections: 8,
		MaxConnections:    20,
		LogThreshold:      "info",
	}
}

// Validate enforces the §4.2 contract: target_connections <=
// max_connections, positive limits.
func (c NetworkConfig) Validate() error {
	if c.TargetConnections <= 0 || c.MaxConnections <= 0 {
		return fmt.Errorf("%w: target and max connections must be positive",
			errs.ErrInvalidConnectionLimits)
	}
	if c.TargetConnections > c.MaxConnections {
		return fmt.Errorf("%w: target_connections (%d) > max_connections (%d)",
			errs.ErrInvalidConnectionLimits, c.TargetConnections, c.MaxConnections)
	}
	if _, err := MagicFor(c.Network); err != nil {
		return err
	}
	if c.Listener.Enabled && c.Listener.BindPort == 0 {
		return fmt.Errorf("%w: listener enabled with no bind port",
			errs.ErrInvalidConfiguration)
	}
	return nil
}

// ConnectionConfig is the per-connection tunable set (4.2), propagated to
// every active ConnectionActor via UpdateConfig on dynamic reconfiguration.
type ConnectionConfig struct {
	PingInterval     time.Duration
	PingTimeout      time.Duration
	HandshakeTimeout time.Duration

	InitialBackoff    time.Duration
	MaxRetries        int
	BackoffMultiplier float64

	MaxRestarts   int
	RestartWindow time.Duration

	// MaxOutboundDialRate bounds outbound dial attempts per second across
	// the whole supervisor (supplement, SPEC_FULL §4.2).
	MaxOutboundDialRate float64
}

// DefaultConnectionConfig returns the §4.2 defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		PingInterval:        5 * time.Minute,
		PingTimeout:         2 * time.Minute,
		HandshakeTimeout:    30 * time.Second,
		InitialBackoff:      5 * time.Second,
		MaxRetries:          10,
		BackoffMultiplier:   2.0,
		MaxRestarts:         3,
		RestartWindow:       time.Hour,
		MaxOutboundDialRate: 4,
	}
}

// Validate enforces the §4.2 contract: all durations strictly positive,
// backoff_multiplier >= 1.
func (c ConnectionConfig) Validate() error {
	durations := map[string]time.Duration{
		"ping_interval":     c.PingInterval,
		"ping_timeout":      c.PingTimeout,
		"handshake_timeout": c.HandshakeTimeout,
		"initial_backoff":   c.InitialBackoff,
		"restart_window":    c.RestartWindow,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be strictly positive",
				errs.ErrInvalidConfiguration, name)
		}
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: backoff_multiplier must be >= 1",
			errs.ErrInvalidConfiguration)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("%w: max_retries must be positive",
			errs.ErrInvalidConfiguration)
	}
	if c.MaxRestarts <= 0 {
		return fmt.Errorf("%w: max_restarts must be positive",
			errs.ErrInvalidConfiguration)
	}
	if c.MaxOutboundDialRate <= 0 {
		return fmt.Errorf("%w: max_outbound_dial_rate must be positive",
			errs.ErrInvalidConfiguration)
	}
	return nil
}
