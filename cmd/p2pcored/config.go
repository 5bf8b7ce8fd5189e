package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/bsv-infra/p2pcore/config"
)

func parseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}

const (
	defaultLogLevel = "info"
	defaultLogDir   = "."
	defaultConfigFilename = "p2pcored.conf"
)

// cliOptions is the flat flag/INI surface go-flags parses, following
// lnd.go's loadConfig pattern: a single struct tagged for both environments,
// parsed once, then translated into the core's own config structs so
// cmd/p2pcored remains the only collaborator that reads the process
// environment (SPEC_FULL §6).
type cliOptions struct {
	ConfigFile string `long:"configfile" description:"path to a p2pcored.conf INI file"`

	Network string `long:"network" description:"mainnet, testnet, or regtest" default:"mainnet"`
	Mode    string `long:"mode" description:"normal (DNS-seeded) or fixed-peer" default:"normal"`

	TargetConnections int      `long:"target_connections" default:"8"`
	MaxConnections    int      `long:"max_connections" default:"20"`
	DNSSeeds          []string `long:"dnsseed" description:"DNS seed hostname; may be repeated"`
	DefaultPort       uint16   `long:"default_port" default:"8333"`
	FixedPeers        []string `long:"fixed_peer" description:"host:port of a fixed outbound peer; may be repeated, only used in fixed-peer mode"`
	PeerFile          string   `long:"peerfile" description:"path to the JSON peer snapshot; empty disables persistence"`
	BannedUserAgents  []string `long:"ban_useragent" description:"glob pattern of a user agent to ban; may be repeated"`

	ListenEnabled bool   `long:"listen" description:"accept inbound connections"`
	BindIP        string `long:"bind_ip" default:"0.0.0.0"`
	BindPort      uint16 `long:"bind_port" default:"8333"`

	PingInterval        string  `long:"ping_interval" default:"5m"`
	PingTimeout         string  `long:"ping_timeout" default:"2m"`
	HandshakeTimeout    string  `long:"handshake_timeout" default:"30s"`
	InitialBackoff      string  `long:"initial_backoff" default:"5s"`
	MaxRetries          int     `long:"max_retries" default:"10"`
	BackoffMultiplier   float64 `long:"backoff_multiplier" default:"2.0"`
	MaxRestarts         int     `long:"max_restarts" default:"3"`
	RestartWindow       string  `long:"restart_window" default:"1h"`
	MaxOutboundDialRate float64 `long:"max_outbound_dial_rate" default:"4"`

	LogLevel      string `long:"loglevel" default:"info"`
	LogDir        string `long:"logdir" default:"."`
	TelemetryAddr string `long:"telemetry_addr" description:"bind address for the Prometheus /metrics endpoint; empty disables it"`
}

func parseNetwork(s string) (config.Network, error) {
	switch strings.ToLower(s) {
	case "mainnet":
		return config.Mainnet, nil
	case "testnet":
		return config.Testnet, nil
	case "regtest":
		return config.Regtest, nil
	default:
		return 0, fmt.Errorf("unrecognized network %q", s)
	}
}

func parseMode(s string) (config.OperatingMode, error) {
	switch strings.ToLower(s) {
	case "", "normal":
		return config.NormalMode, nil
	case "fixed-peer", "fixedpeer":
		return config.FixedPeerMode, nil
	default:
		return 0, fmt.Errorf("unrecognized mode %q", s)
	}
}

// loadConfig parses the INI file (if present) then the command line,
// command-line flags taking precedence, and assembles the core's own
// NetworkConfig/ConnectionConfig. Mirrors loadConfig's two-pass shape in
// lnd.go, simplified to this repository's smaller flag surface.
func loadConfig() (config.NetworkConfig, config.ConnectionConfig, cliOptions, error) {
	var opts cliOptions

	preParser := flags.NewParser(&opts, flags.Default)
	if _, err := preParser.Parse(); err != nil {
		return config.NetworkConfig{}, config.ConnectionConfig{}, opts, err
	}

	if opts.ConfigFile != "" {
		if err := flags.NewIniParser(preParser).ParseFile(opts.ConfigFile); err != nil {
			if !os.IsNotExist(err) {
				return config.NetworkConfig{}, config.ConnectionConfig{}, opts, err
			}
		}
		// Command-line flags win over the INI file: re-parse argv on top.
		if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
			return config.NetworkConfig{}, config.ConnectionConfig{}, opts, err
		}
	}

	network, err := parseNetwork(opts.Network)
	if err != nil {
		return config.NetworkConfig{}, config.ConnectionConfig{}, opts, err
	}
	mode, err := parseMode(opts.Mode)
	if err != nil {
		return config.NetworkConfig{}, config.ConnectionConfig{}, opts, err
	}

	netCfg := config.DefaultNetworkConfig(network)
	netCfg.Mode = mode
	netCfg.TargetConnections = opts.TargetConnections
	netCfg.MaxConnections = opts.MaxConnections
	netCfg.DNSSeeds = opts.DNSSeeds
	netCfg.DefaultPort = opts.DefaultPort
	netCfg.FixedPeers = opts.FixedPeers
	netCfg.PeerFile = opts.PeerFile
	netCfg.BannedUserAgents = opts.BannedUserAgents
	netCfg.LogThreshold = opts.LogLevel
	netCfg.TelemetryAddr = opts.TelemetryAddr
	netCfg.Listener = config.ListenerConfig{
		Enabled:  opts.ListenEnabled,
		BindIP:   opts.BindIP,
		BindPort: opts.BindPort,
	}

	connCfg := config.DefaultConnectionConfig()
	if d, err := parseDuration(opts.PingInterval); err == nil {
		connCfg.PingInterval = d
	}
	if d, err := parseDuration(opts.PingTimeout); err == nil {
		connCfg.PingTimeout = d
	}
	if d, err := parseDuration(opts.HandshakeTimeout); err == nil {
		connCfg.HandshakeTimeout = d
	}
	if d, err := parseDuration(opts.InitialBackoff); err == nil {
		connCfg.InitialBackoff = d
	}
	if d, err := parseDuration(opts.RestartWindow); err == nil {
		connCfg.RestartWindow = d
	}
	connCfg.MaxRetries = opts.MaxRetries
	connCfg.BackoffMultiplier = opts.BackoffMultiplier
	connCfg.MaxRestarts = opts.MaxRestarts
	connCfg.MaxOutboundDialRate = opts.MaxOutboundDialRate

	if err := netCfg.Validate(); err != nil {
		return config.NetworkConfig{}, config.ConnectionConfig{}, opts, err
	}
	if err := connCfg.Validate(); err != nil {
		return config.NetworkConfig{}, config.ConnectionConfig{}, opts, err
	}
	if netCfg.Listener.Enabled {
		if _, _, err := net.SplitHostPort(net.JoinHostPort(netCfg.Listener.BindIP, "0")); err != nil {
			return config.NetworkConfig{}, config.ConnectionConfig{}, opts, fmt.Errorf("invalid bind_ip %q", netCfg.Listener.BindIP)
		}
	}

	return netCfg, connCfg, opts, nil
}
