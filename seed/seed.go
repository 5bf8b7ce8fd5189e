// Package seed implements DnsSeeder (§4.6): periodic resolution of
// configured seed hostnames into Unknown peers, filtered against existing
// and banned entries. Grounded on the hardcoded-seed-list/resolve-then-
// insert shape of heminetwork's tbc.seed/seedForever (consulted pack
// material — see DESIGN.md), with resolution supplemented by
// github.com/miekg/dns per SPEC_FULL §4.6.
package seed

import (
	"context"
	"net"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/time/rate"

	"github.com/bsv-infra/p2pcore/config"
	"github.com/bsv-infra/p2pcore/peerstore"
)

// Resolver looks up the IPs a seed hostname currently advertises. Kept as
// an interface so tests inject a stub instead of hitting real DNS.
type Resolver interface {
	LookupHost(ctx context.Context, hostname string) ([]net.IP, error)
}

// Seeder is the DnsSeeder component.
type Seeder struct {
	netCfg   config.NetworkConfig
	repo     peerstore.Repository
	resolver Resolver
	limiter  *rate.Limiter
	log      btclog.Logger
	clock    func() time.Time

	ticker ticker.Ticker

	quit chan struct{}
	done chan struct{}
}

// Options bundles Seeder's collaborators.
type Options struct {
	NetworkConfig config.NetworkConfig
	Repository    peerstore.Repository
	Resolver      Resolver
	Log           btclog.Logger

	// ReseedInterval overrides the hourly default; tests set this short.
	ReseedInterval time.Duration
}

// New constructs a Seeder. Resolution and insertion only happen once Run
// is called.
func New(opts Options) *Seeder {
	log := opts.Log
	if log == nil {
		log = btclog.Disabled
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = NewDNSResolver(nil)
	}
	interval := opts.ReseedInterval
	if interval <= 0 {
		interval = time.Hour
	}

	return &Seeder{
		netCfg:   opts.NetworkConfig,
		repo:     opts.Repository,
		resolver: resolver,
		// At most one hostname lookup per second, burst of one (§4.6's
		// supplement): a misconfigured seed list of hundreds of hostnames
		// cannot produce a thundering herd of outbound lookups.
		limiter: rate.NewLimiter(rate.Limit(1), 1),
		log:     log,
		clock:   time.Now,
		ticker:  ticker.New(interval),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetRepository injects the repository once it becomes available. Must be
// called before Run.
func (s *Seeder) SetRepository(repo peerstore.Repository) {
	s.repo = repo
}

// Run performs one pass immediately, then one pass per tick, until Stop is
// called. Callers in Fixed-peer mode must not call Run at all (§4.6).
func (s *Seeder) Run(ctx context.Context) {
	defer close(s.done)

	s.RunOnce(ctx)
	s.ticker.Resume()
	defer s.ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		case <-s.ticker.Ticks():
			s.RunOnce(ctx)
		}
	}
}

// Stop requests termination of a running Run loop.
func (s *Seeder) Stop() {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
}

// Done is closed once Run has returned.
func (s *Seeder) Done() <-chan struct{} { return s.done }

// RunOnce resolves every configured hostname and inserts newly-discovered
// endpoints as Unknown peers (§4.6). A single hostname's resolution
// failure is logged and does not abort the pass.
func (s *Seeder) RunOnce(ctx context.Context) {
	for _, host := range s.netCfg.DNSSeeds {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		ips, err := s.resolver.LookupHost(ctx, host)
		if err != nil {
			s.log.Warnf("seed: lookup %s failed: %v", host, err)
			continue
		}
		for _, ip := range ips {
			s.insertIfNew(ip)
		}
	}
}

func (s *Seeder) insertIfNew(ip net.IP) {
	ep := peerstore.Endpoint{IP: ip, Port: s.netCfg.DefaultPort}
	if _, exists := s.repo.FindByEndpoint(ep); exists {
		return
	}
	if _, err := s.repo.Create(peerstore.Peer{Endpoint: ep}); err != nil {
		s.log.Debugf("seed: insert %s skipped: %v", ep, err)
	}
}
