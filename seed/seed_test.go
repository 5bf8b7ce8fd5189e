package seed

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bsv-infra/p2pcore/config"
	"github.com/bsv-infra/p2pcore/peerstore"
)

type stubResolver struct {
	byHost map[string][]net.IP
	fail   map[string]bool
}

func (s *stubResolver) LookupHost(ctx context.Context, hostname string) ([]net.IP, error) {
	if s.fail[hostname] {
		return nil, context.DeadlineExceeded
	}
	return s.byHost[hostname], nil
}

func TestRunOnceInsertsUnknownPeersForNewEndpoints(t *testing.T) {
	repo := peerstore.NewStore("")
	netCfg := config.DefaultNetworkConfig(config.Mainnet)
	netCfg.DNSSeeds = []string{"seed.example.com"}
	netCfg.DefaultPort = 8333

	resolver := &stubResolver{byHost: map[string][]net.IP{
		"seed.example.com": {net.ParseIP("1.2.3.4"), net.ParseIP("5.6.7.8")},
	}}

	s := New(Options{NetworkConfig: netCfg, Repository: repo, Resolver: resolver})
	s.RunOnce(context.Background())

	require.Len(t, repo.ListAll(), 2)
	require.Equal(t, 2, repo.CountByStatus(peerstore.StatusUnknown))
}

func TestRunOnceSkipsExistingAndBannedEndpoints(t *testing.T) {
	repo := peerstore.NewStore("")
	netCfg := config.DefaultNetworkConfig(config.Mainnet)
	netCfg.DNSSeeds = []string{"seed.example.com"}
	netCfg.DefaultPort = 8333

	existing, err := repo.Create(peerstore.Peer{Endpoint: peerstore.Endpoint{IP: net.ParseIP("1.2.3.4"), Port: 8333}})
	require.NoError(t, err)
	existing.Status = peerstore.StatusBanned
	require.NoError(t, repo.Update(existing))

	resolver := &stubResolver{byHost: map[string][]net.IP{
		"seed.example.com": {net.ParseIP("1.2.3.4")},
	}}
	s := New(Options{NetworkConfig: netCfg, Repository: repo, Resolver: resolver})
	s.RunOnce(context.Background())

	require.Len(t, repo.ListAll(), 1)
	require.Equal(t, 1, repo.CountByStatus(peerstore.StatusBanned))
}

func TestRunOnceToleratesOneHostnameFailure(t *testing.T) {
	repo := peerstore.NewStore("")
	netCfg := config.DefaultNetworkConfig(config.Mainnet)
	netCfg.DNSSeeds = []string{"bad.example.com", "good.example.com"}
	netCfg.DefaultPort = 8333

	resolver := &stubResolver{
		byHost: map[string][]net.IP{"good.example.com": {net.ParseIP("9.9.9.9")}},
		fail:   map[string]bool{"bad.example.com": true},
	}
	s := New(Options{NetworkConfig: netCfg, Repository: repo, Resolver: resolver})
	s.RunOnce(context.Background())

	require.Len(t, repo.ListAll(), 1)
}

func TestRunLoopTicksAndStops(t *testing.T) {
	repo := peerstore.NewStore("")
	netCfg := config.DefaultNetworkConfig(config.Mainnet)
	netCfg.DNSSeeds = []string{"seed.example.com"}
	netCfg.DefaultPort = 8333

	resolver := &stubResolver{byHost: map[string][]net.IP{
		"seed.example.com": {net.ParseIP("1.1.1.1")},
	}}
	s := New(Options{
		NetworkConfig:  netCfg,
		Repository:     repo,
		Resolver:       resolver,
		ReseedInterval: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	require.Eventually(t, func() bool { return len(repo.ListAll()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("seeder did not stop after context cancellation")
	}
}
