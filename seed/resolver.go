package seed

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// DNSResolver issues A and AAAA queries directly via github.com/miekg/dns
// against a configured list of recursive resolvers, falling back to the
// system resolver's nameservers (read from /etc/resolv.conf via
// dns.ClientConfigFromFile, the standard miekg/dns-based-tool idiom) when
// none are configured.
type DNSResolver struct {
	client  *dns.Client
	servers []string
}

// NewDNSResolver constructs a DNSResolver. A nil/empty servers list falls
// back to /etc/resolv.conf at lookup time.
func NewDNSResolver(servers []string) *DNSResolver {
	return &DNSResolver{
		client:  &dns.Client{},
		servers: servers,
	}
}

func (r *DNSResolver) resolveServers() []string {
	if len(r.servers) > 0 {
		return r.servers
	}
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || cfg == nil || len(cfg.Servers) == 0 {
		return []string{"8.8.8.8:53"}
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(s, cfg.Port))
	}
	return servers
}

// LookupHost resolves hostname to its A and AAAA addresses.
func (r *DNSResolver) LookupHost(ctx context.Context, hostname string) ([]net.IP, error) {
	servers := r.resolveServers()
	var ips []net.IP
	var lastErr error

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(hostname), qtype)
		m.RecursionDesired = true

		resolved := false
		for _, server := range servers {
			resp, _, err := r.client.ExchangeContext(ctx, m, server)
			if err != nil {
				lastErr = err
				continue
			}
			for _, rr := range resp.Answer {
				switch rec := rr.(type) {
				case *dns.A:
					ips = append(ips, rec.A)
				case *dns.AAAA:
					ips = append(ips, rec.AAAA)
				}
			}
			resolved = true
			break
		}
		if !resolved && lastErr != nil {
			continue
		}
	}

	if len(ips) == 0 && lastErr != nil {
		return nil, fmt.Errorf("seed: resolve %s: %w", hostname, lastErr)
	}
	return ips, nil
}
