package netsensor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ErrNoPTR is returned when an address has no reverse record.
var ErrNoPTR = errors.New("no PTR record")

// Resolver maps an IP address to a host name.
type Resolver interface {
	LookupAddr(ctx context.Context, ip string) (string, error)
}

// DNSResolver sends PTR queries to a single DNS server.
type DNSResolver struct {
	client *dns.Client
	server string
}

// NewDNSResolver queries server (host or host:port). An empty server uses
// the first nameserver from /etc/resolv.conf.
func NewDNSResolver(server string, timeout time.Duration) (*DNSResolver, error) {
	if server == "" {
		cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("read resolv.conf: %w", err)
		}
		if len(cfg.Servers) == 0 {
			return nil, errors.New("no nameservers in resolv.conf")
		}
		server = net.JoinHostPort(cfg.Servers[0], cfg.Port)
	} else if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &DNSResolver{
		client: &dns.Client{Timeout: timeout},
		server: server,
	}, nil
}

// Server returns the nameserver address in use.
func (r *DNSResolver) Server() string {
	return r.server
}

func (r *DNSResolver) LookupAddr(ctx context.Context, ip string) (string, error) {
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("reverse address for %s: %w", ip, err)
	}

	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)
	m.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return "", fmt.Errorf("PTR query for %s: %w", ip, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		if resp.Rcode == dns.RcodeNameError {
			return "", ErrNoPTR
		}
		return "", fmt.Errorf("PTR query for %s: %s", ip, dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, "."), nil
		}
	}
	return "", ErrNoPTR
}
