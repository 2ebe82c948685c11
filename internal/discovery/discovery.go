// Package discovery resolves peer names to daemon URLs. A bare host name is
// looked up as an SRV record (_xferd._tcp.<host>); when there is none the
// daemon is assumed to listen on the default port.
package discovery

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
)

// Service is the SRV service label daemons publish under.
const Service = "_xferd._tcp"

// DefaultTimeout bounds a single SRV exchange.
const DefaultTimeout = 2 * time.Second

// Config holds resolver configuration.
type Config struct {
	Enabled bool
	// Server is the DNS server as host:port. Empty means the first
	// nameserver from /etc/resolv.conf.
	Server      string
	DefaultPort int
	Timeout     time.Duration
}

// Resolver turns peer names into daemon base URLs.
type Resolver struct {
	enabled     bool
	server      string
	defaultPort int
	client      *dns.Client
}

// New creates a resolver.
func New(cfg Config) *Resolver {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{
		enabled:     cfg.Enabled,
		server:      cfg.Server,
		defaultPort: cfg.DefaultPort,
		client:      &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// Resolve returns the base URL of the daemon named by peer. URLs and
// host:port pairs are used as given.
func (r *Resolver) Resolve(ctx context.Context, peer string) (string, error) {
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return "", fmt.Errorf("empty peer")
	}
	if strings.Contains(peer, "://") {
		u, err := url.Parse(peer)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("invalid peer url %q", peer)
		}
		return strings.TrimSuffix(peer, "/"), nil
	}
	if _, _, err := net.SplitHostPort(peer); err == nil {
		return "http://" + peer, nil
	}

	if r.enabled {
		addr, err := r.lookupSRV(ctx, peer)
		if err == nil {
			return "http://" + addr, nil
		}
		log.Debug().Err(err).Str("peer", peer).Msg("SRV lookup failed, using default port")
	}
	return "http://" + net.JoinHostPort(peer, strconv.Itoa(r.defaultPort)), nil
}

// lookupSRV queries _xferd._tcp.<host> and returns the preferred target.
func (r *Resolver) lookupSRV(ctx context.Context, host string) (string, error) {
	server, err := r.nameserver()
	if err != nil {
		return "", err
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(Service+"."+host), dns.TypeSRV)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return "", fmt.Errorf("query %s: %w", server, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("query %s: %s", server, dns.RcodeToString[resp.Rcode])
	}

	var records []*dns.SRV
	for _, rr := range resp.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return "", fmt.Errorf("no SRV records for %s", host)
	}

	// Lowest priority first, then highest weight
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})
	best := records[0]
	target := strings.TrimSuffix(best.Target, ".")

	log.Debug().
		Str("host", host).
		Str("target", target).
		Uint16("port", best.Port).
		Msg("discovered peer via SRV")

	return net.JoinHostPort(target, strconv.Itoa(int(best.Port))), nil
}

func (r *Resolver) nameserver() (string, error) {
	if r.server != "" {
		return r.server, nil
	}
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", fmt.Errorf("read resolv.conf: %w", err)
	}
	if len(conf.Servers) == 0 {
		return "", fmt.Errorf("no nameservers configured")
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}
