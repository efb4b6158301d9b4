package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/miekg/dns"

	"github.com/welldanyogia/tempmail-mta/internal/metrics"
)

const resolvConf = "/etc/resolv.conf"

// Source tells how a Target was chosen
type Source string

const (
	SourceMX       Source = "mx"
	SourceA        Source = "a"
	SourceFallback Source = "fallback"
)

// Target is the exchanger chosen for a recipient domain
type Target struct {
	Host   string
	Source Source
	// Degraded is set when DNS failed and Host is a guess
	Degraded bool
}

// Exchanger sends one DNS query; *dns.Client satisfies it
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// ResolverConfig configures NewResolver
type ResolverConfig struct {
	// Server is "host[:port]"; empty reads the first nameserver of /etc/resolv.conf
	Server    string
	CacheTTL  time.Duration
	Exchanger Exchanger
	Logger    *slog.Logger
}

// Resolver finds the mail exchanger of a domain
type Resolver struct {
	client Exchanger
	server string
	cache  *ristretto.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewResolver creates a Resolver with a TTL cache of resolutions
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	server := cfg.Server
	if server == "" {
		cc, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, fmt.Errorf("delivery: read %s: %w", resolvConf, err)
		}
		if len(cc.Servers) == 0 {
			return nil, fmt.Errorf("delivery: no nameservers in %s", resolvConf)
		}
		server = net.JoinHostPort(cc.Servers[0], cc.Port)
	} else if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1e4,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("delivery: create resolver cache: %w", err)
	}

	client := cfg.Exchanger
	if client == nil {
		client = &dns.Client{Timeout: 5 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Resolver{
		client: client,
		server: server,
		cache:  cache,
		ttl:    cfg.CacheTTL,
		logger: log,
	}, nil
}

// Resolve returns the exchanger for domain: the most preferred MX host, else
// the domain itself when it has an A record, else mail.<domain>. A DNS failure
// also yields mail.<domain>, marked Degraded. Resolve never fails.
func (r *Resolver) Resolve(ctx context.Context, domain string) Target {
	domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))

	if v, ok := r.cache.Get(domain); ok {
		if t, ok := v.(Target); ok {
			metrics.DNSResolutions.WithLabelValues(string(t.Source), "true").Inc()
			return t
		}
	}

	t, err := r.lookup(ctx, domain)
	if err != nil {
		r.logger.Warn("DNS resolution failed, using fallback exchanger",
			slog.String("domain", domain),
			slog.Any("error", err),
		)
		t = Target{Host: "mail." + domain, Source: SourceFallback, Degraded: true}
	} else if r.ttl > 0 {
		r.cache.SetWithTTL(domain, t, 1, r.ttl)
	}

	metrics.DNSResolutions.WithLabelValues(string(t.Source), "false").Inc()
	return t
}

func (r *Resolver) lookup(ctx context.Context, domain string) (Target, error) {
	answers, err := r.query(ctx, domain, dns.TypeMX)
	if err != nil {
		return Target{}, err
	}

	var best *dns.MX
	for _, rr := range answers {
		mx, ok := rr.(*dns.MX)
		if !ok || strings.TrimSuffix(mx.Mx, ".") == "" {
			continue
		}
		if best == nil || mx.Preference < best.Preference {
			best = mx
		}
	}
	if best != nil {
		return Target{Host: strings.ToLower(strings.TrimSuffix(best.Mx, ".")), Source: SourceMX}, nil
	}

	answers, err = r.query(ctx, domain, dns.TypeA)
	if err != nil {
		return Target{}, err
	}
	for _, rr := range answers {
		if _, ok := rr.(*dns.A); ok {
			return Target{Host: domain, Source: SourceA}, nil
		}
	}

	return Target{Host: "mail." + domain, Source: SourceFallback}, nil
}

// query returns the answer section; NXDOMAIN is an empty answer
func (r *Resolver) query(ctx context.Context, domain string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), qtype)
	m.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, fmt.Errorf("delivery: %s query for %s: %w", dns.TypeToString[qtype], domain, err)
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
		return resp.Answer, nil
	case dns.RcodeNameError:
		return nil, nil
	}
	return nil, fmt.Errorf("delivery: %s query for %s: %s", dns.TypeToString[qtype], domain, dns.RcodeToString[resp.Rcode])
}

// Close releases the resolution cache
func (r *Resolver) Close() {
	r.cache.Close()
}
