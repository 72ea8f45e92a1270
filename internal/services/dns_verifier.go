package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ErrNoRecord is returned when a lookup succeeds but carries no matching answer.
var ErrNoRecord = errors.New("no matching DNS record")

// DNSVerifierConfig holds configuration for the DNS verifier
type DNSVerifierConfig struct {
	ResolverAddr  string
	MaxRetries    int
	RetryDelay    time.Duration
	LookupTimeout time.Duration
}

// DefaultDNSVerifierConfig returns default configuration for the DNS verifier
func DefaultDNSVerifierConfig() DNSVerifierConfig {
	return DNSVerifierConfig{
		ResolverAddr:  "8.8.8.8:53",
		MaxRetries:    2,
		RetryDelay:    2 * time.Second,
		LookupTimeout: 5 * time.Second,
	}
}

// DNSResolver interface for DNS lookups (allows mocking in tests)
type DNSResolver interface {
	LookupCNAME(ctx context.Context, host string) (string, error)
	LookupTXT(ctx context.Context, host string) ([]string, error)
}

// dnsClientResolver queries one recursive resolver directly, bypassing the
// system stub resolver and its cache.
type dnsClientResolver struct {
	client *dns.Client
	server string
}

// NewDNSResolver creates a DNSResolver that asks server (host:port).
func NewDNSResolver(server string, timeout time.Duration) DNSResolver {
	return &dnsClientResolver{
		client: &dns.Client{Net: "udp", Timeout: timeout},
		server: server,
	}
}

func (r *dnsClientResolver) exchange(ctx context.Context, host string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, err
	}
	if in.Truncated {
		tcp := &dns.Client{Net: "tcp", Timeout: r.client.Timeout}
		if in, _, err = tcp.ExchangeContext(ctx, m, r.server); err != nil {
			return nil, err
		}
	}
	switch in.Rcode {
	case dns.RcodeSuccess:
		return in, nil
	case dns.RcodeNameError:
		return nil, fmt.Errorf("%s: %w", host, ErrNoRecord)
	default:
		return nil, fmt.Errorf("%s lookup for %s: %s", dns.TypeToString[qtype], host, dns.RcodeToString[in.Rcode])
	}
}

func (r *dnsClientResolver) LookupCNAME(ctx context.Context, host string) (string, error) {
	in, err := r.exchange(ctx, host, dns.TypeCNAME)
	if err != nil {
		return "", err
	}
	for _, rr := range in.Answer {
		if c, ok := rr.(*dns.CNAME); ok {
			return normalizeHost(c.Target), nil
		}
	}
	return "", fmt.Errorf("CNAME %s: %w", host, ErrNoRecord)
}

func (r *dnsClientResolver) LookupTXT(ctx context.Context, host string) ([]string, error) {
	in, err := r.exchange(ctx, host, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range in.Answer {
		if t, ok := rr.(*dns.TXT); ok {
			// Long values arrive split into 255-byte character strings.
			out = append(out, strings.Join(t.Txt, ""))
		}
	}
	return out, nil
}

// DNSVerifier checks delegation records with a bounded retry.
type DNSVerifier struct {
	config   DNSVerifierConfig
	resolver DNSResolver
}

// NewDNSVerifier creates a DNSVerifier backed by a miekg/dns resolver
func NewDNSVerifier(config DNSVerifierConfig) *DNSVerifier {
	return &DNSVerifier{
		config:   config,
		resolver: NewDNSResolver(config.ResolverAddr, config.LookupTimeout),
	}
}

// NewDNSVerifierWithResolver creates a DNSVerifier with custom resolver (for testing)
func NewDNSVerifierWithResolver(config DNSVerifierConfig, resolver DNSResolver) *DNSVerifier {
	return &DNSVerifier{config: config, resolver: resolver}
}

// VerifyCNAME checks that host is a CNAME for expectedTarget
func (v *DNSVerifier) VerifyCNAME(ctx context.Context, host, expectedTarget string) (bool, error) {
	if host == "" {
		return false, fmt.Errorf("host cannot be empty")
	}
	if expectedTarget == "" {
		return false, fmt.Errorf("expected target cannot be empty")
	}
	expectedTarget = normalizeHost(expectedTarget)

	return v.verifyWithRetry(ctx, func(ctx context.Context) (bool, error) {
		target, err := v.resolver.LookupCNAME(ctx, host)
		if err != nil {
			return false, fmt.Errorf("CNAME lookup failed for %s: %w", host, err)
		}
		if target != expectedTarget {
			return false, fmt.Errorf("CNAME mismatch: expected %s, found %s", expectedTarget, target)
		}
		return true, nil
	})
}

// VerifyTXT checks that host publishes every token
func (v *DNSVerifier) VerifyTXT(ctx context.Context, host string, tokens []string) (bool, error) {
	if host == "" {
		return false, fmt.Errorf("host cannot be empty")
	}

	return v.verifyWithRetry(ctx, func(ctx context.Context) (bool, error) {
		records, err := v.resolver.LookupTXT(ctx, host)
		if err != nil {
			return false, fmt.Errorf("TXT lookup failed for %s: %w", host, err)
		}
		published := make(map[string]struct{}, len(records))
		for _, r := range records {
			published[strings.TrimSpace(r)] = struct{}{}
		}
		for _, t := range tokens {
			if _, ok := published[t]; !ok {
				return false, fmt.Errorf("TXT record %q missing at %s", t, host)
			}
		}
		return true, nil
	})
}

// verifyWithRetry executes a verification function with retry mechanism
func (v *DNSVerifier) verifyWithRetry(ctx context.Context, verifyFunc func(context.Context) (bool, error)) (bool, error) {
	var lastErr error

	for attempt := 0; attempt <= v.config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		verified, err := verifyFunc(ctx)
		if err == nil && verified {
			return true, nil
		}
		if err != nil {
			lastErr = err
		}

		// Don't sleep on the last attempt
		if attempt < v.config.MaxRetries {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(v.config.RetryDelay):
			}
		}
	}

	return false, lastErr
}

func normalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}
