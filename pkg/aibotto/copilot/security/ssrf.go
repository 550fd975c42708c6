// Package security – ssrf.go keeps fetch_webpage away from internal
// addresses. Hostnames are resolved before the check so a public name that
// points at a private address is rejected too.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// SSRFConfig configures the SSRF guard.
type SSRFConfig struct {
	// AllowPrivate permits RFC 1918 and unique-local targets.
	AllowPrivate bool `yaml:"allow_private"`

	// BlockedHosts are always rejected.
	BlockedHosts []string `yaml:"blocked_hosts"`
}

var alwaysBlockedHosts = []string{
	"localhost",
	"localhost.localdomain",
	"metadata.google.internal",
}

var (
	loopbackPrefixes = []netip.Prefix{
		netip.MustParsePrefix("127.0.0.0/8"),
		netip.MustParsePrefix("::1/128"),
		netip.MustParsePrefix("0.0.0.0/8"),
		netip.MustParsePrefix("::/128"),
	}
	linkLocalPrefixes = []netip.Prefix{
		netip.MustParsePrefix("169.254.0.0/16"),
		netip.MustParsePrefix("fe80::/10"),
	}
	privatePrefixes = []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
		netip.MustParsePrefix("100.64.0.0/10"),
		netip.MustParsePrefix("fc00::/7"),
	}
)

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// SSRFGuard validates outgoing URLs.
type SSRFGuard struct {
	cfg      SSRFConfig
	resolver Resolver
	logger   *slog.Logger
}

// NewSSRFGuard creates a guard using the default resolver.
func NewSSRFGuard(cfg SSRFConfig, logger *slog.Logger) *SSRFGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSRFGuard{
		cfg:      cfg,
		resolver: net.DefaultResolver,
		logger:   logger.With("component", "ssrf_guard"),
	}
}

// WithResolver swaps the resolver, mainly for tests.
func (g *SSRFGuard) WithResolver(r Resolver) *SSRFGuard {
	g.resolver = r
	return g
}

// Check returns an error if rawURL must not be fetched.
func (g *SSRFGuard) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("scheme %q not allowed (use http or https)", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("no host in URL")
	}
	for _, blocked := range append(alwaysBlockedHosts, g.cfg.BlockedHosts...) {
		if strings.EqualFold(host, blocked) {
			g.logger.Warn("SSRF blocked: host", "url", rawURL)
			return fmt.Errorf("host %s is not allowed", host)
		}
	}

	var addrs []netip.Addr
	if addr, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{addr}
	} else {
		addrs, err = g.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return fmt.Errorf("cannot resolve host %s: %w", host, err)
		}
	}

	for _, addr := range addrs {
		if err := g.checkAddr(addr.Unmap()); err != nil {
			g.logger.Warn("SSRF blocked: address", "url", rawURL, "addr", addr.String(), "reason", err)
			return err
		}
	}
	return nil
}

func (g *SSRFGuard) checkAddr(addr netip.Addr) error {
	if addr.IsUnspecified() || containsAddr(loopbackPrefixes, addr) {
		return fmt.Errorf("loopback address %s is not allowed", addr)
	}
	if containsAddr(linkLocalPrefixes, addr) {
		return fmt.Errorf("link-local/metadata address %s is not allowed", addr)
	}
	if !g.cfg.AllowPrivate && containsAddr(privatePrefixes, addr) {
		return fmt.Errorf("private address %s is not allowed", addr)
	}
	return nil
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
