package security

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"
)

type fakeResolver map[string][]string

func (f fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	raw, ok := f[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	out := make([]netip.Addr, 0, len(raw))
	for _, s := range raw {
		out = append(out, netip.MustParseAddr(s))
	}
	return out, nil
}

func newTestSSRFGuard(cfg SSRFConfig) *SSRFGuard {
	return NewSSRFGuard(cfg, nil).WithResolver(fakeResolver{
		"example.com":    {"93.184.216.34"},
		"internal.corp":  {"10.1.2.3"},
		"rebind.example": {"93.184.216.34", "127.0.0.1"},
		"v6.example":     {"2606:2800:220:1:248:1893:25c8:1946"},
	})
}

func TestSSRFGuard_Check(t *testing.T) {
	t.Parallel()
	g := newTestSSRFGuard(SSRFConfig{BlockedHosts: []string{"evil.example"}})
	ctx := context.Background()

	tests := []struct {
		name    string
		url     string
		wantErr string
	}{
		{"public host", "https://example.com/page", ""},
		{"public ipv6 host", "http://v6.example/", ""},
		{"public ip literal", "http://8.8.8.8/", ""},
		{"file scheme", "file:///etc/passwd", "scheme"},
		{"ftp scheme", "ftp://example.com/", "scheme"},
		{"no host", "http:///path", "no host"},
		{"localhost", "http://localhost:8080/", "not allowed"},
		{"metadata host", "http://metadata.google.internal/", "not allowed"},
		{"configured host", "https://EVIL.example/", "not allowed"},
		{"loopback literal", "http://127.0.0.1/", "loopback"},
		{"ipv6 loopback", "http://[::1]/", "loopback"},
		{"mapped loopback", "http://[::ffff:127.0.0.1]/", "loopback"},
		{"metadata ip", "http://169.254.169.254/latest/meta-data", "link-local"},
		{"private literal", "http://192.168.1.1/", "private"},
		{"private by dns", "http://internal.corp/", "private"},
		{"any address private in dns", "http://rebind.example/", "loopback"},
		{"unresolvable", "http://nowhere.invalid/", "cannot resolve"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := g.Check(ctx, tt.url)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Check(%q) = %v, want nil", tt.url, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Check(%q) = nil, want error containing %q", tt.url, tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Check(%q) = %v, want error containing %q", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestSSRFGuard_AllowPrivate(t *testing.T) {
	t.Parallel()
	g := newTestSSRFGuard(SSRFConfig{AllowPrivate: true})
	ctx := context.Background()

	if err := g.Check(ctx, "http://10.0.0.5/"); err != nil {
		t.Errorf("private address should be allowed: %v", err)
	}
	if err := g.Check(ctx, "http://127.0.0.1/"); err == nil {
		t.Error("loopback must stay blocked with AllowPrivate")
	}
	if err := g.Check(ctx, "http://169.254.169.254/"); err == nil {
		t.Error("link-local must stay blocked with AllowPrivate")
	}
}
