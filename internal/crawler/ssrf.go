package crawler

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

const maxRedirects = 5

// SSRFGuard rejects requests that would reach private, loopback, or
// link-local addresses, plus any host on the configured blocklist. Unlike
// robots handling this check is fail-closed: resolution errors block the
// fetch. AllowPrivate exists for tests and local development only.
type SSRFGuard struct {
	blocklist    *domainPatternBlocklist
	allowPrivate bool
	lookupIP     func(ctx context.Context, host string) ([]net.IP, error)
}

// NewSSRFGuard builds a guard from configured domain patterns.
func NewSSRFGuard(blockedPatterns []string, allowPrivate bool) *SSRFGuard {
	return &SSRFGuard{
		blocklist:    newDomainPatternBlocklist(blockedPatterns),
		allowPrivate: allowPrivate,
		lookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, 0, len(addrs))
			for _, addr := range addrs {
				ips = append(ips, addr.IP)
			}
			return ips, nil
		},
	}
}

// ValidateURL checks scheme, blocklist membership, and every resolved IP
// before a URL is fetched or enqueued.
func (g *SSRFGuard) ValidateURL(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("url %q has no host", rawURL)
	}
	if g.blocklist.IsBlocked(host) {
		return fmt.Errorf("host %q is blocklisted", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if g.forbiddenIP(ip) {
			return fmt.Errorf("ip %s is not publicly routable", ip)
		}
		return nil
	}
	ips, err := g.lookupIP(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", host, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("resolve %q: no addresses", host)
	}
	for _, ip := range ips {
		if g.forbiddenIP(ip) {
			return fmt.Errorf("host %q resolves to non-routable %s", host, ip)
		}
	}
	return nil
}

// Transport returns an http.Transport whose dialer re-validates the literal
// address of every connection, closing the DNS-rebinding window between
// ValidateURL and the actual dial.
func (g *SSRFGuard) Transport(timeout time.Duration) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
		Control:   g.controlFunc,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// CheckRedirect caps the redirect chain and validates every hop. Cross-host
// hops drop the Authorization header.
func (g *SSRFGuard) CheckRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if err := g.ValidateURL(req.Context(), req.URL.String()); err != nil {
		return fmt.Errorf("redirect target rejected: %w", err)
	}
	if len(via) > 0 && !strings.EqualFold(req.URL.Hostname(), via[0].URL.Hostname()) {
		req.Header.Del("Authorization")
	}
	return nil
}

func (g *SSRFGuard) controlFunc(_ string, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("split dial address: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("dial address %q is not an ip literal", host)
	}
	if g.forbiddenIP(ip) {
		return fmt.Errorf("dial to non-routable %s refused", ip)
	}
	return nil
}

func (g *SSRFGuard) forbiddenIP(ip net.IP) bool {
	if g.allowPrivate {
		return false
	}
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}
