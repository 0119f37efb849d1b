// Package netguard validates caller-supplied URLs before any outbound
// request is made (SSRF defence).
package netguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"

	"github.com/sttools/convertd/internal/log"
)

var (
	// ErrSchemeNotAllowed indicates a non-http(s) or plain-http URL.
	ErrSchemeNotAllowed = errors.New("url scheme not allowed")
	// ErrBlockedAddress indicates the host resolves to a private, loopback
	// or otherwise non-routable address.
	ErrBlockedAddress = errors.New("url resolves to blocked address")
)

// Policy captures the outbound URL rules. The zero value is the strict
// production posture: https only, public addresses only.
type Policy struct {
	AllowHTTP       bool // permit plain http schemes
	AllowPrivateIPs bool // bypass all address checks (tests/dev only)
}

// CheckURL validates raw against the policy. Any parse or resolution
// failure is treated as unsafe.
func (p Policy) CheckURL(ctx context.Context, raw string) error {
	if p.AllowPrivateIPs {
		return nil
	}

	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "https":
	case "http":
		if !p.AllowHTTP {
			return fmt.Errorf("%w: plain http disabled", ErrSchemeNotAllowed)
		}
	default:
		return fmt.Errorf("%w: %q", ErrSchemeNotAllowed, scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("invalid url: missing host")
	}

	ips, err := resolveHostIPs(ctx, host)
	if err != nil {
		return err
	}
	for _, ip := range ips {
		if isBlockedIP(ip) {
			return fmt.Errorf("%w: %s -> %s", ErrBlockedAddress, host, ip)
		}
	}
	return nil
}

// IsSafeURL is the boolean form of CheckURL; rejections are logged.
func (p Policy) IsSafeURL(ctx context.Context, raw string) bool {
	if err := p.CheckURL(ctx, raw); err != nil {
		logger := log.WithComponentFromContext(ctx, "netguard")
		logger.Warn().
			Str("event", "ssrf.blocked").
			Str("url", raw).
			Err(err).
			Msg("outbound url rejected")
		return false
	}
	return true
}

func resolveHostIPs(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return []net.IP{ip}, nil
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return nil, fmt.Errorf("invalid host %q: %w", host, err)
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, ascii)
	if err != nil {
		return nil, fmt.Errorf("resolve host %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve host %q: no addresses", host)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		if addr.IP != nil {
			ips = append(ips, addr.IP)
		}
	}
	return ips, nil
}

func isBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast()
}
