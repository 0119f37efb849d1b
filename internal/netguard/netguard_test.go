package netguard

import (
	"context"
	"errors"
	"testing"
)

func TestBlockedLoopback(t *testing.T) {
	p := Policy{AllowHTTP: true}
	err := p.CheckURL(context.Background(), "http://127.0.0.1/callback")
	if !errors.Is(err, ErrBlockedAddress) {
		t.Fatalf("expected ErrBlockedAddress, got %v", err)
	}
}

func TestBlockedPrivateRanges(t *testing.T) {
	p := Policy{AllowHTTP: true}
	for _, u := range []string{
		"http://10.0.0.5/cb",
		"http://192.168.1.1/cb",
		"http://172.16.0.1/cb",
		"http://169.254.169.254/latest/meta-data",
		"http://0.0.0.0/cb",
	} {
		if err := p.CheckURL(context.Background(), u); !errors.Is(err, ErrBlockedAddress) {
			t.Errorf("%s: expected ErrBlockedAddress, got %v", u, err)
		}
	}
}

func TestAllowedPublicIP(t *testing.T) {
	p := Policy{}
	if err := p.CheckURL(context.Background(), "https://8.8.8.8/callback"); err != nil {
		t.Fatalf("public https should pass, got %v", err)
	}
}

func TestPlainHTTPRejectedByDefault(t *testing.T) {
	p := Policy{}
	err := p.CheckURL(context.Background(), "http://8.8.8.8/callback")
	if !errors.Is(err, ErrSchemeNotAllowed) {
		t.Fatalf("expected ErrSchemeNotAllowed, got %v", err)
	}

	allowed := Policy{AllowHTTP: true}
	if err := allowed.CheckURL(context.Background(), "http://8.8.8.8/callback"); err != nil {
		t.Fatalf("http with AllowHTTP should pass, got %v", err)
	}
}

func TestNonHTTPSchemeRejected(t *testing.T) {
	p := Policy{AllowHTTP: true}
	for _, u := range []string{"ftp://8.8.8.8/x", "file:///etc/passwd", "gopher://x"} {
		if err := p.CheckURL(context.Background(), u); !errors.Is(err, ErrSchemeNotAllowed) {
			t.Errorf("%s: expected ErrSchemeNotAllowed, got %v", u, err)
		}
	}
}

func TestBypassAcceptsEverything(t *testing.T) {
	p := Policy{AllowPrivateIPs: true}
	for _, u := range []string{
		"http://127.0.0.1/cb",
		"http://10.0.0.5/cb",
		"not even a url",
	} {
		if err := p.CheckURL(context.Background(), u); err != nil {
			t.Errorf("%s: bypass should accept, got %v", u, err)
		}
	}
}

func TestGarbageIsUnsafe(t *testing.T) {
	p := Policy{AllowHTTP: true}
	if p.IsSafeURL(context.Background(), "://missing-scheme") {
		t.Error("unparseable url must be unsafe")
	}
	if p.IsSafeURL(context.Background(), "https://") {
		t.Error("hostless url must be unsafe")
	}
}
