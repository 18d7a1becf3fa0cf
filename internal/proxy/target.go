package proxy

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrTargetRejected is returned for tokens that do not name an allowed https URL.
var ErrTargetRejected = errors.New("target not allowed")

// EncodeTarget turns an absolute URL into a path-safe token.
func EncodeTarget(rawURL string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(rawURL))
}

// DecodeTarget reverses EncodeTarget. Padded tokens are accepted.
func DecodeTarget(token string) (*url.URL, error) {
	token = strings.TrimRight(strings.TrimSpace(token), "=")
	if token == "" {
		return nil, fmt.Errorf("empty token")
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	u, err := url.Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("target %q is not an absolute URL", u.Redacted())
	}
	return u, nil
}

// Allowlist holds the upstream hostnames the proxy may contact. An entry
// matches itself and any subdomain of itself.
type Allowlist struct {
	hosts []string
}

// NewAllowlist normalizes hosts. Empty entries are dropped.
func NewAllowlist(hosts []string) Allowlist {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
		if h != "" {
			out = append(out, h)
		}
	}
	return Allowlist{hosts: out}
}

// Hosts returns the normalized entries.
func (a Allowlist) Hosts() []string {
	return append([]string(nil), a.hosts...)
}

// Allows reports whether u is an https URL on an allowlisted host.
func (a Allowlist) Allows(u *url.URL) bool {
	if u == nil || u.Scheme != "https" || u.User != nil {
		return false
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return false
	}
	for _, allowed := range a.hosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// Resolve decodes token and validates the result against the allowlist.
func (a Allowlist) Resolve(token string) (*url.URL, error) {
	u, err := DecodeTarget(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTargetRejected, err)
	}
	if !a.Allows(u) {
		return nil, fmt.Errorf("%w: %s", ErrTargetRejected, u.Redacted())
	}
	return u, nil
}
