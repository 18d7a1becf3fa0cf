// Package cookies mirrors browser cookies into an http.CookieJar so plain
// HTTP clients can reuse an authenticated browser identity.
package cookies

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"
)

// Store is a cookie jar fed from browser cookie snapshots.
type Store struct {
	mu  sync.RWMutex
	jar *cookiejar.Jar
}

// New returns an empty store.
func New() (*Store, error) {
	jar, err := newJar()
	if err != nil {
		return nil, err
	}
	return &Store{jar: jar}, nil
}

func newJar() (*cookiejar.Jar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return jar, nil
}

// Sync replaces the jar contents with the given browser cookies. Cookies
// without a domain are scoped to fallback.
func (s *Store) Sync(fallback *url.URL, cookies []*http.Cookie) error {
	jar, err := newJar()
	if err != nil {
		return err
	}
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		target := cookieURL(fallback, c)
		jar.SetCookies(target, []*http.Cookie{c})
	}
	s.mu.Lock()
	s.jar = jar
	s.mu.Unlock()
	return nil
}

// Cookies returns the cookies that would be sent to u.
func (s *Store) Cookies(u *url.URL) []*http.Cookie {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jar.Cookies(u)
}

// SetCookies implements http.CookieJar.
func (s *Store) SetCookies(u *url.URL, cookies []*http.Cookie) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.jar.SetCookies(u, cookies)
}

// Len counts cookies visible to u.
func (s *Store) Len(u *url.URL) int {
	return len(s.Cookies(u))
}

func cookieURL(fallback *url.URL, c *http.Cookie) *url.URL {
	host := strings.TrimPrefix(c.Domain, ".")
	if host == "" {
		return fallback
	}
	path := c.Path
	if path == "" {
		path = "/"
	}
	scheme := "https"
	if fallback != nil && fallback.Scheme != "" && !c.Secure {
		scheme = fallback.Scheme
	}
	return &url.URL{Scheme: scheme, Host: host, Path: path}
}

var _ http.CookieJar = (*Store)(nil)
