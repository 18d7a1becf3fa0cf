package scraper

import (
	"context"
	"net/http"
	"time"

	"github.com/JakeFAU/book-relay/internal/cookies"
	collyfetcher "github.com/JakeFAU/book-relay/internal/fetcher/colly"
)

// Driver is the browser capability the scraper needs. The chromedp-backed
// browser.Driver satisfies it; tests use a fake.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	SendKeys(ctx context.Context, selector, value string) error
	Submit(ctx context.Context, selector string) error
	Location(ctx context.Context) (string, error)
	Evaluate(ctx context.Context, expression string, out any) error
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	ClearCookies(ctx context.Context) error
	Close() error
}

// DriverFactory launches a new browser.
type DriverFactory func(ctx context.Context) (Driver, error)

// HTTPFetcher performs the plain cookie-bearing GET used for download
// resolution.
type HTTPFetcher interface {
	Fetch(ctx context.Context, request collyfetcher.Request) (collyfetcher.Response, error)
}

// Session is one browser page plus the cookie jar mirrored from it, bound to
// a single account. A Session is never mutated after construction; every
// state change builds a new value.
type Session struct {
	driver     Driver
	cookies    *cookies.Store
	account    int
	loggedInAt time.Time
}

func (s *Session) fresh(now time.Time, ttl time.Duration) bool {
	return !s.loggedInAt.IsZero() && now.Sub(s.loggedInAt) < ttl
}
