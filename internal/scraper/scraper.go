// Package scraper drives the catalog through one headless browser session:
// login, search scraping, download-link resolution and account rotation.
//
// A Scraper is not safe for concurrent use. The worker is its only caller and
// serializes every operation.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/book-relay/internal/accounts"
	"github.com/JakeFAU/book-relay/internal/cookies"
	collyfetcher "github.com/JakeFAU/book-relay/internal/fetcher/colly"
	"github.com/JakeFAU/book-relay/internal/metrics"
	"github.com/JakeFAU/book-relay/internal/relay"
)

const (
	emailSelector    = `input[name="email"]`
	passwordSelector = `input[name="password"]`
	submitSelector   = `button[type="submit"]`
	resultsSelector  = `z-bookcard, .notFound, #searchResultBox`

	resultsExpression = `(() => {
  const box = document.querySelector('#searchResultBox');
  return box ? box.outerHTML : document.body.outerHTML;
})()`
)

// Config tunes the scraper.
type Config struct {
	BaseURL            string
	LoginPath          string
	SessionTTL         time.Duration
	DailyLimitFallback time.Duration
}

// Scraper owns the current Session and the account pool.
type Scraper struct {
	cfg       Config
	base      *url.URL
	pool      *accounts.Pool
	newDriver DriverFactory
	http      HTTPFetcher
	cache     relay.SearchCache
	clock     relay.Clock
	logger    *zap.Logger

	session *Session
}

// New validates cfg and builds a Scraper. cache may be nil.
func New(
	cfg Config,
	pool *accounts.Pool,
	newDriver DriverFactory,
	fetcher HTTPFetcher,
	cache relay.SearchCache,
	clock relay.Clock,
	logger *zap.Logger,
) (*Scraper, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if pool == nil || pool.Size() == 0 {
		return nil, accounts.ErrEmptyPool
	}
	if newDriver == nil || fetcher == nil || clock == nil {
		return nil, errors.New("scraper requires a driver factory, fetcher and clock")
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/login"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 15 * time.Minute
	}
	if cfg.DailyLimitFallback <= 0 {
		cfg.DailyLimitFallback = 3 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{
		cfg:       cfg,
		base:      base,
		pool:      pool,
		newDriver: newDriver,
		http:      fetcher,
		cache:     cache,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Search returns catalog results for query, from cache when possible.
func (s *Scraper) Search(ctx context.Context, query string) ([]relay.SearchResultRecord, error) {
	key := NormalizeQuery(query)
	if key == "" {
		return nil, relay.InvalidInput("query is required")
	}
	if records, ok := s.cached(ctx, key); ok {
		return records, nil
	}

	var records []relay.SearchResultRecord
	err := s.withAccount(ctx, "search", func(ctx context.Context, sess *Session) error {
		if err := sess.driver.Navigate(ctx, s.searchURL(key)); err != nil {
			return fmt.Errorf("open search page: %w", err)
		}
		if err := sess.driver.WaitVisible(ctx, resultsSelector); err != nil {
			return fmt.Errorf("wait for results: %w", err)
		}
		var html string
		if err := sess.driver.Evaluate(ctx, resultsExpression, &html); err != nil {
			return fmt.Errorf("read results: %w", err)
		}
		parsed, err := parseSearchResults(html, s.base)
		if err != nil {
			return err
		}
		records = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, records); err != nil {
			s.logger.Warn("search cache write failed", zap.String("query", key), zap.Error(err))
		}
	}
	s.logger.Debug("search complete", zap.String("query", key), zap.Int("results", len(records)))
	return records, nil
}

func (s *Scraper) cached(ctx context.Context, key string) ([]relay.SearchResultRecord, bool) {
	if s.cache == nil {
		return nil, false
	}
	records, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("search cache read failed", zap.String("query", key), zap.Error(err))
		return nil, false
	}
	metrics.ObserveSearchCache(ok)
	return records, ok
}

// ResolveDownload turns a /dl/<id>/<token> path into the real file location.
func (s *Scraper) ResolveDownload(ctx context.Context, downloadPath string) (relay.ResolvedDownload, error) {
	target, err := s.downloadURL(downloadPath)
	if err != nil {
		return relay.ResolvedDownload{}, err
	}
	var out relay.ResolvedDownload
	err = s.withAccount(ctx, "download", func(ctx context.Context, sess *Session) error {
		resolved, err := s.resolve(ctx, sess, target)
		if err != nil {
			return err
		}
		out = resolved
		return nil
	})
	if err != nil {
		return relay.ResolvedDownload{}, err
	}
	return out, nil
}

// Warmup logs in if the session is stale and reports when it was warmed.
func (s *Scraper) Warmup(ctx context.Context) (relay.WarmupResult, error) {
	err := s.withAccount(ctx, "warmup", func(context.Context, *Session) error { return nil })
	if err != nil {
		return relay.WarmupResult{}, err
	}
	return relay.WarmupResult{Success: true, WarmedAt: s.clock.Now()}, nil
}

// Reset discards the session and launches a fresh, logged-out browser.
func (s *Scraper) Reset(ctx context.Context) (relay.ResetResult, error) {
	s.teardown("reset")
	idx, _ := s.pool.Current()
	if _, err := s.openSession(ctx, idx); err != nil {
		return relay.ResetResult{}, err
	}
	return relay.ResetResult{Success: true, ResetAt: s.clock.Now()}, nil
}

// Close releases the browser.
func (s *Scraper) Close() {
	s.teardown("shutdown")
}

// withAccount runs op as SELECT_ACCOUNT -> LOGIN -> OPERATE, rotating to the
// next available account on a daily limit. At most one attempt per account.
func (s *Scraper) withAccount(ctx context.Context, op string, fn func(context.Context, *Session) error) error {
	var lastLimit *DailyLimitError
	for attempt := 1; attempt <= s.pool.Size(); attempt++ {
		idx, acct, ok := s.pool.Select(s.clock.Now())
		if !ok {
			return s.exhausted(lastLimit)
		}

		sess, err := s.ensureSession(ctx, idx)
		if err != nil {
			return err
		}

		err = fn(ctx, sess)
		var limitErr *DailyLimitError
		if !errors.As(err, &limitErr) {
			return err
		}

		lastLimit = limitErr
		wait := limitErr.Wait
		if wait <= 0 {
			wait = s.cfg.DailyLimitFallback
		}
		now := s.clock.Now()
		s.pool.MarkExhausted(idx, now.Add(wait))
		metrics.ObserveDailyLimit()
		s.logger.Warn("account hit daily limit",
			zap.String("op", op),
			zap.String("account", acct.Masked()),
			zap.Duration("wait", wait),
			zap.Int("attempt", attempt),
		)

		next, nextAcct, ok := s.pool.Rotate(now)
		if !ok {
			return s.exhausted(lastLimit)
		}
		s.teardown("account_rotation")
		metrics.ObserveAccountRotation()
		s.logger.Info("rotated account", zap.Int("index", next), zap.String("account", nextAcct.Masked()))
	}
	return s.exhausted(lastLimit)
}

func (s *Scraper) exhausted(last *DailyLimitError) error {
	wait := s.pool.NextAvailableIn(s.clock.Now())
	msg := "all accounts have reached the daily download limit"
	if last != nil && last.Message != "" && last.Message != defaultLimitMessage {
		msg = last.Message
	}
	return &DailyLimitError{Message: msg, Wait: wait, WaitText: HumanizeDuration(wait)}
}

// ensureSession returns a logged-in session for the account at idx.
func (s *Scraper) ensureSession(ctx context.Context, idx int) (*Session, error) {
	if s.session != nil && s.session.account != idx {
		s.teardown("account_switch")
	}
	sess := s.session
	if sess == nil {
		opened, err := s.openSession(ctx, idx)
		if err != nil {
			return nil, err
		}
		sess = opened
	}
	if sess.fresh(s.clock.Now(), s.cfg.SessionTTL) {
		return sess, nil
	}
	return s.login(ctx, sess)
}

func (s *Scraper) openSession(ctx context.Context, idx int) (*Session, error) {
	driver, err := s.newDriver(ctx)
	if err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	store, err := cookies.New()
	if err != nil {
		_ = driver.Close()
		return nil, err
	}
	s.session = &Session{driver: driver, cookies: store, account: idx}
	return s.session, nil
}

func (s *Scraper) login(ctx context.Context, sess *Session) (*Session, error) {
	acct := s.pool.Account(sess.account)
	d := sess.driver
	if err := d.Navigate(ctx, s.resolvePath(s.cfg.LoginPath)); err != nil {
		return nil, fmt.Errorf("open login page: %w", err)
	}
	if err := d.SendKeys(ctx, emailSelector, acct.Email); err != nil {
		return nil, fmt.Errorf("fill email: %w", err)
	}
	if err := d.SendKeys(ctx, passwordSelector, acct.Password); err != nil {
		return nil, fmt.Errorf("fill password: %w", err)
	}
	if err := d.Submit(ctx, submitSelector); err != nil {
		return nil, fmt.Errorf("submit login: %w", err)
	}
	loc, err := d.Location(ctx)
	if err != nil {
		return nil, fmt.Errorf("read post-login location: %w", err)
	}
	if s.onLoginPage(loc) {
		return nil, &relay.Error{
			Message: fmt.Sprintf("login rejected for %s", acct.Masked()),
			Code:    relay.CodeLoginFailed,
		}
	}

	browserCookies, err := d.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("read browser cookies: %w", err)
	}
	store, err := cookies.New()
	if err != nil {
		return nil, err
	}
	if err := store.Sync(s.base, browserCookies); err != nil {
		return nil, fmt.Errorf("sync cookies: %w", err)
	}

	next := &Session{driver: d, cookies: store, account: sess.account, loggedInAt: s.clock.Now()}
	s.session = next
	s.logger.Info("logged in", zap.String("account", acct.Masked()), zap.Int("cookies", len(browserCookies)))
	return next, nil
}

// resolve issues the redirect-disabled GET. A 401/403 re-authenticates once.
func (s *Scraper) resolve(ctx context.Context, sess *Session, target string) (relay.ResolvedDownload, error) {
	for reauthed := false; ; reauthed = true {
		resp, err := s.http.Fetch(ctx, collyfetcher.Request{URL: target, Jar: sess.cookies})
		if err != nil {
			return relay.ResolvedDownload{}, fmt.Errorf("resolve download: %w", err)
		}
		switch resp.StatusCode {
		case http.StatusFound:
			return parseRedirect(target, resp.Headers.Get("Location"))
		case http.StatusUnauthorized, http.StatusForbidden:
			if reauthed {
				return relay.ResolvedDownload{}, fmt.Errorf("download rejected with status %d after re-login", resp.StatusCode)
			}
			s.logger.Info("stale session on download, re-authenticating", zap.Int("status", resp.StatusCode))
			sess, err = s.reauthenticate(ctx, sess)
			if err != nil {
				return relay.ResolvedDownload{}, err
			}
		case http.StatusOK:
			if sig, ok := ClassifyRateLimit(resp.Body); ok {
				return relay.ResolvedDownload{}, newDailyLimitError(sig)
			}
			return relay.ResolvedDownload{}, errors.New("download resolution returned 200 without a redirect")
		default:
			return relay.ResolvedDownload{}, fmt.Errorf("download resolution failed with status %d", resp.StatusCode)
		}
	}
}

func (s *Scraper) reauthenticate(ctx context.Context, sess *Session) (*Session, error) {
	// The browser must forget the stale login too, or /login redirects away.
	if err := sess.driver.ClearCookies(ctx); err != nil {
		return nil, fmt.Errorf("clear browser cookies: %w", err)
	}
	store, err := cookies.New()
	if err != nil {
		return nil, err
	}
	s.session = &Session{driver: sess.driver, cookies: store, account: sess.account}
	return s.login(ctx, s.session)
}

// teardown closes the browser and forgets the session.
func (s *Scraper) teardown(reason string) {
	if s.session == nil {
		return
	}
	if err := s.session.driver.Close(); err != nil {
		s.logger.Warn("close browser failed", zap.Error(err))
	}
	s.session = nil
	metrics.ObserveSessionReset(reason)
	s.logger.Info("session torn down", zap.String("reason", reason))
}

func (s *Scraper) searchURL(query string) string {
	u := *s.base
	u.Path = strings.TrimRight(s.base.Path, "/") + "/s/" + query
	u.RawPath = strings.TrimRight(s.base.EscapedPath(), "/") + "/s/" + url.PathEscape(query)
	return u.String()
}

func (s *Scraper) resolvePath(p string) string {
	u := *s.base
	u.Path = strings.TrimRight(s.base.Path, "/") + "/" + strings.TrimLeft(p, "/")
	u.RawPath = ""
	return u.String()
}

func (s *Scraper) onLoginPage(loc string) bool {
	u, err := url.Parse(loc)
	if err != nil {
		return true
	}
	return strings.TrimRight(u.Path, "/") == strings.TrimRight(s.cfg.LoginPath, "/")
}

func (s *Scraper) downloadURL(downloadPath string) (string, error) {
	p := strings.TrimSpace(downloadPath)
	if p == "" {
		return "", relay.InvalidInput("downloadPath is required")
	}
	ref, err := url.Parse(p)
	if err != nil {
		return "", relay.InvalidInput("downloadPath is not a valid path")
	}
	target := s.base.ResolveReference(ref)
	if target.Host != s.base.Host {
		return "", relay.InvalidInput("downloadPath must point at the catalog host")
	}
	return target.String(), nil
}

func parseRedirect(requestURL, location string) (relay.ResolvedDownload, error) {
	if location == "" {
		return relay.ResolvedDownload{}, errors.New("redirect without a Location header")
	}
	base, err := url.Parse(requestURL)
	if err != nil {
		return relay.ResolvedDownload{}, fmt.Errorf("parse request url: %w", err)
	}
	loc, err := base.Parse(location)
	if err != nil {
		return relay.ResolvedDownload{}, fmt.Errorf("parse location: %w", err)
	}
	q := loc.Query()
	filename := q.Get("filename")
	if filename == "" {
		filename = path.Base(loc.Path)
	}
	out := relay.ResolvedDownload{Location: loc.String(), Filename: filename}
	if raw := q.Get("expires"); raw != "" {
		if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
			ms := sec * 1000
			out.ExpiresAt = &ms
		}
	}
	return out, nil
}
