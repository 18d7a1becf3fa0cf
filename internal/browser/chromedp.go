// Package browser drives a headless Chrome page through chromedp.
package browser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// Config controls the browser driver.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	ElementTimeout    time.Duration
	ExecPath          string
	Headless          bool
	NoSandbox         bool
}

// Driver owns one Chrome process and a single tab.
type Driver struct {
	cfg         Config
	allocCancel context.CancelFunc
	tab         context.Context
	tabCancel   context.CancelFunc
}

// New launches Chrome and opens a tab configured with the user agent.
func New(cfg Config) (*Driver, error) {
	cfg = cfg.withDefaults()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tab, tabCancel := chromedp.NewContext(allocCtx)
	d := &Driver{
		cfg:         cfg,
		allocCancel: allocCancel,
		tab:         tab,
		tabCancel:   tabCancel,
	}
	if err := d.run(context.Background(), cfg.NavigationTimeout, "browser start", d.setupAction()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.ElementTimeout <= 0 {
		c.ElementTimeout = 15 * time.Second
	}
	return c
}

func (d *Driver) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if d.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(d.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// Navigate loads url and waits for the document body.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	return d.run(ctx, d.cfg.NavigationTimeout, "navigation",
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// WaitVisible blocks until selector matches a visible element.
func (d *Driver) WaitVisible(ctx context.Context, selector string) error {
	return d.run(ctx, d.cfg.ElementTimeout, "wait for "+selector,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
	)
}

// SendKeys types value into the element matched by selector.
func (d *Driver) SendKeys(ctx context.Context, selector, value string) error {
	return d.run(ctx, d.cfg.ElementTimeout, "fill "+selector,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

// Submit clicks selector and waits for the resulting page to settle.
func (d *Driver) Submit(ctx context.Context, selector string) error {
	return d.run(ctx, d.cfg.NavigationTimeout, "navigation",
		chromedp.Click(selector, chromedp.ByQuery),
		chromedp.Sleep(time.Second),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Location returns the current page URL.
func (d *Driver) Location(ctx context.Context) (string, error) {
	var loc string
	if err := d.run(ctx, d.cfg.ElementTimeout, "location", chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// Evaluate runs a JavaScript expression and decodes its result into out.
func (d *Driver) Evaluate(ctx context.Context, expression string, out any) error {
	return d.run(ctx, d.cfg.ElementTimeout, "evaluate", chromedp.Evaluate(expression, out))
}

// Cookies returns every cookie the browser currently holds.
func (d *Driver) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	var raw []*network.Cookie
	err := d.run(ctx, d.cfg.ElementTimeout, "read cookies", chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return fmt.Errorf("get cookies: %w", err)
		}
		raw = cookies
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return toHTTPCookies(raw), nil
}

// ClearCookies drops every cookie the browser holds.
func (d *Driver) ClearCookies(ctx context.Context) error {
	return d.run(ctx, d.cfg.ElementTimeout, "clear cookies", network.ClearBrowserCookies())
}

// Close shuts down the tab and the Chrome process.
func (d *Driver) Close() error {
	if d.tabCancel != nil {
		d.tabCancel()
	}
	if d.allocCancel != nil {
		d.allocCancel()
	}
	return nil
}

// run executes actions on the tab bounded by timeout and by the caller's ctx.
func (d *Driver) run(ctx context.Context, timeout time.Duration, label string, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(d.tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%s timeout after %s: %w", label, timeout, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", label, ctxErr)
		}
		return fmt.Errorf("%s: %w", label, err)
	}
	return nil
}

func toHTTPCookies(raw []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(raw))
	for _, c := range raw {
		if c == nil {
			continue
		}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if !c.Session && c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			hc.Expires = time.Unix(int64(sec), int64(frac*1e9)).UTC()
		}
		switch c.SameSite {
		case network.CookieSameSiteStrict:
			hc.SameSite = http.SameSiteStrictMode
		case network.CookieSameSiteLax:
			hc.SameSite = http.SameSiteLaxMode
		case network.CookieSameSiteNone:
			hc.SameSite = http.SameSiteNoneMode
		}
		out = append(out, hc)
	}
	return out
}
