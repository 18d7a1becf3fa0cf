// Package mirror fetches content-addressed files from an ordered list of
// public gateways and falls back to a hash-verified fetch when all of them fail.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"go.uber.org/zap"

	"github.com/JakeFAU/book-relay/internal/metrics"
)

const (
	defaultAttemptTimeout   = 20 * time.Second
	defaultMaxVerifiedBytes = 100 << 20
	rawBlockMediaType       = "application/vnd.ipld.raw"
)

// ErrInvalidCID is returned by Fetch when the identifier does not parse.
var ErrInvalidCID = errors.New("invalid cid")

// Config lists the mirrors. A gateway is either a template containing {cid}
// or a base URL the CID is appended to.
type Config struct {
	Gateways []string
	// VerifiedGateway is a trustless gateway base URL. Empty disables the verified fetch.
	VerifiedGateway string
	// AttemptTimeout bounds the wait for response headers from one mirror.
	AttemptTimeout   time.Duration
	MaxVerifiedBytes int64
	UserAgent        string
}

// Result is a successful fetch. The caller must close Body.
type Result struct {
	Body          io.ReadCloser
	Source        string
	ContentType   string
	ContentLength int64
	Verified      bool
	Attempted     []string
}

// FetchError reports a fetch where every mirror failed.
type FetchError struct {
	CID       string
	Attempted []string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: all %d mirrors failed: %v", e.CID, len(e.Attempted), e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Downloader walks the mirror list.
type Downloader struct {
	client *resty.Client
	cfg    Config
	logger *zap.Logger
}

// New builds a Downloader.
func New(cfg Config, logger *zap.Logger) *Downloader {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.MaxVerifiedBytes <= 0 {
		cfg.MaxVerifiedBytes = defaultMaxVerifiedBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New()
	client.SetLogger(logger.Sugar())
	client.SetCookieJar(nil)
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	return &Downloader{client: client, cfg: cfg, logger: logger}
}

// Fetch returns the first mirror response that succeeds.
func (d *Downloader) Fetch(ctx context.Context, rawCID string) (*Result, error) {
	c, err := cid.Decode(strings.TrimSpace(rawCID))
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidCID, rawCID, err)
	}
	id := c.String()
	attempted := make([]string, 0, len(d.cfg.Gateways)+1)
	var lastErr error

	for _, gw := range d.cfg.Gateways {
		target := gatewayURL(gw, id)
		attempted = append(attempted, target)
		resp, cancel, err := d.attempt(ctx, target, "")
		if err != nil {
			metrics.ObserveMirrorAttempt("gateway", "error")
			d.logger.Debug("mirror attempt failed", zap.String("url", target), zap.Error(err))
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		metrics.ObserveMirrorAttempt("gateway", "ok")
		return &Result{
			Body:          &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
			Source:        target,
			ContentType:   resp.Header.Get("Content-Type"),
			ContentLength: resp.ContentLength,
			Attempted:     attempted,
		}, nil
	}

	if d.cfg.VerifiedGateway != "" && ctx.Err() == nil {
		target := gatewayURL(d.cfg.VerifiedGateway, id) + "?format=raw"
		attempted = append(attempted, target)
		res, err := d.fetchVerified(ctx, c, target)
		if err == nil {
			metrics.ObserveMirrorAttempt("verified", "ok")
			res.Attempted = attempted
			return res, nil
		}
		metrics.ObserveMirrorAttempt("verified", "error")
		d.logger.Debug("verified fetch failed", zap.String("url", target), zap.Error(err))
		lastErr = err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no mirrors configured")
	}
	return nil, &FetchError{CID: id, Attempted: attempted, Err: lastErr}
}

// attempt issues one GET. On success the returned cancel must be called once
// the body is done.
func (d *Downloader) attempt(ctx context.Context, target, accept string) (*http.Response, context.CancelFunc, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(d.cfg.AttemptTimeout, cancel)

	req := d.client.R().SetContext(attemptCtx).SetDoNotParseResponse(true)
	if accept != "" {
		req.SetHeader("Accept", accept)
	}
	resp, err := req.Get(target)
	headersInTime := timer.Stop()
	if err != nil {
		cancel()
		if !headersInTime {
			return nil, nil, fmt.Errorf("no response within %s: %w", d.cfg.AttemptTimeout, err)
		}
		return nil, nil, fmt.Errorf("get %s: %w", target, err)
	}
	raw := resp.RawResponse
	if raw.StatusCode < http.StatusOK || raw.StatusCode >= http.StatusBadRequest {
		_ = raw.Body.Close()
		cancel()
		return nil, nil, fmt.Errorf("get %s: unexpected status %d", target, raw.StatusCode)
	}
	return raw, cancel, nil
}

// fetchVerified downloads a raw block and checks it hashes to c.
func (d *Downloader) fetchVerified(ctx context.Context, c cid.Cid, target string) (*Result, error) {
	if c.Prefix().Codec != cid.Raw {
		return nil, fmt.Errorf("verified fetch supports raw cids only, got codec 0x%x", c.Prefix().Codec)
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return nil, fmt.Errorf("decode multihash: %w", err)
	}
	resp, cancel, err := d.attempt(ctx, target, rawBlockMediaType)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.cfg.MaxVerifiedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read block: %w", err)
	}
	if int64(len(data)) > d.cfg.MaxVerifiedBytes {
		return nil, fmt.Errorf("block exceeds %d bytes", d.cfg.MaxVerifiedBytes)
	}
	sum, err := c.Prefix().Sum(data)
	if err != nil {
		return nil, fmt.Errorf("hash block with %s: %w", multihash.Codes[decoded.Code], err)
	}
	if !sum.Equals(c) {
		return nil, fmt.Errorf("block hash mismatch: got %s", sum)
	}
	return &Result{
		Body:          io.NopCloser(bytes.NewReader(data)),
		Source:        target,
		ContentType:   "application/octet-stream",
		ContentLength: int64(len(data)),
		Verified:      true,
	}, nil
}

func gatewayURL(gateway, id string) string {
	if strings.Contains(gateway, "{cid}") {
		return strings.ReplaceAll(gateway, "{cid}", id)
	}
	return strings.TrimRight(gateway, "/") + "/" + id
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	if err != nil {
		return fmt.Errorf("close body: %w", err)
	}
	return nil
}
