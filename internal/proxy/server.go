// Package proxy implements the download relay: a stateless HTTP server that
// decodes an opaque token into an upstream URL, checks it against a host
// allowlist and streams the upstream response back.
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/book-relay/internal/metrics"
)

const (
	defaultHeaderTimeout = 30 * time.Second
	maxRedirects         = 5
)

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

var forwardedRequestHeaders = []string{"Range", "If-Range", "Accept"}

// Config controls the relay.
type Config struct {
	AllowedHosts []string
	// HeaderTimeout bounds the wait for upstream response headers. The body is
	// streamed without a deadline other than the client's own request context.
	HeaderTimeout time.Duration
	UserAgent     string
	// UpstreamRPS limits requests per upstream host. Zero means unlimited.
	UpstreamRPS   float64
	UpstreamBurst int
	// Transport overrides the upstream round tripper.
	Transport http.RoundTripper
}

// Server serves /download/{token}.
type Server struct {
	router chi.Router
	allow  Allowlist
	limit  *hostLimiter
	client *resty.Client
	logger *zap.Logger
}

// NewServer builds the relay router.
func NewServer(cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HeaderTimeout <= 0 {
		cfg.HeaderTimeout = defaultHeaderTimeout
	}
	s := &Server{
		allow:  NewAllowlist(cfg.AllowedHosts),
		limit:  newHostLimiter(cfg.UpstreamRPS, cfg.UpstreamBurst),
		logger: logger,
	}
	s.client = newUpstreamClient(cfg, s.allow, logger)

	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/download/{token}", s.download)
	r.Head("/download/{token}", s.download)
	r.Options("/download/{token}", s.preflight)

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func newUpstreamClient(cfg Config, allow Allowlist, logger *zap.Logger) *resty.Client {
	client := resty.New()
	client.SetLogger(logger.Sugar())
	// Upstream cookies must not outlive the request that received them.
	client.SetCookieJar(nil)
	transport := cfg.Transport
	if transport == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		base.ResponseHeaderTimeout = cfg.HeaderTimeout
		transport = base
	}
	client.SetTransport(transport)
	client.SetRedirectPolicy(resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		if !allow.Allows(req.URL) {
			return fmt.Errorf("%w: redirect to %s", ErrTargetRejected, req.URL.Redacted())
		}
		return nil
	}))
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	return client
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	target, err := s.allow.Resolve(chi.URLParam(r, "token"))
	if err != nil {
		metrics.ObserveProxyRequest("rejected")
		s.logger.Info("download rejected", zap.Error(err))
		setCORS(w.Header())
		writeError(w, http.StatusBadRequest, "invalid or disallowed target")
		return
	}

	if err := s.limit.Wait(r.Context(), target.Hostname()); err != nil {
		metrics.ObserveProxyRequest("throttled")
		setCORS(w.Header())
		writeError(w, http.StatusServiceUnavailable, "upstream busy, retry later")
		return
	}

	req := s.client.R().
		SetContext(r.Context()).
		SetDoNotParseResponse(true)
	for _, name := range forwardedRequestHeaders {
		if v := r.Header.Get(name); v != "" {
			req.SetHeader(name, v)
		}
	}
	resp, err := req.Execute(r.Method, target.String())
	if err != nil || resp == nil || resp.RawResponse == nil {
		if resp != nil && resp.RawResponse != nil {
			_ = resp.RawResponse.Body.Close()
		}
		metrics.ObserveProxyRequest("upstream_error")
		s.logger.Warn("upstream request failed", zap.String("host", target.Hostname()), zap.Error(err))
		setCORS(w.Header())
		writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	upstream := resp.RawResponse
	defer func() { _ = upstream.Body.Close() }()

	copyResponseHeaders(w.Header(), upstream.Header)
	setCORS(w.Header())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(upstream.StatusCode)
	metrics.ObserveProxyRequest("proxied")

	if r.Method == http.MethodHead {
		return
	}
	n, err := io.Copy(flushWriter{w}, upstream.Body)
	if err != nil && !errors.Is(err, r.Context().Err()) {
		s.logger.Warn("stream interrupted",
			zap.String("host", target.Hostname()),
			zap.Int64("bytes", n),
			zap.Error(err),
		)
	}
}

func (s *Server) preflight(w http.ResponseWriter, _ *http.Request) {
	setCORS(w.Header())
	w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Range, If-Range, Accept")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func copyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		canonical := http.CanonicalHeaderKey(key)
		if _, hop := hopHeaders[canonical]; hop || canonical == "Set-Cookie" {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Content-Disposition, Accept-Ranges")
}

// flushWriter pushes each chunk to the client as it arrives.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

// URL builds the public relay URL for target under base.
func URL(base, target string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse proxy base url: %w", err)
	}
	return u.JoinPath("download", EncodeTarget(target)).String(), nil
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
