// Package api exposes the HTTP interface for the relay service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/book-relay/internal/config"
	"github.com/JakeFAU/book-relay/internal/metrics"
	"github.com/JakeFAU/book-relay/internal/mirror"
	"github.com/JakeFAU/book-relay/internal/proxy"
	"github.com/JakeFAU/book-relay/internal/relay"
)

const maxRequestBody = 64 << 10

// Jobs is the blocking job contract the handlers call.
type Jobs interface {
	Search(ctx context.Context, query string) ([]relay.SearchResultRecord, error)
	Download(ctx context.Context, downloadPath string) (relay.ResolvedDownload, error)
	Warmup(ctx context.Context) (relay.WarmupResult, error)
	Reset(ctx context.Context) (relay.ResetResult, error)
	Job(ctx context.Context, jobID string) (relay.Job, error)
}

// Mirror fetches content-addressed files.
type Mirror interface {
	Fetch(ctx context.Context, cid string) (*mirror.Result, error)
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Server wires HTTP handlers to the dispatcher and mirror downloader.
type Server struct {
	router chi.Router
	jobs   Jobs
	mirror Mirror
	cfg    config.Config
	logger *zap.Logger
	checks map[string]ReadinessCheck
}

// NewServer constructs a Server with middleware and routes. mirrors may be nil,
// which disables /v1/ipfs.
func NewServer(
	jobs Jobs,
	mirrors Mirror,
	cfg config.Config,
	logger *zap.Logger,
	checks map[string]ReadinessCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:   jobs,
		mirror: mirrors,
		cfg:    cfg,
		logger: logger,
		checks: checks,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/search", s.search)
		r.Post("/download", s.download)
		r.Post("/warmup", s.warmup)
		r.Post("/reset", s.reset)
		r.Get("/jobs/{job_id}", s.getJob)
		r.Get("/ipfs/{cid}", s.ipfs)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failures := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type searchRequest struct {
	Query string `json:"query"`
}

type downloadRequest struct {
	DownloadPath string `json:"downloadPath"`
}

type downloadResponse struct {
	relay.ResolvedDownload
	ProxyURL string `json:"proxyUrl,omitempty"`
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	results, err := s.jobs.Search(r.Context(), req.Query)
	if err != nil {
		s.writeJobError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resolved, err := s.jobs.Download(r.Context(), req.DownloadPath)
	if err != nil {
		s.writeJobError(w, r, err)
		return
	}
	resp := downloadResponse{ResolvedDownload: resolved}
	if base := s.cfg.Proxy.PublicBaseURL; base != "" && resolved.Location != "" {
		proxyURL, err := proxy.URL(base, resolved.Location)
		if err != nil {
			s.logger.Warn("build proxy url failed", zap.Error(err))
		} else {
			resp.ProxyURL = proxyURL
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) warmup(w http.ResponseWriter, r *http.Request) {
	res, err := s.jobs.Warmup(r.Context())
	if err != nil {
		s.writeJobError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	res, err := s.jobs.Reset(r.Context())
	if err != nil {
		s.writeJobError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Job(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		if errors.Is(err, relay.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("load job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) ipfs(w http.ResponseWriter, r *http.Request) {
	if s.mirror == nil {
		writeError(w, http.StatusNotFound, "mirror downloads are disabled")
		return
	}
	res, err := s.mirror.Fetch(r.Context(), chi.URLParam(r, "cid"))
	if err != nil {
		var fetchErr *mirror.FetchError
		switch {
		case errors.Is(err, mirror.ErrInvalidCID):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &fetchErr):
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":     fetchErr.Error(),
				"attempted": fetchErr.Attempted,
			})
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	defer res.Body.Close()

	h := w.Header()
	if res.ContentType != "" {
		h.Set("Content-Type", res.ContentType)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	if res.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(res.ContentLength, 10))
	}
	h.Set("X-Mirror-Source", res.Source)
	h.Set("X-Content-Verified", strconv.FormatBool(res.Verified))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, res.Body); err != nil {
		s.logger.Warn("mirror stream interrupted", zap.String("source", res.Source), zap.Error(err))
	}
}

// writeJobError maps structured job errors onto HTTP statuses.
func (s *Server) writeJobError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		return
	}
	relayErr := relay.ToError(err)
	status := statusFor(relayErr)
	if status == http.StatusTooManyRequests {
		if secs, ok := waitSeconds(relayErr.Details); ok {
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("job request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", relayErr.Code),
			zap.String("error", relayErr.Message),
		)
	}
	body := map[string]any{"error": relayErr.Message}
	if relayErr.Code != "" {
		body["code"] = relayErr.Code
	}
	if len(relayErr.Details) > 0 {
		body["details"] = relayErr.Details
	}
	writeJSON(w, status, body)
}

func statusFor(e *relay.Error) int {
	switch e.Code {
	case relay.CodeInvalidInput:
		return http.StatusBadRequest
	case relay.CodeDailyLimit:
		return http.StatusTooManyRequests
	case relay.CodeQueueWaitTimeout:
		return http.StatusGatewayTimeout
	case relay.CodeSessionReset:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// waitSeconds reads details.waitSeconds, which is a float64 once it has
// round-tripped through the job store.
func waitSeconds(details map[string]any) (int64, bool) {
	switch v := details["waitSeconds"].(type) {
	case int:
		return int64(v), v >= 0
	case int64:
		return v, v >= 0
	case float64:
		return int64(math.Ceil(v)), v >= 0
	case json.Number:
		n, err := v.Int64()
		return n, err == nil && n >= 0
	default:
		return 0, false
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("invalid JSON: %v", err),
			"code":  relay.CodeInvalidInput,
		})
		return false
	}
	return true
}
