package server

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/book-relay/internal/config"
	"github.com/JakeFAU/book-relay/internal/metrics"
	"github.com/JakeFAU/book-relay/internal/proxy"
)

// NewProxyHandler builds the download proxy router with a /metrics endpoint.
func NewProxyHandler(cfg config.Config, logger *zap.Logger) http.Handler {
	metrics.Init()
	relaySrv := proxy.NewServer(proxy.Config{
		AllowedHosts:  cfg.Proxy.AllowedHosts,
		HeaderTimeout: cfg.Proxy.HeaderTimeout,
		UserAgent:     cfg.Zlib.UserAgent,
		UpstreamRPS:   cfg.Proxy.UpstreamRPS,
		UpstreamBurst: cfg.Proxy.UpstreamBurst,
	}, logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", relaySrv.Handler())
	return mux
}

// RunProxy serves the download proxy until the context is canceled or a
// termination signal arrives. It needs none of the job infrastructure.
func RunProxy(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("download proxy configured", zap.Strings("allowed_hosts", cfg.Proxy.AllowedHosts))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Proxy.Port),
		Handler:           NewProxyHandler(cfg, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return serve(ctx, srv, logger, stop)
}
