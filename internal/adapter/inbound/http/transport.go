package http

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the inbound HTTP listener. It mounts the proxy handler as
// the catch-all and carves out the operational endpoints: /health and
// /actuator/health are open, /metrics and /diagnostics/ sit behind the
// admin gate.
type Server struct {
	proxy    http.Handler
	metrics  *Metrics
	registry *prometheus.Registry

	addr              string
	certFile          string
	keyFile           string
	readHeaderTimeout time.Duration
	shutdownGrace     time.Duration
	logger            *slog.Logger
	healthChecker     *HealthChecker
	adminGate         func(http.Handler) http.Handler
	adminHandler      http.Handler

	server *http.Server
}

// Option is a functional option for configuring Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:8080"
// (localhost only).
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
// If not set, the server runs without TLS (plain HTTP).
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) {
		s.healthChecker = hc
	}
}

// WithAdminGate sets the middleware guarding /metrics and
// /diagnostics/. Without a gate those endpoints are open.
func WithAdminGate(gate func(http.Handler) http.Handler) Option {
	return func(s *Server) {
		s.adminGate = gate
	}
}

// WithAdminHandler mounts the diagnostics handler under /diagnostics/.
func WithAdminHandler(h http.Handler) Option {
	return func(s *Server) {
		s.adminHandler = h
	}
}

// WithReadHeaderTimeout bounds how long a client may take to send
// request headers, limiting slowloris exposure.
func WithReadHeaderTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.readHeaderTimeout = d
	}
}

// WithShutdownGrace sets how long graceful shutdown waits for in-flight
// requests.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownGrace = d
	}
}

// NewServer creates the listener around the given proxy handler. The
// registry must be the one the metrics were created against.
func NewServer(proxy http.Handler, metrics *Metrics, registry *prometheus.Registry, opts ...Option) *Server {
	s := &Server{
		proxy:             proxy,
		metrics:           metrics,
		registry:          registry,
		addr:              "127.0.0.1:8080",
		readHeaderTimeout: 10 * time.Second,
		shutdownGrace:     10 * time.Second,
		logger:            slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// buildHandler assembles the route mux around the proxy handler.
func (s *Server) buildHandler() http.Handler {
	gate := s.adminGate
	if gate == nil {
		gate = func(h http.Handler) http.Handler { return h }
	}

	mux := http.NewServeMux()
	if s.healthChecker != nil {
		mux.Handle("/health", s.healthChecker.Handler())
		mux.Handle("/actuator/health", s.healthChecker.Handler())
	}
	mux.Handle("/metrics", gate(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	})))
	if s.adminHandler != nil {
		mux.Handle("/diagnostics/", gate(s.adminHandler))
	}
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	// Everything else is proxy traffic. Metrics wrap outermost so the
	// recorded duration covers the whole pipeline.
	proxy := RequestIDMiddleware(s.logger)(s.proxy)
	proxy = MetricsMiddleware(s.metrics)(proxy)
	mux.Handle("/", proxy)

	return mux
}

// Start begins accepting connections. It blocks until the context is
// cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.buildHandler(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}
	if s.certFile != "" && s.keyFile != "" {
		s.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.certFile != "" && s.keyFile != "" {
			s.logger.Info("starting HTTPS listener", "addr", s.addr)
			err = s.server.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			s.logger.Info("starting HTTP listener", "addr", s.addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down listener")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown drains in-flight requests within the grace period.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during listener shutdown", "error", err)
		return err
	}

	s.logger.Info("listener shutdown complete")
	return nil
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
