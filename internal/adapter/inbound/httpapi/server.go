package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/safeai-dev/safeai/internal/config"
	"github.com/safeai-dev/safeai/internal/service"
)

// Server is the HTTP surface. It owns the listener lifecycle; the engine
// itself is shared and outlives any one server.
type Server struct {
	enforcer *service.Enforcer
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *Metrics
	registry *prometheus.Registry
	tracer   trace.Tracer
	client   *http.Client
	server   *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithTracer enables per-request spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) { s.tracer = tracer }
}

// WithHTTPClient overrides the client used by /v1/proxy/forward.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Server) { s.client = client }
}

// NewServer builds the HTTP surface over an engine.
func NewServer(enforcer *service.Enforcer, cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		enforcer: enforcer,
		cfg:      cfg,
		logger:   slog.Default(),
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "http_server")

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = NewMetrics(s.registry)
	return s
}

// Handler builds the full route tree with middleware applied. Exposed for
// in-process testing via httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	adminAuth := AuthMiddleware(s.enforcer.Verifier())

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.Handle("GET /v1/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))

	// Data plane.
	mux.HandleFunc("POST /v1/scan/input", s.handleScanInput)
	mux.HandleFunc("POST /v1/scan/structured", s.handleScanStructured)
	mux.HandleFunc("POST /v1/scan/file", s.handleScanFile)
	mux.HandleFunc("POST /v1/guard/output", s.handleGuardOutput)
	mux.HandleFunc("POST /v1/intercept/tool", s.handleInterceptTool)
	mux.HandleFunc("POST /v1/intercept/agent-message", s.handleAgentMessage)
	mux.HandleFunc("POST /v1/memory/write", s.handleMemoryWrite)
	mux.HandleFunc("POST /v1/memory/read", s.handleMemoryRead)
	mux.HandleFunc("POST /v1/memory/resolve-handle", s.handleMemoryResolveHandle)
	mux.HandleFunc("POST /v1/memory/purge-expired", s.handleMemoryPurgeExpired)
	mux.HandleFunc("POST /v1/proxy/forward", s.handleProxyForward)
	mux.HandleFunc("GET /v1/plugins", s.handlePlugins)
	mux.HandleFunc("GET /v1/policies/templates", s.handleTemplates)
	mux.HandleFunc("GET /v1/policies/templates/{name}", s.handleTemplateByName)

	// Privileged routes always sit behind API-key auth when keys are
	// configured.
	admin := http.NewServeMux()
	admin.HandleFunc("POST /v1/audit/query", s.handleAuditQuery)
	admin.HandleFunc("GET /v1/audit/recent", s.handleAuditRecent)
	admin.HandleFunc("POST /v1/policies/reload", s.handlePoliciesReload)
	admin.HandleFunc("GET /v1/approvals", s.handleListApprovals)
	admin.HandleFunc("POST /v1/approvals/{id}/approve", s.handleApprove)
	admin.HandleFunc("POST /v1/approvals/{id}/deny", s.handleDeny)
	adminHandler := adminAuth(admin)
	mux.Handle("/v1/audit/", adminHandler)
	mux.Handle("/v1/policies/reload", adminHandler)
	mux.Handle("/v1/approvals", adminHandler)
	mux.Handle("/v1/approvals/", adminHandler)

	var handler http.Handler = mux
	if s.cfg.Server.RequireAuth {
		handler = adminAuth(handler)
	}
	if s.tracer != nil {
		handler = s.traceMiddleware(handler)
	}
	handler = RealIPMiddleware(handler)
	handler = RequestIDMiddleware(s.logger)(handler)
	handler = MetricsMiddleware(s.metrics)(handler)
	return handler
}

// traceMiddleware opens one span per request.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start serves until the context is canceled, then shuts down gracefully
// within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Server.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.cfg.Server.HTTPAddr, "proxy_mode", s.cfg.ProxyMode)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown() error {
	timeout, err := time.ParseDuration(s.cfg.Server.ShutdownTimeout)
	if err != nil || timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown error", "error", err)
		return err
	}
	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close shuts the server down; safe to call before Start.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
