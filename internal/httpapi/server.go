// Package httpapi implements MCP Guard's client-facing HTTP surface: the
// per-request pipeline of spec.md §4.8 and the endpoints of §6, via
// chi.Router, matching the teacher's internal/httpapi server shape.
package httpapi

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/botzrDev/mcp-guard-sub000/internal/audit"
	"github.com/botzrDev/mcp-guard-sub000/internal/auth"
	"github.com/botzrDev/mcp-guard-sub000/internal/ratelimit"
	"github.com/botzrDev/mcp-guard-sub000/internal/reqcontext"
	"github.com/botzrDev/mcp-guard-sub000/internal/router"
)

const tracerName = "github.com/botzrDev/mcp-guard-sub000/internal/httpapi"

// Server wires the authenticated, rate-limited, authorized, audited
// request pipeline onto chi, per spec.md §4.8.
type Server struct {
	router *chi.Mux
	log    *zap.Logger

	auth      auth.Provider
	limiter   *ratelimit.Engine
	mcpRouter *router.ServerRouter
	audit     *audit.Logger
	metrics   *Metrics
	oauth     *auth.OAuth2Provider
	pkce      *pkceStore

	version   string
	startedAt time.Time
	ready     atomic.Bool
}

// Config bundles Server's collaborators; all but OAuth/PKCE are required.
type Config struct {
	Auth      auth.Provider
	Limiter   *ratelimit.Engine
	Router    *router.ServerRouter
	Audit     *audit.Logger
	Registry  *prometheus.Registry
	OAuth     *auth.OAuth2Provider // nil disables /oauth/*
	PKCETTL   time.Duration
	Version   string
}

// NewServer builds the chi-backed API server and registers its routes.
func NewServer(cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &Server{
		router:    chi.NewRouter(),
		log:       log.Named("httpapi"),
		auth:      cfg.Auth,
		limiter:   cfg.Limiter,
		mcpRouter: cfg.Router,
		audit:     cfg.Audit,
		metrics:   NewMetrics(reg),
		oauth:     cfg.OAuth,
		version:   cfg.Version,
		startedAt: time.Now(),
	}
	if cfg.OAuth != nil {
		s.pkce = newPKCEStore(cfg.PKCETTL, s.log)
	}

	s.setupRoutes(reg)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetReady flips readiness; called by appstate once startup completes and
// again (to false) at the start of graceful shutdown.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// RunPKCESweeper runs the OAuth PKCE-state sweeper until ctx is done. A
// no-op when OAuth is not configured.
func (s *Server) RunPKCESweeper(ctx context.Context, interval time.Duration) {
	if s.pkce == nil {
		return
	}
	s.pkce.runSweeper(ctx, interval)
}

func (s *Server) setupRoutes(reg *prometheus.Registry) {
	s.router.Use(securityHeaders)
	s.router.Use(middleware.RequestID)
	s.router.Use(requestContext)
	s.router.Use(s.traceContext)
	s.router.Use(s.metricsTimer)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/live", s.handleLive)
	s.router.Get("/ready", s.handleReady)
	s.router.Get("/routes", s.handleRoutes)
	s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.router.Post("/mcp", s.handleMCP)
	s.router.Post("/mcp/*", s.handleMCP)

	if s.oauth != nil {
		s.router.Get("/oauth/authorize", s.handleOAuthAuthorize)
		s.router.Get("/oauth/callback", s.handleOAuthCallback)
	}
}

// securityHeaders sets the headers spec.md §6 requires on every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// requestContext resolves the correlation id audit events and logs carry
// for this request: a caller-supplied X-Request-Id header when it passes
// validation, falling back to the chi-generated id otherwise. Storing it
// via reqcontext lets any collaborator downstream read it back without
// threading it through every function signature.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(reqcontext.RequestIDHeader)
		if !reqcontext.IsValidRequestID(id) {
			id = middleware.GetReqID(r.Context())
		}
		id = reqcontext.GetOrGenerateRequestID(id)
		w.Header().Set(reqcontext.RequestIDHeader, id)
		ctx := reqcontext.WithCorrelationID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// traceContext extracts traceparent/tracestate from the inbound request
// and starts a span so it propagates on outbound upstream calls, per
// spec.md §5/§6.
func (s *Server) traceContext(next http.Handler) http.Handler {
	tracer := otel.Tracer(tracerName)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// metricsTimer records request count and duration per route.
func (s *Server) metricsTimer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.observeRequest(route, statusClass(ww.Status()), time.Since(start).Seconds())
	})
}

func statusClass(code int) string {
	switch {
	case code == 0:
		return "unknown"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
