// Package appstate constructs and supervises every MCP Guard component
// from a loaded configuration, and owns the graceful shutdown sequence
// described in spec.md §5, following the teacher's cmd/mcpproxy wiring
// shape (config -> collaborators -> background tasks -> signal-driven
// drain).
package appstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/botzrDev/mcp-guard-sub000/internal/audit"
	"github.com/botzrDev/mcp-guard-sub000/internal/auth"
	"github.com/botzrDev/mcp-guard-sub000/internal/config"
	"github.com/botzrDev/mcp-guard-sub000/internal/httpapi"
	"github.com/botzrDev/mcp-guard-sub000/internal/ratelimit"
	"github.com/botzrDev/mcp-guard-sub000/internal/router"
	"github.com/botzrDev/mcp-guard-sub000/internal/telemetry"
	"github.com/botzrDev/mcp-guard-sub000/internal/transport"
)

// drainTimeout bounds how long inflight requests get to finish once
// shutdown begins, per spec.md §5's "bounded timeout" language.
const drainTimeout = 15 * time.Second

// AppState owns every constructed collaborator and the background tasks
// that keep them healthy. It is built once at startup and closed once at
// shutdown.
type AppState struct {
	log     *zap.Logger
	cfg     *config.Config
	server  *httpapi.Server
	limiter *ratelimit.Engine
	router  *router.ServerRouter
	audit   *audit.Logger

	// transports holds every constructed upstream transport, including
	// the default route's — router.ServerRouter.Routes() deliberately
	// omits the default route (it exists for the GET /routes diagnostic,
	// which only lists named routes), so shutdown tracks transports
	// separately to guarantee every one gets closed.
	transports []router.Transport

	telemetry *telemetry.Provider

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds every component wired from cfg: auth providers (composed via
// MultiProvider), the rate-limit engine, the router with its constructed
// transports, the audit logger with its configured sinks, and the
// httpapi server that ties them together behind the §4.8 pipeline.
func New(cfg *config.Config, log *zap.Logger, version string) (*AppState, error) {
	if log == nil {
		log = zap.NewNop()
	}

	authProvider, err := buildAuthProvider(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("appstate: building auth provider: %w", err)
	}

	limiter := ratelimit.New(cfg.RateLimitEngineConfig(), log)

	routes, defRoute, err := buildRoutes(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("appstate: building routes: %w", err)
	}
	mcpRouter := router.New(routes, defRoute)

	transports := make([]router.Transport, 0, len(routes)+1)
	for _, r := range routes {
		transports = append(transports, r.Transport)
	}
	if defRoute != nil {
		transports = append(transports, defRoute.Transport)
	}

	auditLogger, err := buildAuditLogger(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("appstate: building audit logger: %w", err)
	}

	tp, err := telemetry.New(context.Background(), cfg.TelemetryConfig(version), log)
	if err != nil {
		return nil, fmt.Errorf("appstate: building telemetry provider: %w", err)
	}

	var oauthProvider *auth.OAuth2Provider
	if cfg.Auth.OAuth2 != nil {
		oauthProvider = auth.NewOAuth2Provider(*cfg.AuthOAuth2Config(), nil)
	}

	reg := prometheus.NewRegistry()
	server := httpapi.NewServer(httpapi.Config{
		Auth:     authProvider,
		Limiter:  limiter,
		Router:   mcpRouter,
		Audit:    auditLogger,
		Registry: reg,
		OAuth:    oauthProvider,
		PKCETTL:  5 * time.Minute,
		Version:  version,
	}, log)

	return &AppState{
		log:        log,
		cfg:        cfg,
		server:     server,
		limiter:    limiter,
		router:     mcpRouter,
		audit:      auditLogger,
		transports: transports,
		telemetry:  tp,
	}, nil
}

// Server returns the constructed HTTP handler, for the caller to pass to
// http.Server.
func (a *AppState) Server() *httpapi.Server { return a.server }

// Start spawns every background task listed in spec.md §5 and flips
// readiness once they are running.
func (a *AppState) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.limiter.RunCleanup(ctx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.server.RunPKCESweeper(ctx, time.Minute)
	}()

	a.server.SetReady(true)
}

// Shutdown triggers the cancellation of every background task, drains
// inflight work under a bounded timeout, and closes every transport and
// the audit logger, per spec.md §5's cancellation sequence.
func (a *AppState) Shutdown(ctx context.Context) error {
	a.server.SetReady(false)

	if a.cancel != nil {
		a.cancel()
	}

	drained := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(drainTimeout):
		a.log.Warn("appstate: background tasks did not exit within drain timeout")
	case <-ctx.Done():
	}

	var firstErr error
	for _, t := range a.transports {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing transport: %w", err)
		}
	}
	if err := a.audit.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing audit logger: %w", err)
	}
	if err := a.telemetry.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("shutting down telemetry provider: %w", err)
	}
	return firstErr
}

func buildRoutes(cfg *config.Config, log *zap.Logger) ([]router.Route, *router.Route, error) {
	routeConfigs, defConfig := cfg.RouterConfigs()

	build := func(rc router.RouteConfig) (router.Route, error) {
		t, err := buildTransport(rc, log)
		if err != nil {
			return router.Route{}, err
		}
		return router.Route{Config: rc, Transport: t}, nil
	}

	routes := make([]router.Route, 0, len(routeConfigs))
	for _, rc := range routeConfigs {
		route, err := build(rc)
		if err != nil {
			return nil, nil, err
		}
		routes = append(routes, route)
	}

	var def *router.Route
	if defConfig != nil {
		route, err := build(*defConfig)
		if err != nil {
			return nil, nil, err
		}
		def = &route
	}
	return routes, def, nil
}

func buildTransport(rc router.RouteConfig, log *zap.Logger) (router.Transport, error) {
	switch rc.Kind {
	case router.TransportStdio:
		return transport.NewStdioTransport(context.Background(), transport.StdioConfig{
			Command: rc.Command,
			Args:    rc.Args,
		}, log)
	case router.TransportHTTP:
		return transport.NewHTTPTransport(transport.HTTPConfig{URL: rc.URL}, log)
	case router.TransportSSE:
		return transport.NewSSETransport(transport.SSEConfig{URL: rc.URL}, log)
	default:
		return nil, fmt.Errorf("appstate: unknown transport kind %q for route %q", rc.Kind, rc.Name)
	}
}

// buildAuthProvider composes every configured provider behind a single
// MultiProvider. JWKS refresh for the JWT provider is not driven from
// here: JWTProvider encapsulates its cache and refreshes it lazily on
// cache-miss/expiry from inside its own keyFunc, which satisfies the
// mandatory half of spec.md §5's refresh requirement without appstate
// reaching into the provider's internals.
func buildAuthProvider(cfg *config.Config, log *zap.Logger) (auth.Provider, error) {
	var providers []auth.Provider

	if len(cfg.Auth.APIKeys) > 0 {
		providers = append(providers, auth.NewAPIKeyProvider(cfg.AuthAPIKeyEntries()))
	}
	if jwtCfg := cfg.AuthJWTConfig(); jwtCfg != nil {
		var fetcher auth.JWKSFetcher
		if jwtCfg.JWKSURL != "" {
			fetcher = auth.NewHTTPJWKSFetcher()
		}
		providers = append(providers, auth.NewJWTProvider(*jwtCfg, fetcher))
	}
	if oauthCfg := cfg.AuthOAuth2Config(); oauthCfg != nil {
		providers = append(providers, auth.NewOAuth2Provider(*oauthCfg, nil))
	}
	if cfg.Auth.MTLS != nil {
		providers = append(providers, auth.NewMTLSProvider(cfg.AuthMTLSConfig()))
	}

	if len(providers) == 0 {
		return nil, fmt.Errorf("no authentication providers configured")
	}
	return auth.NewMultiProvider(providers...), nil
}

func buildAuditLogger(cfg *config.Config, log *zap.Logger) (*audit.Logger, error) {
	var sinks []audit.Sink
	if cfg.Audit.Stdout {
		sinks = append(sinks, audit.NewStdoutSink())
	}
	if cfg.Audit.File != nil {
		sinks = append(sinks, audit.NewFileSink(audit.FileSinkConfig{
			Path:       cfg.Audit.File.Path,
			MaxSizeMB:  cfg.Audit.File.MaxSizeMB,
			MaxBackups: cfg.Audit.File.MaxBackups,
			MaxAgeDays: cfg.Audit.File.MaxAgeDays,
			Compress:   cfg.Audit.File.Compress,
		}))
	}
	if cfg.Audit.HTTP != nil {
		sinks = append(sinks, audit.NewHTTPSink(audit.HTTPSinkConfig{
			URL:           cfg.Audit.HTTP.URL,
			Headers:       cfg.Audit.HTTP.Headers,
			Source:        "mcpguard",
			BatchSize:     cfg.Audit.HTTP.BatchSize,
			FlushInterval: cfg.Audit.HTTP.FlushInterval.Duration(),
		}, log))
	}

	return audit.NewLogger(audit.Config{
		Enabled:   cfg.Audit.Enabled,
		QueueSize: cfg.Audit.QueueSize,
	}, log, sinks...)
}
