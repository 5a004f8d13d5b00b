// Package router dispatches inbound requests to one of several named
// upstream transports by longest-prefix path match, per spec.md §4.6.
package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/botzrDev/mcp-guard-sub000/internal/message"
)

// TransportKind names the wire adapter a route uses.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
	TransportSSE   TransportKind = "sse"
)

// Transport is the narrow interface the router depends on; concrete
// adapters live in internal/transport. path is the (possibly
// prefix-stripped) sub-path within the route, used by HTTP/SSE adapters
// to address a specific upstream endpoint; stdio adapters ignore it.
type Transport interface {
	Send(ctx context.Context, path string, msg *message.Message) error
	// Receive returns the response correlated with id, the original
	// request's JSON-RPC id. A transport instance is shared across
	// concurrent callers of the same route (spec.md §4.2), so id is how
	// an adapter tells one in-flight request's response from another's.
	Receive(ctx context.Context, path string, id message.ID) (*message.Message, error)
	Close() error
	IsHealthy() bool
}

// RouteConfig describes one upstream mapping before its transport is
// constructed.
type RouteConfig struct {
	Name        string
	PathPrefix  string
	Kind        TransportKind
	Command     string
	Args        []string
	URL         string
	StripPrefix bool
}

// Validate enforces spec.md §4.6's construction-time checks.
func (c RouteConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("route: name must not be empty")
	}
	if !strings.HasPrefix(c.PathPrefix, "/") {
		return fmt.Errorf("route %q: path_prefix must start with '/'", c.Name)
	}
	switch c.Kind {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("route %q: stdio route requires command", c.Name)
		}
	case TransportHTTP, TransportSSE:
		if c.URL == "" {
			return fmt.Errorf("route %q: %s route requires url", c.Name, c.Kind)
		}
	default:
		return fmt.Errorf("route %q: unknown transport kind %q", c.Name, c.Kind)
	}
	return nil
}

// Route pairs a validated config with its constructed transport.
type Route struct {
	Config    RouteConfig
	Transport Transport
}

// NoRouteError is returned by ServerRouter when no route (and no default)
// matches a path.
type NoRouteError struct {
	Path string
}

func (e *NoRouteError) Error() string {
	return fmt.Sprintf("router: no route for path %q", e.Path)
}

// ServerRouter dispatches by longest path-prefix match, falling back to
// an optional default route.
type ServerRouter struct {
	routes  []Route
	defRoute *Route
}

// New builds a router from already-validated, already-constructed routes
// in insertion order. def may be nil.
func New(routes []Route, def *Route) *ServerRouter {
	return &ServerRouter{routes: routes, defRoute: def}
}

// MatchPath selects the route whose PathPrefix is the longest prefix of
// path, breaking ties by insertion order; falls back to the default
// route if no configured prefix matches.
func (r *ServerRouter) MatchPath(path string) (*Route, error) {
	var best *Route
	bestLen := -1
	for i := range r.routes {
		prefix := r.routes[i].Config.PathPrefix
		if strings.HasPrefix(path, prefix) && len(prefix) > bestLen {
			best = &r.routes[i]
			bestLen = len(prefix)
		}
	}
	if best != nil {
		return best, nil
	}
	if r.defRoute != nil {
		return r.defRoute, nil
	}
	return nil, &NoRouteError{Path: path}
}

// stripPrefix removes the matched route's PathPrefix from path when the
// route's StripPrefix flag is set.
func stripPrefix(route *Route, path string) string {
	if !route.Config.StripPrefix {
		return path
	}
	return strings.TrimPrefix(path, route.Config.PathPrefix)
}

// Send resolves path to a route and forwards msg downstream, stripping
// the matched prefix first when the route requests it.
func (r *ServerRouter) Send(ctx context.Context, path string, msg *message.Message) error {
	route, err := r.MatchPath(path)
	if err != nil {
		return err
	}
	return route.Transport.Send(ctx, stripPrefix(route, path), msg)
}

// Receive resolves path to a route and reads the response correlated
// with id from it.
func (r *ServerRouter) Receive(ctx context.Context, path string, id message.ID) (*message.Message, error) {
	route, err := r.MatchPath(path)
	if err != nil {
		return nil, err
	}
	return route.Transport.Receive(ctx, stripPrefix(route, path), id)
}

// Routes returns the configured routes, for diagnostics (e.g. GET /routes).
func (r *ServerRouter) Routes() []Route {
	return r.routes
}
