package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/botzrDev/mcp-guard-sub000/internal/apperr"
	"github.com/botzrDev/mcp-guard-sub000/internal/auth"
	"github.com/botzrDev/mcp-guard-sub000/internal/authz"
	"github.com/botzrDev/mcp-guard-sub000/internal/message"
	"github.com/botzrDev/mcp-guard-sub000/internal/reqcontext"
	"github.com/botzrDev/mcp-guard-sub000/internal/router"
	"github.com/botzrDev/mcp-guard-sub000/internal/transport"
)

const upstreamRequestTimeout = 30 * time.Second

// handleMCP implements the full request pipeline of spec.md §4.8, from
// authentication through audit, for POST /mcp and POST /mcp/*.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, err := s.authenticate(r)
	if err != nil {
		s.metrics.observeAuth("failure")
		s.audit.LogAuthFailure(ctx, err.Error(), 0)
		apperr.WriteResponse(w, s.log, apperr.Unauthorized(err))
		return
	}
	s.metrics.observeAuth("success")
	s.audit.LogAuthSuccess(ctx, identity.ID, 0)

	// Attach the identity to the request context rather than threading it
	// through every downstream signature, so collaborators without an
	// identity parameter (e.g. forward's span enrichment) can still reach
	// it, per spec.md §3.
	ctx = context.WithValue(ctx, reqcontext.IdentityKey, identity)

	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		apperr.WriteResponse(w, s.log, &apperr.Error{Kind: apperr.KindBadRequest, Cause: err})
		return
	}
	msg, err := message.Unmarshal(body)
	if err != nil {
		apperr.WriteResponse(w, s.log, &apperr.Error{Kind: apperr.KindBadRequest, Cause: err})
		return
	}
	if err := msg.Validate(); err != nil {
		apperr.WriteResponse(w, s.log, &apperr.Error{Kind: apperr.KindBadRequest, Cause: err})
		return
	}

	if denied := s.checkRateLimit(ctx, w, identity, msg); denied {
		return
	}

	tool, isToolCall := msg.ToolName()

	decision := authz.AuthorizeRequest(identity, msg)
	if !decision.Allow {
		s.audit.LogAuthzDenied(ctx, identity.ID, msg.Method, tool, decision.Reason)
		apperr.WriteResponse(w, s.log, apperr.Forbidden(decision.Reason))
		return
	}

	path := mcpSubPath(r)
	if isToolCall {
		s.audit.LogToolCall(ctx, identity.ID, msg.Method, tool)
	}

	start := time.Now()
	resp, fwdErr := s.forward(ctx, path, msg)
	duration := time.Since(start)

	if fwdErr != nil {
		if isToolCall {
			s.audit.LogToolResponse(ctx, identity.ID, msg.Method, tool, false, duration)
		}
		apperr.WriteResponse(w, s.log, mapTransportError(fwdErr))
		return
	}
	if isToolCall {
		s.audit.LogToolResponse(ctx, identity.ID, msg.Method, tool, true, duration)
	}

	if msg.Method == "tools/list" && resp.Error == nil {
		authz.FilterToolsList(identity, resp)
	}

	w.Header().Set("Content-Type", "application/json")
	out, err := resp.Marshal()
	if err != nil {
		apperr.WriteResponse(w, s.log, apperr.Internal(err))
		return
	}
	_, _ = w.Write(out)
}

// mcpSubPath derives the router-matching path from the request URL: the
// segment after the /mcp prefix, used to resolve the multi-server route
// (and, after prefix-stripping, the path forwarded to HTTP/SSE upstreams
// per spec.md §8's strip_prefix scenario).
func mcpSubPath(r *http.Request) string {
	sub := strings.TrimPrefix(r.URL.Path, "/mcp")
	if sub == "" {
		sub = "/"
	}
	return sub
}

func (s *Server) forward(ctx context.Context, path string, msg *message.Message) (*message.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, upstreamRequestTimeout)
	defer cancel()

	if identity, ok := auth.FromContext(ctx); ok {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("mcp.identity", identity.ID))
	}

	if err := s.mcpRouter.Send(ctx, path, msg); err != nil {
		return nil, err
	}

	var id message.ID
	if msg.ID != nil {
		id = *msg.ID
	}
	return s.mcpRouter.Receive(ctx, path, id)
}

func mapTransportError(err error) *apperr.Error {
	var noRoute *router.NoRouteError
	if errors.As(err, &noRoute) {
		return &apperr.Error{Kind: apperr.KindNotFound, Cause: err}
	}
	var te *transport.Error
	if errors.As(err, &te) {
		switch te.Kind {
		case transport.ErrTimeout:
			return apperr.TransportTimeout(err)
		case transport.ErrHTTP:
			return apperr.TransportUpstream(te.Status, te.Body)
		default:
			return apperr.TransportClosed(err)
		}
	}
	return apperr.Internal(err)
}

// authenticate builds a Credential from the request and resolves it via
// the configured provider(s), per spec.md §4.4/§4.8.
func (s *Server) authenticate(r *http.Request) (*auth.Identity, error) {
	cred := auth.Credential{
		PeerIP: r.RemoteAddr,
		Bearer: bearerFromHeader(r.Header.Get("Authorization")),
		MTLS:   mtlsHeadersFromRequest(r),
	}
	id, err := s.auth.Authenticate(r.Context(), cred)
	if err != nil {
		return nil, err
	}
	return id, nil
}

func bearerFromHeader(h string) string {
	const prefix = "bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func mtlsHeadersFromRequest(r *http.Request) auth.MTLSHeaders {
	return auth.MTLSHeaders{
		Verified:   r.Header.Get("X-Client-Cert-Verified"),
		CN:         r.Header.Get("X-Client-Cert-CN"),
		SANDNSList: splitNonEmpty(r.Header.Get("X-Client-Cert-SAN-DNS")),
		SANEmail:   splitNonEmpty(r.Header.Get("X-Client-Cert-SAN-Email")),
	}
}

func splitNonEmpty(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// checkRateLimit applies the identity-level and, for tools/call, the
// per-(identity,tool) quota, per spec.md §4.8. Returns true when the
// request was denied and a response already written.
func (s *Server) checkRateLimit(ctx context.Context, w http.ResponseWriter, identity *auth.Identity, msg *message.Message) bool {
	res := s.limiter.Check(identity.ID, identity.RateLimit)
	if !res.Allowed {
		s.audit.LogRateLimited(ctx, identity.ID, msg.Method, "")
		s.metrics.observeRateLimited("identity")
		writeRateLimitHeaders(w, res.Limit, res.Remaining, res.ResetAt)
		apperr.WriteResponse(w, s.log, apperr.RateLimited(res.RetryAfterSecs))
		return true
	}
	writeRateLimitHeaders(w, res.Limit, res.Remaining, res.ResetAt)

	tool, ok := msg.ToolName()
	if !ok {
		return false
	}
	toolRes := s.limiter.CheckTool(identity.ID, tool)
	if toolRes != nil && !toolRes.Allowed {
		s.audit.LogRateLimited(ctx, identity.ID, msg.Method, tool)
		s.metrics.observeRateLimited("tool")
		writeRateLimitHeaders(w, toolRes.Limit, toolRes.Remaining, toolRes.ResetAt)
		apperr.WriteResponse(w, s.log, apperr.RateLimited(toolRes.RetryAfterSecs))
		return true
	}
	return false
}

func writeRateLimitHeaders(w http.ResponseWriter, limit, remaining int, resetAt time.Time) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}
