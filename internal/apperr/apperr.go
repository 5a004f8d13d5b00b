// Package apperr implements MCP Guard's error taxonomy: a single tagged
// kind propagated with the original cause attached, mapped to an HTTP
// status and a terse client-facing body exactly once, at the edge.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind is the taxonomy from spec.md §7.
type Kind int

const (
	KindUnauthorized Kind = iota
	KindForbidden
	KindNotFound
	KindRateLimited
	KindBadRequest
	KindTransportTimeout
	KindTransportHTTP
	KindTransportClosed
	KindInternal
)

// Error wraps a Kind with its cause and a few kind-specific hints.
type Error struct {
	Kind         Kind
	Cause        error
	RetryAfter   int // seconds, for KindRateLimited
	UpstreamCode int // HTTP status, for KindTransportHTTP
	UpstreamBody string
	Reason       string // for KindForbidden
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindBadRequest:
		return "bad_request"
	case KindTransportTimeout:
		return "transport_timeout"
	case KindTransportHTTP:
		return "transport_http"
	case KindTransportClosed:
		return "transport_closed"
	default:
		return "internal"
	}
}

// StatusCode maps a Kind to its HTTP status per spec.md §7.
func (k Kind) StatusCode() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBadRequest:
		return http.StatusBadRequest
	case KindTransportTimeout:
		return http.StatusGatewayTimeout
	case KindTransportHTTP, KindTransportClosed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New builds an Error of the given kind wrapping cause.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Unauthorized, Forbidden, etc. are small constructors for the common cases.
func Unauthorized(cause error) *Error { return New(KindUnauthorized, cause) }

func Forbidden(reason string) *Error {
	return &Error{Kind: KindForbidden, Reason: reason, Cause: errors.New(reason)}
}

func RateLimited(retryAfter int) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter}
}

func Internal(cause error) *Error { return New(KindInternal, cause) }

func TransportTimeout(cause error) *Error { return New(KindTransportTimeout, cause) }

func TransportUpstream(status int, body string) *Error {
	return &Error{Kind: KindTransportHTTP, UpstreamCode: status, UpstreamBody: body}
}

func TransportClosed(cause error) *Error { return New(KindTransportClosed, cause) }

// body is the terse, client-facing JSON per spec.md §7.
type body struct {
	ErrorID      string `json:"error_id"`
	Error        string `json:"error,omitempty"`
	Reason       string `json:"reason,omitempty"`
	RetryAfter   int    `json:"retry_after,omitempty"`
	UpstreamCode int    `json:"upstream_status,omitempty"`
	Body         string `json:"body,omitempty"`
}

// WriteResponse logs the full error against a fresh correlation id and
// writes the terse client-facing body. It is the single point where an
// apperr.Error is translated into bytes on the wire.
func WriteResponse(w http.ResponseWriter, logger *zap.Logger, err error) {
	errID := uuid.NewString()

	var ae *Error
	if !errors.As(err, &ae) {
		ae = Internal(err)
	}

	if logger != nil {
		logger.Error("request failed",
			zap.String("error_id", errID),
			zap.String("kind", ae.Kind.String()),
			zap.Error(ae.Cause))
	}

	b := body{ErrorID: errID}
	switch ae.Kind {
	case KindUnauthorized:
		b.Error = "unauthorized"
	case KindForbidden:
		b.Error = "forbidden"
		b.Reason = ae.Reason
	case KindNotFound:
		b.Error = "not_found"
	case KindRateLimited:
		b.Error = "rate_limited"
		b.RetryAfter = ae.RetryAfter
		if ae.RetryAfter > 0 {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", ae.RetryAfter))
		}
	case KindBadRequest:
		b.Error = "bad_request"
	case KindTransportHTTP:
		b.UpstreamCode = ae.UpstreamCode
		b.Body = ae.UpstreamBody
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Kind.StatusCode())
	_ = json.NewEncoder(w).Encode(b)
}
