// Package auth resolves an inbound credential to an authenticated Identity
// via one or more providers, per spec.md §4.4.
package auth

import (
	"context"

	"github.com/botzrDev/mcp-guard-sub000/internal/reqcontext"
)

// Identity is the authenticated principal produced by a successful
// authenticate call. See spec.md §3.
type Identity struct {
	ID      string
	Name    string
	// AllowedTools is nil for unrestricted, []string{"*"} for unrestricted
	// wildcard, or an exact-match allow-list otherwise.
	AllowedTools []string
	// RateLimit, if set, overrides the configured default requests/second.
	RateLimit *int
	Claims    map[string]any
}

// Unrestricted reports whether this identity has no tool restriction at
// all (AllowedTools is nil or contains the "*" wildcard).
func (id *Identity) Unrestricted() bool {
	if id.AllowedTools == nil {
		return true
	}
	for _, t := range id.AllowedTools {
		if t == "*" {
			return true
		}
	}
	return false
}

// ErrorKind is the AuthError taxonomy from spec.md §4.4.
type ErrorKind int

const (
	ErrMissingCredential ErrorKind = iota
	ErrInvalidFormat
	ErrInvalidSignature
	ErrExpired
	ErrUnknownKey
	ErrProviderUnavailable
	ErrInternal
)

// Error is the error type every provider returns on authentication
// failure. Its Error() string is for logs only; it must never reach a
// client response (spec.md §4.4/§7).
type Error struct {
	Kind   ErrorKind
	Cause  error
	Source string // provider name, for logs
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

func (k ErrorKind) String() string {
	switch k {
	case ErrMissingCredential:
		return "missing_credential"
	case ErrInvalidFormat:
		return "invalid_format"
	case ErrInvalidSignature:
		return "invalid_signature"
	case ErrExpired:
		return "expired"
	case ErrUnknownKey:
		return "unknown_key"
	case ErrProviderUnavailable:
		return "provider_unavailable"
	default:
		return "internal"
	}
}

// Credential is what's presented to a provider: a bearer token, and/or a
// bundle of peer-asserted mTLS headers plus the socket peer IP (used only
// by the mTLS-by-header provider, subject to its trusted-proxy check).
type Credential struct {
	Bearer    string
	PeerIP    string
	MTLS      MTLSHeaders
}

// MTLSHeaders carries the peer-provided certificate assertion headers.
type MTLSHeaders struct {
	Verified    string
	CN          string
	SANDNSList  []string
	SANEmail    []string
}

// Provider authenticates a Credential into an Identity.
type Provider interface {
	Authenticate(ctx context.Context, cred Credential) (*Identity, error)
	Name() string
}

// FromContext retrieves the Identity the authentication middleware
// attached via context.WithValue(ctx, reqcontext.IdentityKey, ...), for
// collaborators that don't carry it as an explicit parameter.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(reqcontext.IdentityKey).(*Identity)
	return id, ok
}
