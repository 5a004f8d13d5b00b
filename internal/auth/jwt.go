package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures the JWT provider. Exactly one of Secret or JWKSURL
// should be set, selecting simple (HS256/384/512) or JWKS (RS/ES) mode.
type JWTConfig struct {
	Secret   []byte // simple mode
	JWKSURL  string // JWKS mode
	Issuer   string
	Audience string
	LeewaySecs int

	UserIDClaim string // default "sub"
	ScopesClaim string // default "scope"

	// ScopeToTools maps an OAuth-style scope to the tools it grants. A
	// mapped value of "*" makes the resulting identity unrestricted.
	ScopeToTools map[string][]string
}

// JWTProvider validates JWTs in either simple (HS*) or JWKS (RS*/ES*)
// mode, per spec.md §4.4.
type JWTProvider struct {
	cfg   JWTConfig
	cache *JWKSCache // nil in simple mode
	fetch JWKSFetcher
}

// JWKSFetcher fetches and parses a JWKS document. Implemented by
// httpJWKSFetcher in production, swappable in tests.
type JWKSFetcher interface {
	Fetch(ctx context.Context, url string) (map[string]any, error)
}

// NewJWTProvider builds a provider for simple (Secret set) or JWKS
// (JWKSURL set) mode.
func NewJWTProvider(cfg JWTConfig, fetch JWKSFetcher) *JWTProvider {
	p := &JWTProvider{cfg: cfg, fetch: fetch}
	if cfg.JWKSURL != "" {
		p.cache = NewJWKSCache(time.Hour)
	}
	if p.cfg.UserIDClaim == "" {
		p.cfg.UserIDClaim = "sub"
	}
	if p.cfg.ScopesClaim == "" {
		p.cfg.ScopesClaim = "scope"
	}
	return p
}

func (p *JWTProvider) Name() string { return "jwt" }

func (p *JWTProvider) Authenticate(ctx context.Context, cred Credential) (*Identity, error) {
	if cred.Bearer == "" {
		return nil, &Error{Kind: ErrMissingCredential, Cause: errors.New("no bearer presented"), Source: p.Name()}
	}

	keyFunc := p.keyFunc(ctx)
	parserOpts := []jwt.ParserOption{
		jwt.WithLeeway(time.Duration(p.cfg.LeewaySecs) * time.Second),
		jwt.WithExpirationRequired(),
	}
	if p.cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(p.cfg.Issuer))
	}
	if p.cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(p.cfg.Audience))
	}

	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(cred.Bearer, claims, keyFunc, parserOpts...)
	if err != nil {
		return nil, classifyJWTError(err, p.Name())
	}
	if !tok.Valid {
		return nil, &Error{Kind: ErrInvalidSignature, Cause: errors.New("token invalid"), Source: p.Name()}
	}

	userID, _ := claims[p.cfg.UserIDClaim].(string)
	if userID == "" {
		return nil, &Error{Kind: ErrInvalidFormat, Cause: fmt.Errorf("missing claim %q", p.cfg.UserIDClaim), Source: p.Name()}
	}

	scopes := extractScopes(claims[p.cfg.ScopesClaim])
	allowedTools := scopesToTools(scopes, p.cfg.ScopeToTools)

	return &Identity{
		ID:           userID,
		AllowedTools: allowedTools,
		Claims:       map[string]any(claims),
	}, nil
}

func (p *JWTProvider) keyFunc(ctx context.Context) jwt.Keyfunc {
	if p.cache == nil {
		return func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return p.cfg.Secret, nil
		}
	}
	return func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
		default:
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header missing kid")
		}
		return p.cache.Get(ctx, p.cfg.JWKSURL, kid, p.fetch)
	}
}

func extractScopes(v any) []string {
	switch val := v.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, s := range val {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		return strings.Fields(val)
	default:
		return nil
	}
}

func scopesToTools(scopes []string, mapping map[string][]string) []string {
	if mapping == nil {
		return nil
	}
	var out []string
	for _, s := range scopes {
		tools, ok := mapping[s]
		if !ok {
			continue
		}
		for _, t := range tools {
			if t == "*" {
				return nil // unrestricted
			}
			out = append(out, t)
		}
	}
	return out
}

func classifyJWTError(err error, source string) *Error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &Error{Kind: ErrExpired, Cause: err, Source: source}
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &Error{Kind: ErrInvalidFormat, Cause: err, Source: source}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return &Error{Kind: ErrInvalidSignature, Cause: err, Source: source}
	default:
		return &Error{Kind: ErrInvalidSignature, Cause: err, Source: source}
	}
}
