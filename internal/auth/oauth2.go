package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// OAuth2Config configures the OAuth 2.1 provider. AuthURL/TokenURL feed the
// authorization-code exchange (golang.org/x/oauth2); a presented bearer is
// validated against IntrospectionURL when it is set, otherwise against
// UserinfoURL. A failed introspection call does not fall back to userinfo.
type OAuth2Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string

	IntrospectionURL string
	UserinfoURL      string

	TokenCacheTTL time.Duration // default 5m
}

// OAuth2Provider validates bearer tokens against an introspection or
// userinfo endpoint, caching the result so steady-state requests do not
// round-trip to the authorization server, per spec.md §4.4.
type OAuth2Provider struct {
	cfg    OAuth2Config
	oauth  oauth2.Config
	client *http.Client
	cache  *OAuthTokenCache
}

// NewOAuth2Provider builds a provider. A nil httpClient defaults to one
// with a 30s timeout (spec.md §5's bound on introspection/userinfo calls).
func NewOAuth2Provider(cfg OAuth2Config, httpClient *http.Client) *OAuth2Provider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	ttl := cfg.TokenCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &OAuth2Provider{
		cfg: cfg,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		client: httpClient,
		cache:  NewOAuthTokenCache(ttl),
	}
}

func (p *OAuth2Provider) Name() string { return "oauth2" }

// AuthCodeURL builds the authorization redirect URL for a PKCE flow. The
// caller supplies the state and S256 code challenge.
func (p *OAuth2Provider) AuthCodeURL(state, codeChallenge string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ExchangeCode trades an authorization code plus PKCE verifier for a token,
// per RFC 7636.
func (p *OAuth2Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	return p.oauth.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", codeVerifier))
}

// hashToken returns the cache key for a bearer: SHA-256, URL-safe base64,
// no padding, so the plaintext token is never retained.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func (p *OAuth2Provider) Authenticate(ctx context.Context, cred Credential) (*Identity, error) {
	if cred.Bearer == "" {
		return nil, &Error{Kind: ErrMissingCredential, Cause: errors.New("no bearer presented"), Source: p.Name()}
	}

	key := hashToken(cred.Bearer)
	if cached, ok := p.cache.Get(key); ok {
		if !cached.Active {
			return nil, &Error{Kind: ErrInvalidSignature, Cause: errors.New("token inactive"), Source: p.Name()}
		}
		return identityFromCached(cached), nil
	}

	cached, err := p.validateRemote(ctx, cred.Bearer)
	if err != nil {
		return nil, err
	}
	p.cache.Insert(key, cached)

	if !cached.Active {
		return nil, &Error{Kind: ErrInvalidSignature, Cause: errors.New("token inactive"), Source: p.Name()}
	}
	return identityFromCached(cached), nil
}

func identityFromCached(c *cachedToken) *Identity {
	id := c.UserID
	if id == "" {
		id = c.Username
	}
	return &Identity{
		ID:           id,
		Name:         c.Username,
		AllowedTools: nil, // no scope-to-tool mapping: OAuth identities are unrestricted
		Claims: map[string]any{
			"scopes": c.Scopes,
		},
	}
}

// validateRemote uses introspection when it is configured and userinfo
// otherwise, with no fallback between them; it never logs the plaintext
// token.
func (p *OAuth2Provider) validateRemote(ctx context.Context, token string) (*cachedToken, error) {
	if p.cfg.IntrospectionURL != "" {
		return p.introspect(ctx, token)
	}
	if p.cfg.UserinfoURL != "" {
		return p.userinfo(ctx, token)
	}
	return nil, &Error{Kind: ErrProviderUnavailable, Cause: errors.New("no introspection or userinfo endpoint configured"), Source: p.Name()}
}

func (p *OAuth2Provider) introspect(ctx context.Context, token string) (*cachedToken, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Kind: ErrInternal, Cause: err, Source: p.Name()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if p.cfg.ClientID != "" {
		req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrProviderUnavailable, Cause: err, Source: p.Name()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: ErrProviderUnavailable, Cause: fmt.Errorf("introspection status %d", resp.StatusCode), Source: p.Name()}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, &Error{Kind: ErrInternal, Cause: err, Source: p.Name()}
	}

	var payload struct {
		Active    bool        `json:"active"`
		Sub       string      `json:"sub"`
		Username  string      `json:"username"`
		Scope     interface{} `json:"scope"`
		ExpiresAt int64       `json:"exp"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &Error{Kind: ErrInvalidFormat, Cause: err, Source: p.Name()}
	}

	out := &cachedToken{
		Active:   payload.Active,
		UserID:   payload.Sub,
		Username: payload.Username,
		Scopes:   extractScopes(payload.Scope),
	}
	if payload.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(payload.ExpiresAt, 0)
	}
	return out, nil
}

func (p *OAuth2Provider) userinfo(ctx context.Context, token string) (*cachedToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserinfoURL, nil)
	if err != nil {
		return nil, &Error{Kind: ErrInternal, Cause: err, Source: p.Name()}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrProviderUnavailable, Cause: err, Source: p.Name()}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &cachedToken{Active: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: ErrProviderUnavailable, Cause: fmt.Errorf("userinfo status %d", resp.StatusCode), Source: p.Name()}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, &Error{Kind: ErrInternal, Cause: err, Source: p.Name()}
	}

	var payload struct {
		ID       string      `json:"id"`
		Sub      string      `json:"sub"`
		Login    string      `json:"login"`
		Name     string      `json:"name"`
		Email    string      `json:"email"`
		Scope    interface{} `json:"scope"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &Error{Kind: ErrInvalidFormat, Cause: err, Source: p.Name()}
	}

	userID := payload.Sub
	if userID == "" {
		userID = payload.ID
	}
	username := payload.Login
	if username == "" {
		username = payload.Name
	}
	if username == "" {
		username = payload.Email
	}

	return &cachedToken{
		Active:   true,
		UserID:   userID,
		Username: username,
		Scopes:   extractScopes(payload.Scope),
	}, nil
}
