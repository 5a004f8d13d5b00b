package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(secret)
	require.NoError(t, err)
	return s
}

func TestJWTSimpleModeHappyPath(t *testing.T) {
	secret := []byte("test-secret")
	p := NewJWTProvider(JWTConfig{Secret: secret}, nil)

	claims := jwt.MapClaims{
		"sub": "svc-a",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	tok := signHS256(t, secret, claims)

	id, err := p.Authenticate(context.Background(), Credential{Bearer: tok})
	require.NoError(t, err)
	assert.Equal(t, "svc-a", id.ID)
	assert.True(t, id.Unrestricted())
}

func TestJWTSimpleModeWrongSecretRejected(t *testing.T) {
	p := NewJWTProvider(JWTConfig{Secret: []byte("right-secret")}, nil)

	tok := signHS256(t, []byte("wrong-secret"), jwt.MapClaims{
		"sub": "svc-a",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := p.Authenticate(context.Background(), Credential{Bearer: tok})
	require.Error(t, err)
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ErrInvalidSignature, ae.Kind)
}

func TestJWTExpiredTokenRejected(t *testing.T) {
	secret := []byte("test-secret")
	p := NewJWTProvider(JWTConfig{Secret: secret}, nil)

	tok := signHS256(t, secret, jwt.MapClaims{
		"sub": "svc-a",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})

	_, err := p.Authenticate(context.Background(), Credential{Bearer: tok})
	require.Error(t, err)
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ErrExpired, ae.Kind)
}

func TestJWTMissingExpClaimRejected(t *testing.T) {
	secret := []byte("test-secret")
	p := NewJWTProvider(JWTConfig{Secret: secret}, nil)

	tok := signHS256(t, secret, jwt.MapClaims{"sub": "svc-a"})

	_, err := p.Authenticate(context.Background(), Credential{Bearer: tok})
	require.Error(t, err)
}

func TestJWTMissingBearerRejected(t *testing.T) {
	p := NewJWTProvider(JWTConfig{Secret: []byte("s")}, nil)
	_, err := p.Authenticate(context.Background(), Credential{})
	require.Error(t, err)
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ErrMissingCredential, ae.Kind)
}

func TestJWTMissingUserIDClaimRejected(t *testing.T) {
	secret := []byte("test-secret")
	p := NewJWTProvider(JWTConfig{Secret: secret}, nil)

	tok := signHS256(t, secret, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := p.Authenticate(context.Background(), Credential{Bearer: tok})
	require.Error(t, err)
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ErrInvalidFormat, ae.Kind)
}

func TestJWTIssuerAudienceEnforced(t *testing.T) {
	secret := []byte("test-secret")
	p := NewJWTProvider(JWTConfig{Secret: secret, Issuer: "https://issuer.example", Audience: "mcp-guard"}, nil)

	bad := signHS256(t, secret, jwt.MapClaims{
		"sub": "svc-a",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iss": "https://someone-else.example",
		"aud": "mcp-guard",
	})
	_, err := p.Authenticate(context.Background(), Credential{Bearer: bad})
	require.Error(t, err)

	good := signHS256(t, secret, jwt.MapClaims{
		"sub": "svc-a",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iss": "https://issuer.example",
		"aud": "mcp-guard",
	})
	_, err = p.Authenticate(context.Background(), Credential{Bearer: good})
	require.NoError(t, err)
}

func TestJWTScopeToToolsMapping(t *testing.T) {
	secret := []byte("test-secret")
	p := NewJWTProvider(JWTConfig{
		Secret: secret,
		ScopeToTools: map[string][]string{
			"tools:read": {"list_files", "read_file"},
		},
	}, nil)

	tok := signHS256(t, secret, jwt.MapClaims{
		"sub":   "svc-a",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "tools:read",
	})

	id, err := p.Authenticate(context.Background(), Credential{Bearer: tok})
	require.NoError(t, err)
	assert.False(t, id.Unrestricted())
	assert.ElementsMatch(t, []string{"list_files", "read_file"}, id.AllowedTools)
}

func TestJWTScopeWildcardIsUnrestricted(t *testing.T) {
	secret := []byte("test-secret")
	p := NewJWTProvider(JWTConfig{
		Secret: secret,
		ScopeToTools: map[string][]string{
			"admin": {"*"},
		},
	}, nil)

	tok := signHS256(t, secret, jwt.MapClaims{
		"sub":   "svc-a",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "admin",
	})

	id, err := p.Authenticate(context.Background(), Credential{Bearer: tok})
	require.NoError(t, err)
	assert.True(t, id.Unrestricted())
}

func TestJWTScopeClaimAsArray(t *testing.T) {
	secret := []byte("test-secret")
	p := NewJWTProvider(JWTConfig{
		Secret: secret,
		ScopeToTools: map[string][]string{
			"tools:write": {"write_file"},
		},
	}, nil)

	tok := signHS256(t, secret, jwt.MapClaims{
		"sub":   "svc-a",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": []any{"tools:write"},
	})

	id, err := p.Authenticate(context.Background(), Credential{Bearer: tok})
	require.NoError(t, err)
	assert.Equal(t, []string{"write_file"}, id.AllowedTools)
}

// fakeJWKSFetcher serves a fixed set of public keys without any network
// access, so the RSA/EC keyfunc paths can be exercised directly.
type fakeJWKSFetcher struct {
	keys map[string]any
	err  error
	n    int // number of calls made, for single-flight/refresh assertions
}

func (f *fakeJWKSFetcher) Fetch(_ context.Context, _ string) (map[string]any, error) {
	f.n++
	if f.err != nil {
		return nil, f.err
	}
	return f.keys, nil
}

func TestJWTJWKSModeRSAHappyPath(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	fetcher := &fakeJWKSFetcher{keys: map[string]any{"kid-1": &key.PublicKey}}
	p := NewJWTProvider(JWTConfig{JWKSURL: "https://issuer.example/.well-known/jwks.json"}, fetcher)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "svc-a",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = "kid-1"
	signed, err := tok.SignedString(key)
	require.NoError(t, err)

	id, err := p.Authenticate(context.Background(), Credential{Bearer: signed})
	require.NoError(t, err)
	assert.Equal(t, "svc-a", id.ID)
	assert.Equal(t, 1, fetcher.n)
}

func TestJWTJWKSModeECHappyPath(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	fetcher := &fakeJWKSFetcher{keys: map[string]any{"kid-ec": &key.PublicKey}}
	p := NewJWTProvider(JWTConfig{JWKSURL: "https://issuer.example/.well-known/jwks.json"}, fetcher)

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"sub": "svc-b",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = "kid-ec"
	signed, err := tok.SignedString(key)
	require.NoError(t, err)

	id, err := p.Authenticate(context.Background(), Credential{Bearer: signed})
	require.NoError(t, err)
	assert.Equal(t, "svc-b", id.ID)
}

func TestJWTJWKSModeMissingKidRejected(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	fetcher := &fakeJWKSFetcher{keys: map[string]any{"kid-1": &key.PublicKey}}
	p := NewJWTProvider(JWTConfig{JWKSURL: "https://issuer.example"}, fetcher)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "svc-a",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString(key)
	require.NoError(t, err)

	_, err = p.Authenticate(context.Background(), Credential{Bearer: signed})
	require.Error(t, err)
}

func TestJWTJWKSModeUnexpectedSigningMethodRejected(t *testing.T) {
	fetcher := &fakeJWKSFetcher{keys: map[string]any{}}
	p := NewJWTProvider(JWTConfig{JWKSURL: "https://issuer.example"}, fetcher)

	tok := signHS256(t, []byte("whatever"), jwt.MapClaims{
		"sub": "svc-a",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := p.Authenticate(context.Background(), Credential{Bearer: tok})
	require.Error(t, err)
	assert.Equal(t, 0, fetcher.n) // should fail before ever calling the fetcher
}
