package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func introspectionServer(t *testing.T, active bool, sub string, scope string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		_ = json.NewEncoder(w).Encode(map[string]any{
			"active": active,
			"sub":    sub,
			"scope":  scope,
		})
	}))
}

func TestOAuth2HappyPathCachesResult(t *testing.T) {
	srv := introspectionServer(t, true, "user-1", "tools:read tools:write")
	defer srv.Close()

	p := NewOAuth2Provider(OAuth2Config{IntrospectionURL: srv.URL}, nil)

	id, err := p.Authenticate(context.Background(), Credential{Bearer: "tok-abc"})
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.ID)
	assert.Equal(t, 1, p.cache.Len())

	// second call must hit cache, not the server; close the server to prove it.
	srv.Close()
	id2, err := p.Authenticate(context.Background(), Credential{Bearer: "tok-abc"})
	require.NoError(t, err)
	assert.Equal(t, "user-1", id2.ID)
}

func TestOAuth2InactiveTokenRejected(t *testing.T) {
	srv := introspectionServer(t, false, "", "")
	defer srv.Close()

	p := NewOAuth2Provider(OAuth2Config{IntrospectionURL: srv.URL}, nil)
	_, err := p.Authenticate(context.Background(), Credential{Bearer: "tok-bad"})
	require.Error(t, err)
}

func TestOAuth2MissingBearer(t *testing.T) {
	p := NewOAuth2Provider(OAuth2Config{IntrospectionURL: "http://unused"}, nil)
	_, err := p.Authenticate(context.Background(), Credential{})
	require.Error(t, err)
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ErrMissingCredential, ae.Kind)
}

func TestOAuthTokenCacheEvictsOldestOverCap(t *testing.T) {
	c := NewOAuthTokenCache(time.Hour)
	for i := 0; i < tokenCacheMax+10; i++ {
		c.Insert(string(rune(i)), &cachedToken{Active: true, UserID: "u"})
	}
	assert.LessOrEqual(t, c.Len(), tokenCacheMax)
}

func TestOAuthTokenCacheHitDoesNotRefreshOrder(t *testing.T) {
	c := NewOAuthTokenCache(time.Hour)
	c.Insert("a", &cachedToken{Active: true})
	first, _ := c.Get("a")
	firstSeq := first.insertedAt

	// a cache hit must not touch insertion order
	_, _ = c.Get("a")
	second, _ := c.Get("a")
	assert.Equal(t, firstSeq, second.insertedAt)
}

func TestOAuthTokenCacheExpiredEntryMissed(t *testing.T) {
	c := NewOAuthTokenCache(time.Hour)
	c.Insert("a", &cachedToken{Active: true, ExpiresAt: time.Now().Add(-time.Minute)})
	_, ok := c.Get("a")
	assert.False(t, ok)
}
