package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingFetcher records how many times Fetch was actually invoked, to
// assert single-flight collapses concurrent callers into one call.
type countingFetcher struct {
	mu      sync.Mutex
	calls   int
	delay   time.Duration
	keys    map[string]any
	err     error
}

func (f *countingFetcher) Fetch(ctx context.Context, _ string) (map[string]any, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.keys, nil
}

func (f *countingFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestJWKSCacheFetchesOnceForConcurrentCallers(t *testing.T) {
	fetcher := &countingFetcher{delay: 50 * time.Millisecond, keys: map[string]any{"kid-1": "key-1"}}
	c := NewJWKSCache(time.Hour)

	const n = 20
	var wg sync.WaitGroup
	results := make([]any, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), "https://x", "kid-1", fetcher)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "key-1", results[i])
	}
	assert.Equal(t, 1, fetcher.callCount())
}

func TestJWKSCacheRefetchesAfterTTLExpiry(t *testing.T) {
	fetcher := &countingFetcher{keys: map[string]any{"kid-1": "key-1"}}
	c := NewJWKSCache(10 * time.Millisecond)

	_, err := c.Get(context.Background(), "https://x", "kid-1", fetcher)
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.callCount())

	time.Sleep(20 * time.Millisecond)

	_, err = c.Get(context.Background(), "https://x", "kid-1", fetcher)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.callCount())
}

func TestJWKSCacheUnknownKeyTriggersRefresh(t *testing.T) {
	fetcher := &countingFetcher{keys: map[string]any{"kid-1": "key-1"}}
	c := NewJWKSCache(time.Hour)

	_, err := c.Get(context.Background(), "https://x", "kid-1", fetcher)
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.callCount())

	// kid-2 wasn't in the first response; the cache isn't stale by TTL but
	// must still refresh since the key is unknown.
	fetcher.keys = map[string]any{"kid-1": "key-1", "kid-2": "key-2"}
	key, err := c.Get(context.Background(), "https://x", "kid-2", fetcher)
	require.NoError(t, err)
	assert.Equal(t, "key-2", key)
	assert.Equal(t, 2, fetcher.callCount())
}

func TestJWKSCacheFallsBackToStaleKeyOnRefreshFailure(t *testing.T) {
	fetcher := &countingFetcher{keys: map[string]any{"kid-1": "key-1"}}
	c := NewJWKSCache(5 * time.Millisecond)

	_, err := c.Get(context.Background(), "https://x", "kid-1", fetcher)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	fetcher.err = fmt.Errorf("upstream unavailable")

	key, err := c.Get(context.Background(), "https://x", "kid-1", fetcher)
	require.NoError(t, err)
	assert.Equal(t, "key-1", key)
}

func TestJWKSCacheRefreshFailureAndUncachedKeyErrors(t *testing.T) {
	fetcher := &countingFetcher{err: fmt.Errorf("upstream unavailable")}
	c := NewJWKSCache(time.Hour)

	_, err := c.Get(context.Background(), "https://x", "kid-absent", fetcher)
	require.Error(t, err)
}

func TestJWKSCacheContextCancelledWhileWaitingOnInflight(t *testing.T) {
	fetcher := &countingFetcher{delay: 200 * time.Millisecond, keys: map[string]any{"kid-1": "key-1"}}
	c := NewJWKSCache(time.Hour)

	go func() {
		_, _ = c.Get(context.Background(), "https://x", "kid-1", fetcher)
	}()
	time.Sleep(10 * time.Millisecond) // let the first Get start the fetch

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "https://x", "kid-1", fetcher)
	require.Error(t, err)
}

func b64url(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func TestHTTPJWKSFetcherDecodesRSAAndECKeys(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	eBytes := big.NewInt(int64(rsaKey.PublicKey.E)).Bytes()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{
				{
					"kty": "RSA",
					"kid": "rsa-1",
					"n":   b64url(rsaKey.PublicKey.N.Bytes()),
					"e":   b64url(eBytes),
				},
				{
					"kty": "EC",
					"kid": "ec-1",
					"crv": "P-256",
					"x":   b64url(ecKey.PublicKey.X.Bytes()),
					"y":   b64url(ecKey.PublicKey.Y.Bytes()),
				},
				{
					"kty": "RSA",
					"kid": "bad-1",
					"n":   "not-base64!!!",
					"e":   "AQAB",
				},
			},
		})
	}))
	defer srv.Close()

	fetcher := NewHTTPJWKSFetcher()
	keys, err := fetcher.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	require.Contains(t, keys, "rsa-1")
	rsaPub, ok := keys["rsa-1"].(*rsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, rsaKey.PublicKey.N, rsaPub.N)

	require.Contains(t, keys, "ec-1")
	ecPub, ok := keys["ec-1"].(*ecdsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, ecKey.PublicKey.X, ecPub.X)

	assert.NotContains(t, keys, "bad-1")
}

func TestHTTPJWKSFetcherNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fetcher := NewHTTPJWKSFetcher()
	_, err := fetcher.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestDecodeJWKUnsupportedKeyType(t *testing.T) {
	_, err := decodeJWK(jwk{Kty: "oct", Kid: "x"})
	require.Error(t, err)
}

func TestDecodeJWKUnsupportedCurve(t *testing.T) {
	_, err := decodeJWK(jwk{Kty: "EC", Crv: "P-521"})
	require.Error(t, err)
}
