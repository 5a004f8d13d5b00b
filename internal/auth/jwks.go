package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// JWKSCache holds decoded public keys by key-id, refreshed on a TTL and
// single-flighted per cache instance, per spec.md §3/§4.4.
type JWKSCache struct {
	mu        sync.Mutex
	keys      map[string]any
	fetchedAt time.Time
	ttl       time.Duration
	inflight  chan struct{} // non-nil while a refresh is in progress
}

// NewJWKSCache builds an already-expired cache so the first use triggers a
// fetch.
func NewJWKSCache(ttl time.Duration) *JWKSCache {
	return &JWKSCache{
		keys:      map[string]any{},
		fetchedAt: time.Time{}, // zero value: always stale
		ttl:       ttl,
	}
}

func (c *JWKSCache) expired() bool {
	return time.Since(c.fetchedAt) >= c.ttl
}

// Get returns the public key for kid, refreshing via fetch if the cache is
// stale or the key is unknown. A refresh failure does not invalidate
// currently cached keys; Get falls back to whatever is cached if the kid
// is present there, otherwise returns the fetch error.
func (c *JWKSCache) Get(ctx context.Context, url, kid string, fetcher JWKSFetcher) (any, error) {
	c.mu.Lock()
	stale := c.expired()
	key, known := c.keys[kid]
	if !stale && known {
		c.mu.Unlock()
		return key, nil
	}

	if wait := c.inflight; wait != nil {
		// A refresh is already underway; wait for it instead of
		// triggering a second concurrent fetch (single-flight).
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c.mu.Lock()
		key, known = c.keys[kid]
		c.mu.Unlock()
		if known {
			return key, nil
		}
		return nil, fmt.Errorf("jwks: key %q not found after refresh", kid)
	}

	done := make(chan struct{})
	c.inflight = done
	c.mu.Unlock()

	newKeys, err := fetcher.Fetch(ctx, url)

	c.mu.Lock()
	if err == nil {
		c.keys = newKeys
		c.fetchedAt = time.Now()
	}
	c.inflight = nil
	close(done)
	key, known = c.keys[kid]
	c.mu.Unlock()

	if known {
		return key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jwks: refresh failed and key %q not cached: %w", kid, err)
	}
	return nil, fmt.Errorf("jwks: key %q not found", kid)
}

// httpJWKSFetcher fetches a JWKS document over HTTP with a short timeout,
// per spec.md §5.
type httpJWKSFetcher struct {
	client *http.Client
}

// NewHTTPJWKSFetcher builds a fetcher with a bounded timeout for JWKS
// retrieval (spec.md §5: "short (≤10s) and single-flight").
func NewHTTPJWKSFetcher() JWKSFetcher {
	return &httpJWKSFetcher{client: &http.Client{Timeout: 10 * time.Second}}
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	// RSA
	N string `json:"n"`
	E string `json:"e"`
	// EC
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (f *httpJWKSFetcher) Fetch(ctx context.Context, url string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks fetch: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var set jwkSet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("jwks: parse: %w", err)
	}

	out := make(map[string]any, len(set.Keys))
	for _, k := range set.Keys {
		pub, err := decodeJWK(k)
		if err != nil {
			continue // skip unparseable keys, keep the rest
		}
		out[k.Kid] = pub
	}
	return out, nil
}

func decodeJWK(k jwk) (any, error) {
	switch k.Kty {
	case "RSA":
		nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, err
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, err
		}
		n := new(big.Int).SetBytes(nBytes)
		e := new(big.Int).SetBytes(eBytes)
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		var curve elliptic.Curve
		switch k.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		default:
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		xBytes, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, err
		}
		yBytes, err := base64.RawURLEncoding.DecodeString(k.Y)
		if err != nil {
			return nil, err
		}
		x := new(big.Int).SetBytes(xBytes)
		y := new(big.Int).SetBytes(yBytes)
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}
