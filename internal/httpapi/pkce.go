package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// pkceState is one entry in the OAuth PKCE state store, per spec.md
// §4.8's Issued -> Consumed / Issued -> Expired state machine.
type pkceState struct {
	verifier  string
	clientIP  string
	createdAt time.Time
}

// pkceStore is the single-use, client-IP-bound state store backing
// GET /oauth/authorize and GET /oauth/callback.
type pkceStore struct {
	mu      sync.Mutex
	entries map[string]pkceState
	ttl     time.Duration
	log     *zap.Logger
}

func newPKCEStore(ttl time.Duration, log *zap.Logger) *pkceStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &pkceStore{entries: make(map[string]pkceState), ttl: ttl, log: log}
}

// issue generates a verifier/challenge pair and stores the verifier under
// a fresh state key bound to clientIP. It returns the state key and the
// S256 challenge; the verifier stays in the store until consume.
func (s *pkceStore) issue(clientIP string) (state, challenge string) {
	verifier := randomVerifier()
	state = uuid.NewString()

	s.mu.Lock()
	s.entries[state] = pkceState{verifier: verifier, clientIP: clientIP, createdAt: time.Now()}
	s.mu.Unlock()

	return state, challengeFromVerifier(verifier)
}

// consume validates and single-use-deletes the entry for state, enforcing
// the client-IP binding and TTL. Expired or foreign entries are refused.
func (s *pkceStore) consume(state, clientIP string) (verifier string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.entries[state]
	if !found {
		return "", false
	}
	delete(s.entries, state)

	if e.clientIP != clientIP {
		return "", false
	}
	if time.Since(e.createdAt) > s.ttl {
		return "", false
	}
	return e.verifier, true
}

// sweepExpired deletes every entry past its TTL; called periodically by
// runSweeper and directly by tests.
func (s *pkceStore) sweepExpired() {
	cutoff := time.Now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if e.createdAt.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

// runSweeper sweeps expired entries on a fixed period until ctx is done.
func (s *pkceStore) runSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func randomVerifier() string {
	b := make([]byte, 48) // base64url-encodes to exactly 64 chars, no padding
	if _, err := rand.Read(b); err != nil {
		panic("httpapi: failed to read random bytes for pkce verifier: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func challengeFromVerifier(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
