package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
)

// APIKeyEntry is one configured key: its SHA-256 hash (base64) and the
// identity it grants.
type APIKeyEntry struct {
	ID           string
	KeyHash      string // base64 of SHA-256(key)
	AllowedTools []string
	RateLimit    *int
}

// APIKeyProvider authenticates a bearer by comparing its SHA-256 digest,
// in constant time, against every configured entry.
type APIKeyProvider struct {
	entries []APIKeyEntry
}

// NewAPIKeyProvider builds a provider from the configured key list.
func NewAPIKeyProvider(entries []APIKeyEntry) *APIKeyProvider {
	return &APIKeyProvider{entries: entries}
}

func (p *APIKeyProvider) Name() string { return "api_key" }

// Authenticate compares the presented bearer against every configured
// entry using a constant-time equality over the full digest, so that
// comparison cost never depends on which (or whether any) key matches.
// Mismatching-length digests still perform the fixed-cost compare.
func (p *APIKeyProvider) Authenticate(_ context.Context, cred Credential) (*Identity, error) {
	if cred.Bearer == "" {
		return nil, &Error{Kind: ErrMissingCredential, Cause: errors.New("no bearer presented"), Source: p.Name()}
	}

	sum := sha256.Sum256([]byte(cred.Bearer))
	presented := base64.StdEncoding.EncodeToString(sum[:])
	presentedBytes := []byte(presented)

	var matched *APIKeyEntry
	for i := range p.entries {
		candidate := []byte(p.entries[i].KeyHash)
		// subtle.ConstantTimeCompare itself already runs to completion
		// regardless of where the mismatch is; padding lengths keeps
		// the call itself uniform when hash lengths differ.
		a, b := presentedBytes, candidate
		if len(a) != len(b) {
			b = padTo(b, len(a))
		}
		if subtle.ConstantTimeCompare(a, b) == 1 && len(presentedBytes) == len(candidate) {
			matched = &p.entries[i]
		}
	}

	if matched == nil {
		return nil, &Error{Kind: ErrUnknownKey, Cause: errors.New("no matching api key"), Source: p.Name()}
	}

	return &Identity{
		ID:           matched.ID,
		AllowedTools: matched.AllowedTools,
		RateLimit:    matched.RateLimit,
	}, nil
}

func padTo(b []byte, n int) []byte {
	if len(b) >= n {
		return b[:n]
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
