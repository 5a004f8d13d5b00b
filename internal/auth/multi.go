package auth

import (
	"context"
	"errors"
)

// MultiProvider tries its members in order, returning the first success.
// If every member fails, it returns the last member's error. Composition
// is itself a capability-bearing value, not a subclass, per spec.md §9.
type MultiProvider struct {
	providers []Provider
}

// NewMultiProvider builds a composite from an ordered list of providers.
func NewMultiProvider(providers ...Provider) *MultiProvider {
	return &MultiProvider{providers: providers}
}

func (m *MultiProvider) Name() string { return "multi" }

func (m *MultiProvider) Authenticate(ctx context.Context, cred Credential) (*Identity, error) {
	if len(m.providers) == 0 {
		return nil, &Error{Kind: ErrProviderUnavailable, Cause: errors.New("no providers configured"), Source: "multi"}
	}
	var lastErr error
	for _, p := range m.providers {
		id, err := p.Authenticate(ctx, cred)
		if err == nil {
			return id, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
