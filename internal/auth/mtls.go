package auth

import (
	"context"
	"errors"
	"net"
	"net/netip"
)

// IdentitySource selects which certificate field becomes Identity.ID.
type IdentitySource string

const (
	IdentitySourceCN       IdentitySource = "cn"
	IdentitySourceSANDNS   IdentitySource = "san_dns"
	IdentitySourceSANEmail IdentitySource = "san_email"
)

// MTLSConfig configures the header-based mTLS provider. TrustedProxyCIDRs
// must be non-empty and explicit: an empty list rejects every peer,
// including loopback, per spec.md §4.4's "trust nothing by default".
type MTLSConfig struct {
	TrustedProxyCIDRs []string
	IdentitySource     IdentitySource // default IdentitySourceCN
}

// MTLSProvider trusts client-certificate headers (X-Client-Cert-Verified
// etc.) only when forwarded by a peer within TrustedProxyCIDRs. MCP Guard
// never terminates TLS itself; a front proxy does that and asserts the
// verified identity via headers, per spec.md §1's Non-goals.
type MTLSProvider struct {
	cidrs  []netip.Prefix
	source IdentitySource
}

// NewMTLSProvider parses the configured CIDRs (bare IPs are treated as
// /32 or /128). Invalid entries are dropped; a fully invalid or empty
// config yields a provider that trusts nothing.
func NewMTLSProvider(cfg MTLSConfig) *MTLSProvider {
	p := &MTLSProvider{source: cfg.IdentitySource}
	if p.source == "" {
		p.source = IdentitySourceCN
	}
	for _, c := range cfg.TrustedProxyCIDRs {
		prefix, err := parseCIDROrIP(c)
		if err != nil {
			continue
		}
		p.cidrs = append(p.cidrs, prefix)
	}
	return p
}

func parseCIDROrIP(s string) (netip.Prefix, error) {
	if prefix, err := netip.ParsePrefix(s); err == nil {
		return prefix, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	bits := 32
	if addr.Is6() {
		bits = 128
	}
	return netip.PrefixFrom(addr, bits), nil
}

func (p *MTLSProvider) Name() string { return "mtls_header" }

func (p *MTLSProvider) trustedPeer(peerIP string) bool {
	if len(p.cidrs) == 0 {
		return false
	}
	host, _, err := net.SplitHostPort(peerIP)
	if err != nil {
		host = peerIP
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	for _, prefix := range p.cidrs {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (p *MTLSProvider) Authenticate(_ context.Context, cred Credential) (*Identity, error) {
	if !p.trustedPeer(cred.PeerIP) {
		return nil, &Error{Kind: ErrProviderUnavailable, Cause: errors.New("peer not in trusted proxy allow-list"), Source: p.Name()}
	}
	if cred.MTLS.Verified != "SUCCESS" {
		return nil, &Error{Kind: ErrMissingCredential, Cause: errors.New("client certificate not verified by proxy"), Source: p.Name()}
	}

	id := identityFromSource(p.source, cred.MTLS)
	if id == "" {
		return nil, &Error{Kind: ErrInvalidFormat, Cause: errors.New("certificate carries no usable identity field"), Source: p.Name()}
	}

	return &Identity{
		ID:   id,
		Name: id,
		Claims: map[string]any{
			"cn":        cred.MTLS.CN,
			"san_dns":   cred.MTLS.SANDNSList,
			"san_email": cred.MTLS.SANEmail,
		},
	}, nil
}

// identityFromSource picks CN, first SAN-DNS, or first SAN-Email per the
// configured source, per spec.md §4.4.
func identityFromSource(source IdentitySource, h MTLSHeaders) string {
	switch source {
	case IdentitySourceSANDNS:
		if len(h.SANDNSList) > 0 {
			return h.SANDNSList[0]
		}
	case IdentitySourceSANEmail:
		if len(h.SANEmail) > 0 {
			return h.SANEmail[0]
		}
	}
	return h.CN
}
