// Package transport implements the stdio, HTTP, and SSE adapters used to
// reach upstream MCP servers, per spec.md §4.2.
package transport

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/botzrDev/mcp-guard-sub000/internal/message"
)

// requestKey derives the correlation key used to match a Send's response
// to its Receive call on a shared transport instance. Notifications carry
// no id; each uses the same empty key, which is fine since nothing ever
// calls Receive for a notification in practice.
func requestKey(msg *message.Message) string {
	if msg.ID == nil {
		return ""
	}
	return msg.ID.String()
}

// ErrorKind classifies a transport failure for logging and for
// internal/apperr translation at the HTTP boundary.
type ErrorKind int

const (
	ErrTimeout ErrorKind = iota
	ErrConnectionClosed
	ErrProtocol
	ErrHTTP
	ErrInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTimeout:
		return "timeout"
	case ErrConnectionClosed:
		return "connection_closed"
	case ErrProtocol:
		return "protocol"
	case ErrHTTP:
		return "http"
	default:
		return "internal"
	}
}

// Error is the uniform error type every adapter returns.
type Error struct {
	Kind    ErrorKind
	Cause   error
	Status  int    // set for ErrHTTP
	Body    string // set for ErrHTTP, already truncated
	Message string
}

func (e *Error) Error() string {
	if e.Kind == ErrHTTP {
		return fmt.Sprintf("transport: http status %d: %s", e.Status, e.Body)
	}
	if e.Message != "" {
		return fmt.Sprintf("transport: %s: %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("transport: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("transport: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// httpResponseBodyCap truncates oversized error bodies before they are
// logged or returned, per spec.md §4.2.
const httpResponseBodyCap = 2 * 1024

func truncateBody(body []byte) string {
	if len(body) <= httpResponseBodyCap {
		return string(body)
	}
	return string(body[:httpResponseBodyCap]) + "...[truncated]"
}

// cloudMetadataHosts are rejected outright regardless of address
// resolution, per spec.md §4.2.
var cloudMetadataHosts = map[string]struct{}{
	"metadata.google.internal": {},
	"metadata.goog":            {},
	"metadata.azure.internal":  {},
}

// cloudMetadataIPs are the fixed well-known metadata-service addresses.
var cloudMetadataIPs = map[string]struct{}{
	"169.254.169.254": {},
	"100.100.100.200": {},
	"fd00:ec2::254":   {}, // AWS IMDS IPv6
}

// ValidateUpstreamURL enforces the SSRF guard required of HTTP and SSE
// adapters: scheme allow-list, cloud-metadata hostname/IP rejection, and
// rejection of loopback/private/link-local/unique-local/IPv4-mapped and
// RFC 6598 shared-address-space targets. resolver is injected so tests can
// avoid real DNS lookups.
func ValidateUpstreamURL(rawURL string, resolver func(host string) ([]net.IP, error)) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("missing host")
	}

	lowerHost := strings.ToLower(host)
	if _, blocked := cloudMetadataHosts[lowerHost]; blocked {
		return fmt.Errorf("host %q is a cloud metadata endpoint", host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return validateAddr(addr)
	}

	ips, err := resolver(host)
	if err != nil {
		return fmt.Errorf("resolving host %q: %w", host, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("host %q did not resolve", host)
	}
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		if err := validateAddr(addr.Unmap()); err != nil {
			return err
		}
	}
	return nil
}

func validateAddr(addr netip.Addr) error {
	if _, blocked := cloudMetadataIPs[addr.String()]; blocked {
		return fmt.Errorf("address %s is a cloud metadata endpoint", addr)
	}
	if addr.IsLoopback() {
		return fmt.Errorf("address %s is loopback", addr)
	}
	if addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return fmt.Errorf("address %s is link-local", addr)
	}
	if addr.IsPrivate() {
		return fmt.Errorf("address %s is private", addr)
	}
	if addr.Is4() && isRFC6598(addr) {
		return fmt.Errorf("address %s is in the RFC 6598 shared address space", addr)
	}
	if addr.Is6() && isUniqueLocal(addr) {
		return fmt.Errorf("address %s is a unique-local IPv6 address", addr)
	}
	return nil
}

// isRFC6598 reports whether addr is in 100.64.0.0/10 (carrier-grade NAT).
func isRFC6598(addr netip.Addr) bool {
	b := addr.As4()
	return b[0] == 100 && b[1]&0xc0 == 64
}

// isUniqueLocal reports whether addr is in fc00::/7.
func isUniqueLocal(addr netip.Addr) bool {
	b := addr.As16()
	return b[0]&0xfe == 0xfc
}
