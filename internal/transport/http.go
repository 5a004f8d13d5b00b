package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/botzrDev/mcp-guard-sub000/internal/message"
)

const httpRequestTimeout = 30 * time.Second

// HTTPConfig configures an HTTP adapter.
type HTTPConfig struct {
	URL     string
	Headers map[string]string
}

// HTTPTransport forwards one JSON-RPC request per call over HTTP POST,
// enforcing the SSRF guard at construction. One instance is shared across
// concurrent requests to the same route (spec.md §4.2), so responses are
// correlated by request id rather than held in a single field.
type HTTPTransport struct {
	cfg    HTTPConfig
	client *http.Client
	log    *zap.Logger

	mu    sync.Mutex
	ready map[string]*message.Message
}

// NewHTTPTransport validates cfg.URL before returning a usable adapter.
func NewHTTPTransport(cfg HTTPConfig, log *zap.Logger) (*HTTPTransport, error) {
	if err := ValidateUpstreamURL(cfg.URL, lookupIP); err != nil {
		return nil, fmt.Errorf("http transport: %w", err)
	}
	return &HTTPTransport{
		cfg:    cfg,
		client: &http.Client{Timeout: httpRequestTimeout},
		log:    log,
		ready:  map[string]*message.Message{},
	}, nil
}

func lookupIP(host string) ([]net.IP, error) {
	return net.LookupIP(host)
}

func (t *HTTPTransport) Send(ctx context.Context, path string, msg *message.Message) error {
	body, err := msg.Marshal()
	if err != nil {
		return &Error{Kind: ErrInternal, Cause: err}
	}

	targetURL := t.cfg.URL
	if path != "" {
		targetURL = targetURL + path
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: ErrInternal, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &Error{Kind: ErrTimeout, Cause: err}
		}
		return &Error{Kind: ErrConnectionClosed, Cause: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, httpResponseBodyCap+1))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Kind: ErrHTTP, Status: resp.StatusCode, Body: truncateBody(respBody)}
	}

	parsed, err := message.Unmarshal(respBody)
	if err != nil {
		return &Error{Kind: ErrProtocol, Cause: err}
	}

	t.mu.Lock()
	t.ready[requestKey(msg)] = parsed
	t.mu.Unlock()
	return nil
}

// Receive returns the response matching id, keyed by the request's own
// JSON-RPC id so concurrent Sends on this shared transport don't
// cross-deliver: each Send's round trip is synchronous, so by the time
// Receive runs the entry is already waiting.
func (t *HTTPTransport) Receive(_ context.Context, _ string, id message.ID) (*message.Message, error) {
	key := id.String()
	t.mu.Lock()
	resp, ok := t.ready[key]
	delete(t.ready, key)
	t.mu.Unlock()
	if !ok {
		return nil, &Error{Kind: ErrProtocol, Message: "no response pending"}
	}
	return resp, nil
}

func (t *HTTPTransport) IsHealthy() bool { return true }

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
