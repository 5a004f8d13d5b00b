package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/botzrDev/mcp-guard-sub000/internal/message"
)

// SSEConfig configures an SSE adapter.
type SSEConfig struct {
	URL     string
	Headers map[string]string

	InboundBuffer int // default 64
}

// SSETransport sends one request per POST and streams the response body
// as server-sent events, parsing each "data:" line as a Message. One
// instance is shared across concurrent requests to the same route
// (spec.md §4.2): each Send opens its own stream and registers it under
// the request's id, so Receive and Close can address a specific stream
// instead of a single shared channel/closer.
type SSETransport struct {
	cfg    SSEConfig
	client *http.Client
	log    *zap.Logger

	inboundBuffer int

	mu      sync.Mutex
	pending map[string]chan *message.Message
	bodies  map[string]io.Closer
}

// NewSSETransport validates cfg.URL with the same SSRF guard as HTTP.
func NewSSETransport(cfg SSEConfig, log *zap.Logger) (*SSETransport, error) {
	if err := ValidateUpstreamURL(cfg.URL, lookupIP); err != nil {
		return nil, fmt.Errorf("sse transport: %w", err)
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 64
	}
	return &SSETransport{
		cfg:           cfg,
		client:        &http.Client{Timeout: httpRequestTimeout},
		log:           log,
		inboundBuffer: cfg.InboundBuffer,
		pending:       map[string]chan *message.Message{},
		bodies:        map[string]io.Closer{},
	}, nil
}

func (t *SSETransport) Send(ctx context.Context, path string, msg *message.Message) error {
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
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &Error{Kind: ErrConnectionClosed, Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, httpResponseBodyCap+1))
		resp.Body.Close()
		return &Error{Kind: ErrHTTP, Status: resp.StatusCode, Body: truncateBody(respBody)}
	}

	key := requestKey(msg)
	ch := make(chan *message.Message, t.inboundBuffer)

	t.mu.Lock()
	t.pending[key] = ch
	t.bodies[key] = resp.Body
	t.mu.Unlock()

	go t.consume(key, resp.Body, ch)
	return nil
}

// consume reads "data:" lines from the stream opened by one Send,
// coalescing multi-line data fields across chunk boundaries, per
// spec.md §4.2, and delivers into the channel registered for that
// request's key rather than a transport-wide channel.
func (t *SSETransport) consume(key string, body io.ReadCloser, out chan *message.Message) {
	defer func() {
		t.mu.Lock()
		delete(t.bodies, key)
		t.mu.Unlock()
		body.Close()
		close(out)
	}()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var dataLines []string
	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		msg, err := message.Unmarshal([]byte(payload))
		if err != nil {
			t.log.Warn("sse: dropping malformed event", zap.Error(err))
			return
		}
		out <- msg
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// ignore event:/id:/retry:/comment lines; only data carries payload
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		t.log.Warn("sse: stream read error", zap.Error(err))
	}
}

// Receive waits on the channel registered for id by the matching Send,
// so concurrent streams on this shared transport can't deliver into each
// other.
func (t *SSETransport) Receive(ctx context.Context, _ string, id message.ID) (*message.Message, error) {
	key := id.String()
	t.mu.Lock()
	ch, ok := t.pending[key]
	t.mu.Unlock()
	if !ok {
		return nil, &Error{Kind: ErrProtocol, Message: "no stream pending"}
	}
	defer func() {
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
	}()

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, &Error{Kind: ErrConnectionClosed, Message: "sse stream closed"}
		}
		return msg, nil
	case <-ctx.Done():
		return nil, &Error{Kind: ErrTimeout, Cause: ctx.Err()}
	}
}

func (t *SSETransport) IsHealthy() bool { return true }

// Close closes every stream opened by a Send that hasn't finished yet,
// not just the most recent one.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for key, body := range t.bodies {
		if err := body.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.bodies, key)
	}
	return firstErr
}
