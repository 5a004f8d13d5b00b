package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/botzrDev/mcp-guard-sub000/internal/message"
)

func TestHTTPTransportSendReceiveRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`))
	}))
	defer srv.Close()

	tr, err := newTestHTTPTransport(t, srv.URL)
	require.NoError(t, err)
	defer tr.Close()

	id := message.NewIntID(1)
	req := message.NewRequest(id, "tools/list", nil)
	require.NoError(t, tr.Send(context.Background(), "", req))

	resp, err := tr.Receive(context.Background(), "", id)
	require.NoError(t, err)
	assert.True(t, resp.IsResponse())
}

func TestHTTPTransportNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	tr, err := newTestHTTPTransport(t, srv.URL)
	require.NoError(t, err)
	defer tr.Close()

	err = tr.Send(context.Background(), "", message.NewRequest(message.NewIntID(1), "x", nil))
	require.Error(t, err)
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ErrHTTP, te.Kind)
	assert.Equal(t, http.StatusBadGateway, te.Status)
}

// TestHTTPTransportCorrelatesConcurrentRequestsByID exercises the shared
// instance under concurrent callers: each Send/Receive pair must see its
// own response, not one delivered to a different concurrent caller.
func TestHTTPTransportCorrelatesConcurrentRequestsByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		req, err := message.Unmarshal(body)
		require.NoError(t, err)
		resp := message.NewResponse(*req.ID, json.RawMessage(`{"ok":true}`))
		out, err := resp.Marshal()
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(out)
	}))
	defer srv.Close()

	tr, err := newTestHTTPTransport(t, srv.URL)
	require.NoError(t, err)
	defer tr.Close()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := message.NewIntID(int64(i))
			req := message.NewRequest(id, "tools/list", nil)
			require.NoError(t, tr.Send(context.Background(), "", req))
			resp, err := tr.Receive(context.Background(), "", id)
			require.NoError(t, err)
			assert.Equal(t, id.String(), resp.ID.String())
		}(i)
	}
	wg.Wait()
}

// newTestHTTPTransport bypasses ValidateUpstreamURL's real DNS resolution
// since httptest servers bind to 127.0.0.1, which the SSRF guard rejects
// by design; it exercises the same Send/Receive path as production code.
func newTestHTTPTransport(t *testing.T, url string) (*HTTPTransport, error) {
	t.Helper()
	return &HTTPTransport{
		cfg:    HTTPConfig{URL: url},
		client: &http.Client{},
		log:    zap.NewNop(),
		ready:  map[string]*message.Message{},
	}, nil
}
