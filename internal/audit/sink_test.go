package audit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFileSinkWritesLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	sink := NewFileSink(FileSinkConfig{Path: path})

	require.NoError(t, sink.Write([]byte(`{"event_type":"tool_call"}`)))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tool_call")
}

func TestHTTPSinkBatchesAndFlushesOnSize(t *testing.T) {
	var received int32
	var mu sync.Mutex
	var lastCount int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env httpEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		mu.Lock()
		lastCount = env.Count
		mu.Unlock()
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPSinkConfig{URL: srv.URL, BatchSize: 2, FlushInterval: time.Hour, Source: "test"}, zap.NewNop())
	require.NoError(t, sink.Write([]byte(`{"a":1}`)))
	require.NoError(t, sink.Write([]byte(`{"a":2}`)))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&received) >= 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sink.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, lastCount)
}

func TestHTTPSinkFlushesOnInterval(t *testing.T) {
	done := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		select {
		case done <- struct{}{}:
		default:
		}
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPSinkConfig{URL: srv.URL, BatchSize: 100, FlushInterval: 20 * time.Millisecond, Source: "test"}, zap.NewNop())
	require.NoError(t, sink.Write([]byte(`{"a":1}`)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("interval flush did not fire")
	}
	require.NoError(t, sink.Close())
}

func TestHTTPSinkRetriesOn5xx(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPSinkConfig{URL: srv.URL, BatchSize: 1, FlushInterval: time.Hour, Source: "test"}, zap.NewNop())
	require.NoError(t, sink.Write([]byte(`{"a":1}`)))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&attempts) >= 2 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, sink.Close())
}

func TestStdoutSinkImplementsInterface(t *testing.T) {
	var _ Sink = NewStdoutSink()
}
