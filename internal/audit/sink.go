package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Sink receives already-redacted, already-serialized event lines.
type Sink interface {
	Write(line []byte) error
	Close() error
}

// StdoutSink writes one JSON object per line to stdout.
type StdoutSink struct {
	w io.Writer
}

// NewStdoutSink builds a sink writing to os.Stdout.
func NewStdoutSink() *StdoutSink {
	return &StdoutSink{w: os.Stdout}
}

func (s *StdoutSink) Write(line []byte) error {
	_, err := s.w.Write(append(line, '\n'))
	return err
}

func (s *StdoutSink) Close() error { return nil }

// FileSinkConfig configures rotation, mirroring the teacher's
// internal/logs lumberjack wiring.
type FileSinkConfig struct {
	Path       string
	MaxSizeMB  int  // default 10
	MaxBackups int  // default 5
	MaxAgeDays int  // default 30
	Compress   bool
}

// FileSink appends one JSON object per line to a rotated file.
type FileSink struct {
	lj *lumberjack.Logger
}

// NewFileSink builds a rotation-aware file sink.
func NewFileSink(cfg FileSinkConfig) *FileSink {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 30
	}
	return &FileSink{lj: &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}}
}

func (s *FileSink) Write(line []byte) error {
	_, err := s.lj.Write(append(line, '\n'))
	return err
}

func (s *FileSink) Close() error { return s.lj.Close() }

// HTTPSinkConfig configures the batched HTTP delivery sink.
type HTTPSinkConfig struct {
	URL           string
	Headers       map[string]string
	Source        string
	BatchSize     int           // default 50
	FlushInterval time.Duration // default 5s
}

type httpEnvelope struct {
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Count     int               `json:"count"`
	Entries   []json.RawMessage `json:"entries"`
}

// HTTPSink batches lines and POSTs them as a single envelope, retrying
// on 5xx/network errors with exponential backoff.
type HTTPSink struct {
	cfg    HTTPSinkConfig
	client *http.Client
	log    *zap.Logger

	buf    chan json.RawMessage
	done   chan struct{}
	closed chan struct{}
}

// NewHTTPSink starts the background flush loop; callers must call Close.
func NewHTTPSink(cfg HTTPSinkConfig, log *zap.Logger) *HTTPSink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	s := &HTTPSink{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log,
		buf:    make(chan json.RawMessage, cfg.BatchSize*4),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *HTTPSink) Write(line []byte) error {
	cp := make(json.RawMessage, len(line))
	copy(cp, line)
	select {
	case s.buf <- cp:
		return nil
	case <-s.done:
		return fmt.Errorf("audit: http sink closed")
	}
}

func (s *HTTPSink) run() {
	defer close(s.closed)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]json.RawMessage, 0, s.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.send(batch)
		batch = batch[:0]
	}

	for {
		select {
		case line := <-s.buf:
			batch = append(batch, line)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// drain whatever is already queued before exiting
			for {
				select {
				case line := <-s.buf:
					batch = append(batch, line)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *HTTPSink) send(entries []json.RawMessage) {
	env := httpEnvelope{Timestamp: time.Now(), Source: s.cfg.Source, Count: len(entries), Entries: entries}
	body, err := json.Marshal(env)
	if err != nil {
		s.log.Error("audit: failed to marshal http batch", zap.Error(err))
		return
	}

	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, s.cfg.URL, bytes.NewReader(body))
		if err != nil {
			s.log.Error("audit: failed to build http batch request", zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range s.cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := s.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return
			}
		}

		if attempt < 2 {
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		s.log.Warn("audit: http batch delivery failed after retries", zap.Error(err), zap.Int("entries", len(entries)))
	}
}

func (s *HTTPSink) Close() error {
	close(s.done)
	<-s.closed
	return nil
}
