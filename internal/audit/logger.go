package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/botzrDev/mcp-guard-sub000/internal/reqcontext"
)

// Config configures the audit Logger.
type Config struct {
	Enabled        bool
	QueueSize      int // default 1024
	RedactionRules []RedactionRule
}

// Logger enqueues events on a bounded channel consumed by a single
// background goroutine that redacts and fans each line out to every
// configured sink, per spec.md §4.7.
type Logger struct {
	enabled bool
	red     *redactor
	log     *zap.Logger

	sinks []Sink
	queue chan Event

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewLogger builds a logger. A disabled logger still accepts emits
// (through the same methods) but discards them without allocating a
// background goroutine, per spec.md §4.7.
func NewLogger(cfg Config, log *zap.Logger, sinks ...Sink) (*Logger, error) {
	rules := cfg.RedactionRules
	if rules == nil {
		rules = defaultRedactionRules()
	}
	red, err := newRedactor(rules)
	if err != nil {
		return nil, err
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}

	l := &Logger{
		enabled: cfg.Enabled,
		red:     red,
		log:     log,
		sinks:   sinks,
		queue:   make(chan Event, queueSize),
	}

	if l.enabled {
		ctx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		l.wg.Add(1)
		go l.consume(ctx)
	}

	return l, nil
}

func (l *Logger) emit(e Event) {
	if !l.enabled {
		return
	}
	select {
	case l.queue <- e:
	default:
		l.log.Warn("audit: queue full, dropping event", zap.String("event_type", string(e.Type)))
	}
}

func (l *Logger) consume(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case e := <-l.queue:
			l.deliver(e)
		case <-ctx.Done():
			// drain what's already queued before exiting
			for {
				select {
				case e := <-l.queue:
					l.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) deliver(e Event) {
	line, err := json.Marshal(e)
	if err != nil {
		l.log.Error("audit: failed to marshal event", zap.Error(err))
		return
	}
	line = l.red.apply(line)
	for _, sink := range l.sinks {
		if err := sink.Write(line); err != nil {
			l.log.Warn("audit: sink write failed", zap.Error(err))
		}
	}
}

// Close stops the background consumer, draining whatever was already
// enqueued, then closes every sink.
func (l *Logger) Close() error {
	if l.enabled {
		l.cancel()
		l.wg.Wait()
	}
	var firstErr error
	for _, sink := range l.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// requestID pulls the correlation id the httpapi request-context
// middleware stamped into ctx, so every emit function carries it without
// each caller having to thread it through explicitly.
func requestID(ctx context.Context) string {
	return reqcontext.GetCorrelationID(ctx)
}

func (l *Logger) LogAuthSuccess(ctx context.Context, identity string, d time.Duration) {
	l.emit(NewEvent(EventAuthSuccess).WithIdentity(identity).WithDuration(d).WithRequestID(requestID(ctx)))
}

func (l *Logger) LogAuthFailure(ctx context.Context, reason string, d time.Duration) {
	l.emit(NewEvent(EventAuthFailure).WithMessage(reason).WithSuccess(false).WithDuration(d).WithRequestID(requestID(ctx)))
}

func (l *Logger) LogToolCall(ctx context.Context, identity, method, tool string) {
	l.emit(NewEvent(EventToolCall).WithIdentity(identity).WithMethod(method).WithTool(tool).WithRequestID(requestID(ctx)))
}

func (l *Logger) LogToolResponse(ctx context.Context, identity, method, tool string, ok bool, d time.Duration) {
	l.emit(NewEvent(EventToolResponse).WithIdentity(identity).WithMethod(method).WithTool(tool).WithSuccess(ok).WithDuration(d).WithRequestID(requestID(ctx)))
}

func (l *Logger) LogRateLimited(ctx context.Context, identity, method, tool string) {
	e := NewEvent(EventRateLimited).WithIdentity(identity).WithMethod(method).WithRequestID(requestID(ctx))
	if tool != "" {
		e = e.WithTool(tool)
	}
	l.emit(e)
}

func (l *Logger) LogAuthzDenied(ctx context.Context, identity, method, tool, reason string) {
	l.emit(NewEvent(EventAuthzDenied).WithIdentity(identity).WithMethod(method).WithTool(tool).WithMessage(reason).WithRequestID(requestID(ctx)))
}
