// Package audit implements the tamper-evident event pipeline: typed
// events, redaction, and channel-buffered delivery to one or more sinks,
// per spec.md §4.7.
package audit

import "time"

// EventType enumerates the audit event kinds.
type EventType string

const (
	EventAuthSuccess  EventType = "auth_success"
	EventAuthFailure  EventType = "auth_failure"
	EventToolCall     EventType = "tool_call"
	EventToolResponse EventType = "tool_response"
	EventRateLimited  EventType = "rate_limited"
	EventAuthzDenied  EventType = "authz_denied"
)

// Event is one audit record. Fields are optional except Type and
// Timestamp; zero values are omitted on serialization.
type Event struct {
	Type        EventType      `json:"event_type"`
	Timestamp   time.Time      `json:"timestamp"`
	RequestID   string         `json:"request_id,omitempty"`
	Identity    string         `json:"identity,omitempty"`
	Method      string         `json:"method,omitempty"`
	Tool        string         `json:"tool,omitempty"`
	Success     *bool          `json:"success,omitempty"`
	Message     string         `json:"message,omitempty"`
	DurationMs  int64          `json:"duration_ms,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// NewEvent starts a builder chain for typ, stamping the current time.
func NewEvent(typ EventType) Event {
	return Event{Type: typ, Timestamp: time.Now()}
}

func (e Event) WithIdentity(id string) Event {
	e.Identity = id
	return e
}

func (e Event) WithMethod(method string) Event {
	e.Method = method
	return e
}

func (e Event) WithTool(tool string) Event {
	e.Tool = tool
	return e
}

func (e Event) WithSuccess(ok bool) Event {
	e.Success = &ok
	return e
}

func (e Event) WithMessage(msg string) Event {
	e.Message = msg
	return e
}

func (e Event) WithDuration(d time.Duration) Event {
	e.DurationMs = d.Milliseconds()
	return e
}

func (e Event) WithRequestID(id string) Event {
	e.RequestID = id
	return e
}
