// Package message implements the JSON-RPC 2.0 envelope MCP Guard forwards
// between clients and upstream MCP servers.
package message

import (
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC protocol tag this package accepts.
const Version = "2.0"

// ID is a JSON-RPC request/response identifier. Per the spec it may be a
// string or a number; we keep the raw JSON so round-tripping is exact.
type ID struct {
	raw json.RawMessage
}

// NewStringID builds an ID from a string value.
func NewStringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: b}
}

// NewIntID builds an ID from an integer value.
func NewIntID(n int64) ID {
	b, _ := json.Marshal(n)
	return ID{raw: b}
}

// IsZero reports whether the ID was never set.
func (id ID) IsZero() bool { return len(id.raw) == 0 }

// String renders the ID for logging/audit purposes regardless of its
// underlying JSON type.
func (id ID) String() string {
	if id.IsZero() {
		return ""
	}
	return string(id.raw)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		id.raw = nil
		return nil
	}
	id.raw = append(id.raw[:0], data...)
	return nil
}

// Error is the JSON-RPC error object carried by a response envelope.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Message is a JSON-RPC 2.0 envelope: request, notification, response, or
// error-response. Absent optional fields are omitted on serialization.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewRequest builds a request envelope: method + id set, no result/error.
func NewRequest(id ID, method string, params json.RawMessage) *Message {
	return &Message{JSONRPC: Version, ID: &id, Method: method, Params: params}
}

// NewNotification builds a notification envelope: method set, no id.
func NewNotification(method string, params json.RawMessage) *Message {
	return &Message{JSONRPC: Version, Method: method, Params: params}
}

// NewResponse builds a success response envelope carrying result, not error.
func NewResponse(id ID, result json.RawMessage) *Message {
	return &Message{JSONRPC: Version, ID: &id, Result: result}
}

// NewErrorResponse builds an error response envelope with the same id and a
// JSON-RPC error object built from the given numeric code and message.
func NewErrorResponse(id ID, code int, msg string) *Message {
	return &Message{JSONRPC: Version, ID: &id, Error: &Error{Code: code, Message: msg}}
}

// IsRequest reports whether the message is a request: method and id set.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil && !m.ID.IsZero()
}

// IsNotification reports whether the message is a notification: method set,
// id absent.
func (m *Message) IsNotification() bool {
	return m.Method != "" && (m.ID == nil || m.ID.IsZero())
}

// IsResponse reports whether the message is a response: id present with a
// result or error, and no method.
func (m *Message) IsResponse() bool {
	if m.Method != "" {
		return false
	}
	if m.ID == nil || m.ID.IsZero() {
		return false
	}
	return m.Result != nil || m.Error != nil
}

// Validate checks the single-result-or-error invariant for responses.
func (m *Message) Validate() error {
	if m.JSONRPC != Version {
		return fmt.Errorf("message: unsupported jsonrpc version %q", m.JSONRPC)
	}
	if m.IsResponse() && m.Result != nil && m.Error != nil {
		return fmt.Errorf("message: response carries both result and error")
	}
	return nil
}

// Marshal serializes the message to its wire form (one line, no trailing
// newline).
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal parses a single wire-form message.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("message: parse: %w", err)
	}
	return &m, nil
}

// ToolName extracts params.name from a tools/call request; ok is false for
// any other method or malformed params.
func (m *Message) ToolName() (name string, ok bool) {
	if m.Method != "tools/call" || len(m.Params) == 0 {
		return "", false
	}
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(m.Params, &p); err != nil || p.Name == "" {
		return "", false
	}
	return p.Name, true
}
