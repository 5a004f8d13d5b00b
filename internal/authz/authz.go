package authz

import (
	"encoding/json"

	"github.com/botzrDev/mcp-guard-sub000/internal/auth"
	"github.com/botzrDev/mcp-guard-sub000/internal/message"
)

// Decision is the outcome of a request-level authorization check.
type Decision struct {
	Allow  bool
	Reason string
}

func allow() Decision       { return Decision{Allow: true} }
func deny(reason string) Decision { return Decision{Allow: false, Reason: reason} }

// AuthorizeToolCall reports whether identity may invoke tool. A nil
// identity or an unrestricted identity (nil/"*" AllowedTools) is always
// allowed, per spec.md §3's Identity.Unrestricted semantics.
func AuthorizeToolCall(id *auth.Identity, tool string) bool {
	if id == nil || id.Unrestricted() {
		return true
	}
	for _, t := range id.AllowedTools {
		if t == tool {
			return true
		}
	}
	return false
}

// AuthorizeRequest applies tool-level authorization to a single JSON-RPC
// message. Only tools/call requests are checked against the allow-list;
// every other method (including tools/list itself, whose response is
// filtered separately by FilterToolsList) passes through.
func AuthorizeRequest(id *auth.Identity, msg *message.Message) Decision {
	if !msg.IsRequest() {
		return allow()
	}
	if msg.Method != "tools/call" {
		return allow()
	}

	tool, ok := msg.ToolName()
	if !ok {
		return deny("tools/call request missing tool name")
	}
	if !AuthorizeToolCall(id, tool) {
		return deny("tool " + tool + " not permitted for this identity")
	}
	return allow()
}

// FilterToolsList rewrites a tools/list response so result.tools only
// contains tools the identity is allowed to call, preserving order.
// Malformed responses (missing or non-array "tools") pass through
// unchanged rather than being treated as an authorization failure.
func FilterToolsList(id *auth.Identity, msg *message.Message) {
	if id == nil || id.Unrestricted() {
		return
	}
	if msg.Result == nil {
		return
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(msg.Result, &body); err != nil {
		return
	}
	rawTools, ok := body["tools"]
	if !ok {
		return
	}

	var tools []json.RawMessage
	if err := json.Unmarshal(rawTools, &tools); err != nil {
		return
	}

	filtered := make([]json.RawMessage, 0, len(tools))
	for _, raw := range tools {
		var t struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &t); err != nil {
			continue
		}
		if AuthorizeToolCall(id, t.Name) {
			filtered = append(filtered, raw)
		}
	}

	filteredJSON, err := json.Marshal(filtered)
	if err != nil {
		return
	}
	body["tools"] = filteredJSON

	newResult, err := json.Marshal(body)
	if err != nil {
		return
	}
	msg.Result = newResult
}
