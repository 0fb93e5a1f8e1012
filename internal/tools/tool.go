package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Tool is a first-class operation the agent can invoke.
//
// Implementations should be stateless or internally synchronized: the
// executor may run the same tool concurrently for different calls.
//
// Example:
//
//	type Calculator struct{}
//
//	func (c *Calculator) Name() string        { return "calculate" }
//	func (c *Calculator) Description() string { return "Evaluate a math expression" }
//	func (c *Calculator) Category() string    { return "utility" }
//
//	func (c *Calculator) Schema() json.RawMessage {
//	    return json.RawMessage(`{
//	        "type": "object",
//	        "properties": {
//	            "expression": {"type": "string", "description": "Math expression"}
//	        },
//	        "required": ["expression"]
//	    }`)
//	}
//
//	func (c *Calculator) Execute(ctx context.Context, args map[string]any, tc *Context) (*Result, error) {
//	    var input struct {
//	        Expression string `json:"expression"`
//	    }
//	    if err := DecodeArgs(args, &input); err != nil {
//	        return Fail(ErrorValidation, err.Error()), nil
//	    }
//	    return OK(evaluate(input.Expression)), nil
//	}
type Tool interface {
	// Name returns the tool name for LLM function calling.
	// Names must match [A-Za-z0-9_.-]+ and be unique within a registry.
	Name() string

	// Description returns a natural language description of what the tool
	// does. The LLM uses it to decide when to call the tool.
	Description() string

	// Category groups tools for listing and call statistics.
	Category() string

	// Schema returns the JSON Schema for the tool's arguments. A nil or
	// empty schema means the tool accepts any object. Typed tools derive
	// this via SchemaFor.
	Schema() json.RawMessage

	// Execute runs the tool. Tool-level failures are reported in-band via
	// a failed Result; the error return is reserved for infrastructure
	// problems the executor should wrap.
	Execute(ctx context.Context, args map[string]any, tc *Context) (*Result, error)
}

// Context carries the capabilities granted to a tool invocation. Every field
// is a permission: a zero value means the capability is denied.
type Context struct {
	// TaskID identifies the agent turn or background task the call belongs
	// to. The main agent uses "main-agent".
	TaskID string

	// UserID identifies the requesting user, when known.
	UserID string

	// AllowedPaths is a whitelist of normalized filesystem prefixes. Empty
	// means unrestricted; tools may still refuse paths on their own.
	AllowedPaths []string

	// MemoryDir is the root of the memory substrate (facts/, episodes/).
	MemoryDir string

	// SessionDir is the root of the session log directory.
	SessionDir string

	// Background grants access to the fire-and-forget execution pool.
	Background *BackgroundManager

	// Extract invokes the content-extraction model, when configured.
	Extract ExtractFunc
}

// ExtractFunc condenses fetched content with a small model. The tool decides
// what to do when the capability is absent.
type ExtractFunc func(ctx context.Context, instruction, content string) (string, error)

// PathAllowed reports whether p falls under the context's path whitelist.
// Paths must be pre-normalized by the caller (absolute, cleaned).
func (tc *Context) PathAllowed(p string) bool {
	if tc == nil || len(tc.AllowedPaths) == 0 {
		return true
	}
	for _, allowed := range tc.AllowedPaths {
		if p == allowed {
			return true
		}
		if len(p) > len(allowed) && p[:len(allowed)] == allowed && p[len(allowed)] == '/' {
			return true
		}
	}
	return false
}

// Result is the settled outcome of one tool execution. Exactly one of Value
// or Error is meaningful depending on Success.
type Result struct {
	Success     bool      `json:"success"`
	Value       any       `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	Kind        ErrorKind `json:"kind,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// Action marks intent-tool results (reply, spawn_task, notify,
	// use_skill). The pump routes on it instead of re-parsing Value.
	Action string `json:"action,omitempty"`
}

// Duration returns the elapsed execution time, zero until both timestamps
// are stamped by the executor.
func (r *Result) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// DurationMS returns the elapsed execution time in whole milliseconds.
func (r *Result) DurationMS() int64 {
	return r.Duration().Milliseconds()
}

// OK builds a successful result carrying value.
func OK(value any) *Result {
	return &Result{Success: true, Value: value}
}

// Fail builds a failed result with the given kind and message.
func Fail(kind ErrorKind, msg string) *Result {
	return &Result{Success: false, Kind: kind, Error: msg}
}

// Failf builds a failed result with a formatted message.
func Failf(kind ErrorKind, format string, args ...any) *Result {
	return Fail(kind, fmt.Sprintf(format, args...))
}

// Signal builds a successful intent result the pump will intercept.
func Signal(action string, value any) *Result {
	return &Result{Success: true, Action: action, Value: value}
}

// DecodeArgs converts loosely-typed call arguments into a typed params
// struct via a JSON round-trip.
func DecodeArgs(args map[string]any, v any) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}
