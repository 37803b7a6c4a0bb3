// Package tools defines the tool interface, tagged tool results and the
// registry the agent loop dispatches through.
//
// Tools never return Go errors to the loop: anything the agent can act on
// (bad arguments, failed commands, missing files) comes back as a *Failure
// and is fed to the model as an error tool result.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/jkaninda/kijenzi/internal/domain"
	"github.com/jkaninda/kijenzi/internal/llm"
	"github.com/jkaninda/kijenzi/internal/sandbox"
)

// Tool is implemented by every tool exposed to the agent.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "terminal").
	Name() string

	// Description is sent to the model with the tool schema.
	Description() string

	// InputSchema returns a JSON Schema object describing the parameters.
	InputSchema() map[string]any

	// Validate checks that params are well-formed before execution.
	Validate(params map[string]any) error

	// Execute runs the tool against the run's shared state.
	Execute(ctx context.Context, state *domain.RunState, params map[string]any) Result
}

// Result is the tagged outcome of a tool call: *Success or *Failure.
type Result interface {
	isResult()
}

// Success carries the payload returned to the model.
type Success struct {
	Payload any
}

// Failure carries a message and any partial output worth showing the model.
type Failure struct {
	Message string
	Details map[string]any
}

func (*Success) isResult() {}
func (*Failure) isResult() {}

// Succeed wraps a payload.
func Succeed(payload any) *Success {
	return &Success{Payload: payload}
}

// Failf builds a failure from a format string.
func Failf(format string, args ...any) *Failure {
	return &Failure{Message: fmt.Sprintf(format, args...)}
}

// With attaches a detail to the failure and returns it.
func (f *Failure) With(key string, value any) *Failure {
	if f.Details == nil {
		f.Details = make(map[string]any)
	}
	f.Details[key] = value
	return f
}

// Error makes a Failure usable where an error is expected (logging).
func (f *Failure) Error() string { return f.Message }

// Encode renders a result as tool_result content. String payloads are sent
// verbatim; everything else is JSON.
func Encode(r Result) (content string, isError bool) {
	switch v := r.(type) {
	case *Success:
		if s, ok := v.Payload.(string); ok {
			return s, false
		}
		return marshal(v.Payload), false
	case *Failure:
		body := make(map[string]any, len(v.Details)+1)
		for k, d := range v.Details {
			body[k] = d
		}
		body["error"] = v.Message
		return marshal(body), true
	default:
		return `{"error":"tool produced no result"}`, true
	}
}

func marshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, "encoding tool result: "+err.Error())
	}
	return string(data)
}

// MaxOutputBytes caps command output returned to the model.
const MaxOutputBytes = 64 << 10 // 64 KB

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// CleanPath turns a model-supplied path into a path relative to the sandbox
// home: the home prefix, "./" and the "@/" alias are stripped. Absolute paths
// outside the home and parent traversal are rejected.
func CleanPath(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	if p == "" {
		return "", fmt.Errorf("path must not be empty")
	}
	switch {
	case p == sandbox.HomeDir:
		return "", fmt.Errorf("path %q is a directory", raw)
	case strings.HasPrefix(p, sandbox.HomeDir+"/"):
		p = strings.TrimPrefix(p, sandbox.HomeDir+"/")
	case strings.HasPrefix(p, "/"):
		return "", fmt.Errorf("path %q is outside %s", raw, sandbox.HomeDir)
	}
	p = strings.TrimPrefix(p, "@/")
	p = path.Clean(p)
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("path %q escapes the sandbox home", raw)
	}
	return p, nil
}

// RequireString extracts a required non-empty string parameter.
func RequireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	if s == "" {
		return "", fmt.Errorf("parameter %s must not be empty", key)
	}
	return s, nil
}

// RequireArray extracts a required non-empty array parameter.
func RequireArray(params map[string]any, key string) ([]any, error) {
	v, ok := params[key]
	if !ok {
		return nil, fmt.Errorf("missing required parameter: %s", key)
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("parameter %s must be an array, got %T", key, v)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("parameter %s must not be empty", key)
	}
	return arr, nil
}

// Registry holds the tools of one run, in registration order.
// Thread-safe for concurrent reads; writes should only happen at setup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool. Panics on duplicate names (setup error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// All returns the registered tools in registration order.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.tools[name])
	}
	return result
}

// Definitions converts the registered tools into LLM tool definitions.
func (r *Registry) Definitions() []llm.ToolDefinition {
	all := r.All()
	defs := make([]llm.ToolDefinition, len(all))
	for i, t := range all {
		defs[i] = llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		}
	}
	return defs
}

// Dispatch executes one tool_use block. Unknown tools, undecodable
// arguments and validation errors become failures.
func (r *Registry) Dispatch(ctx context.Context, state *domain.RunState, call llm.ContentBlock) Result {
	t := r.Get(call.Name)
	if t == nil {
		return Failf("unknown tool %q", call.Name)
	}
	if call.InputError != "" {
		return Failf("malformed arguments for %s: %s", call.Name, call.InputError)
	}
	params := call.Input
	if params == nil {
		params = map[string]any{}
	}
	if err := t.Validate(params); err != nil {
		return Failf("invalid arguments for %s: %s", call.Name, err.Error())
	}
	return t.Execute(ctx, state, params)
}
