package agentloop

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"

	"github.com/martinemde/codeagent/unifiedllm"
)

// ToolOutput is what a tool implementation returns. Created and Modified
// list the paths it touched; they are only recorded when the call succeeds.
type ToolOutput struct {
	Text     string
	Created  []string
	Modified []string
}

// ToolExecutor runs a tool with already-validated arguments.
type ToolExecutor func(ctx context.Context, args map[string]interface{}, env ExecutionEnvironment) (ToolOutput, error)

// ToolDefinition describes a tool for the LLM (serializable metadata).
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Tool is the capability every dispatchable tool provides, built-in or
// external.
type Tool interface {
	Schema() ToolDefinition
	Execute(ctx context.Context, args map[string]interface{}, env ExecutionEnvironment) (ToolOutput, error)
}

// RegisteredTool pairs a tool definition with its executor.
type RegisteredTool struct {
	Definition ToolDefinition
	Executor   ToolExecutor
}

func (t *RegisteredTool) Schema() ToolDefinition { return t.Definition }

func (t *RegisteredTool) Execute(ctx context.Context, args map[string]interface{}, env ExecutionEnvironment) (ToolOutput, error) {
	return t.Executor(ctx, args, env)
}

// ToolRegistry holds the built-in tools of a profile or session, keyed by
// name. Registration happens while a session is being built; running tasks
// only read from it.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*RegisteredTool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*RegisteredTool)}
}

// Register adds a tool, replacing any tool of the same name.
func (r *ToolRegistry) Register(tool RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = &tool
}

// Get returns the named tool, or nil.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Definitions returns every tool definition, sorted by name so requests are
// stable across rounds.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition)
	}
	slices.SortFunc(defs, func(a, b ToolDefinition) int { return strings.Compare(a.Name, b.Name) })
	return defs
}

// Clone returns an independent registry with the same tools. Sessions clone
// their profile's registry before adding session tools.
func (r *ToolRegistry) Clone() *ToolRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := NewToolRegistry()
	for name, tool := range r.tools {
		cp := *tool
		clone.tools[name] = &cp
	}
	return clone
}

func toUnifiedToolDefs(defs []ToolDefinition) []unifiedllm.ToolDefinition {
	out := make([]unifiedllm.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = unifiedllm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}

// Argument accessors. Arguments have already passed schema validation, so a
// false ok means the argument was omitted or had a different JSON type.

func GetStringArg(args map[string]interface{}, key string) (string, bool) {
	s, ok := args[key].(string)
	return s, ok
}

// GetIntArg accepts any JSON number; fractions are truncated.
func GetIntArg(args map[string]interface{}, key string) (int, bool) {
	switch n := args[key].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

func GetBoolArg(args map[string]interface{}, key string) (bool, bool) {
	b, ok := args[key].(bool)
	return b, ok
}

// GetObjectSliceArg returns an array argument whose elements are all objects.
func GetObjectSliceArg(args map[string]interface{}, key string) ([]map[string]interface{}, bool) {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]map[string]interface{}, len(raw))
	for i, e := range raw {
		if out[i], ok = e.(map[string]interface{}); !ok {
			return nil, false
		}
	}
	return out, true
}
