package agentloop

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ExternalContent is one content block returned by an external tool.
type ExternalContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ExternalToolRegistry is the capability behind tools that live outside the
// process, such as MCP servers. The dispatcher only needs a listing and a
// way to call a tool by name.
type ExternalToolRegistry interface {
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) ([]ExternalContent, error)
}

// ToolSource tags where a resolved tool comes from.
type ToolSource string

const (
	SourceBuiltin  ToolSource = "builtin"
	SourceExternal ToolSource = "external"
)

// ResolvedTool is the result of looking a tool name up: a built-in tool or
// an external one.
type ResolvedTool struct {
	Source ToolSource
	Tool   Tool
}

type externalTool struct {
	def      ToolDefinition
	registry ExternalToolRegistry
}

func (t externalTool) Schema() ToolDefinition { return t.def }

func (t externalTool) Execute(ctx context.Context, args map[string]interface{}, _ ExecutionEnvironment) (ToolOutput, error) {
	content, err := t.registry.CallTool(ctx, t.def.Name, args)
	if err != nil {
		return ToolOutput{}, err
	}
	parts := make([]string, 0, len(content))
	for _, c := range content {
		switch c.Type {
		case "", "text":
			parts = append(parts, c.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%s content omitted]", c.Type))
		}
	}
	return ToolOutput{Text: strings.Join(parts, "\n")}, nil
}

// ExternalHandler implements one tool of a StaticExternalRegistry.
type ExternalHandler func(ctx context.Context, args map[string]interface{}) ([]ExternalContent, error)

// StaticExternalRegistry is an in-process ExternalToolRegistry. It backs
// tests and lets embedders expose extra tools without a server.
type StaticExternalRegistry struct {
	mu       sync.RWMutex
	defs     map[string]ToolDefinition
	handlers map[string]ExternalHandler
}

// NewStaticExternalRegistry returns an empty registry.
func NewStaticExternalRegistry() *StaticExternalRegistry {
	return &StaticExternalRegistry{
		defs:     make(map[string]ToolDefinition),
		handlers: make(map[string]ExternalHandler),
	}
}

// Add registers a tool.
func (r *StaticExternalRegistry) Add(def ToolDefinition, h ExternalHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	r.handlers[def.Name] = h
}

func (r *StaticExternalRegistry) ListTools(context.Context) ([]ToolDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *StaticExternalRegistry) CallTool(ctx context.Context, name string, args map[string]interface{}) ([]ExternalContent, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("external tool %s not found", name)
	}
	return h(ctx, args)
}
