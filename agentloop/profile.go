package agentloop

import (
	"fmt"
	"strings"

	"github.com/martinemde/codeagent/unifiedllm"
)

// ProviderProfile pairs a model with the tools and prompt it works best
// with.
type ProviderProfile interface {
	// ID returns the provider name used to route requests ("openai",
	// "anthropic", "gemini").
	ID() string
	ModelID() string

	// ToolRegistry returns the profile's built-in tools. Sessions clone it
	// before adding their own.
	ToolRegistry() *ToolRegistry

	// BuildSystemPrompt renders the prompt for the given tools, which may
	// include tools added by the session.
	BuildSystemPrompt(env ExecutionEnvironment, tools []ToolDefinition, projectDocs string) string

	ProviderOptions() map[string]interface{}
	SupportsReasoning() bool
	SupportsStreaming() bool
	SupportsParallelToolCalls() bool
	ContextWindowSize() int
}

// Profile is the ProviderProfile implementation shared by every provider.
type Profile struct {
	providerID    string
	model         string
	basePrompt    string
	registry      *ToolRegistry
	options       map[string]interface{}
	reasoning     bool
	parallelTools bool
	contextWindow int
}

func newProfile(providerID, model, basePrompt string) *Profile {
	p := &Profile{
		providerID:    providerID,
		model:         model,
		basePrompt:    basePrompt,
		registry:      NewToolRegistry(),
		parallelTools: true,
		contextWindow: unifiedllm.ContextWindowFor(model),
	}
	if info := unifiedllm.GetModelInfo(model); info != nil {
		p.reasoning = info.SupportsReasoning
	}
	return p
}

// NewProfile returns the profile for a provider name.
func NewProfile(provider, model string) (*Profile, error) {
	if model == "" {
		return nil, fmt.Errorf("profile %q: model is required", provider)
	}
	switch strings.ToLower(provider) {
	case "openai":
		return NewOpenAIProfile(model), nil
	case "anthropic":
		return NewAnthropicProfile(model), nil
	case "gemini":
		return NewGeminiProfile(model), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

func (p *Profile) ID() string                  { return p.providerID }
func (p *Profile) ModelID() string             { return p.model }
func (p *Profile) ToolRegistry() *ToolRegistry { return p.registry }

// Tools returns the profile's built-in tool definitions.
func (p *Profile) Tools() []ToolDefinition { return p.registry.Definitions() }

func (p *Profile) BuildSystemPrompt(env ExecutionEnvironment, tools []ToolDefinition, projectDocs string) string {
	if tools == nil {
		tools = p.registry.Definitions()
	}
	return buildSystemPrompt(p.basePrompt, env, p.model, tools, projectDocs)
}

func (p *Profile) ProviderOptions() map[string]interface{} { return p.options }
func (p *Profile) SupportsReasoning() bool                 { return p.reasoning }
func (p *Profile) SupportsStreaming() bool                 { return true }
func (p *Profile) SupportsParallelToolCalls() bool         { return p.parallelTools }
func (p *Profile) ContextWindowSize() int                  { return p.contextWindow }

// WithParallelToolCalls overrides whether a round's calls run concurrently.
func (p *Profile) WithParallelToolCalls(enabled bool) *Profile {
	p.parallelTools = enabled
	return p
}

// WithProviderOptions sets options passed through on every request.
func (p *Profile) WithProviderOptions(opts map[string]interface{}) *Profile {
	p.options = opts
	return p
}

const sharedToolGuidance = `# Working With Tools

- Read a file before you change it.
- Use create_file for new files; it refuses to overwrite. write_file replaces a whole file.
- Use multi_edit for several changes to one file; either every edit applies or none do.
- Keep a todo list with todo_write for work with more than a couple of steps, and keep its statuses current.
- Use ask_user only when you cannot proceed without an answer.
- Use spawn_agent for independent subtasks, then wait for the agent and read its result.
- When a tool call fails, read the error, adjust, and try again. Do not repeat an identical failing call.`
