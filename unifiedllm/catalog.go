package unifiedllm

import (
	"slices"
	"sync"
)

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID                   string   `json:"id"`
	Provider             string   `json:"provider"`
	DisplayName          string   `json:"display_name"`
	ContextWindow        int      `json:"context_window"`
	MaxOutput            *int     `json:"max_output,omitempty"`
	SupportsTools        bool     `json:"supports_tools"`
	SupportsVision       bool     `json:"supports_vision"`
	SupportsReasoning    bool     `json:"supports_reasoning"`
	InputCostPerMillion  *float64 `json:"input_cost_per_million,omitempty"`
	OutputCostPerMillion *float64 `json:"output_cost_per_million,omitempty"`
	Aliases              []string `json:"aliases,omitempty"`
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

// DefaultContextWindow is assumed for models missing from the catalog.
const DefaultContextWindow = 128000

// Models is the built-in model catalog. Entries are ordered newest first
// within each provider; the first is the default when no model is
// configured. Edit before the first lookup: the lookup index is built once.
var Models = []ModelInfo{
	// Anthropic
	{
		ID: "claude-opus-4-6", Provider: "anthropic", DisplayName: "Claude Opus 4.6",
		ContextWindow: 200000, MaxOutput: intPtr(32768),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		InputCostPerMillion: floatPtr(15.0), OutputCostPerMillion: floatPtr(75.0),
		Aliases: []string{"opus", "claude-opus"},
	},
	{
		ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200000, MaxOutput: intPtr(16384),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		InputCostPerMillion: floatPtr(3.0), OutputCostPerMillion: floatPtr(15.0),
		Aliases: []string{"sonnet", "claude-sonnet"},
	},

	// OpenAI
	{
		ID: "gpt-5.2", Provider: "openai", DisplayName: "GPT-5.2",
		ContextWindow: 1047576, MaxOutput: intPtr(32768),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		InputCostPerMillion: floatPtr(2.50), OutputCostPerMillion: floatPtr(10.0),
		Aliases: []string{"gpt5"},
	},
	{
		ID: "gpt-5.2-mini", Provider: "openai", DisplayName: "GPT-5.2 Mini",
		ContextWindow: 1047576, MaxOutput: intPtr(16384),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		InputCostPerMillion: floatPtr(0.75), OutputCostPerMillion: floatPtr(3.0),
		Aliases: []string{"gpt5-mini"},
	},
	{
		ID: "gpt-5.2-codex", Provider: "openai", DisplayName: "GPT-5.2 Codex",
		ContextWindow: 1047576, MaxOutput: intPtr(32768),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		InputCostPerMillion: floatPtr(2.50), OutputCostPerMillion: floatPtr(10.0),
		Aliases: []string{"codex"},
	},
	{
		ID: "gpt-4o", Provider: "openai", DisplayName: "GPT-4o",
		ContextWindow: 128000, MaxOutput: intPtr(16384),
		SupportsTools: true, SupportsVision: true,
		InputCostPerMillion: floatPtr(2.50), OutputCostPerMillion: floatPtr(10.0),
	},
	{
		ID: "gpt-4o-mini", Provider: "openai", DisplayName: "GPT-4o Mini",
		ContextWindow: 128000, MaxOutput: intPtr(16384),
		SupportsTools: true, SupportsVision: true,
		InputCostPerMillion: floatPtr(0.15), OutputCostPerMillion: floatPtr(0.60),
	},

	// Gemini
	{
		ID: "gemini-3-pro-preview", Provider: "gemini", DisplayName: "Gemini 3 Pro (Preview)",
		ContextWindow: 1048576, MaxOutput: intPtr(65536),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		InputCostPerMillion: floatPtr(1.25), OutputCostPerMillion: floatPtr(5.0),
		Aliases: []string{"gemini-pro", "gemini-3-pro"},
	},
	{
		ID: "gemini-3-flash-preview", Provider: "gemini", DisplayName: "Gemini 3 Flash (Preview)",
		ContextWindow: 1048576, MaxOutput: intPtr(65536),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		InputCostPerMillion: floatPtr(0.15), OutputCostPerMillion: floatPtr(0.60),
		Aliases: []string{"gemini-flash", "gemini-3-flash"},
	},
}

// catalogIndex maps every model ID and alias to its position in Models.
var catalogIndex = sync.OnceValue(func() map[string]int {
	idx := make(map[string]int, len(Models)*2)
	for i, m := range Models {
		for _, alias := range m.Aliases {
			if _, taken := idx[alias]; !taken {
				idx[alias] = i
			}
		}
	}
	// IDs take precedence over aliases.
	for i, m := range Models {
		idx[m.ID] = i
	}
	return idx
})

// GetModelInfo resolves an ID or alias to its catalog entry, or nil.
func GetModelInfo(modelID string) *ModelInfo {
	if i, ok := catalogIndex()[modelID]; ok {
		return &Models[i]
	}
	return nil
}

// ListModels returns a copy of the catalog, restricted to provider unless it
// is empty.
func ListModels(provider string) []ModelInfo {
	if provider == "" {
		return slices.Clone(Models)
	}
	var result []ModelInfo
	for _, m := range Models {
		if m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// capabilities are the filters accepted by GetLatestModel.
var capabilities = map[string]func(ModelInfo) bool{
	"":          func(ModelInfo) bool { return true },
	"tools":     func(m ModelInfo) bool { return m.SupportsTools },
	"vision":    func(m ModelInfo) bool { return m.SupportsVision },
	"reasoning": func(m ModelInfo) bool { return m.SupportsReasoning },
}

// GetLatestModel returns the newest model of provider that has capability
// ("", "tools", "vision" or "reasoning"), or nil.
func GetLatestModel(provider string, capability string) *ModelInfo {
	has, ok := capabilities[capability]
	if !ok {
		return nil
	}
	for i := range Models {
		if Models[i].Provider == provider && has(Models[i]) {
			return &Models[i]
		}
	}
	return nil
}

// ContextWindowFor returns the context window of a model, or
// DefaultContextWindow when the model is unknown.
func ContextWindowFor(modelID string) int {
	if info := GetModelInfo(modelID); info != nil && info.ContextWindow > 0 {
		return info.ContextWindow
	}
	return DefaultContextWindow
}

// EstimateCost returns the USD cost of usage on a model. ok is false when
// the catalog has no pricing for the model.
func EstimateCost(modelID string, usage Usage) (cost float64, ok bool) {
	info := GetModelInfo(modelID)
	if info == nil || info.InputCostPerMillion == nil || info.OutputCostPerMillion == nil {
		return 0, false
	}
	in := float64(usage.InputTokens) * *info.InputCostPerMillion
	out := float64(usage.OutputTokens) * *info.OutputCostPerMillion
	return (in + out) / 1e6, true
}
