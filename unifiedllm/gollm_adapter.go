package unifiedllm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
// Requests and responses are translated to and from gollm types.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key for the adapter.
func WithAPIKey(key string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.apiKey = key }
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.model = model }
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.maxTokens = n }
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.temperature = t }
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// fallbackModels is used when the catalog has no entry for a provider.
var fallbackModels = map[string]string{
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-sonnet-4-5-20250514",
}

// NewGollmAdapter creates a GollmAdapter for provider. An empty apiKey lets
// gollm read the key from the environment.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{apiKey: apiKey, maxTokens: 4096, temperature: 0.7}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		if info := GetLatestModel(provider, ""); info != nil {
			model = info.ID
		} else if m, ok := fallbackModels[provider]; ok {
			model = m
		} else {
			model = fallbackModels["openai"]
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		// Client middleware owns retries.
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gollm client for %s: %w", provider, err)
	}
	return &GollmAdapter{provider: provider, llm: llm, model: model}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, llm: llm}
}

func (a *GollmAdapter) Name() string { return a.provider }

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.prepare(req)
	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, text), nil
}

// Stream emits text deltas as they arrive and a finish event carrying the
// assembled response.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	next, stop, err := a.open(ctx, a.prepare(req))
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer stop()

		ch <- StreamEvent{Type: StreamStart}
		text, err := drain(next, func(tok string) {
			ch <- StreamEvent{Type: TextDelta, Delta: tok}
		})
		if err != nil {
			ch <- StreamEvent{Type: StreamError, Error: a.translateError(err)}
			return
		}
		resp := a.buildResponse(req, text)
		ch <- StreamEvent{Type: StreamFinish, FinishReason: &resp.FinishReason, Usage: &resp.Usage, Response: resp}
	}()
	return ch, nil
}

// StreamChunks streams text tokens as content chunks. gollm does not surface
// incremental tool call fragments, so tool calls parsed from the full text
// arrive in one final chunk together with the finish reason and usage.
func (a *GollmAdapter) StreamChunks(ctx context.Context, req Request) (<-chan ChunkResult, error) {
	next, stop, err := a.open(ctx, a.prepare(req))
	if err != nil {
		return nil, err
	}

	ch := make(chan ChunkResult, 64)
	go func() {
		defer close(ch)
		defer stop()

		id := "chunk_" + uuid.New().String()[:8]
		text, err := drain(next, func(tok string) {
			ch <- ChunkResult{Chunk: Chunk{
				ID:      id,
				Model:   req.Model,
				Choices: []ChunkChoice{{Delta: ChunkDelta{Role: RoleAssistant, Content: StringPtr(tok)}}},
			}}
		})
		if err != nil {
			ch <- ChunkResult{Err: a.translateError(err)}
			return
		}

		resp := a.buildResponse(req, text)
		var delta ChunkDelta
		for i, tc := range resp.Message.ToolCalls() {
			delta.ToolCalls = append(delta.ToolCalls, ToolCallDelta{
				Index:    i,
				ID:       tc.ID,
				Type:     "function",
				Function: FunctionDelta{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		ch <- ChunkResult{Chunk: Chunk{
			ID:      id,
			Model:   resp.Model,
			Choices: []ChunkChoice{{Delta: delta, FinishReason: resp.FinishReason.Reason}},
			Usage:   &resp.Usage,
		}}
	}()
	return ch, nil
}

// open starts generation and returns a token iterator. next returns io.EOF
// once the text is exhausted. Models without streaming support generate the
// whole text up front and yield it as one token.
func (a *GollmAdapter) open(ctx context.Context, prompt *gollm.Prompt) (next func() (string, error), stop func(), err error) {
	if !a.llm.SupportsStreaming() {
		text, err := a.llm.Generate(ctx, prompt)
		if err != nil {
			return nil, nil, a.translateError(err)
		}
		sent := false
		return func() (string, error) {
			if sent {
				return "", io.EOF
			}
			sent = true
			return text, nil
		}, func() {}, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, nil, a.translateError(err)
	}
	next = func() (string, error) {
		for {
			tok, err := stream.Next(ctx)
			if err != nil {
				return "", err
			}
			if tok != nil && tok.Text != "" {
				return tok.Text, nil
			}
		}
	}
	return next, func() { stream.Close() }, nil
}

// drain feeds every token to emit and returns the concatenated text.
func drain(next func() (string, error), emit func(string)) (string, error) {
	var full strings.Builder
	for {
		tok, err := next()
		if errors.Is(err, io.EOF) {
			return full.String(), nil
		}
		if err != nil {
			return full.String(), err
		}
		full.WriteString(tok)
		emit(tok)
	}
}

// SupportsToolChoice reports whether the adapter supports a particular tool choice mode.
func (a *GollmAdapter) SupportsToolChoice(mode string) bool {
	switch mode {
	case "auto", "none", "required":
		return true
	case "named":
		return a.provider != "gemini"
	}
	return false
}

// prepare flattens the request into a gollm prompt and pushes per-request
// sampling parameters onto the shared LLM.
func (a *GollmAdapter) prepare(req Request) *gollm.Prompt {
	a.applyRequestOptions(req)
	return a.translateRequest(req)
}

// translateRequest flattens the conversation into a single gollm prompt.
// System and developer text becomes the system prompt; every other message
// is rendered as a labelled transcript line.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var system, transcript []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem, RoleDeveloper:
			system = append(system, msg.TextContent())
		case RoleUser:
			transcript = append(transcript, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				transcript = append(transcript, "[Assistant]: "+text)
			}
			for _, tc := range msg.ToolCalls() {
				transcript = append(transcript, fmt.Sprintf("[Tool Call %s]: %s %s", tc.ID, tc.Name, tc.Arguments))
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				label := "[Tool Result]"
				if part.ToolResult.IsError {
					label = "[Tool Error]"
				}
				transcript = append(transcript, label+": "+part.ToolResult.Content)
			}
		}
	}

	text := strings.Join(transcript, "\n")
	if text == "" {
		text = "Hello"
	}

	var opts []gollm.PromptOption
	if s := strings.TrimSpace(strings.Join(system, "\n")); s != "" {
		opts = append(opts, gollm.WithSystemPrompt(s, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		opts = append(opts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, len(req.ToolDefs))
		for i, t := range req.ToolDefs {
			tools[i] = gollm.Tool{
				Type:     "function",
				Function: gollm.Function{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
			}
		}
		opts = append(opts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		opts = append(opts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}
	return gollm.NewPrompt(text, opts...)
}

func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.TopP != nil {
		a.llm.SetOption("top_p", *req.TopP)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// buildResponse turns generated text into a Response, lifting any embedded
// tool call JSON into tool call parts.
func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	calls := a.parseToolCalls(text)
	var parts []ContentPart
	if prose := a.removeToolCallJSON(text, calls); prose != "" {
		parts = append(parts, TextPart(prose))
	}
	for i := range calls {
		parts = append(parts, ContentPart{Kind: ContentToolCall, ToolCall: &calls[i]})
	}
	if len(parts) == 0 {
		parts = []ContentPart{TextPart(text)}
	}

	finish := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		finish = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	// gollm reports no usage; approximate four characters per token.
	in, out := estimateTokens(req), len(text)/4
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      Message{Role: RoleAssistant, Content: parts},
		FinishReason: finish,
		Usage:        Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

// toolCallMarkers locate embedded tool call JSON in generated text, either a
// bare array of calls or an object wrapping one under "tool_calls".
var toolCallMarkers = []string{`{"tool_calls"`, `[{"name"`}

type rawToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseToolCalls extracts tool calls the model wrote inline as JSON. Text
// after the JSON value is ignored.
func (a *GollmAdapter) parseToolCalls(text string) []ToolCallData {
	start := markerIndex(text)
	if start < 0 {
		return nil
	}

	dec := json.NewDecoder(strings.NewReader(text[start:]))
	var raw []rawToolCall
	if strings.HasPrefix(text[start:], "[") {
		if err := dec.Decode(&raw); err != nil {
			return nil
		}
	} else {
		var wrapped struct {
			ToolCalls []rawToolCall `json:"tool_calls"`
		}
		if err := dec.Decode(&wrapped); err != nil {
			return nil
		}
		raw = wrapped.ToolCalls
	}

	calls := make([]ToolCallData, 0, len(raw))
	for _, rc := range raw {
		args := bytes.TrimSpace(rc.Arguments)
		if len(args) == 0 {
			args = []byte("{}")
		}
		calls = append(calls, ToolCallData{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: string(args),
			Type:      "function",
		})
	}
	return calls
}

// removeToolCallJSON returns the prose preceding the parsed tool call JSON.
func (a *GollmAdapter) removeToolCallJSON(text string, calls []ToolCallData) string {
	if len(calls) == 0 {
		return text
	}
	if i := markerIndex(text); i >= 0 {
		return strings.TrimSpace(text[:i])
	}
	return text
}

func markerIndex(text string) int {
	first := -1
	for _, m := range toolCallMarkers {
		if i := strings.Index(text, m); i >= 0 && (first < 0 || i < first) {
			first = i
		}
	}
	return first
}

// errorRule maps message fragments to an error constructor. Rules are
// checked in order; the first match wins.
type errorRule struct {
	fragments []string
	build     func(ProviderError) error
}

var gollmErrorRules = []errorRule{
	{[]string{"401", "unauthorized", "invalid key", "invalid api key"}, func(p ProviderError) error {
		p.StatusCode = 401
		return &AuthenticationError{ProviderError: p}
	}},
	{[]string{"403", "forbidden"}, func(p ProviderError) error {
		p.StatusCode = 403
		return &AccessDeniedError{ProviderError: p}
	}},
	{[]string{"404", "not found"}, func(p ProviderError) error {
		p.StatusCode = 404
		return &NotFoundError{ProviderError: p}
	}},
	{[]string{"429", "rate limit"}, func(p ProviderError) error {
		p.StatusCode, p.Retryable = 429, true
		return &RateLimitError{ProviderError: p}
	}},
	{[]string{"context length", "too many tokens"}, func(p ProviderError) error {
		p.StatusCode = 413
		return &ContextLengthError{ProviderError: p}
	}},
	{[]string{"500", "internal server"}, func(p ProviderError) error {
		p.StatusCode, p.Retryable = 500, true
		return &ServerError{ProviderError: p}
	}},
	{[]string{"timeout"}, func(p ProviderError) error {
		return &RequestTimeoutError{SDKError: p.SDKError}
	}},
	{[]string{"content filter", "safety"}, func(p ProviderError) error {
		return &ContentFilterError{ProviderError: p}
	}},
}

// translateError classifies a gollm error by its message, since gollm does
// not expose status codes. Unrecognized errors are retryable provider errors.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	base := ProviderError{SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider}
	for _, rule := range gollmErrorRules {
		for _, f := range rule.fragments {
			if strings.Contains(lower, f) {
				return rule.build(base)
			}
		}
	}
	base.Retryable = true
	return &base
}

// estimateTokens approximates the prompt size of req, with a floor of 10.
func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			if part.Kind == ContentText {
				total += len(part.Text) / 4
			}
		}
	}
	return max(total, 10)
}
