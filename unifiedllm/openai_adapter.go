package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIAdapter talks to any OpenAI-compatible chat completions endpoint via
// go-openai. Unlike GollmAdapter it exposes native tool call deltas, so the
// agent loop can reduce streamed fragments itself.
type OpenAIAdapter struct {
	client *openai.Client
	name   string
}

// NewOpenAIAdapter creates an adapter. baseURL may be empty for the public API.
func NewOpenAIAdapter(apiKey, baseURL string) *OpenAIAdapter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIAdapter{client: openai.NewClientWithConfig(cfg), name: "openai"}
}

// NewOpenAIAdapterWithClient wraps an existing go-openai client under the
// given provider name.
func NewOpenAIAdapterWithClient(name string, client *openai.Client) *OpenAIAdapter {
	return &OpenAIAdapter{client: client, name: name}
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string {
	return a.name
}

// Complete sends a non-streaming chat completion.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	oreq := a.translateRequest(req)
	resp, err := a.client.CreateChatCompletion(ctx, oreq)
	if err != nil {
		return nil, a.translateError(err)
	}
	if len(resp.Choices) == 0 {
		return &Response{ID: resp.ID, Model: resp.Model, Provider: a.name,
			Message: Message{Role: RoleAssistant}, FinishReason: FinishReason{Reason: "other"}}, nil
	}

	choice := resp.Choices[0]
	msg := Message{Role: RoleAssistant}
	if choice.Message.Content != "" {
		msg.Content = append(msg.Content, TextPart(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.Content = append(msg.Content, ToolCallPart(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}

	return &Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Provider:     a.name,
		Message:      msg,
		FinishReason: FinishReason{Reason: normalizeFinishReason(string(choice.FinishReason)), Raw: string(choice.FinishReason)},
		Usage:        translateUsage(&resp.Usage),
	}, nil
}

// Stream adapts StreamChunks into high-level stream events.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	chunks, err := a.StreamChunks(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan StreamEvent, 64)
	go func() {
		defer close(out)
		out <- StreamEvent{Type: StreamStart}
		var (
			text   strings.Builder
			finish FinishReason
			usage  Usage
		)
		for item := range chunks {
			if item.Err != nil {
				out <- StreamEvent{Type: StreamError, Error: item.Err}
				return
			}
			if item.Chunk.Usage != nil {
				usage = *item.Chunk.Usage
			}
			for _, c := range item.Chunk.Choices {
				if c.Delta.Content != nil {
					text.WriteString(*c.Delta.Content)
					out <- StreamEvent{Type: TextDelta, Delta: *c.Delta.Content}
				}
				if c.Delta.ReasoningContent != nil {
					out <- StreamEvent{Type: ReasoningDelta, ReasoningDelta: *c.Delta.ReasoningContent}
				}
				if c.FinishReason != "" {
					finish = FinishReason{Reason: c.FinishReason, Raw: c.FinishReason}
				}
			}
		}
		resp := &Response{
			Provider:     a.name,
			Model:        req.Model,
			Message:      AssistantMessage(text.String()),
			FinishReason: finish,
			Usage:        usage,
		}
		out <- StreamEvent{Type: StreamFinish, FinishReason: &finish, Usage: &usage, Response: resp}
	}()
	return out, nil
}

// StreamChunks opens a streamed chat completion and forwards every delta as a
// Chunk. Tool call fragments keep their wire index.
func (a *OpenAIAdapter) StreamChunks(ctx context.Context, req Request) (<-chan ChunkResult, error) {
	oreq := a.translateRequest(req)
	oreq.Stream = true
	oreq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := a.client.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		return nil, a.translateError(err)
	}

	ch := make(chan ChunkResult, 64)
	go func() {
		defer close(ch)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				select {
				case ch <- ChunkResult{Err: a.translateError(err)}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case ch <- ChunkResult{Chunk: translateStreamResponse(resp)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// SupportsToolChoice reports whether the adapter supports a tool choice mode.
func (a *OpenAIAdapter) SupportsToolChoice(mode string) bool {
	switch mode {
	case "auto", "none", "required", "named":
		return true
	default:
		return false
	}
}

func translateStreamResponse(resp openai.ChatCompletionStreamResponse) Chunk {
	chunk := Chunk{ID: resp.ID, Model: resp.Model}
	for _, c := range resp.Choices {
		delta := ChunkDelta{Role: Role(c.Delta.Role)}
		if c.Delta.Content != "" {
			delta.Content = StringPtr(c.Delta.Content)
		}
		if c.Delta.ReasoningContent != "" {
			delta.ReasoningContent = StringPtr(c.Delta.ReasoningContent)
		}
		for pos, tc := range c.Delta.ToolCalls {
			index := pos
			if tc.Index != nil {
				index = *tc.Index
			}
			delta.ToolCalls = append(delta.ToolCalls, ToolCallDelta{
				Index: index,
				ID:    tc.ID,
				Type:  string(tc.Type),
				Function: FunctionDelta{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		chunk.Choices = append(chunk.Choices, ChunkChoice{
			Index:        c.Index,
			Delta:        delta,
			FinishReason: string(c.FinishReason),
		})
	}
	if resp.Usage != nil {
		u := translateUsage(resp.Usage)
		chunk.Usage = &u
	}
	return chunk
}

func translateUsage(u *openai.Usage) Usage {
	usage := Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.CompletionTokensDetails != nil && u.CompletionTokensDetails.ReasoningTokens > 0 {
		n := u.CompletionTokensDetails.ReasoningTokens
		usage.ReasoningTokens = &n
	}
	return usage
}

func normalizeFinishReason(raw string) string {
	switch raw {
	case "stop", "length", "tool_calls", "content_filter":
		return raw
	case "function_call":
		return "tool_calls"
	case "":
		return "stop"
	default:
		return "other"
	}
}

func (a *OpenAIAdapter) translateRequest(req Request) openai.ChatCompletionRequest {
	oreq := openai.ChatCompletionRequest{
		Model:           req.Model,
		Stop:            req.StopSequences,
		ReasoningEffort: req.ReasoningEffort,
	}
	if req.Temperature != nil {
		oreq.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		oreq.TopP = float32(*req.TopP)
	}
	if req.MaxTokens != nil {
		oreq.MaxTokens = *req.MaxTokens
	}

	for _, msg := range req.Messages {
		oreq.Messages = append(oreq.Messages, translateMessage(msg)...)
	}

	for _, def := range req.ToolDefs {
		oreq.Tools = append(oreq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}

	if req.ToolChoice != nil && len(oreq.Tools) > 0 {
		switch req.ToolChoice.Mode {
		case "named":
			oreq.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: req.ToolChoice.ToolName},
			}
		default:
			oreq.ToolChoice = req.ToolChoice.Mode
		}
	}

	if req.ResponseFormat != nil && req.ResponseFormat.Type != "text" {
		oreq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	return oreq
}

// translateMessage maps a unified message to one or more wire messages. Tool
// results fan out into one message per result part.
func translateMessage(msg Message) []openai.ChatCompletionMessage {
	switch msg.Role {
	case RoleTool:
		var out []openai.ChatCompletionMessage
		for _, part := range msg.Content {
			if part.Kind != ContentToolResult || part.ToolResult == nil {
				continue
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    part.ToolResult.Content,
				ToolCallID: part.ToolResult.ToolCallID,
			})
		}
		return out
	case RoleAssistant:
		om := openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: msg.TextContent(),
		}
		for _, tc := range msg.ToolCalls() {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return []openai.ChatCompletionMessage{om}
	case RoleSystem:
		return []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: msg.TextContent()}}
	case RoleDeveloper:
		return []openai.ChatCompletionMessage{{Role: string(RoleDeveloper), Content: msg.TextContent()}}
	default:
		return []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: msg.TextContent(), Name: msg.Name}}
	}
}

func (a *OpenAIAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if s, ok := apiErr.Code.(string); ok {
			code = s
		}
		mapped := ErrorFromStatusCode(apiErr.HTTPStatusCode, apiErr.Message, a.name, code, nil, nil)
		if strings.Contains(strings.ToLower(apiErr.Message), "context length") {
			return &ContextLengthError{ProviderError: ProviderError{
				SDKError: SDKError{Message: apiErr.Message, Cause: err}, Provider: a.name, StatusCode: apiErr.HTTPStatusCode,
			}}
		}
		return mapped
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return ErrorFromStatusCode(reqErr.HTTPStatusCode, reqErr.Error(), a.name, "", nil, nil)
	}
	if errors.Is(err, context.Canceled) {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RequestTimeoutError{SDKError: SDKError{Message: "request timed out", Cause: err}}
	}
	return &NetworkError{SDKError: SDKError{Message: fmt.Sprintf("%s transport failure", a.name), Cause: err}}
}
