package unifiedllm

import (
	"context"
	"errors"
	"testing"
)

// mockAdapter is a test double for ProviderAdapter.
type mockAdapter struct {
	name     string
	response *Response
	err      error
	events   []StreamEvent
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func (m *mockAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan StreamEvent, len(m.events))
	for _, e := range m.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func newMockAdapter(name, text string) *mockAdapter {
	return &mockAdapter{
		name: name,
		response: &Response{
			ID:       "test_resp",
			Model:    "test-model",
			Provider: name,
			Message: Message{
				Role:    RoleAssistant,
				Content: []ContentPart{TextPart(text)},
			},
			FinishReason: FinishReason{Reason: "stop"},
			Usage:        Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
		},
	}
}

func TestClientComplete(t *testing.T) {
	mock := newMockAdapter("test-provider", "Hello!")
	client := NewClient(
		WithProvider("test-provider", mock),
		WithDefaultProvider("test-provider"),
	)

	resp, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", resp.Text())
	}
	if resp.Provider != "test-provider" {
		t.Errorf("expected provider %q, got %q", "test-provider", resp.Provider)
	}
}

func TestClientProviderRouting(t *testing.T) {
	openai := newMockAdapter("openai", "OpenAI response")
	anthropic := newMockAdapter("anthropic", "Anthropic response")

	client := NewClient(
		WithProvider("openai", openai),
		WithProvider("anthropic", anthropic),
		WithDefaultProvider("openai"),
	)

	// Explicit provider.
	resp, err := client.Complete(context.Background(), Request{
		Model:    "claude-opus-4-6",
		Messages: []Message{UserMessage("Hi")},
		Provider: "anthropic",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Anthropic response" {
		t.Errorf("expected Anthropic response, got %q", resp.Text())
	}

	// Default provider.
	resp, err = client.Complete(context.Background(), Request{
		Model:    "gpt-5.2",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "OpenAI response" {
		t.Errorf("expected OpenAI response, got %q", resp.Text())
	}
}

func TestClientNoProvider(t *testing.T) {
	client := NewClient()
	_, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err == nil {
		t.Fatal("expected error for no provider")
	}
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
}

func TestClientMiddleware(t *testing.T) {
	mock := newMockAdapter("test", "response")
	called := false

	mw := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		called = true
		return next(ctx, req)
	}

	client := NewClient(
		WithProvider("test", mock),
		WithMiddleware(mw),
	)

	_, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("middleware was not called")
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	mock := newMockAdapter("test", "response")
	var order []int

	mw1 := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		order = append(order, 1)
		resp, err := next(ctx, req)
		order = append(order, -1)
		return resp, err
	}
	mw2 := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		order = append(order, 2)
		resp, err := next(ctx, req)
		order = append(order, -2)
		return resp, err
	}

	client := NewClient(
		WithProvider("test", mock),
		WithMiddleware(mw1, mw2),
	)

	_, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Onion pattern: first registered runs first for request, reverse for response.
	expected := []int{1, 2, -2, -1}
	if len(order) != len(expected) {
		t.Fatalf("expected %d middleware calls, got %d", len(expected), len(order))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("position %d: expected %d, got %d", i, v, order[i])
		}
	}
}

func TestClientStream(t *testing.T) {
	mock := &mockAdapter{
		name: "test",
		events: []StreamEvent{
			{Type: StreamStart},
			{Type: TextDelta, Delta: "Hello"},
			{Type: TextDelta, Delta: " world"},
			{Type: StreamFinish, FinishReason: &FinishReason{Reason: "stop"}},
		},
	}

	client := NewClient(WithProvider("test", mock))
	ch, err := client.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var events []StreamEvent
	for event := range ch {
		events = append(events, event)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[0].Type != StreamStart {
		t.Errorf("expected StreamStart, got %q", events[0].Type)
	}
	if events[1].Delta != "Hello" {
		t.Errorf("expected delta %q, got %q", "Hello", events[1].Delta)
	}
}

func TestClientRegisterProvider(t *testing.T) {
	client := NewClient()
	mock := newMockAdapter("dynamic", "dynamic response")
	client.RegisterProvider("dynamic", mock)

	resp, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "dynamic response" {
		t.Errorf("expected %q, got %q", "dynamic response", resp.Text())
	}
}

func TestClientAutoSingleProviderDefault(t *testing.T) {
	mock := newMockAdapter("only", "only response")
	client := NewClient(WithProvider("only", mock))

	resp, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "only response" {
		t.Errorf("expected %q, got %q", "only response", resp.Text())
	}
}

func TestGenerateWithMock(t *testing.T) {
	mock := newMockAdapter("test", "Generated response")
	client := NewClient(WithProvider("test", mock))

	result, err := Generate(context.Background(), GenerateOptions{
		Model:    "test-model",
		Prompt:   "Say hello",
		Provider: "test",
		Client:   client,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != "Generated response" {
		t.Errorf("expected %q, got %q", "Generated response", result.Text)
	}
	if result.FinishReason.Reason != "stop" {
		t.Errorf("expected finish reason %q, got %q", "stop", result.FinishReason.Reason)
	}
}

func TestGenerateWithMessages(t *testing.T) {
	mock := newMockAdapter("test", "Response to conversation")
	client := NewClient(WithProvider("test", mock))

	result, err := Generate(context.Background(), GenerateOptions{
		Model: "test-model",
		Messages: []Message{
			SystemMessage("Be helpful"),
			UserMessage("What is 2+2?"),
		},
		Provider: "test",
		Client:   client,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != "Response to conversation" {
		t.Errorf("expected %q, got %q", "Response to conversation", result.Text)
	}
}

func TestGenerateBothPromptAndMessages(t *testing.T) {
	client := NewClient(WithProvider("test", newMockAdapter("test", "x")))
	_, err := Generate(context.Background(), GenerateOptions{
		Model:    "test-model",
		Prompt:   "hello",
		Messages: []Message{UserMessage("hello")},
		Provider: "test",
		Client:   client,
	})
	if err == nil {
		t.Fatal("expected error when both prompt and messages provided")
	}
}

func TestGenerateRetriesTransientFailure(t *testing.T) {
	adapter := &sequenceAdapter{
		name:      "test",
		errs:      []error{&NetworkError{SDKError: SDKError{Message: "connection reset"}}},
		responses: []*Response{newMockAdapter("test", "recovered").response},
	}
	client := NewClient(WithProvider("test", adapter))

	result, err := Generate(context.Background(), GenerateOptions{
		Model:    "test-model",
		Prompt:   "hi",
		Client:   client,
		Provider: "test",
		RetryPolicy: &RetryPolicy{
			MaxRetries: 2, BaseDelay: 0.001, MaxDelay: 0.001, BackoffMultiplier: 1,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != "recovered" {
		t.Errorf("expected %q, got %q", "recovered", result.Text)
	}
	if adapter.calls != 2 {
		t.Errorf("expected 2 calls, got %d", adapter.calls)
	}
}

func TestGenerateObject(t *testing.T) {
	mock := newMockAdapter("test", "```json\n{\"name\": \"build\", \"steps\": 3}\n```")
	client := NewClient(WithProvider("test", mock))

	type plan struct {
		Name  string `json:"name"`
		Steps int    `json:"steps"`
	}
	out, result, err := GenerateObject[plan](context.Background(), GenerateOptions{
		Model:  "test-model",
		Prompt: "make a plan",
		Client: client,
	}, map[string]interface{}{"type": "object"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Name != "build" || out.Steps != 3 {
		t.Errorf("unexpected object %+v", out)
	}
	if result == nil || result.Text == "" {
		t.Error("expected the raw result to be returned")
	}
}

func TestGenerateObjectUnparseable(t *testing.T) {
	client := NewClient(WithProvider("test", newMockAdapter("test", "no json here")))
	_, _, err := GenerateObject[map[string]any](context.Background(), GenerateOptions{
		Model:  "test-model",
		Prompt: "x",
		Client: client,
	}, map[string]interface{}{"type": "object"})
	var noObj *NoObjectGeneratedError
	if !errors.As(err, &noObj) {
		t.Fatalf("expected NoObjectGeneratedError, got %v", err)
	}
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		`{"a":1}`:                       `{"a":1}`,
		"```json\n{\"a\":1}\n```":         `{"a":1}`,
		`Here you go: [1,2] hope it helps`: `[1,2]`,
		`plain`:                         `plain`,
	}
	for in, want := range cases {
		if got := ExtractJSON(in); got != want {
			t.Errorf("ExtractJSON(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClientStreamChunksBridgesComplete(t *testing.T) {
	resp := &Response{
		ID: "r", Model: "m",
		Message: Message{Role: RoleAssistant, Content: []ContentPart{
			TextPart("ok"),
			ToolCallPart("call_1", "glob", `{"pattern":"*"}`),
		}},
		FinishReason: FinishReason{Reason: "tool_calls"},
	}
	client := NewClient(WithProvider("test", &mockAdapter{name: "test", response: resp}))

	ch, err := client.StreamChunks(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var chunks []Chunk
	for item := range ch {
		if item.Err != nil {
			t.Fatalf("unexpected chunk error: %v", item.Err)
		}
		chunks = append(chunks, item.Chunk)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected a single bridged chunk, got %d", len(chunks))
	}
	if got := chunks[0].Choices[0].Delta.ToolCalls[0].Function.Name; got != "glob" {
		t.Errorf("expected glob tool call, got %q", got)
	}
}

func TestClientStreamChunksUsesStreamer(t *testing.T) {
	streamer := &chunkAdapter{
		mockAdapter: mockAdapter{name: "test"},
		chunks: []Chunk{
			{Choices: []ChunkChoice{{Delta: ChunkDelta{Content: StringPtr("a")}}}},
			{Choices: []ChunkChoice{{Delta: ChunkDelta{Content: StringPtr("b")}, FinishReason: "stop"}}},
		},
	}
	var seen int
	mw := func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan ChunkResult, error)) (<-chan ChunkResult, error) {
		seen++
		return next(ctx, req)
	}
	client := NewClient(WithProvider("test", streamer), WithChunkMiddleware(mw))

	ch, err := client.StreamChunks(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := ""
	for item := range ch {
		text += *item.Chunk.Choices[0].Delta.Content
	}
	if text != "ab" {
		t.Errorf("expected %q, got %q", "ab", text)
	}
	if seen != 1 {
		t.Errorf("expected chunk middleware to run once, got %d", seen)
	}
}

func TestClientStreamChunksCompleteError(t *testing.T) {
	client := NewClient(WithProvider("test", &mockAdapter{name: "test", err: &ServerError{}}))
	_, err := client.StreamChunks(context.Background(), Request{Model: "m"})
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("expected ServerError, got %v", err)
	}
}

type chunkAdapter struct {
	mockAdapter
	chunks []Chunk
}

func (c *chunkAdapter) StreamChunks(ctx context.Context, req Request) (<-chan ChunkResult, error) {
	ch := make(chan ChunkResult, len(c.chunks))
	for _, chunk := range c.chunks {
		ch <- ChunkResult{Chunk: chunk}
	}
	close(ch)
	return ch, nil
}

// sequenceAdapter returns responses in sequence.
type sequenceAdapter struct {
	name      string
	errs      []error
	responses []*Response
	idx       int
	calls     int
}

func (s *sequenceAdapter) Name() string { return s.name }

func (s *sequenceAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	if s.idx >= len(s.responses) {
		return s.responses[len(s.responses)-1], nil
	}
	resp := s.responses[s.idx]
	s.idx++
	return resp, nil
}

func (s *sequenceAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	ch := make(chan StreamEvent)
	close(ch)
	return ch, nil
}

func TestStreamAccumulator(t *testing.T) {
	acc := NewStreamAccumulator()

	events := []StreamEvent{
		{Type: StreamStart},
		{Type: ReasoningDelta, ReasoningDelta: "plan"},
		{Type: TextDelta, Delta: "Hello "},
		{Type: TextDelta, Delta: "world"},
		{Type: StreamFinish, FinishReason: &FinishReason{Reason: "stop"}, Usage: &Usage{InputTokens: 5, OutputTokens: 10, TotalTokens: 15}},
	}

	for _, e := range events {
		acc.Process(e)
	}

	resp := acc.Response()
	if resp.Text() != "Hello world" {
		t.Errorf("expected accumulated text %q, got %q", "Hello world", resp.Text())
	}
	if resp.Reasoning() != "plan" {
		t.Errorf("expected reasoning %q, got %q", "plan", resp.Reasoning())
	}
	if resp.FinishReason.Reason != "stop" {
		t.Errorf("expected finish reason %q, got %q", "stop", resp.FinishReason.Reason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected total_tokens 15, got %d", resp.Usage.TotalTokens)
	}
}

// flakyChunkAdapter fails the first failures streams before any chunk.
type flakyChunkAdapter struct {
	mockAdapter
	failures int
	calls    int
	failWith error
}

func (f *flakyChunkAdapter) StreamChunks(ctx context.Context, req Request) (<-chan ChunkResult, error) {
	f.calls++
	ch := make(chan ChunkResult, 2)
	if f.calls <= f.failures {
		ch <- ChunkResult{Err: f.failWith}
	} else {
		ch <- ChunkResult{Chunk: Chunk{Choices: []ChunkChoice{{Delta: ChunkDelta{Content: StringPtr("hi")}}}}}
		ch <- ChunkResult{Chunk: Chunk{Choices: []ChunkChoice{{FinishReason: "stop"}}}}
	}
	close(ch)
	return ch, nil
}

func TestRetryChunksRetriesBeforeFirstChunk(t *testing.T) {
	adapter := &flakyChunkAdapter{mockAdapter: mockAdapter{name: "test"}, failures: 2, failWith: &ServerError{}}
	policy := RetryPolicy{MaxRetries: 2, BaseDelay: 0.001, MaxDelay: 1, BackoffMultiplier: 1}
	client := NewClient(WithProvider("test", adapter), WithChunkMiddleware(RetryChunks(policy)))

	ch, err := client.StreamChunks(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var chunks int
	for item := range ch {
		if item.Err != nil {
			t.Fatalf("unexpected chunk error: %v", item.Err)
		}
		chunks++
	}
	if adapter.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", adapter.calls)
	}
	if chunks != 2 {
		t.Errorf("expected 2 chunks, got %d", chunks)
	}
}

func TestRetryChunksGivesUpOnPermanentErrors(t *testing.T) {
	adapter := &flakyChunkAdapter{mockAdapter: mockAdapter{name: "test"}, failures: 5, failWith: &AuthenticationError{}}
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 0.001, MaxDelay: 1}
	client := NewClient(WithProvider("test", adapter), WithChunkMiddleware(RetryChunks(policy)))

	_, err := client.StreamChunks(context.Background(), Request{Model: "m"})

	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
	if adapter.calls != 1 {
		t.Errorf("expected a single attempt, got %d", adapter.calls)
	}
}

func TestClientProvidersSorted(t *testing.T) {
	client := NewClient(
		WithProvider("openai", newMockAdapter("openai", "")),
		WithProvider("anthropic", newMockAdapter("anthropic", "")),
	)
	got := client.Providers()
	if len(got) != 2 || got[0] != "anthropic" || got[1] != "openai" {
		t.Errorf("expected sorted providers, got %v", got)
	}
}

func TestClientFromEnvDoesNotRetryStreams(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	adapter := &flakyChunkAdapter{mockAdapter: mockAdapter{name: "test"}, failures: 1, failWith: &ServerError{}}
	client := NewClientFromEnv()
	client.RegisterProvider("test", adapter)

	ch, err := client.StreamChunks(context.Background(), Request{Model: "m", Provider: "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var streamErr error
	for item := range ch {
		if item.Err != nil {
			streamErr = item.Err
		}
	}
	var serverErr *ServerError
	if !errors.As(streamErr, &serverErr) {
		t.Fatalf("expected the ServerError to reach the caller, got %v", streamErr)
	}
	if adapter.calls != 1 {
		t.Errorf("expected a single attempt, got %d", adapter.calls)
	}
}
