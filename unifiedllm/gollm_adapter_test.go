package unifiedllm

import (
	"errors"
	"io"
	"testing"
)

func TestGollmAdapterName(t *testing.T) {
	// Adapter creation may fail without provider configuration; only Name()
	// is under test here.
	for _, provider := range []string{"openai", "anthropic"} {
		adapter, err := NewGollmAdapter(provider, "test-key-not-real")
		if err != nil {
			t.Logf("skipping %s adapter creation: %v", provider, err)
			continue
		}
		if adapter.Name() != provider {
			t.Errorf("expected name %q, got %q", provider, adapter.Name())
		}
	}
}

func TestGollmAdapterTranslateError(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai"}

	tests := []struct {
		errMsg string
		check  func(error) bool
		want   string
	}{
		{"401 Unauthorized", func(e error) bool { var x *AuthenticationError; return errors.As(e, &x) }, "AuthenticationError"},
		{"invalid api key", func(e error) bool { var x *AuthenticationError; return errors.As(e, &x) }, "AuthenticationError"},
		{"403 Forbidden", func(e error) bool { var x *AccessDeniedError; return errors.As(e, &x) }, "AccessDeniedError"},
		{"404 not found", func(e error) bool { var x *NotFoundError; return errors.As(e, &x) }, "NotFoundError"},
		{"429 rate limit exceeded", func(e error) bool { var x *RateLimitError; return errors.As(e, &x) }, "RateLimitError"},
		{"context length exceeded", func(e error) bool { var x *ContextLengthError; return errors.As(e, &x) }, "ContextLengthError"},
		{"500 internal server error", func(e error) bool { var x *ServerError; return errors.As(e, &x) }, "ServerError"},
		{"timeout waiting for response", func(e error) bool { var x *RequestTimeoutError; return errors.As(e, &x) }, "RequestTimeoutError"},
		{"content filter triggered", func(e error) bool { var x *ContentFilterError; return errors.As(e, &x) }, "ContentFilterError"},
		{"something unknown", func(e error) bool { _, ok := e.(*ProviderError); return ok }, "ProviderError"},
	}

	for _, tt := range tests {
		err := adapter.translateError(errors.New(tt.errMsg))
		if err == nil {
			t.Errorf("expected non-nil error for %q", tt.errMsg)
			continue
		}
		if !tt.check(err) {
			t.Errorf("for %q: expected %s, got %T", tt.errMsg, tt.want, err)
		}
	}
}

func TestGollmAdapterSupportsToolChoice(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai"}

	for _, mode := range []string{"auto", "none", "required", "named"} {
		if !adapter.SupportsToolChoice(mode) {
			t.Errorf("expected %s to be supported", mode)
		}
	}
	if adapter.SupportsToolChoice("invalid") {
		t.Error("expected invalid to not be supported")
	}

	geminiAdapter := &GollmAdapter{provider: "gemini"}
	if geminiAdapter.SupportsToolChoice("named") {
		t.Error("expected named to not be supported for gemini")
	}
}

func TestGollmAdapterParseToolCalls(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai"}

	text := `Reading now. [{"name":"read_file","arguments":{"path":"a.go"}}]`
	calls := adapter.parseToolCalls(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "read_file" || calls[0].Arguments != `{"path":"a.go"}` {
		t.Errorf("unexpected call: %+v", calls[0])
	}
	if calls[0].ID == "" {
		t.Error("expected a synthesized call id")
	}
	if got := adapter.removeToolCallJSON(text, calls); got != "Reading now." {
		t.Errorf("expected surrounding text to be kept, got %q", got)
	}
}

func TestGollmAdapterBuildResponseFinishReason(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai", model: "gpt-4o-mini"}

	resp := adapter.buildResponse(Request{}, "just text")
	if resp.FinishReason.Reason != "stop" {
		t.Errorf("expected stop, got %q", resp.FinishReason.Reason)
	}
	if resp.Model != "gpt-4o-mini" {
		t.Errorf("expected adapter default model, got %q", resp.Model)
	}

	resp = adapter.buildResponse(Request{}, `[{"name":"glob","arguments":{"pattern":"*.go"}}]`)
	if resp.FinishReason.Reason != "tool_calls" {
		t.Errorf("expected tool_calls, got %q", resp.FinishReason.Reason)
	}
}

func TestEstimateTokens(t *testing.T) {
	req := Request{
		Messages: []Message{
			UserMessage("Hello world, this is a test message."),
		},
	}
	if tokens := estimateTokens(req); tokens <= 0 {
		t.Errorf("expected positive token estimate, got %d", tokens)
	}
}

func TestEstimateTokensEmpty(t *testing.T) {
	if tokens := estimateTokens(Request{}); tokens != 10 {
		t.Errorf("expected default token estimate of 10, got %d", tokens)
	}
}

func TestGollmAdapterParseWrappedToolCalls(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai"}

	text := `Two steps. {"tool_calls":[{"name":"glob","arguments":{"pattern":"*.go"}},{"name":"shell"}]} trailing`
	calls := adapter.parseToolCalls(text)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Arguments != `{"pattern":"*.go"}` {
		t.Errorf("unexpected arguments: %s", calls[0].Arguments)
	}
	if calls[1].Arguments != "{}" {
		t.Errorf("expected missing arguments to become {}, got %q", calls[1].Arguments)
	}
	if got := adapter.removeToolCallJSON(text, calls); got != "Two steps." {
		t.Errorf("unexpected prose %q", got)
	}
}

func TestGollmAdapterParseToolCallsIgnoresMalformedJSON(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai"}
	if calls := adapter.parseToolCalls(`[{"name": "read_file", "arguments": {`); calls != nil {
		t.Errorf("expected no calls, got %+v", calls)
	}
}

func TestDrainConcatenatesTokens(t *testing.T) {
	toks := []string{"a", "b", "c"}
	next := func() (string, error) {
		if len(toks) == 0 {
			return "", io.EOF
		}
		tok := toks[0]
		toks = toks[1:]
		return tok, nil
	}
	var seen []string
	text, err := drain(next, func(s string) { seen = append(seen, s) })
	if err != nil || text != "abc" || len(seen) != 3 {
		t.Errorf("drain = %q, %v, seen %v", text, err, seen)
	}
}
