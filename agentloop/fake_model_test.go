package agentloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/martinemde/codeagent/unifiedllm"
)

// modelTurn scripts one StreamChunks call of fakeModel.
type modelTurn struct {
	chunks    []unifiedllm.Chunk
	err       error // returned by StreamChunks itself
	streamErr error // delivered after the chunks
	hang      bool  // stream stays open until the request context ends
}

// fakeModel is a ChunkStreamer that plays back scripted turns. Once the
// script runs out it plays fallback, or replies "done".
type fakeModel struct {
	mu       sync.Mutex
	turns    []modelTurn
	fallback func(n int) modelTurn
	requests []unifiedllm.Request
}

func (m *fakeModel) Name() string { return "fake" }

func (m *fakeModel) Complete(context.Context, unifiedllm.Request) (*unifiedllm.Response, error) {
	return nil, errors.New("fakeModel only streams")
}

func (m *fakeModel) Stream(context.Context, unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	return nil, errors.New("fakeModel only streams chunks")
}

func (m *fakeModel) StreamChunks(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.ChunkResult, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	n := len(m.requests)
	var turn modelTurn
	switch {
	case len(m.turns) > 0:
		turn = m.turns[0]
		m.turns = m.turns[1:]
	case m.fallback != nil:
		turn = m.fallback(n)
	default:
		turn = reply("done")
	}
	m.mu.Unlock()

	if turn.err != nil {
		return nil, turn.err
	}
	if turn.hang {
		ch := make(chan unifiedllm.ChunkResult)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}
	ch := make(chan unifiedllm.ChunkResult, len(turn.chunks)+1)
	for _, c := range turn.chunks {
		ch <- unifiedllm.ChunkResult{Chunk: c}
	}
	if turn.streamErr != nil {
		ch <- unifiedllm.ChunkResult{Err: turn.streamErr}
	}
	close(ch)
	return ch, nil
}

func (m *fakeModel) Requests() []unifiedllm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]unifiedllm.Request(nil), m.requests...)
}

func usageChunk(in, out int) unifiedllm.Chunk {
	return unifiedllm.Chunk{Usage: &unifiedllm.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}}
}

// reply is a turn that answers with text and no tool calls.
func reply(text string) modelTurn {
	return modelTurn{chunks: []unifiedllm.Chunk{
		textChunk(text),
		finishChunk("stop"),
		usageChunk(10, 5),
	}}
}

type scriptedCall struct{ id, name, args string }

// toolTurn is a turn that requests the given calls in one chunk.
func toolTurn(calls ...scriptedCall) modelTurn {
	frags := make([]unifiedllm.ToolCallDelta, len(calls))
	for i, c := range calls {
		frags[i] = frag(i, c.id, c.name, c.args)
	}
	return modelTurn{chunks: []unifiedllm.Chunk{
		toolChunk(frags...),
		finishChunk("tool_calls"),
		usageChunk(10, 5),
	}}
}

// echoTool returns its "text" argument.
func echoTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        "echo",
			Description: "Echo text back.",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
				"required":   []string{"text"},
			},
		},
		Executor: func(_ context.Context, args map[string]interface{}, _ ExecutionEnvironment) (ToolOutput, error) {
			text, _ := GetStringArg(args, "text")
			return ToolOutput{Text: text}, nil
		},
	}
}

// funcTool wraps fn as a tool that takes no arguments.
func funcTool(name string, fn func(ctx context.Context) (ToolOutput, error)) RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        name,
			Description: name,
			Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		},
		Executor: func(ctx context.Context, _ map[string]interface{}, _ ExecutionEnvironment) (ToolOutput, error) {
			return fn(ctx)
		},
	}
}

type harness struct {
	model   *fakeModel
	sink    *RecordingSink
	session *Session
	profile *Profile
	dir     string
}

type harnessOption func(*harnessSetup)

type harnessSetup struct {
	config   SessionConfig
	parallel bool
	tools    []RegisteredTool
	opts     []SessionOption
}

func withConfig(fn func(*SessionConfig)) harnessOption {
	return func(h *harnessSetup) { fn(&h.config) }
}

func withTools(tools ...RegisteredTool) harnessOption {
	return func(h *harnessSetup) { h.tools = append(h.tools, tools...) }
}

func sequential() harnessOption {
	return func(h *harnessSetup) { h.parallel = false }
}

func withSessionOptions(opts ...SessionOption) harnessOption {
	return func(h *harnessSetup) { h.opts = append(h.opts, opts...) }
}

// newHarness builds a session over a fakeModel in a temporary directory.
// Core tools and echo are registered.
func newHarness(t *testing.T, turns []modelTurn, options ...harnessOption) *harness {
	t.Helper()
	setup := harnessSetup{config: DefaultSessionConfig(), parallel: true}
	for _, o := range options {
		o(&setup)
	}

	dir := t.TempDir()
	model := &fakeModel{turns: turns}
	client := unifiedllm.NewClient(unifiedllm.WithProvider("fake", model))
	profile := newProfile("fake", "test-model", "You are a test agent.").WithParallelToolCalls(setup.parallel)
	RegisterCoreTools(profile.registry, 10000, 600000)
	profile.registry.Register(echoTool())
	for _, tool := range setup.tools {
		profile.registry.Register(tool)
	}

	sink := &RecordingSink{}
	opts := append([]SessionOption{WithClient(client), WithEventSink(sink)}, setup.opts...)
	session := NewSession(profile, NewLocalExecutionEnvironment(dir), &setup.config, opts...)
	t.Cleanup(session.Close)
	return &harness{model: model, sink: sink, session: session, profile: profile, dir: dir}
}

func (h *harness) run(t *testing.T, prompt string) TaskResult {
	t.Helper()
	return h.session.ExecuteTask(context.Background(), TaskInput{Name: "test", Prompt: prompt})
}

// allResults flattens the tool results recorded in a task's history.
func allResults(r TaskResult) []ToolResult {
	return toolResultsIn(r.Messages)
}

func callsN(n int, name, args string) []scriptedCall {
	out := make([]scriptedCall, n)
	for i := range out {
		out[i] = scriptedCall{id: fmt.Sprintf("call_%03d", i), name: name, args: args}
	}
	return out
}
