package agentloop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/martinemde/codeagent/unifiedllm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProfile(t *testing.T) {
	p, err := NewProfile("OpenAI", "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.ID())
	assert.Equal(t, "gpt-4o", p.ModelID())
	assert.True(t, p.SupportsParallelToolCalls())
	assert.NotNil(t, p.ToolRegistry().Get("apply_patch"))

	a, err := NewProfile("anthropic", "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Nil(t, a.ToolRegistry().Get("apply_patch"))
	assert.NotNil(t, a.ToolRegistry().Get("edit_file"))

	_, err = NewProfile("openai", "")
	assert.ErrorContains(t, err, "model is required")

	_, err = NewProfile("mystery", "m1")
	assert.ErrorContains(t, err, `unknown provider "mystery"`)
}

func TestSessionSystemPrompt(t *testing.T) {
	h := newHarness(t, nil, withConfig(func(c *SessionConfig) {
		c.UserInstructions = "Prefer table-driven tests."
	}))
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "AGENTS.md"), []byte("Run make lint before finishing."), 0o644))

	r := h.run(t, "hello")
	require.True(t, r.Success, r.Error)

	system := h.model.Requests()[0].Messages[0].TextContent()
	assert.True(t, strings.HasPrefix(system, "You are a test agent."))
	assert.Contains(t, system, "# Available Tools")
	assert.Contains(t, system, "## echo")
	assert.Contains(t, system, "## todo_write", "session tools are listed too")
	assert.Contains(t, system, "# Project Instructions")
	assert.Contains(t, system, "Run make lint before finishing.")
	assert.True(t, strings.HasSuffix(system, "# User Instructions\n\nPrefer table-driven tests."))
}

func TestDiscoverProjectDocsTruncates(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat("z", maxProjectDocBytes+100)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte(big), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CODEAGENT.md"), []byte("never seen"), 0o644))

	docs := DiscoverProjectDocs(dir, "")

	assert.Contains(t, docs, "[Project instructions truncated at 32KB]")
	assert.NotContains(t, docs, "never seen")
}

func TestDiscoverProjectDocsProviderFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("anthropic notes"), 0o644))

	assert.Contains(t, DiscoverProjectDocs(dir, "anthropic"), "anthropic notes")
	assert.Empty(t, DiscoverProjectDocs(dir, "openai"))
}

func TestTodoWriteThroughSession(t *testing.T) {
	h := newHarness(t, []modelTurn{
		toolTurn(scriptedCall{"c1", "todo_write", `{"todos":[{"content":"plan","status":"in_progress"}]}`}),
		reply("planned"),
	})

	r := h.run(t, "make a plan")

	require.True(t, r.Success, r.Error)
	assert.Equal(t, []TodoItem{{Content: "plan", Status: TodoInProgress}}, r.Todos)
}

func TestAskUser(t *testing.T) {
	var asked string
	ask := func(_ context.Context, question string, options []string) (string, error) {
		asked = question + " " + strings.Join(options, "/")
		return "use postgres", nil
	}
	h := newHarness(t, []modelTurn{
		toolTurn(scriptedCall{"c1", "ask_user", `{"question":"Which database?","options":["postgres","sqlite"]}`}),
		reply("ok"),
	}, withSessionOptions(WithAskUser(ask)))

	r := h.run(t, "set up storage")

	require.True(t, r.Success, r.Error)
	assert.Equal(t, "Which database? postgres/sqlite", asked)
	results := allResults(r)
	require.Len(t, results, 1)
	assert.Equal(t, "use postgres", results[0].Output)
}

func TestAskUserWithoutAnswerer(t *testing.T) {
	reg := NewToolRegistry()
	RegisterAskUserTool(reg, nil)
	d := NewDispatcher(reg, NewLocalExecutionEnvironment(t.TempDir()), DispatcherConfig{})

	r := d.Execute(t.Context(), draft("c1", "ask_user", `{"question":"Which?"}`)).Result

	require.True(t, r.Success, r.Error)
	assert.Contains(t, r.Output, "No user is available")
}

// countingRegistry counts ListTools calls.
type countingRegistry struct {
	*StaticExternalRegistry
	lists atomic.Int32
}

func (c *countingRegistry) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.lists.Add(1)
	return c.StaticExternalRegistry.ListTools(ctx)
}

func TestExternalToolsLoadOncePerSession(t *testing.T) {
	ext := &countingRegistry{StaticExternalRegistry: NewStaticExternalRegistry()}
	ext.Add(ToolDefinition{Name: "lookup"}, func(context.Context, map[string]interface{}) ([]ExternalContent, error) {
		return []ExternalContent{{Text: "found"}}, nil
	})
	h := newHarness(t, []modelTurn{
		toolTurn(scriptedCall{"c1", "lookup", `{}`}),
		reply("first"),
		reply("second"),
	}, withSessionOptions(WithExternalTools(ext)))

	first := h.run(t, "one")
	second := h.run(t, "two")

	require.True(t, first.Success, first.Error)
	require.True(t, second.Success, second.Error)
	assert.Equal(t, "found", allResults(first)[0].Output)
	assert.Equal(t, int32(1), ext.lists.Load())
	assert.Contains(t, h.model.Requests()[0].Messages[0].TextContent(), "## lookup")
}

func TestSessionAbortIsSticky(t *testing.T) {
	h := newHarness(t, nil)
	h.session.Abort()

	first := h.run(t, "one")
	second := h.run(t, "two")

	assert.Equal(t, ErrAborted, first.ErrorKind)
	assert.Equal(t, ErrAborted, second.ErrorKind)
	assert.Empty(t, h.model.Requests())
}

// promptModel answers per task: the first request of a prompt calls gate and
// todo_write, the next one replies. Tasks are told apart by their prompt.
type promptModel struct {
	mu    sync.Mutex
	seen  map[string]int
	texts map[string][]string
}

func (m *promptModel) Name() string { return "fake" }

func (m *promptModel) Complete(context.Context, unifiedllm.Request) (*unifiedllm.Response, error) {
	return nil, errors.New("promptModel only streams")
}

func (m *promptModel) Stream(context.Context, unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	return nil, errors.New("promptModel only streams chunks")
}

func (m *promptModel) StreamChunks(_ context.Context, req unifiedllm.Request) (<-chan unifiedllm.ChunkResult, error) {
	var prompt string
	var texts []string
	for _, msg := range req.Messages {
		if msg.Role == unifiedllm.RoleUser && prompt == "" {
			prompt = msg.TextContent()
		}
		texts = append(texts, msg.TextContent())
	}
	m.mu.Lock()
	m.seen[prompt]++
	n := m.seen[prompt]
	m.texts[prompt] = texts
	m.mu.Unlock()

	turn := reply("done with " + prompt)
	if n == 1 {
		turn = toolTurn(
			scriptedCall{prompt + "-gate", "gate", `{}`},
			scriptedCall{prompt + "-todo", "todo_write", `{"todos":[{"content":"` + prompt + `","status":"pending"}]}`},
		)
	}
	ch := make(chan unifiedllm.ChunkResult, len(turn.chunks))
	for _, c := range turn.chunks {
		ch <- unifiedllm.ChunkResult{Chunk: c}
	}
	close(ch)
	return ch, nil
}

func (m *promptModel) lastTexts(prompt string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.Join(m.texts[prompt], "\n")
}

func TestConcurrentTasksKeepSteeringAndTodosApart(t *testing.T) {
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	gate := funcTool("gate", func(context.Context) (ToolOutput, error) {
		entered <- struct{}{}
		<-release
		return ToolOutput{Text: "open"}, nil
	})

	model := &promptModel{seen: make(map[string]int), texts: make(map[string][]string)}
	profile := newProfile("fake", "test-model", "You are a test agent.").WithParallelToolCalls(true)
	profile.registry.Register(gate)
	client := unifiedllm.NewClient(unifiedllm.WithProvider("fake", model))
	session := NewSession(profile, NewLocalExecutionEnvironment(t.TempDir()), nil, WithClient(client))
	t.Cleanup(session.Close)

	results := make(map[string]TaskResult)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range []string{"alpha", "beta"} {
		wg.Go(func() {
			r := session.ExecuteTask(context.Background(), TaskInput{ID: id, Prompt: id})
			mu.Lock()
			results[id] = r
			mu.Unlock()
		})
	}
	for range 2 {
		select {
		case <-entered:
		case <-time.After(5 * time.Second):
			t.Fatal("tasks never reached the gate")
		}
	}

	assert.True(t, session.SteerTask("alpha", "alpha only"))
	assert.False(t, session.SteerTask("gamma", "nobody"))
	session.Steer("everyone")
	close(release)
	wg.Wait()

	for _, id := range []string{"alpha", "beta"} {
		r := results[id]
		require.True(t, r.Success, r.Error)
		assert.Equal(t, []TodoItem{{Content: id, Status: TodoPending}}, r.Todos)
		assert.Contains(t, model.lastTexts(id), "everyone")
	}
	assert.Contains(t, model.lastTexts("alpha"), "alpha only")
	assert.NotContains(t, model.lastTexts("beta"), "alpha only")
}

func TestSteerBeforeAnyTaskGoesToNextTask(t *testing.T) {
	h := newHarness(t, []modelTurn{reply("first"), reply("second")})
	h.session.Steer("remember the linter")

	require.True(t, h.run(t, "one").Success)
	require.True(t, h.run(t, "two").Success)

	reqs := h.model.Requests()
	require.Len(t, reqs, 2)
	last := func(r unifiedllm.Request) string { return r.Messages[len(r.Messages)-1].TextContent() }
	assert.Contains(t, last(reqs[0]), "remember the linter")
	assert.Equal(t, 1, h.sink.Count(EventSteering))
}
