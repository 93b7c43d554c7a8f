package agentloop

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPolicy struct {
	block string
	mu    sync.Mutex
	after []ToolResult
}

func (p *recordingPolicy) ShouldBlock(_ context.Context, call ToolCallRequest) PolicyDecision {
	if call.ToolName == p.block {
		return PolicyDecision{Blocked: true, Reason: "not today"}
	}
	return PolicyDecision{}
}

func (p *recordingPolicy) AfterExecution(_ context.Context, _ ToolCallRequest, r ToolResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.after = append(p.after, r)
}

func draft(id, name, args string) ToolCallDraft {
	return ToolCallDraft{ID: id, FunctionName: name, RawArguments: args, Complete: true}
}

func TestDispatcherRejectsIncompleteCalls(t *testing.T) {
	b := newToolBench(t, DispatcherConfig{})

	d := b.dispatch.Execute(t.Context(), ToolCallDraft{ID: "c1", FunctionName: "echo", RawArguments: `{"te`})

	assert.False(t, d.Result.Success)
	assert.Equal(t, ErrParse, d.Result.ErrorKind)
	assert.Equal(t, "c1", d.Result.CallID)
}

func TestDispatcherPolicy(t *testing.T) {
	policy := &recordingPolicy{block: "write_file"}
	b := newToolBench(t, DispatcherConfig{Policy: policy})

	blocked := b.dispatch.Execute(t.Context(), draft("c1", "write_file", `{"file_path":"a","content":"x"}`)).Result
	assert.Equal(t, ErrPolicyBlocked, blocked.ErrorKind)
	assert.Equal(t, "Tool call blocked by policy: not today", blocked.Error)
	assert.NoFileExists(t, b.dir+"/a")

	ok := b.dispatch.Execute(t.Context(), draft("c2", "echo", `{"text":"hi"}`)).Result
	require.True(t, ok.Success)

	// Only executed calls reach AfterExecution.
	require.Len(t, policy.after, 1)
	assert.Equal(t, "c2", policy.after[0].CallID)
}

func TestCommandDenyList(t *testing.T) {
	deny, err := NewCommandDenyList(DefaultDeniedCommands...)
	require.NoError(t, err)

	tests := []struct {
		command string
		blocked bool
	}{
		{"ls -la", false},
		{"rm -rf build", false},
		{"rm -rf /", true},
		{"cd x && sudo make install", true},
		{"git push origin main --force", true},
		{"git push origin main", false},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			got := deny.ShouldBlock(t.Context(), ToolCallRequest{ToolName: "shell", Args: map[string]interface{}{"command": tt.command}})
			assert.Equal(t, tt.blocked, got.Blocked, got.Reason)
		})
	}

	_, err = NewCommandDenyList("(")
	assert.Error(t, err)
}

func TestWorkspaceGuard(t *testing.T) {
	guard := WorkspaceGuard{Root: "/work/repo"}
	req := func(tool string, args map[string]interface{}) ToolCallRequest {
		return ToolCallRequest{ToolName: tool, Source: SourceBuiltin, Args: args}
	}

	assert.False(t, guard.ShouldBlock(t.Context(), req("read_file", map[string]interface{}{"file_path": "src/a.go"})).Blocked)
	assert.False(t, guard.ShouldBlock(t.Context(), req("read_file", map[string]interface{}{"file_path": "/work/repo/a.go"})).Blocked)
	assert.True(t, guard.ShouldBlock(t.Context(), req("write_file", map[string]interface{}{"file_path": "../../etc/passwd"})).Blocked)
	assert.True(t, guard.ShouldBlock(t.Context(), req("apply_patch", map[string]interface{}{
		"patch": "*** Begin Patch\n*** Add File: /tmp/evil\n+x\n*** End Patch",
	})).Blocked)
	assert.True(t, guard.ShouldBlock(t.Context(), req("multi_edit", map[string]interface{}{
		"file_path": "a.go",
		"edits":     []interface{}{map[string]interface{}{"file_path": "/etc/hosts"}},
	})).Blocked)

	external := ToolCallRequest{ToolName: "fetch", Source: SourceExternal, Args: map[string]interface{}{"path": "/anywhere"}}
	assert.False(t, guard.ShouldBlock(t.Context(), external).Blocked)
}

func TestPolicyChainStopsAtFirstBlock(t *testing.T) {
	first := &recordingPolicy{}
	second := &recordingPolicy{block: "shell"}
	chain := PolicyChain{first, second}

	d := chain.ShouldBlock(t.Context(), ToolCallRequest{ToolName: "shell"})
	assert.True(t, d.Blocked)

	chain.AfterExecution(t.Context(), ToolCallRequest{ToolName: "echo"}, ToolResult{CallID: "x"})
	assert.Len(t, first.after, 1)
	assert.Len(t, second.after, 1)
}

func TestDispatcherExternalTools(t *testing.T) {
	ext := NewStaticExternalRegistry()
	ext.Add(ToolDefinition{
		Name:       "lookup",
		Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{"key": map[string]interface{}{"type": "string"}}, "required": []string{"key"}},
	}, func(_ context.Context, args map[string]interface{}) ([]ExternalContent, error) {
		key, _ := GetStringArg(args, "key")
		return []ExternalContent{{Type: "text", Text: "value of " + key}, {Type: "image"}}, nil
	})
	ext.Add(ToolDefinition{Name: "echo"}, func(context.Context, map[string]interface{}) ([]ExternalContent, error) {
		return []ExternalContent{{Text: "external echo"}}, nil
	})
	ext.Add(ToolDefinition{Name: "broken"}, func(context.Context, map[string]interface{}) ([]ExternalContent, error) {
		return nil, errors.New("server went away")
	})

	b := newToolBench(t, DispatcherConfig{External: ext})
	require.NoError(t, b.dispatch.LoadExternalTools(t.Context()))

	resolved, ok := b.dispatch.Resolve("lookup")
	require.True(t, ok)
	assert.Equal(t, SourceExternal, resolved.Source)

	r := b.dispatch.Execute(t.Context(), draft("c1", "lookup", `{"key":"k"}`)).Result
	require.True(t, r.Success, r.Error)
	assert.Equal(t, "value of k\n[image content omitted]", r.Output)

	// Built-ins shadow external tools of the same name.
	r = b.dispatch.Execute(t.Context(), draft("c2", "echo", `{"text":"builtin"}`)).Result
	assert.Equal(t, "builtin", r.Output)

	r = b.dispatch.Execute(t.Context(), draft("c3", "broken", `{}`)).Result
	assert.Equal(t, ErrExecution, r.ErrorKind)
	assert.Equal(t, "Tool error (broken): server went away", r.Error)

	var names []string
	for _, def := range b.dispatch.Definitions() {
		names = append(names, def.Name)
	}
	assert.Equal(t, 1, strings.Count(strings.Join(names, ","), "echo"))
	assert.Equal(t, []string{"broken", "lookup"}, names[len(names)-2:])
}

func TestDispatcherTruncatesResultButNotRawOutput(t *testing.T) {
	b := newToolBench(t, DispatcherConfig{CharLimits: map[string]int{"echo": 100}})
	long := strings.Repeat("x", 1000)

	d := b.dispatch.Execute(t.Context(), draft("c1", "echo", `{"text":"`+long+`"}`))

	require.True(t, d.Result.Success)
	assert.Equal(t, long, d.RawOutput)
	assert.Less(t, len(d.Result.Output), len(long))
	assert.Contains(t, d.Result.Output, "truncated")
}

func TestDispatcherToolContextOutlivesCaller(t *testing.T) {
	var toolErr error
	reg := NewToolRegistry()
	reg.Register(funcTool("inspect", func(ctx context.Context) (ToolOutput, error) {
		toolErr = ctx.Err()
		return ToolOutput{Text: "ok"}, nil
	}))
	d := NewDispatcher(reg, NewLocalExecutionEnvironment(t.TempDir()), DispatcherConfig{})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	r := d.Execute(ctx, draft("c1", "inspect", `{}`)).Result

	require.True(t, r.Success)
	assert.NoError(t, toolErr)
}

func TestDispatcherDeduplicatesSideEffects(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(funcTool("touch", func(context.Context) (ToolOutput, error) {
		return ToolOutput{Text: "ok", Created: []string{"a", "a", ""}, Modified: []string{"b", "c", "b"}}, nil
	}))
	d := NewDispatcher(reg, NewLocalExecutionEnvironment(t.TempDir()), DispatcherConfig{})

	r := d.Execute(t.Context(), draft("c1", "touch", `{}`)).Result

	want := SideEffects{FilesCreated: []string{"a"}, FilesModified: []string{"b", "c"}}
	if diff := cmp.Diff(want, r.SideEffects); diff != "" {
		t.Errorf("side effects mismatch (-want +got):\n%s", diff)
	}
}
