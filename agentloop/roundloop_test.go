package agentloop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/martinemde/codeagent/unifiedllm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func requireTerminalOnce(t *testing.T, sink *RecordingSink, success bool) {
	t.Helper()
	completed, failed := sink.Count(EventTaskCompleted), sink.Count(EventTaskFailed)
	if success {
		require.Equal(t, 1, completed, "task-completed events")
		require.Equal(t, 0, failed, "task-failed events")
	} else {
		require.Equal(t, 0, completed, "task-completed events")
		require.Equal(t, 1, failed, "task-failed events")
	}
	kinds := sink.Kinds()
	require.NotEmpty(t, kinds)
	last := kinds[len(kinds)-1]
	assert.True(t, last == EventTaskCompleted || last == EventTaskFailed, "terminal event must come last, got %s", last)
}

func TestExecuteTaskReturnsFinalText(t *testing.T) {
	h := newHarness(t, []modelTurn{reply("All done.")})

	r := h.run(t, "say done")

	require.True(t, r.Success, r.Error)
	assert.Equal(t, "All done.", r.Output)
	assert.Equal(t, 0, r.RoundsUsed)
	assert.Empty(t, r.ToolsUsed)
	assert.NotEmpty(t, r.TaskID)
	requireTerminalOnce(t, h.sink, true)
}

func TestExecuteTaskEmptyContentGetsDefaultOutput(t *testing.T) {
	h := newHarness(t, []modelTurn{{chunks: []unifiedllm.Chunk{finishChunk("stop")}}})

	r := h.session.ExecuteTask(context.Background(), TaskInput{Name: "greet", Prompt: "hi"})

	require.True(t, r.Success)
	assert.Equal(t, "Task greet completed with no output", r.Output)
}

func TestExecuteTaskToolRoundThenAnswer(t *testing.T) {
	h := newHarness(t, []modelTurn{
		toolTurn(scriptedCall{"call_1", "echo", `{"text":"hello"}`}),
		reply("finished"),
	})

	r := h.run(t, "echo hello")

	require.True(t, r.Success, r.Error)
	assert.Equal(t, "finished", r.Output)
	assert.Equal(t, 1, r.RoundsUsed)
	assert.Equal(t, []string{"echo"}, r.ToolsUsed)

	results := allResults(r)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "hello", results[0].Output)
	assert.Equal(t, "call_1", results[0].CallID)

	var lifecycle []EventKind
	for _, k := range h.sink.Kinds() {
		switch k {
		case EventContentDelta, EventUsage, EventReasoningDelta:
			continue
		}
		lifecycle = append(lifecycle, k)
	}
	assert.Equal(t, []EventKind{
		EventRoundStarted, EventToolCallReady, EventToolCall, EventToolResult, EventRoundCompleted,
		EventRoundStarted, EventRoundCompleted,
		EventTaskCompleted,
	}, lifecycle)

	// The second request carries the tool result back to the model.
	reqs := h.model.Requests()
	require.Len(t, reqs, 2)
	assert.Greater(t, len(reqs[1].Messages), len(reqs[0].Messages))
	assert.NotEmpty(t, reqs[0].ToolDefs)
	assert.Equal(t, "fake", reqs[0].Provider)
	assert.Equal(t, unifiedllm.RoleSystem, reqs[0].Messages[0].Role)
}

func TestExecuteTaskInvalidArgumentsDoNotEndTask(t *testing.T) {
	tests := []struct {
		name     string
		call     scriptedCall
		wantKind ErrorKind
		wantErr  string
	}{
		{"malformed json", scriptedCall{"c1", "echo", `{invalid json}`}, ErrParse, "Invalid arguments for echo"},
		{"missing field", scriptedCall{"c1", "echo", `{}`}, ErrValidation, "Invalid arguments for echo"},
		{"unknown tool", scriptedCall{"c1", "nope", `{}`}, ErrUnknownTool, "Unknown tool: nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, []modelTurn{toolTurn(tt.call), reply("recovered")})

			r := h.run(t, "go")

			require.True(t, r.Success, r.Error)
			assert.Equal(t, "recovered", r.Output)
			results := allResults(r)
			require.Len(t, results, 1)
			assert.False(t, results[0].Success)
			assert.Equal(t, tt.wantKind, results[0].ErrorKind)
			assert.Contains(t, results[0].Error, tt.wantErr)
			requireTerminalOnce(t, h.sink, true)
		})
	}
}

func TestExecuteTaskToolPanicBecomesResult(t *testing.T) {
	boom := funcTool("boom", func(context.Context) (ToolOutput, error) { panic("kaboom") })
	h := newHarness(t, []modelTurn{toolTurn(scriptedCall{"c1", "boom", `{}`}), reply("ok")}, withTools(boom))

	r := h.run(t, "go")

	require.True(t, r.Success, r.Error)
	results := allResults(r)
	require.Len(t, results, 1)
	assert.Equal(t, ErrExecution, results[0].ErrorKind)
	assert.Contains(t, results[0].Error, "Tool error (boom): panic: kaboom")
}

func TestExecuteTaskDispatchesManyCallsInOrder(t *testing.T) {
	calls := callsN(150, "echo", `{"text":"x"}`)
	h := newHarness(t, []modelTurn{toolTurn(calls...), reply("done")})

	r := h.run(t, "fan out")

	require.True(t, r.Success, r.Error)
	assert.Equal(t, 1, r.RoundsUsed)
	results := allResults(r)
	require.Len(t, results, 150)
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("call_%03d", i), res.CallID)
		assert.True(t, res.Success)
	}
	assert.Equal(t, 150, h.sink.Count(EventToolResult))
	assert.Equal(t, 150, h.sink.Count(EventToolCallReady))
}

func TestExecuteTaskRoundLimit(t *testing.T) {
	h := newHarness(t, nil, withConfig(func(c *SessionConfig) { c.MaxRounds = 2 }))
	h.model.fallback = func(n int) modelTurn {
		return toolTurn(scriptedCall{fmt.Sprintf("c%d", n), "echo", fmt.Sprintf(`{"text":"%d"}`, n)})
	}

	r := h.run(t, "loop forever")

	require.False(t, r.Success)
	assert.Equal(t, ErrRoundLimitExceeded, r.ErrorKind)
	assert.Equal(t, "Round limit exceeded: 2 rounds allowed, model requested 1 more tool call(s)", r.Error)
	assert.Equal(t, 2, r.RoundsUsed)
	assert.Len(t, allResults(r), 2)
	assert.Len(t, h.model.Requests(), 3)
	requireTerminalOnce(t, h.sink, false)
}

func TestExecuteTaskInputRoundLimitOverridesSession(t *testing.T) {
	h := newHarness(t, nil)
	h.model.fallback = func(n int) modelTurn {
		return toolTurn(scriptedCall{fmt.Sprintf("c%d", n), "echo", `{"text":"again"}`})
	}

	r := h.session.ExecuteTask(context.Background(), TaskInput{Prompt: "go", MaxRounds: 1})

	assert.Equal(t, ErrRoundLimitExceeded, r.ErrorKind)
	assert.Equal(t, 1, r.RoundsUsed)
}

func TestExecuteTaskAbortBetweenToolResults(t *testing.T) {
	abort := NewAbortSignal()
	var ran atomic.Int32
	stop := funcTool("stop", func(context.Context) (ToolOutput, error) {
		ran.Add(1)
		abort.Abort()
		return ToolOutput{Text: "stopping"}, nil
	})
	h := newHarness(t, []modelTurn{toolTurn(
		scriptedCall{"c1", "stop", `{}`},
		scriptedCall{"c2", "echo", `{"text":"never"}`},
		scriptedCall{"c3", "echo", `{"text":"never"}`},
	)}, withTools(stop), sequential())

	r := h.session.ExecuteTask(context.Background(), TaskInput{Prompt: "go", Abort: abort})

	require.False(t, r.Success)
	assert.Equal(t, ErrAborted, r.ErrorKind)
	assert.Equal(t, "Task aborted after 1 of 3 tool call(s)", r.Error)
	assert.Equal(t, int32(1), ran.Load())

	// The partial round is kept in history.
	results := allResults(r)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].CallID)
	requireTerminalOnce(t, h.sink, false)
}

func TestExecuteTaskAbortedBeforeStart(t *testing.T) {
	h := newHarness(t, []modelTurn{reply("unreachable")})
	h.session.Abort()

	r := h.run(t, "go")

	assert.Equal(t, ErrAborted, r.ErrorKind)
	assert.Equal(t, "Task aborted", r.Error)
	assert.Empty(t, h.model.Requests())
	requireTerminalOnce(t, h.sink, false)
}

func TestExecuteTaskCancelledContextIsAbort(t *testing.T) {
	h := newHarness(t, []modelTurn{reply("unreachable")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := h.session.ExecuteTask(ctx, TaskInput{Prompt: "go"})

	assert.Equal(t, ErrAborted, r.ErrorKind)
}

func TestExecuteTaskClosedSessionFails(t *testing.T) {
	h := newHarness(t, []modelTurn{reply("unreachable")})
	h.session.Close()

	r := h.run(t, "go")

	assert.Equal(t, ErrAborted, r.ErrorKind)
}

func TestExecuteTaskTimeoutWhileModelHangs(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t, []modelTurn{{hang: true}})

	r := h.session.ExecuteTask(context.Background(), TaskInput{Prompt: "go", Timeout: 50 * time.Millisecond})

	require.False(t, r.Success)
	assert.Equal(t, ErrTimeout, r.ErrorKind)
	assert.Equal(t, "Task timed out after 50ms", r.Error)
	requireTerminalOnce(t, h.sink, false)
}

func TestExecuteTaskTimeoutDoesNotInterruptTool(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var finished atomic.Bool
	slow := funcTool("slow", func(ctx context.Context) (ToolOutput, error) {
		time.Sleep(200 * time.Millisecond)
		finished.Store(ctx.Err() == nil)
		return ToolOutput{Text: "slept"}, nil
	})
	h := newHarness(t, []modelTurn{toolTurn(scriptedCall{"c1", "slow", `{}`})}, withTools(slow))

	r := h.session.ExecuteTask(context.Background(), TaskInput{Prompt: "go", Timeout: 50 * time.Millisecond})
	assert.Equal(t, ErrTimeout, r.ErrorKind)

	// Close waits for the abandoned tool call, which ran to completion
	// on an uncancelled context.
	h.session.Close()
	assert.True(t, finished.Load())
}

func TestExecuteTaskTransportFailures(t *testing.T) {
	tests := []struct {
		name    string
		turn    modelTurn
		wantErr string
	}{
		{"request error", modelTurn{err: errors.New("connection reset")}, "LLM call failed: connection reset"},
		{"stream error", modelTurn{chunks: []unifiedllm.Chunk{textChunk("partial")}, streamErr: errors.New("stream broke")}, "LLM call failed: stream broke"},
		{"empty stream", modelTurn{}, "No response from LLM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, []modelTurn{tt.turn})

			r := h.run(t, "go")

			require.False(t, r.Success)
			assert.Equal(t, ErrTransport, r.ErrorKind)
			assert.Equal(t, tt.wantErr, r.Error)
			assert.Error(t, r.Cause)
			requireTerminalOnce(t, h.sink, false)
		})
	}
}

func TestExecuteTaskTracksSideEffects(t *testing.T) {
	h := newHarness(t, []modelTurn{
		toolTurn(scriptedCall{"c1", "write_file", `{"file_path":"a.txt","content":"one"}`}),
		toolTurn(
			scriptedCall{"c2", "write_file", `{"file_path":"a.txt","content":"two"}`},
			scriptedCall{"c3", "create_file", `{"file_path":"a.txt","content":"three"}`},
		),
		toolTurn(scriptedCall{"c4", "write_file", `{"file_path":"a.txt","content":"four"}`}),
		reply("written"),
	})

	r := h.run(t, "write")

	require.True(t, r.Success, r.Error)
	assert.Equal(t, []string{"a.txt"}, r.FilesCreated)
	assert.Equal(t, []string{"a.txt"}, r.FilesModified)
	assert.Equal(t, []string{"write_file", "create_file"}, r.ToolsUsed)

	data, err := os.ReadFile(filepath.Join(h.dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "four", string(data))
}

func TestRoundStateIgnoresSideEffectsOfFailedCalls(t *testing.T) {
	st := newRoundState(10)
	st.record(ToolResult{ToolName: "write_file", Success: false, SideEffects: SideEffects{FilesCreated: []string{"x"}}})
	st.record(ToolResult{ToolName: "write_file", Success: true, SideEffects: SideEffects{FilesModified: []string{"y", "y"}}})

	assert.Empty(t, st.FilesCreated)
	assert.Equal(t, []string{"y"}, st.FilesModified)
	assert.Equal(t, []string{"write_file"}, st.ToolsUsed)
}

func TestExecuteTaskDropsRepeatedCallIDs(t *testing.T) {
	h := newHarness(t, []modelTurn{
		toolTurn(scriptedCall{"dup", "echo", `{"text":"first"}`}),
		{chunks: []unifiedllm.Chunk{
			textChunk("finished"),
			toolChunk(frag(0, "dup", "echo", `{"text":"second"}`)),
			finishChunk("tool_calls"),
		}},
	})

	r := h.run(t, "go")

	require.True(t, r.Success, r.Error)
	assert.Equal(t, "finished", r.Output)
	assert.Equal(t, 1, h.sink.Count(EventToolResult))
	assert.Equal(t, 1, r.RoundsUsed)
}

func TestExecuteTaskInjectsSteeringHistoryAndReflection(t *testing.T) {
	h := newHarness(t, []modelTurn{reply("ok")})
	h.session.Steer("use tabs")

	r := h.session.ExecuteTask(context.Background(), TaskInput{
		Prompt:     "format the file",
		History:    []Turn{NewUserTurn("earlier question"), NewAssistantTurn(AssistantTurn{Content: "earlier answer"})},
		Reflection: "last time the edit failed",
	})
	require.True(t, r.Success, r.Error)

	reqs := h.model.Requests()
	require.Len(t, reqs, 1)
	var texts []string
	for _, m := range reqs[0].Messages[1:] {
		texts = append(texts, m.TextContent())
	}
	joined := strings.Join(texts, "\n")
	assert.Less(t, strings.Index(joined, "earlier question"), strings.Index(joined, "format the file"))
	assert.Less(t, strings.Index(joined, "format the file"), strings.Index(joined, "last time the edit failed"))
	assert.Contains(t, joined, "use tabs")
	assert.Equal(t, 1, h.sink.Count(EventSteering))
}

func TestExecuteTaskAccumulatesUsage(t *testing.T) {
	h := newHarness(t, []modelTurn{
		toolTurn(scriptedCall{"c1", "echo", `{"text":"x"}`}),
		reply("done"),
	})

	r := h.run(t, "go")

	assert.Equal(t, 20, r.Usage.InputTokens)
	assert.Equal(t, 10, r.Usage.OutputTokens)
	assert.Equal(t, 30, r.TokensUsed)
	assert.Equal(t, 2, h.sink.Count(EventUsage))
}

func TestExecuteTaskWarnsOnceNearContextLimit(t *testing.T) {
	big := func(turn modelTurn) modelTurn {
		turn.chunks[len(turn.chunks)-1] = usageChunk(unifiedllm.DefaultContextWindow-100, 5)
		return turn
	}
	h := newHarness(t, []modelTurn{
		big(toolTurn(scriptedCall{"c1", "echo", `{"text":"x"}`})),
		big(reply("done")),
	})

	r := h.run(t, "go")

	require.True(t, r.Success, r.Error)
	assert.Equal(t, 1, h.sink.Count(EventContextWarning))
}

func TestExecuteTaskDetectsRepeatedCalls(t *testing.T) {
	h := newHarness(t, nil, withConfig(func(c *SessionConfig) {
		c.LoopDetectionWindow = 3
	}))
	h.model.fallback = func(n int) modelTurn {
		if n > 4 {
			return reply("gave up")
		}
		return toolTurn(scriptedCall{fmt.Sprintf("c%d", n), "echo", `{"text":"same"}`})
	}

	r := h.run(t, "go")

	require.True(t, r.Success, r.Error)
	assert.GreaterOrEqual(t, h.sink.Count(EventLoopDetected), 1)
}

func TestCloseDuringDispatchAbortsWithoutRunningTools(t *testing.T) {
	for _, parallel := range []bool{true, false} {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			var ran atomic.Int32
			counted := funcTool("count", func(context.Context) (ToolOutput, error) {
				ran.Add(1)
				return ToolOutput{Text: "ok"}, nil
			})
			var session *Session
			rec := &RecordingSink{}
			closeOnCall := SinkFunc(func(e Event) {
				rec.Emit(e)
				if e.Kind() == EventToolCall {
					session.Close()
				}
			})
			opts := []harnessOption{withTools(counted), withSessionOptions(WithEventSink(closeOnCall))}
			if !parallel {
				opts = append(opts, sequential())
			}
			h := newHarness(t, []modelTurn{
				toolTurn(scriptedCall{"c1", "count", `{}`}, scriptedCall{"c2", "count", `{}`}),
			}, opts...)
			session = h.session

			r := h.run(t, "go")

			assert.False(t, r.Success)
			assert.Equal(t, ErrAborted, r.ErrorKind)
			assert.Zero(t, ran.Load())
			requireTerminalOnce(t, rec, false)
		})
	}
}
