package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/martinemde/codeagent/unifiedllm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TaskInput describes one end-to-end run of the round loop.
type TaskInput struct {
	ID            string
	Name          string
	Prompt        string
	History       []Turn        // prior conversation, sent before Prompt
	SystemContext string        // appended to the profile's system prompt
	Reflection    string        // sent after Prompt when retrying a failed attempt
	MaxRounds     int           // 0 = session default
	Timeout       time.Duration // 0 = session default
	Abort         *AbortSignal
}

// TaskResult is the terminal outcome of a task. Every call to ExecuteTask
// returns one, success or failure.
type TaskResult struct {
	TaskID              string              `json:"task_id"`
	Name                string              `json:"name"`
	Success             bool                `json:"success"`
	Output              string              `json:"output"`
	Error               string              `json:"error,omitempty"`
	ErrorKind           ErrorKind           `json:"error_kind,omitempty"`
	Messages            []Turn              `json:"messages"`
	RoundsUsed          int                 `json:"rounds_used"`
	ToolsUsed           []string            `json:"tools_used,omitempty"`
	FilesCreated        []string            `json:"files_created,omitempty"`
	FilesModified       []string            `json:"files_modified,omitempty"`
	Todos               []TodoItem          `json:"todos,omitempty"`
	Usage               unifiedllm.Usage    `json:"usage"`
	DurationMs          int64               `json:"duration_ms"`
	TokensUsed          int                 `json:"tokens_used"`
	WasRetry            bool                `json:"was_retry,omitempty"`
	CorrectionAttempted bool                `json:"correction_attempted,omitempty"`
	CorrectionExhausted bool                `json:"correction_exhausted,omitempty"`
	Attempts            []CorrectionAttempt `json:"attempts,omitempty"`

	// Cause is the fault behind a failure, for classification.
	Cause error `json:"-"`
}

// RoundState is the mutable state of one task. It is owned by a single
// round loop and never shared.
type RoundState struct {
	Messages      []Turn
	RoundsUsed    int
	MaxRounds     int
	ToolsUsed     []string
	Aborted       bool
	FilesCreated  []string
	FilesModified []string
	Usage         unifiedllm.Usage

	toolSeen     map[string]bool
	createdSeen  map[string]bool
	modifiedSeen map[string]bool
}

func newRoundState(maxRounds int) *RoundState {
	return &RoundState{
		MaxRounds:    maxRounds,
		toolSeen:     make(map[string]bool),
		createdSeen:  make(map[string]bool),
		modifiedSeen: make(map[string]bool),
	}
}

// record accumulates a tool result. Side effects count only on success.
func (st *RoundState) record(r ToolResult) {
	if !st.toolSeen[r.ToolName] {
		st.toolSeen[r.ToolName] = true
		st.ToolsUsed = append(st.ToolsUsed, r.ToolName)
	}
	if !r.Success {
		return
	}
	for _, p := range r.SideEffects.FilesCreated {
		if !st.createdSeen[p] {
			st.createdSeen[p] = true
			st.FilesCreated = append(st.FilesCreated, p)
		}
	}
	for _, p := range r.SideEffects.FilesModified {
		if !st.modifiedSeen[p] {
			st.modifiedSeen[p] = true
			st.FilesModified = append(st.FilesModified, p)
		}
	}
}

type loopState int

const (
	stateAwaitingModel loopState = iota
	stateDispatching
	stateTerminal
)

var errTaskTimeout = errors.New("task deadline exceeded")

// ExecuteTask runs one task to completion: model call, tool dispatch, and
// again, until the model stops asking for tools or the task fails. It never
// panics and always emits exactly one task-completed or task-failed event.
func (s *Session) ExecuteTask(ctx context.Context, input TaskInput) (result TaskResult) {
	start := time.Now()
	if input.ID == "" {
		input.ID = uuid.New().String()
	}
	if input.Name == "" {
		input.Name = input.ID
	}
	if input.MaxRounds <= 0 {
		input.MaxRounds = s.config.MaxRounds
	}
	if input.Timeout <= 0 {
		input.Timeout = s.config.TaskTimeout
	}

	ctx, span := startTaskSpan(ctx, input)
	l := &roundLoop{
		s:      s,
		input:  input,
		state:  newRoundState(input.MaxRounds),
		todos:  &TodoList{},
		logger: s.logger.With(zap.String("task_id", input.ID)),
		called: make(map[string]bool),
	}
	s.beginTask(input.ID)

	defer func() {
		s.endTask(input.ID)
		if r := recover(); r != nil {
			l.logger.Error("round loop panicked", zap.Any("panic", r))
			result = l.failed(newLoopError(ErrExecution, nil, "internal fault: %v", r))
		}
		result.DurationMs = time.Since(start).Milliseconds()
		l.emitTerminal(result)
		recordTask(result)
		endSpan(span, result.Success, result.ErrorKind, result.Error)
	}()

	s.ensureExternalTools(ctx)
	l.logger.Info("task started", zap.String("name", input.Name), zap.Int("max_rounds", input.MaxRounds))
	return l.run(ctx)
}

type roundLoop struct {
	s      *Session
	input  TaskInput
	state  *RoundState
	todos  *TodoList
	logger *zap.Logger
	called map[string]bool
	warned bool
}

func (l *roundLoop) emit(ev Event) { l.s.sink.Emit(ev) }

func (l *roundLoop) run(ctx context.Context) TaskResult {
	if l.input.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, l.input.Timeout, errTaskTimeout)
		defer cancel()
	}
	ctx = withTodoList(ctx, l.todos)

	l.state.Messages = append(l.state.Messages, l.input.History...)
	l.state.Messages = append(l.state.Messages, NewUserTurn(l.input.Prompt))
	if l.input.Reflection != "" {
		l.state.Messages = append(l.state.Messages, NewSteeringTurn(l.input.Reflection))
	}

	state := stateAwaitingModel
	var pending []ToolCallDraft
	for state != stateTerminal {
		switch state {
		case stateAwaitingModel:
			if fault := l.checkpoint(ctx); fault != nil {
				return l.failed(fault)
			}
			l.drainSteering()

			round := l.state.RoundsUsed + 1
			l.emit(RoundStartedEvent{EventHeader: header(l.input.ID), Round: round})
			roundsTotal.Inc()

			turn, fault := l.callModel(ctx, round)
			if fault != nil {
				return l.failed(fault)
			}
			turn.ToolCalls = l.dedupeCalls(turn.ToolCalls)
			l.state.Messages = append(l.state.Messages, NewAssistantTurn(turn))
			l.checkContextUsage(turn.Usage)

			if len(turn.ToolCalls) == 0 {
				l.emit(RoundCompletedEvent{EventHeader: header(l.input.ID), Round: round})
				return l.succeeded(turn.Content)
			}

			if l.state.RoundsUsed >= l.state.MaxRounds {
				return l.failed(newLoopError(ErrRoundLimitExceeded, nil,
					"Round limit exceeded: %d rounds allowed, model requested %d more tool call(s)",
					l.state.MaxRounds, len(turn.ToolCalls)))
			}
			l.state.RoundsUsed++
			pending = turn.ToolCalls
			state = stateDispatching

		case stateDispatching:
			results, fault := l.dispatchRound(ctx, pending)
			if len(results) > 0 {
				l.state.Messages = append(l.state.Messages, NewToolResultsTurn(results))
			}
			l.emit(RoundCompletedEvent{EventHeader: header(l.input.ID), Round: l.state.RoundsUsed, ToolCalls: len(results)})
			if fault != nil {
				return l.failed(fault)
			}
			l.detectLoop()
			pending = nil
			state = stateAwaitingModel
		}
	}
	return l.failed(newLoopError(ErrExecution, nil, "round loop reached an unexpected state"))
}

func (l *roundLoop) aborted() bool {
	return l.input.Abort.Aborted() || l.s.abort.Aborted()
}

// checkpoint reports why the task must stop before the next model call,
// or nil.
func (l *roundLoop) checkpoint(ctx context.Context) *LoopError {
	if l.aborted() || l.s.isClosed() {
		l.state.Aborted = true
		return newLoopError(ErrAborted, nil, "Task aborted")
	}
	if ctx.Err() != nil {
		return l.contextFault(ctx)
	}
	return nil
}

// contextFault classifies a done context as a timeout or an abort.
func (l *roundLoop) contextFault(ctx context.Context) *LoopError {
	cause := context.Cause(ctx)
	if errors.Is(cause, errTaskTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newLoopError(ErrTimeout, nil, "Task timed out after %s", l.input.Timeout)
	}
	l.state.Aborted = true
	return newLoopError(ErrAborted, cause, "Task aborted")
}

func (l *roundLoop) drainSteering() {
	for _, msg := range l.s.takeSteering(l.input.ID) {
		l.state.Messages = append(l.state.Messages, NewSteeringTurn(msg))
		l.emit(SteeringEvent{EventHeader: header(l.input.ID), Content: msg})
	}
}

func (l *roundLoop) request() unifiedllm.Request {
	req := unifiedllm.Request{
		Model: l.s.profile.ModelID(),
		Messages: append(
			[]unifiedllm.Message{unifiedllm.SystemMessage(l.s.systemPrompt(l.input.SystemContext))},
			ConvertHistoryToMessages(l.state.Messages)...),
		ReasoningEffort: l.s.config.ReasoningEffort,
		Provider:        l.s.profile.ID(),
		ProviderOptions: l.s.profile.ProviderOptions(),
	}
	if defs := l.s.dispatch.Definitions(); len(defs) > 0 {
		req.ToolDefs = toUnifiedToolDefs(defs)
		req.ToolChoice = &unifiedllm.ToolChoice{Mode: "auto"}
	}
	return req
}

// callModel streams one model response through a Reducer.
func (l *roundLoop) callModel(ctx context.Context, round int) (AssistantTurn, *LoopError) {
	ctx, span := startRoundSpan(ctx, round)
	defer span.End()

	stream, err := l.s.client.StreamChunks(ctx, l.request())
	if err != nil {
		if ctx.Err() != nil {
			return AssistantTurn{}, l.contextFault(ctx)
		}
		return AssistantTurn{}, newLoopError(ErrTransport, err, "LLM call failed")
	}

	reducer := NewReducer()
	for done := false; !done; {
		select {
		case cr, ok := <-stream:
			if !ok {
				done = true
				break
			}
			if cr.Err != nil {
				if ctx.Err() != nil {
					return AssistantTurn{}, l.contextFault(ctx)
				}
				return AssistantTurn{}, newLoopError(ErrTransport, cr.Err, "LLM call failed")
			}
			l.forward(reducer.Reduce(cr.Chunk))
		case <-ctx.Done():
			return AssistantTurn{}, l.contextFault(ctx)
		}
	}
	if ctx.Err() != nil {
		return AssistantTurn{}, l.contextFault(ctx)
	}
	if reducer.Chunks() == 0 {
		return AssistantTurn{}, newLoopError(ErrTransport, nil, noResponseMessage)
	}
	l.forward(reducer.Finish())
	if n := reducer.Rejected(); n > 0 {
		rejectedFragmentsTotal.Add(float64(n))
		l.logger.Warn("tool call fragments arrived after completion", zap.Int("rejected", n))
	}

	turn := reducer.Turn()
	l.state.Usage = l.state.Usage.Add(turn.Usage)
	if !turn.Usage.IsZero() {
		l.emit(UsageEvent{EventHeader: header(l.input.ID), Usage: turn.Usage, Total: l.state.Usage})
	}
	return turn, nil
}

func (l *roundLoop) forward(events []StreamEvent) {
	for _, ev := range events {
		switch ev.Kind {
		case DeltaContent:
			l.emit(ContentDeltaEvent{EventHeader: header(l.input.ID), Text: ev.Text})
		case DeltaReasoning:
			l.emit(ReasoningDeltaEvent{EventHeader: header(l.input.ID), Text: ev.Text})
		case DeltaToolCallComplete:
			l.emit(ToolCallReadyEvent{EventHeader: header(l.input.ID), Call: *ev.ToolCall})
		}
	}
}

// dedupeCalls drops calls whose id was already dispatched in this task, so
// every call id runs at most once.
func (l *roundLoop) dedupeCalls(calls []ToolCallDraft) []ToolCallDraft {
	out := calls[:0:0]
	for _, c := range calls {
		if l.called[c.ID] {
			l.logger.Warn("duplicate tool call id ignored", zap.String("call_id", c.ID), zap.String("tool", c.FunctionName))
			continue
		}
		l.called[c.ID] = true
		out = append(out, c)
	}
	return out
}

// dispatchRound runs the round's tool calls and returns the results that
// were produced, in request order. A non-nil fault ends the task.
func (l *roundLoop) dispatchRound(ctx context.Context, calls []ToolCallDraft) ([]ToolResult, *LoopError) {
	for _, c := range calls {
		l.emit(ToolCallEvent{EventHeader: header(l.input.ID), CallID: c.ID, ToolName: c.FunctionName, Arguments: c.RawArguments})
	}
	if l.s.profile.SupportsParallelToolCalls() && len(calls) > 1 {
		return l.dispatchParallel(ctx, calls)
	}
	return l.dispatchSequential(ctx, calls)
}

func (l *roundLoop) dispatchSequential(ctx context.Context, calls []ToolCallDraft) ([]ToolResult, *LoopError) {
	results := make([]ToolResult, 0, len(calls))
	for _, call := range calls {
		done := make(chan Dispatch, 1)
		if !l.s.startInflight() {
			l.state.Aborted = true
			return results, newLoopError(ErrAborted, nil,
				"Task aborted after %d of %d tool call(s)", len(results), len(calls))
		}
		go func() {
			defer l.s.inflight.Done()
			done <- l.s.dispatch.Execute(ctx, call)
		}()

		var d Dispatch
		select {
		case d = <-done:
		case <-ctx.Done():
			return results, l.contextFault(ctx)
		}
		results = append(results, l.accept(d))

		if l.aborted() {
			l.state.Aborted = true
			return results, newLoopError(ErrAborted, nil,
				"Task aborted after %d of %d tool call(s)", len(results), len(calls))
		}
	}
	return results, nil
}

func (l *roundLoop) dispatchParallel(ctx context.Context, calls []ToolCallDraft) ([]ToolResult, *LoopError) {
	outs := make([]Dispatch, len(calls))
	done := make(chan struct{})

	if !l.s.startInflight() {
		l.state.Aborted = true
		return nil, newLoopError(ErrAborted, nil, "Task aborted before %d tool call(s) ran", len(calls))
	}
	go func() {
		defer l.s.inflight.Done()
		defer close(done)
		var g errgroup.Group
		if limit := l.s.config.MaxParallelTools; limit > 0 {
			g.SetLimit(limit)
		}
		for i, call := range calls {
			g.Go(func() error {
				outs[i] = l.s.dispatch.Execute(ctx, call)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, l.contextFault(ctx)
	}

	results := make([]ToolResult, len(outs))
	for i, d := range outs {
		results[i] = l.accept(d)
	}
	if l.aborted() {
		l.state.Aborted = true
		return results, newLoopError(ErrAborted, nil, "Task aborted after %d tool call(s)", len(results))
	}
	return results, nil
}

func (l *roundLoop) accept(d Dispatch) ToolResult {
	l.state.record(d.Result)
	l.emit(ToolResultEvent{EventHeader: header(l.input.ID), Result: d.Result, RawOutput: d.RawOutput})
	if !d.Result.Success {
		l.logger.Debug("tool call failed",
			zap.String("tool", d.Result.ToolName),
			zap.String("error_kind", string(d.Result.ErrorKind)),
			zap.String("error", d.Result.Error))
	}
	return d.Result
}

func (l *roundLoop) detectLoop() {
	cfg := l.s.config
	if !cfg.EnableLoopDetection || !DetectLoop(l.state.Messages, cfg.LoopDetectionWindow) {
		return
	}
	warning := fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.", cfg.LoopDetectionWindow)
	l.state.Messages = append(l.state.Messages, NewSteeringTurn(warning))
	l.emit(LoopDetectedEvent{EventHeader: header(l.input.ID), Message: warning})
}

// checkContextUsage warns once per task when the prompt approaches the
// profile's context window. Reported input tokens win over the character
// estimate.
func (l *roundLoop) checkContextUsage(usage unifiedllm.Usage) {
	window := l.s.profile.ContextWindowSize()
	ratio := l.s.config.ContextWarningRatio
	if l.warned || window <= 0 || ratio <= 0 {
		return
	}
	tokens := usage.InputTokens
	if tokens == 0 {
		chars := 0
		for _, t := range l.state.Messages {
			chars += len(t.TextContent())
		}
		tokens = chars / 4
	}
	if float64(tokens) <= float64(window)*ratio {
		return
	}
	l.warned = true
	pct := tokens * 100 / window
	l.logger.Warn("context window nearly full", zap.Int("percent", pct))
	l.emit(ContextWarningEvent{EventHeader: header(l.input.ID), Percent: pct})
}

func (l *roundLoop) base() TaskResult {
	st := l.state
	tokens := st.Usage.TotalTokens
	if tokens == 0 {
		tokens = st.Usage.InputTokens + st.Usage.OutputTokens
	}
	return TaskResult{
		TaskID:        l.input.ID,
		Name:          l.input.Name,
		Messages:      st.Messages,
		RoundsUsed:    st.RoundsUsed,
		ToolsUsed:     st.ToolsUsed,
		FilesCreated:  st.FilesCreated,
		FilesModified: st.FilesModified,
		Todos:         l.todos.Items(),
		Usage:         st.Usage,
		TokensUsed:    tokens,
	}
}

func (l *roundLoop) succeeded(content string) TaskResult {
	r := l.base()
	r.Success = true
	r.Output = content
	if strings.TrimSpace(content) == "" {
		r.Output = fmt.Sprintf("Task %s completed with no output", l.input.Name)
	}
	return r
}

func (l *roundLoop) failed(err *LoopError) TaskResult {
	r := l.base()
	r.Error = err.Error()
	r.ErrorKind = err.Kind
	r.Cause = err
	return r
}

func (l *roundLoop) emitTerminal(r TaskResult) {
	if r.Success {
		l.logger.Info("task completed", zap.Int("rounds", r.RoundsUsed), zap.Int64("duration_ms", r.DurationMs))
		l.emit(TaskCompletedEvent{EventHeader: header(l.input.ID), Output: r.Output, RoundsUsed: r.RoundsUsed})
		return
	}
	l.logger.Warn("task failed",
		zap.String("error_kind", string(r.ErrorKind)),
		zap.String("error", r.Error),
		zap.Int("rounds", r.RoundsUsed))
	l.emit(TaskFailedEvent{EventHeader: header(l.input.ID), Error: r.Error, ErrorKind: r.ErrorKind})
}
