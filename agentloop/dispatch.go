package agentloop

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

// DispatcherConfig holds the optional collaborators of a Dispatcher.
type DispatcherConfig struct {
	External   ExternalToolRegistry
	Policy     PolicyHook
	CharLimits map[string]int
	LineLimits map[string]int
	Logger     *zap.Logger
}

// Dispatcher resolves, validates, authorizes and executes tool calls. It is
// shared by every task of a session and holds no per-task state.
type Dispatcher struct {
	registry   *ToolRegistry
	env        ExecutionEnvironment
	external   ExternalToolRegistry
	policy     PolicyHook
	charLimits map[string]int
	lineLimits map[string]int
	logger     *zap.Logger

	mu           sync.RWMutex
	externalDefs map[string]ToolDefinition
}

// NewDispatcher creates a Dispatcher over a built-in registry.
func NewDispatcher(registry *ToolRegistry, env ExecutionEnvironment, cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		registry:     registry,
		env:          env,
		external:     cfg.External,
		policy:       cfg.Policy,
		charLimits:   cfg.CharLimits,
		lineLimits:   cfg.LineLimits,
		logger:       cfg.Logger,
		externalDefs: make(map[string]ToolDefinition),
	}
	if d.policy == nil {
		d.policy = AllowAll{}
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	return d
}

// LoadExternalTools snapshots the external registry's tool list. Call it
// before tasks start; running tasks only read the snapshot.
func (d *Dispatcher) LoadExternalTools(ctx context.Context) error {
	if d.external == nil {
		return nil
	}
	defs, err := d.external.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list external tools: %w", err)
	}
	snapshot := make(map[string]ToolDefinition, len(defs))
	for _, def := range defs {
		snapshot[def.Name] = def
	}
	d.mu.Lock()
	d.externalDefs = snapshot
	d.mu.Unlock()
	d.logger.Debug("loaded external tools", zap.Int("count", len(snapshot)))
	return nil
}

// Resolve looks a tool up. Built-in tools shadow external tools of the
// same name.
func (d *Dispatcher) Resolve(name string) (ResolvedTool, bool) {
	if t := d.registry.Get(name); t != nil {
		return ResolvedTool{Source: SourceBuiltin, Tool: t}, true
	}
	d.mu.RLock()
	def, ok := d.externalDefs[name]
	d.mu.RUnlock()
	if ok && d.external != nil {
		return ResolvedTool{Source: SourceExternal, Tool: externalTool{def: def, registry: d.external}}, true
	}
	return ResolvedTool{}, false
}

// Definitions lists every dispatchable tool: built-ins first, then external
// tools that are not shadowed, each group sorted by name.
func (d *Dispatcher) Definitions() []ToolDefinition {
	defs := d.registry.Definitions()
	d.mu.RLock()
	var ext []ToolDefinition
	for name, def := range d.externalDefs {
		if d.registry.Get(name) == nil {
			ext = append(ext, def)
		}
	}
	d.mu.RUnlock()
	sort.Slice(ext, func(i, j int) bool { return ext[i].Name < ext[j].Name })
	return append(defs, ext...)
}

// Dispatch is the outcome of one tool call: the result recorded in history
// and the untruncated output for event consumers.
type Dispatch struct {
	Result    ToolResult
	RawOutput string
	Duration  time.Duration
}

// Execute runs one completed tool call through resolution, argument
// validation, the policy hook and the tool itself. Every failure becomes a
// failed ToolResult; Execute never panics and never returns an error.
//
// The tool runs on a context that is not cancelled with ctx, so aborts and
// task timeouts never interrupt a tool mid-flight.
func (d *Dispatcher) Execute(ctx context.Context, call ToolCallDraft) Dispatch {
	start := time.Now()
	ctx, span := startToolSpan(ctx, call)
	var out Dispatch
	if r := panics.Try(func() { out = d.execute(ctx, call) }); r != nil {
		d.logger.Error("tool dispatch panicked", zap.String("tool", call.FunctionName), zap.Any("panic", r.Value))
		msg := fmt.Sprintf("Tool error (%s): dispatch panic: %v", call.FunctionName, r.Value)
		out = Dispatch{
			Result:    ToolResult{CallID: call.ID, ToolName: call.FunctionName, Error: msg, ErrorKind: ErrExecution},
			RawOutput: msg,
		}
	}
	out.Duration = time.Since(start)
	recordToolCall(out.Result, out.Duration)
	endSpan(span, out.Result.Success, out.Result.ErrorKind, out.Result.Error)
	return out
}

func (d *Dispatcher) execute(ctx context.Context, call ToolCallDraft) Dispatch {
	fail := func(kind ErrorKind, format string, args ...interface{}) Dispatch {
		msg := fmt.Sprintf(format, args...)
		d.logger.Debug("tool call rejected",
			zap.String("tool", call.FunctionName),
			zap.String("call_id", call.ID),
			zap.String("error_kind", string(kind)),
			zap.String("reason", msg))
		return Dispatch{Result: ToolResult{
			CallID:    call.ID,
			ToolName:  call.FunctionName,
			Error:     msg,
			ErrorKind: kind,
		}}
	}

	if !call.Complete {
		return fail(ErrParse, "tool call %s was not completed by the model", call.ID)
	}

	resolved, ok := d.Resolve(call.FunctionName)
	if !ok {
		return fail(ErrUnknownTool, "Unknown tool: %s", call.FunctionName)
	}

	parsed := ValidateArguments(call.RawArguments, resolved.Tool.Schema().Parameters)
	if !parsed.OK() {
		return fail(parsed.Failure.Kind, "Invalid arguments for %s: %s", call.FunctionName, parsed.Failure.Reason)
	}

	req := ToolCallRequest{
		CallID:   call.ID,
		ToolName: call.FunctionName,
		Source:   resolved.Source,
		Args:     parsed.Args,
	}
	if decision := d.policy.ShouldBlock(ctx, req); decision.Blocked {
		return fail(ErrPolicyBlocked, "Tool call blocked by policy: %s", decision.Reason)
	}

	var output ToolOutput
	var err error
	toolCtx := context.WithoutCancel(ctx)
	recovered := panics.Try(func() {
		output, err = resolved.Tool.Execute(toolCtx, parsed.Args, d.env)
	})

	var result ToolResult
	var raw string
	switch {
	case recovered != nil:
		d.logger.Error("tool panicked",
			zap.String("tool", call.FunctionName),
			zap.String("call_id", call.ID),
			zap.Any("panic", recovered.Value),
			zap.ByteString("stack", recovered.Stack))
		raw = fmt.Sprintf("Tool error (%s): panic: %v", call.FunctionName, recovered.Value)
		result = ToolResult{Error: raw, ErrorKind: ErrExecution}
	case err != nil:
		raw = fmt.Sprintf("Tool error (%s): %v", call.FunctionName, err)
		result = ToolResult{Error: raw, ErrorKind: ErrExecution}
	default:
		raw = output.Text
		result = ToolResult{
			Success: true,
			Output:  TruncateToolOutput(output.Text, call.FunctionName, d.charLimits, d.lineLimits),
			SideEffects: SideEffects{
				FilesCreated:  uniquePaths(output.Created),
				FilesModified: uniquePaths(output.Modified),
			},
		}
	}
	result.CallID = call.ID
	result.ToolName = call.FunctionName

	d.policy.AfterExecution(ctx, req, result)
	return Dispatch{Result: result, RawOutput: raw}
}

func uniquePaths(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
