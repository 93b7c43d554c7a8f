package agentloop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// phaseTrackedTools are the only tools whose file changes count toward a
// phase's FilesModified. Other mutating tools still run; their changes are
// visible in the task result but not in the phase's tracking.
var phaseTrackedTools = map[string]bool{
	"edit_file":          true,
	"write_file":         true,
	"apply_patch":        true,
	"str_replace_editor": true,
}

// ReplanController is implemented by planners that may decompose work on
// their own. Replanning is suspended while a phase runs.
type ReplanController interface {
	SuspendReplanning()
	ResumeReplanning()
}

// PlanStatus is the aggregate handed to a StatusWriter.
type PlanStatus struct {
	PlanID        string              `yaml:"plan_id,omitempty" json:"plan_id,omitempty"`
	Goal          string              `yaml:"goal" json:"goal"`
	Success       bool                `yaml:"success" json:"success"`
	Total         int                 `yaml:"total" json:"total"`
	Completed     int                 `yaml:"completed" json:"completed"`
	Failed        int                 `yaml:"failed" json:"failed"`
	Blocked       int                 `yaml:"blocked" json:"blocked"`
	DurationMs    int64               `yaml:"duration_ms" json:"duration_ms"`
	TokensUsed    int                 `yaml:"tokens_used" json:"tokens_used"`
	FilesModified []string            `yaml:"files_modified,omitempty" json:"files_modified,omitempty"`
	Phases        []PhaseStatusRecord `yaml:"phases" json:"phases"`
	WrittenAt     time.Time           `yaml:"written_at" json:"written_at"`
}

// PhaseStatusRecord is one phase line of a PlanStatus.
type PhaseStatusRecord struct {
	ID     string      `yaml:"id" json:"id"`
	Title  string      `yaml:"title" json:"title"`
	Status PhaseStatus `yaml:"status" json:"status"`
	Error  string      `yaml:"error,omitempty" json:"error,omitempty"`
}

// StatusWriter receives the plan status once, when plan execution ends.
type StatusWriter interface {
	WriteStatus(ctx context.Context, status PlanStatus) error
}

// FileStatusWriter writes the status as YAML to Path.
type FileStatusWriter struct {
	Path string
}

func (w FileStatusWriter) WriteStatus(_ context.Context, status PlanStatus) error {
	data, err := yaml.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(w.Path), 0o755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	return os.WriteFile(w.Path, data, 0o644)
}

// PhaseExecutorConfig configures a PhaseExecutor. Only Runner is required.
type PhaseExecutorConfig struct {
	Runner            TaskRunner
	Corrector         *Corrector
	Replan            ReplanController
	Status            StatusWriter
	Sink              EventSink
	Logger            *zap.Logger
	MaxParallelPhases int           // default 1
	PhaseMaxRounds    int           // 0 = runner default
	PhaseTimeout      time.Duration // 0 = runner default
}

// PhaseContext is what a phase knows about the plan around it.
type PhaseContext struct {
	Goal            string
	CompletedPhases []string
	Carried         string
}

// PhaseResult is the outcome of one phase.
type PhaseResult struct {
	PhaseID             string      `json:"phase_id"`
	Title               string      `json:"title"`
	Status              PhaseStatus `json:"status"`
	Success             bool        `json:"success"`
	Output              string      `json:"output,omitempty"`
	Error               string      `json:"error,omitempty"`
	ErrorKind           ErrorKind   `json:"error_kind,omitempty"`
	FilesCreated        []string    `json:"files_created,omitempty"`
	FilesModified       []string    `json:"files_modified,omitempty"`
	DurationMs          int64       `json:"duration_ms"`
	TokensUsed          int         `json:"tokens_used"`
	WasRetry            bool        `json:"was_retry,omitempty"`
	CorrectionExhausted bool        `json:"correction_exhausted,omitempty"`
	Messages            []Turn      `json:"-"`
}

// PlanResult aggregates every phase of a plan, in plan order.
type PlanResult struct {
	PlanID        string        `json:"plan_id,omitempty"`
	Goal          string        `json:"goal"`
	Success       bool          `json:"success"`
	Phases        []PhaseResult `json:"phases"`
	Completed     []string      `json:"completed,omitempty"`
	Failed        []string      `json:"failed,omitempty"`
	FilesCreated  []string      `json:"files_created,omitempty"`
	FilesModified []string      `json:"files_modified,omitempty"`
	DurationMs    int64         `json:"duration_ms"`
	TokensUsed    int           `json:"tokens_used"`
}

// PhaseExecutor runs plans phase by phase, each phase as its own task.
type PhaseExecutor struct {
	cfg    PhaseExecutorConfig
	sink   EventSink
	logger *zap.Logger

	// running counts phases in flight; Replan is suspended while it is
	// non-zero.
	replanMu sync.Mutex
	running  int
}

// NewPhaseExecutor creates a PhaseExecutor.
func NewPhaseExecutor(cfg PhaseExecutorConfig) *PhaseExecutor {
	e := &PhaseExecutor{cfg: cfg, sink: cfg.Sink, logger: cfg.Logger}
	if e.sink == nil {
		e.sink = NopSink{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.cfg.MaxParallelPhases <= 0 {
		e.cfg.MaxParallelPhases = 1
	}
	return e
}

// enterPhase suspends replanning when the first concurrent phase starts.
func (e *PhaseExecutor) enterPhase() {
	e.replanMu.Lock()
	defer e.replanMu.Unlock()
	e.running++
	if e.running == 1 && e.cfg.Replan != nil {
		e.cfg.Replan.SuspendReplanning()
	}
}

// leavePhase resumes replanning when the last concurrent phase ends.
func (e *PhaseExecutor) leavePhase() {
	e.replanMu.Lock()
	defer e.replanMu.Unlock()
	e.running--
	if e.running == 0 && e.cfg.Replan != nil {
		e.cfg.Replan.ResumeReplanning()
	}
}

// ExecutePhase runs one phase as a task. Replanning is suspended for the
// duration and always resumed, whatever happens. It never panics.
func (e *PhaseExecutor) ExecutePhase(ctx context.Context, phase *Phase, pctx PhaseContext, prior []Turn) (result PhaseResult) {
	start := time.Now()
	ctx, span := startPhaseSpan(ctx, phase)
	result = PhaseResult{PhaseID: phase.ID, Title: phase.Title}

	e.sink.Emit(PhaseStartedEvent{EventHeader: header(phase.ID), PhaseID: phase.ID, Title: phase.Title})
	e.logger.Info("phase started", zap.String("phase", phase.ID), zap.String("title", phase.Title))

	e.enterPhase()
	defer func() {
		e.leavePhase()
		if r := recover(); r != nil {
			e.logger.Error("phase panicked", zap.String("phase", phase.ID), zap.Any("panic", r))
			result.Success = false
			result.Status = PhaseFailed
			result.Error = fmt.Sprintf("internal fault: %v", r)
			result.ErrorKind = ErrExecution
		}
		result.DurationMs = time.Since(start).Milliseconds()
		phase.Status = result.Status
		e.finishPhase(result)
		endSpan(span, result.Success, result.ErrorKind, result.Error)
	}()

	phase.Status = PhaseRunning
	input := TaskInput{
		Name:      phase.ID,
		Prompt:    buildPhasePrompt(phase, pctx),
		History:   prior,
		MaxRounds: e.cfg.PhaseMaxRounds,
		Timeout:   e.cfg.PhaseTimeout,
	}

	var task TaskResult
	if e.cfg.Corrector != nil {
		task = e.cfg.Corrector.ForPhase(phase.ID).Execute(ctx, e.cfg.Runner, input)
	} else {
		task = e.cfg.Runner.ExecuteTask(ctx, input)
	}

	result.Success = task.Success
	result.Output = task.Output
	result.Error = task.Error
	result.ErrorKind = task.ErrorKind
	result.FilesCreated = task.FilesCreated
	result.FilesModified = trackedFiles(task.Messages)
	result.TokensUsed = task.TokensUsed
	result.WasRetry = task.WasRetry
	result.CorrectionExhausted = task.CorrectionExhausted
	result.Messages = task.Messages
	result.Status = PhaseCompleted
	if !task.Success {
		result.Status = PhaseFailed
	}
	return result
}

func (e *PhaseExecutor) finishPhase(r PhaseResult) {
	if r.Success {
		phasesTotal.WithLabelValues("success").Inc()
		e.logger.Info("phase completed", zap.String("phase", r.PhaseID), zap.Int64("duration_ms", r.DurationMs))
		e.sink.Emit(PhaseCompletedEvent{EventHeader: header(r.PhaseID), PhaseID: r.PhaseID, DurationMs: r.DurationMs})
		return
	}
	phasesTotal.WithLabelValues(string(r.Status)).Inc()
	e.logger.Warn("phase failed", zap.String("phase", r.PhaseID), zap.String("error", r.Error))
	e.sink.Emit(PhaseFailedEvent{EventHeader: header(r.PhaseID), PhaseID: r.PhaseID, Error: r.Error, Blocked: r.Status == PhaseBlocked})
}

// trackedFiles lists the paths changed by successful calls to the tracked
// editor tools, in order, without duplicates.
func trackedFiles(history []Turn) []string {
	var out []string
	seen := make(map[string]bool)
	for _, r := range toolResultsIn(history) {
		if !r.Success || !phaseTrackedTools[r.ToolName] {
			continue
		}
		paths := append(append([]string(nil), r.SideEffects.FilesModified...), r.SideEffects.FilesCreated...)
		for _, p := range paths {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

func buildPhasePrompt(phase *Phase, pctx PhaseContext) string {
	var sb strings.Builder
	if pctx.Goal != "" {
		fmt.Fprintf(&sb, "Overall goal: %s\n\n", pctx.Goal)
	}
	fmt.Fprintf(&sb, "You are executing phase %q: %s\n\nObjectives:\n", phase.ID, phase.Title)
	for _, o := range phase.Objectives {
		fmt.Fprintf(&sb, "- %s\n", o)
	}
	if len(pctx.CompletedPhases) > 0 {
		fmt.Fprintf(&sb, "\nAlready completed phases: %s\n", strings.Join(pctx.CompletedPhases, ", "))
	}
	if pctx.Carried != "" {
		fmt.Fprintf(&sb, "\nContext from earlier work:\n%s\n", pctx.Carried)
	}
	sb.WriteString("\nWork only on this phase's objectives. Do not plan or start other phases. " +
		"When the objectives are met, reply with a short summary of what you changed.")
	return sb.String()
}

// ExecutePlan runs every phase in dependency order. Phases with an unknown
// dependency or on a cycle fail without running; phases whose dependency
// did not succeed are blocked. The result always lists every phase.
func (e *PhaseExecutor) ExecutePlan(ctx context.Context, plan Plan, carried string) PlanResult {
	start := time.Now()
	phases := make([]*Phase, len(plan.Phases))
	for i := range plan.Phases {
		p := plan.Phases[i]
		p.Status = PhasePending
		phases[i] = &p
	}

	results := make(map[string]PhaseResult, len(phases))
	var mu sync.Mutex
	var completed []string

	ordered, unresolved := orderPhases(phases)
	placed := make(map[string]bool, len(ordered))
	for _, p := range ordered {
		placed[p.ID] = true
	}
	for _, p := range phases {
		if reason, bad := unresolved[p.ID]; bad {
			r := PhaseResult{PhaseID: p.ID, Title: p.Title, Status: PhaseFailed, Error: "Phase not executed: " + reason}
			p.Status = PhaseFailed
			e.finishPhase(r)
			results[p.ID] = r
		}
	}
	// Phases that could not be ordered but are not themselves at fault
	// depend on one that is.
	for _, p := range phases {
		if _, done := results[p.ID]; done || placed[p.ID] {
			continue
		}
		r := PhaseResult{PhaseID: p.ID, Title: p.Title, Status: PhaseBlocked, Error: "Phase blocked: it depends on a phase that cannot run"}
		p.Status = PhaseBlocked
		e.finishPhase(r)
		results[p.ID] = r
	}

	pending := ordered
	for len(pending) > 0 {
		var wave, rest []*Phase
		for _, p := range pending {
			switch blockedBy := failedDependency(p, results); {
			case blockedBy != "":
				r := PhaseResult{
					PhaseID: p.ID,
					Title:   p.Title,
					Status:  PhaseBlocked,
					Error:   fmt.Sprintf("Phase blocked: dependency %q did not complete", blockedBy),
				}
				p.Status = PhaseBlocked
				e.finishPhase(r)
				results[p.ID] = r
			case dependenciesDone(p, results) && len(wave) < e.cfg.MaxParallelPhases:
				wave = append(wave, p)
			default:
				rest = append(rest, p)
			}
		}
		if len(wave) == 0 {
			if len(rest) == len(pending) {
				break
			}
			pending = rest
			continue
		}

		pctx := PhaseContext{Goal: plan.Goal, CompletedPhases: append([]string(nil), completed...), Carried: carried}
		var g errgroup.Group
		for _, p := range wave {
			g.Go(func() error {
				r := e.ExecutePhase(ctx, p, pctx, nil)
				mu.Lock()
				results[p.ID] = r
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		for _, p := range wave {
			if results[p.ID].Success {
				completed = append(completed, p.ID)
			}
		}
		pending = rest
	}

	out := PlanResult{PlanID: plan.ID, Goal: plan.Goal, Success: len(phases) > 0}
	createdSeen := make(map[string]bool)
	modifiedSeen := make(map[string]bool)
	for _, p := range phases {
		r := results[p.ID]
		out.Phases = append(out.Phases, r)
		out.TokensUsed += r.TokensUsed
		if r.Success {
			out.Completed = append(out.Completed, p.ID)
		} else {
			out.Success = false
			out.Failed = append(out.Failed, p.ID)
		}
		for _, f := range r.FilesCreated {
			if !createdSeen[f] {
				createdSeen[f] = true
				out.FilesCreated = append(out.FilesCreated, f)
			}
		}
		for _, f := range r.FilesModified {
			if !modifiedSeen[f] {
				modifiedSeen[f] = true
				out.FilesModified = append(out.FilesModified, f)
			}
		}
	}
	out.DurationMs = time.Since(start).Milliseconds()
	e.writeStatus(ctx, out)
	return out
}

// failedDependency returns the first dependency of p that finished without
// success, or "".
func failedDependency(p *Phase, results map[string]PhaseResult) string {
	for _, dep := range p.DependsOn {
		if r, ok := results[dep]; ok && !r.Success {
			return dep
		}
	}
	return ""
}

func dependenciesDone(p *Phase, results map[string]PhaseResult) bool {
	for _, dep := range p.DependsOn {
		if r, ok := results[dep]; !ok || !r.Success {
			return false
		}
	}
	return true
}

func (e *PhaseExecutor) writeStatus(ctx context.Context, r PlanResult) {
	if e.cfg.Status == nil {
		return
	}
	status := PlanStatus{
		PlanID:        r.PlanID,
		Goal:          r.Goal,
		Success:       r.Success,
		Total:         len(r.Phases),
		Completed:     len(r.Completed),
		DurationMs:    r.DurationMs,
		TokensUsed:    r.TokensUsed,
		FilesModified: r.FilesModified,
		WrittenAt:     time.Now(),
	}
	for _, p := range r.Phases {
		switch p.Status {
		case PhaseBlocked:
			status.Blocked++
		case PhaseFailed:
			status.Failed++
		}
		status.Phases = append(status.Phases, PhaseStatusRecord{ID: p.PhaseID, Title: p.Title, Status: p.Status, Error: p.Error})
	}
	if err := e.cfg.Status.WriteStatus(ctx, status); err != nil {
		e.logger.Warn("failed to write plan status", zap.Error(err))
	}
}
