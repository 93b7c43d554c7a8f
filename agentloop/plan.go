package agentloop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/martinemde/codeagent/unifiedllm"
	"gopkg.in/yaml.v3"
)

// RiskLevel is a phase's self-declared risk.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// PhaseStatus tracks a phase through plan execution.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseBlocked   PhaseStatus = "blocked"
)

// Phase is one step of a decomposed plan, executed as its own task.
type Phase struct {
	ID         string      `yaml:"id" json:"id" validate:"required"`
	Title      string      `yaml:"title" json:"title" validate:"required"`
	Objectives []string    `yaml:"objectives" json:"objectives" validate:"min=1,dive,required"`
	DependsOn  []string    `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	RiskLevel  RiskLevel   `yaml:"risk_level,omitempty" json:"risk_level,omitempty" validate:"omitempty,oneof=low medium high"`
	Status     PhaseStatus `yaml:"status,omitempty" json:"status,omitempty"`
}

// Plan is an ordered list of phases toward one goal.
type Plan struct {
	ID     string  `yaml:"id,omitempty" json:"id,omitempty"`
	Goal   string  `yaml:"goal" json:"goal" validate:"required"`
	Phases []Phase `yaml:"phases" json:"phases" validate:"min=1,dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that phase ids are unique.
// Dependency problems are reported per phase at execution time instead.
func (p *Plan) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}
	seen := make(map[string]bool, len(p.Phases))
	for _, ph := range p.Phases {
		if seen[ph.ID] {
			return fmt.Errorf("invalid plan: duplicate phase id %q", ph.ID)
		}
		seen[ph.ID] = true
	}
	return nil
}

// ParsePlan decodes and validates a YAML plan.
func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPlan reads a YAML plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return ParsePlan(data)
}

// orderPhases sorts phases so every phase follows its dependencies. Among
// phases that are ready at the same time the plan's order is kept.
// Phases on a cycle or with an unknown dependency are returned in
// unresolved with the reason; phases depending on them are left out of
// both and reported as blocked by the caller.
func orderPhases(phases []*Phase) (ordered []*Phase, unresolved map[string]string) {
	unresolved = make(map[string]string)
	byID := make(map[string]*Phase, len(phases))
	for _, p := range phases {
		byID[p.ID] = p
	}

	for _, p := range phases {
		for _, dep := range p.DependsOn {
			if _, ok := byID[dep]; !ok {
				unresolved[p.ID] = fmt.Sprintf("unknown dependency %q", dep)
			}
		}
	}

	placed := make(map[string]bool, len(phases))
	for progress := true; progress; {
		progress = false
		for _, p := range phases {
			if placed[p.ID] || unresolved[p.ID] != "" {
				continue
			}
			ready := true
			for _, dep := range p.DependsOn {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				placed[p.ID] = true
				ordered = append(ordered, p)
				progress = true
			}
		}
	}

	// Whatever is left either sits on a cycle or depends on something that
	// does.
	for _, p := range phases {
		if placed[p.ID] || unresolved[p.ID] != "" {
			continue
		}
		if path := cycleThrough(p.ID, byID); path != nil {
			unresolved[p.ID] = "dependency cycle: " + strings.Join(path, " -> ")
		}
	}
	return ordered, unresolved
}

// cycleThrough returns a dependency path from id back to itself, or nil.
func cycleThrough(id string, byID map[string]*Phase) []string {
	visited := make(map[string]bool)
	var walk func(cur string, path []string) []string
	walk = func(cur string, path []string) []string {
		p := byID[cur]
		if p == nil {
			return nil
		}
		for _, dep := range p.DependsOn {
			if dep == id {
				return append(path, dep)
			}
			if visited[dep] {
				continue
			}
			visited[dep] = true
			if found := walk(dep, append(path, dep)); found != nil {
				return found
			}
		}
		return nil
	}
	return walk(id, []string{id})
}

// ErrReplanningSuspended is returned by Decompose while a phase is running.
var ErrReplanningSuspended = errors.New("replanning is suspended while a phase runs")

// LLMDecomposer turns a goal into a Plan through structured generation. It
// is also a ReplanController: a PhaseExecutor suspends it for as long as any
// phase is running.
type LLMDecomposer struct {
	Client    *unifiedllm.Client
	Model     string
	Provider  string
	MaxPhases int

	suspended atomic.Bool
}

func (d *LLMDecomposer) SuspendReplanning() { d.suspended.Store(true) }
func (d *LLMDecomposer) ResumeReplanning()  { d.suspended.Store(false) }

// Suspended reports whether Decompose is currently refused.
func (d *LLMDecomposer) Suspended() bool { return d.suspended.Load() }

var planSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"goal": map[string]interface{}{"type": "string"},
		"phases": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"id":         map[string]interface{}{"type": "string"},
					"title":      map[string]interface{}{"type": "string"},
					"objectives": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
					"depends_on": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
					"risk_level": map[string]interface{}{"type": "string", "enum": []string{"low", "medium", "high"}},
				},
				"required": []string{"id", "title", "objectives"},
			},
		},
	},
	"required": []string{"goal", "phases"},
}

// Decompose asks the model for a plan and validates it.
func (d *LLMDecomposer) Decompose(ctx context.Context, goal string) (*Plan, error) {
	if d.suspended.Load() {
		return nil, ErrReplanningSuspended
	}
	maxPhases := d.MaxPhases
	if maxPhases <= 0 {
		maxPhases = 8
	}
	plan, _, err := unifiedllm.GenerateObject[Plan](ctx, unifiedllm.GenerateOptions{
		Model:    d.Model,
		Provider: d.Provider,
		Client:   d.Client,
		System: fmt.Sprintf("You break software tasks into at most %d phases. "+
			"Each phase has a short id, a title, concrete objectives, and the ids of the phases it depends on.", maxPhases),
		Prompt: goal,
	}, planSchema)
	if err != nil {
		return nil, fmt.Errorf("decompose goal: %w", err)
	}
	if plan.Goal == "" {
		plan.Goal = goal
	}
	if len(plan.Phases) > maxPhases {
		plan.Phases = plan.Phases[:maxPhases]
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}
