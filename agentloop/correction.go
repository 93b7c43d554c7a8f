package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/martinemde/codeagent/unifiedllm"
	"go.uber.org/zap"
)

// FailureKind names a class of task failure.
type FailureKind string

const (
	FailureTransientNetwork  FailureKind = "transient-network"
	FailureInvalidToolUse    FailureKind = "invalid-tool-use"
	FailureLogicError        FailureKind = "logic-error"
	FailurePermissionDenied  FailureKind = "permission-denied"
	FailureResourceExhausted FailureKind = "resource-exhausted"
	FailureAborted           FailureKind = "aborted"
)

// Severity orders failures; a retry is only attempted below the policy's
// ceiling.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

var kindSeverity = map[FailureKind]Severity{
	FailureTransientNetwork:  SeverityLow,
	FailureInvalidToolUse:    SeverityMedium,
	FailureLogicError:        SeverityMedium,
	FailureResourceExhausted: SeverityHigh,
	FailurePermissionDenied:  SeverityHigh,
	FailureAborted:           SeverityCritical,
}

// FailureSignature classifies a failed or suspicious task result. Retries
// are counted per Key.
type FailureSignature struct {
	Kind     FailureKind `json:"kind"`
	Severity Severity    `json:"severity"`
	Tool     string      `json:"tool,omitempty"`
	Phase    string      `json:"phase,omitempty"`
	Detail   string      `json:"detail,omitempty"`
}

// Key identifies the signature for retry accounting. Detail is excluded:
// the same failure usually carries slightly different text each time.
func (f FailureSignature) Key() string {
	return string(f.Kind) + "|" + f.Tool + "|" + f.Phase
}

// CorrectionAttempt records one retry made by the Corrector.
type CorrectionAttempt struct {
	AttemptNumber int              `json:"attempt_number"`
	Signature     FailureSignature `json:"signature"`
	Outcome       string           `json:"outcome"`
}

// RepeatedErrorThreshold is how many identical tool failures make a
// successful task suspicious.
const RepeatedErrorThreshold = 3

// Classify returns the failure signature of a result, and false when the
// result is a clean success.
func Classify(r TaskResult) (FailureSignature, bool) {
	if r.Success {
		return classifySuspicious(r)
	}

	sig := FailureSignature{Detail: r.Error}
	if failed, ok := lastFailedTool(r); ok {
		sig.Tool = failed.ToolName
	}

	switch r.ErrorKind {
	case ErrAborted:
		sig.Kind = FailureAborted
	case ErrTransport:
		sig.Kind = classifyTransport(r.Cause)
		sig.Tool = ""
	case ErrTimeout, ErrRoundLimitExceeded:
		// A task that ran out of time or rounds can still finish with a
		// narrower approach, unlike a provider quota or context limit.
		sig.Kind = FailureResourceExhausted
		sig.Severity = SeverityMedium
	case ErrPolicyBlocked:
		sig.Kind = FailurePermissionDenied
	case ErrParse, ErrValidation, ErrUnknownTool:
		sig.Kind = FailureInvalidToolUse
	default:
		sig.Kind = FailureLogicError
	}
	if sig.Severity == 0 {
		sig.Severity = kindSeverity[sig.Kind]
	}
	return sig, true
}

// classifyTransport maps an LLM client error onto a failure kind. A
// missing response counts as transient.
func classifyTransport(cause error) FailureKind {
	var (
		auth   *unifiedllm.AuthenticationError
		denied *unifiedllm.AccessDeniedError
		ctxLen *unifiedllm.ContextLengthError
		quota  *unifiedllm.QuotaExceededError
	)
	switch {
	case errors.As(cause, &auth), errors.As(cause, &denied):
		return FailurePermissionDenied
	case errors.As(cause, &ctxLen), errors.As(cause, &quota):
		return FailureResourceExhausted
	case errors.Unwrap(cause) == nil, unifiedllm.IsRetryable(cause):
		return FailureTransientNetwork
	default:
		return FailureLogicError
	}
}

func classifySuspicious(r TaskResult) (FailureSignature, bool) {
	type key struct{ tool, err string }
	counts := make(map[key]int)
	var worst *ToolResult
	worstCount := 0
	results := toolResultsIn(r.Messages)
	for i := range results {
		tr := results[i]
		if tr.Success {
			continue
		}
		k := key{tr.ToolName, tr.Error}
		counts[k]++
		if counts[k] > worstCount {
			worstCount = counts[k]
			worst = &results[i]
		}
	}
	if worst == nil || worstCount < RepeatedErrorThreshold {
		return FailureSignature{}, false
	}

	sig := FailureSignature{Tool: worst.ToolName, Detail: worst.Error}
	switch worst.ErrorKind {
	case ErrParse, ErrValidation, ErrUnknownTool:
		sig.Kind = FailureInvalidToolUse
	case ErrPolicyBlocked:
		sig.Kind = FailurePermissionDenied
	default:
		sig.Kind = FailureLogicError
	}
	sig.Severity = kindSeverity[sig.Kind]
	return sig, true
}

func lastFailedTool(r TaskResult) (ToolResult, bool) {
	results := toolResultsIn(r.Messages)
	for i := len(results) - 1; i >= 0; i-- {
		if !results[i].Success {
			return results[i], true
		}
	}
	return ToolResult{}, false
}

// TaskRunner runs one task. *Session implements it.
type TaskRunner interface {
	ExecuteTask(ctx context.Context, input TaskInput) TaskResult
}

// CorrectionPolicy bounds the Corrector.
type CorrectionPolicy struct {
	MaxAttemptsPerSignature int
	MaxTotalAttempts        int
	// SeverityCeiling: only failures strictly below it are retried.
	SeverityCeiling Severity
	// Backoff spaces retries of transient failures.
	Backoff unifiedllm.RetryPolicy
}

// DefaultCorrectionPolicy retries each signature twice, three times in
// total, for failures below high severity.
func DefaultCorrectionPolicy() CorrectionPolicy {
	return CorrectionPolicy{
		MaxAttemptsPerSignature: 2,
		MaxTotalAttempts:        3,
		SeverityCeiling:         SeverityHigh,
		Backoff:                 unifiedllm.DefaultRetryPolicy(),
	}
}

// Corrector re-runs failed tasks with a reflection prompt.
type Corrector struct {
	policy CorrectionPolicy
	sink   EventSink
	logger *zap.Logger
	phase  string
}

// NewCorrector creates a Corrector. A nil sink or logger discards output.
func NewCorrector(policy CorrectionPolicy, sink EventSink, logger *zap.Logger) *Corrector {
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Corrector{policy: policy, sink: sink, logger: logger}
}

// ForPhase returns a copy whose signatures carry the phase id.
func (c *Corrector) ForPhase(phaseID string) *Corrector {
	cp := *c
	cp.phase = phaseID
	return &cp
}

func (c *Corrector) allowed(sig FailureSignature, perSig map[string]int, total int) bool {
	return sig.Kind != FailureAborted &&
		sig.Severity < c.policy.SeverityCeiling &&
		perSig[sig.Key()] < c.policy.MaxAttemptsPerSignature &&
		total < c.policy.MaxTotalAttempts
}

// Execute runs the task and retries it while its failure signature is
// retryable. Each retry is a fresh task. When retries run out, the first
// attempt's result is returned marked as exhausted.
func (c *Corrector) Execute(ctx context.Context, runner TaskRunner, input TaskInput) TaskResult {
	original := runner.ExecuteTask(ctx, input)
	result := original
	perSig := make(map[string]int)
	var attempts []CorrectionAttempt

	for {
		sig, bad := Classify(result)
		if !bad {
			if len(attempts) > 0 {
				result.WasRetry = true
				result.CorrectionAttempted = true
				result.Attempts = attempts
			}
			return result
		}
		sig.Phase = c.phase

		if !c.allowed(sig, perSig, len(attempts)) {
			if len(attempts) == 0 {
				return result
			}
			return c.exhausted(input, original, sig, attempts)
		}

		if sig.Kind == FailureTransientNetwork {
			if err := unifiedllm.Sleep(ctx, c.policy.Backoff.Delay(perSig[sig.Key()])); err != nil {
				c.logger.Debug("correction backoff interrupted", zap.Error(err))
				return c.exhausted(input, original, sig, attempts)
			}
		}

		perSig[sig.Key()]++
		attempt := CorrectionAttempt{AttemptNumber: len(attempts) + 1, Signature: sig}
		c.sink.Emit(CorrectionAttemptEvent{EventHeader: header(input.ID), Attempt: attempt})
		correctionAttemptsTotal.WithLabelValues(string(sig.Kind)).Inc()
		c.logger.Info("retrying task",
			zap.String("task", input.Name),
			zap.String("failure_kind", string(sig.Kind)),
			zap.String("tool", sig.Tool),
			zap.Int("attempt", attempt.AttemptNumber))

		retry := input
		retry.ID = ""
		retry.Reflection = ReflectionPrompt(sig, result)
		result = runner.ExecuteTask(ctx, retry)

		attempt.Outcome = "success"
		if !result.Success {
			attempt.Outcome = fmt.Sprintf("failure (%s): %s", result.ErrorKind, result.Error)
		}
		attempts = append(attempts, attempt)
	}
}

func (c *Corrector) exhausted(input TaskInput, original TaskResult, last FailureSignature, attempts []CorrectionAttempt) TaskResult {
	summary := fmt.Sprintf("Self-correction exhausted after %d attempt(s); last failure %s", len(attempts), last.Kind)
	if last.Tool != "" {
		summary += fmt.Sprintf(" in %s", last.Tool)
	}
	if last.Detail != "" {
		summary += ": " + last.Detail
	}
	c.sink.Emit(CorrectionExhaustedEvent{EventHeader: header(input.ID), Summary: summary, Attempts: len(attempts)})
	c.logger.Warn("self-correction exhausted", zap.String("task", input.Name), zap.Int("attempts", len(attempts)))

	out := original
	out.CorrectionAttempted = true
	out.CorrectionExhausted = true
	out.Attempts = attempts
	return out
}

// ReflectionPrompt describes a failed attempt and asks for a different
// approach. It always names the failing action and the observed error.
func ReflectionPrompt(sig FailureSignature, r TaskResult) string {
	action := sig.Tool
	if action == "" {
		action = "the model call"
		if sig.Kind != FailureTransientNetwork {
			action = "the task"
		}
	}
	errText := sig.Detail
	if errText == "" {
		errText = r.Error
	}

	var sb strings.Builder
	sb.WriteString("Your previous attempt at this task did not succeed.\n\n")
	fmt.Fprintf(&sb, "Failing action: %s\n", action)
	fmt.Fprintf(&sb, "Observed error: %s\n", errText)
	fmt.Fprintf(&sb, "Failure kind: %s\n\n", sig.Kind)
	switch sig.Kind {
	case FailureInvalidToolUse:
		sb.WriteString("Check the tool's name and parameter schema, then call it with valid arguments.")
	case FailurePermissionDenied:
		sb.WriteString("That action is not permitted. Reach the goal without it.")
	case FailureResourceExhausted:
		sb.WriteString("You ran out of budget. Take a more direct path with fewer steps.")
	case FailureTransientNetwork:
		sb.WriteString("The failure looked transient. Continue from where you left off.")
	default:
		sb.WriteString("Work out why it failed before acting, and take a corrected approach rather than repeating the same steps.")
	}
	return sb.String()
}
