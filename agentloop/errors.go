package agentloop

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures raised inside a task.
type ErrorKind string

const (
	ErrParse              ErrorKind = "parse_error"
	ErrValidation         ErrorKind = "validation_error"
	ErrUnknownTool        ErrorKind = "unknown_tool"
	ErrPolicyBlocked      ErrorKind = "policy_blocked"
	ErrExecution          ErrorKind = "execution_error"
	ErrTransport          ErrorKind = "transport_error"
	ErrRoundLimitExceeded ErrorKind = "round_limit_exceeded"
	ErrAborted            ErrorKind = "aborted"
	ErrTimeout            ErrorKind = "timeout"
)

// IsFatal reports whether errors of this kind end the current task. The
// remaining kinds become failed tool results that the model can react to.
func (k ErrorKind) IsFatal() bool {
	switch k {
	case ErrTransport, ErrRoundLimitExceeded, ErrAborted, ErrTimeout:
		return true
	default:
		return false
	}
}

// LoopError is the error type carried by failed tasks and failed tool results.
type LoopError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *LoopError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *LoopError) Unwrap() error {
	return e.Cause
}

func newLoopError(kind ErrorKind, cause error, format string, args ...interface{}) *LoopError {
	return &LoopError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the ErrorKind of err, or "" when err is not a LoopError.
func KindOf(err error) ErrorKind {
	var le *LoopError
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// noResponseMessage is the fault reported when the model stream closes
// without producing any response structure.
const noResponseMessage = "No response from LLM"
