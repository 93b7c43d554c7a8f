package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/martinemde/codeagent/agentloop"
	"go.uber.org/zap"
)

// consoleSink streams model text to out and logs the rest of the task
// lifecycle.
type consoleSink struct {
	mu     sync.Mutex
	out    io.Writer
	logger *zap.Logger
}

func newConsoleSink(out io.Writer, logger *zap.Logger) *consoleSink {
	return &consoleSink{out: out, logger: logger}
}

func (s *consoleSink) Emit(e agentloop.Event) {
	switch ev := e.(type) {
	case agentloop.ContentDeltaEvent:
		s.mu.Lock()
		fmt.Fprint(s.out, ev.Text)
		s.mu.Unlock()
	case agentloop.ToolCallEvent:
		s.logger.Info("tool call", zap.String("task", ev.TaskID), zap.String("tool", ev.ToolName), zap.String("call_id", ev.CallID))
	case agentloop.ToolResultEvent:
		if ev.Result.Success {
			s.logger.Debug("tool result", zap.String("tool", ev.Result.ToolName), zap.Int("bytes", len(ev.RawOutput)))
		} else {
			s.logger.Warn("tool failed", zap.String("tool", ev.Result.ToolName), zap.String("error", ev.Result.Error))
		}
	case agentloop.RoundCompletedEvent:
		s.logger.Debug("round completed", zap.String("task", ev.TaskID), zap.Int("round", ev.Round), zap.Int("tool_calls", ev.ToolCalls))
	case agentloop.UsageEvent:
		s.logger.Debug("usage", zap.Int("input_tokens", ev.Total.InputTokens), zap.Int("output_tokens", ev.Total.OutputTokens))
	case agentloop.LoopDetectedEvent:
		s.logger.Warn("loop detected", zap.String("task", ev.TaskID), zap.String("message", ev.Message))
	case agentloop.ContextWarningEvent:
		s.logger.Warn("context window filling up", zap.Int("percent", ev.Percent))
	case agentloop.CorrectionAttemptEvent:
		s.logger.Info("retrying after failure",
			zap.String("kind", string(ev.Attempt.Signature.Kind)),
			zap.String("severity", ev.Attempt.Signature.Severity.String()))
	case agentloop.CorrectionExhaustedEvent:
		s.logger.Warn("correction exhausted", zap.Int("attempts", ev.Attempts))
	case agentloop.PhaseStartedEvent:
		s.mu.Lock()
		fmt.Fprintf(s.out, "\n== phase %s: %s ==\n", ev.PhaseID, ev.Title)
		s.mu.Unlock()
	case agentloop.PhaseFailedEvent:
		s.logger.Warn("phase did not complete", zap.String("phase", ev.PhaseID), zap.Bool("blocked", ev.Blocked), zap.String("error", ev.Error))
	case agentloop.TaskFailedEvent:
		s.logger.Debug("task failed", zap.String("task", ev.TaskID), zap.String("kind", string(ev.ErrorKind)))
	}
}

// terminalAsker answers ask_user from an interactive terminal.
func terminalAsker(in io.Reader, out io.Writer) agentloop.AskUserFunc {
	reader := bufio.NewReader(in)
	var mu sync.Mutex
	return func(ctx context.Context, question string, options []string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, "\n? %s\n", question)
		for i, o := range options {
			fmt.Fprintf(out, "  %d) %s\n", i+1, o)
		}
		fmt.Fprint(out, "> ")

		type line struct {
			text string
			err  error
		}
		ch := make(chan line, 1)
		go func() {
			text, err := reader.ReadString('\n')
			ch <- line{text, err}
		}()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case l := <-ch:
			answer := strings.TrimSpace(l.text)
			if l.err != nil && answer == "" {
				return "", fmt.Errorf("read answer: %w", l.err)
			}
			return pickOption(answer, options), nil
		}
	}
}

// pickOption maps a numeric answer onto the offered options.
func pickOption(answer string, options []string) string {
	var n int
	if _, err := fmt.Sscanf(answer, "%d", &n); err == nil && n >= 1 && n <= len(options) && fmt.Sprint(n) == answer {
		return options[n-1]
	}
	return answer
}
