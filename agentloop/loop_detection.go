package agentloop

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"strings"
)

// toolCallSignature is the tool name plus a hash of its arguments with
// surrounding whitespace removed.
func toolCallSignature(name string, arguments string) string {
	h := sha256.Sum256([]byte(strings.TrimSpace(arguments)))
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// recentSignatures returns the signatures of the last n tool calls in
// history, oldest first.
func recentSignatures(history []Turn, n int) []string {
	var sigs []string
	for i := len(history) - 1; i >= 0 && len(sigs) < n; i-- {
		a := history[i].Assistant
		if history[i].Kind != TurnAssistant || a == nil {
			continue
		}
		for j := len(a.ToolCalls) - 1; j >= 0 && len(sigs) < n; j-- {
			sigs = append(sigs, toolCallSignature(a.ToolCalls[j].FunctionName, a.ToolCalls[j].RawArguments))
		}
	}
	slices.Reverse(sigs)
	return sigs
}

// DetectLoop reports whether the last window tool calls repeat a cycle of
// one, two or three calls.
func DetectLoop(history []Turn, window int) bool {
	if window <= 0 {
		return false
	}
	sigs := recentSignatures(history, window)
	if len(sigs) < window {
		return false
	}
	for period := 1; period <= 3; period++ {
		if window%period != 0 {
			continue
		}
		repeats := true
		for i := period; i < window && repeats; i++ {
			repeats = sigs[i] == sigs[i%period]
		}
		if repeats {
			return true
		}
	}
	return false
}
