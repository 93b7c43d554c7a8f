package agentloop

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// toolCallsTotal counts dispatched tool calls by tool and outcome.
	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeagent",
		Name:      "tool_calls_total",
		Help:      "Tool calls dispatched, by tool and outcome",
	}, []string{"tool", "outcome"})

	toolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codeagent",
		Name:      "tool_call_duration_seconds",
		Help:      "Tool execution duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
	}, []string{"tool"})

	roundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeagent",
		Name:      "rounds_total",
		Help:      "Model rounds started",
	})

	// tasksTotal counts terminal task results by outcome and error kind.
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeagent",
		Name:      "tasks_total",
		Help:      "Tasks finished, by outcome and error kind",
	}, []string{"outcome", "error_kind"})

	taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "codeagent",
		Name:      "task_duration_seconds",
		Help:      "Task duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
	})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeagent",
		Name:      "tokens_total",
		Help:      "Model tokens consumed, by direction",
	}, []string{"direction"})

	rejectedFragmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeagent",
		Name:      "rejected_tool_call_fragments_total",
		Help:      "Tool call fragments that arrived after the call was already emitted",
	})

	correctionAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeagent",
		Name:      "correction_attempts_total",
		Help:      "Self-correction retries, by failure kind",
	}, []string{"kind"})

	phasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeagent",
		Name:      "phases_total",
		Help:      "Plan phases finished, by outcome",
	}, []string{"outcome"})
)

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func recordToolCall(result ToolResult, elapsed time.Duration) {
	outcome := outcomeLabel(result.Success)
	if !result.Success && result.ErrorKind != "" {
		outcome = string(result.ErrorKind)
	}
	toolCallsTotal.WithLabelValues(result.ToolName, outcome).Inc()
	toolCallDuration.WithLabelValues(result.ToolName).Observe(elapsed.Seconds())
}

func recordTask(result TaskResult) {
	tasksTotal.WithLabelValues(outcomeLabel(result.Success), string(result.ErrorKind)).Inc()
	taskDuration.Observe(float64(result.DurationMs) / 1000)
	tokensTotal.WithLabelValues("input").Add(float64(result.Usage.InputTokens))
	tokensTotal.WithLabelValues("output").Add(float64(result.Usage.OutputTokens))
}
