package agentloop

import (
	"time"

	"github.com/martinemde/codeagent/unifiedllm"
)

// TurnKind discriminates between turn types.
type TurnKind string

const (
	TurnUser        TurnKind = "user"
	TurnAssistant   TurnKind = "assistant"
	TurnToolResults TurnKind = "tool_results"
	TurnSystem      TurnKind = "system"
	TurnSteering    TurnKind = "steering"
)

// Turn is a single entry in the conversation history.
type Turn struct {
	Kind        TurnKind         `json:"kind"`
	Timestamp   time.Time        `json:"timestamp"`
	User        *UserTurn        `json:"user,omitempty"`
	Assistant   *AssistantTurn   `json:"assistant,omitempty"`
	ToolResults *ToolResultsTurn `json:"tool_results,omitempty"`
	System      *SystemTurn      `json:"system,omitempty"`
	Steering    *SteeringTurn    `json:"steering,omitempty"`
}

// UserTurn holds user input.
type UserTurn struct {
	Content string `json:"content"`
}

// AssistantTurn is one fully reduced model response.
type AssistantTurn struct {
	Role         unifiedllm.Role  `json:"role"`
	Content      string           `json:"content"`
	Reasoning    string           `json:"reasoning,omitempty"`
	ToolCalls    []ToolCallDraft  `json:"tool_calls,omitempty"`
	Usage        unifiedllm.Usage `json:"usage"`
	ResponseID   string           `json:"response_id,omitempty"`
	Model        string           `json:"model,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
}

// ToolCallDraft is a tool call as accumulated from streamed fragments.
// RawArguments is kept verbatim; parsing happens in ValidateArguments.
type ToolCallDraft struct {
	Index        int    `json:"index"`
	ID           string `json:"id"`
	FunctionName string `json:"function_name"`
	RawArguments string `json:"raw_arguments"`
	Complete     bool   `json:"complete"`
}

// ToolResultsTurn holds the results of one round, in request order.
type ToolResultsTurn struct {
	Results []ToolResult `json:"results"`
}

// SystemTurn holds a system message.
type SystemTurn struct {
	Content string `json:"content"`
}

// SteeringTurn holds an injected steering or reflection message.
type SteeringTurn struct {
	Content string `json:"content"`
}

// ToolResult is the normalized outcome of one dispatched tool call.
type ToolResult struct {
	CallID      string      `json:"call_id"`
	ToolName    string      `json:"tool_name"`
	Success     bool        `json:"success"`
	Output      string      `json:"output"`
	Error       string      `json:"error,omitempty"`
	ErrorKind   ErrorKind   `json:"error_kind,omitempty"`
	SideEffects SideEffects `json:"side_effects"`
}

// SideEffects lists the paths a successful tool call touched.
type SideEffects struct {
	FilesCreated  []string `json:"files_created,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
}

// Content returns what the model sees for this result.
func (r ToolResult) Content() string {
	if r.Success {
		return r.Output
	}
	if r.Output != "" && r.Error != "" {
		return r.Error + "\n\n" + r.Output
	}
	if r.Error != "" {
		return r.Error
	}
	return r.Output
}

// NewUserTurn creates a Turn wrapping user input.
func NewUserTurn(content string) Turn {
	return Turn{
		Kind:      TurnUser,
		Timestamp: time.Now(),
		User:      &UserTurn{Content: content},
	}
}

// NewAssistantTurn wraps a reduced assistant response. The tool call slice is
// copied so the stored turn cannot be changed through the argument.
func NewAssistantTurn(a AssistantTurn) Turn {
	calls := make([]ToolCallDraft, len(a.ToolCalls))
	copy(calls, a.ToolCalls)
	a.ToolCalls = calls
	return Turn{
		Kind:      TurnAssistant,
		Timestamp: time.Now(),
		Assistant: &a,
	}
}

// NewToolResultsTurn creates a Turn wrapping tool results.
func NewToolResultsTurn(results []ToolResult) Turn {
	rs := make([]ToolResult, len(results))
	copy(rs, results)
	return Turn{
		Kind:        TurnToolResults,
		Timestamp:   time.Now(),
		ToolResults: &ToolResultsTurn{Results: rs},
	}
}

// NewSystemTurn creates a Turn wrapping a system message.
func NewSystemTurn(content string) Turn {
	return Turn{
		Kind:      TurnSystem,
		Timestamp: time.Now(),
		System:    &SystemTurn{Content: content},
	}
}

// NewSteeringTurn creates a Turn wrapping a steering message.
func NewSteeringTurn(content string) Turn {
	return Turn{
		Kind:      TurnSteering,
		Timestamp: time.Now(),
		Steering:  &SteeringTurn{Content: content},
	}
}

// TextContent returns the text content of a turn regardless of its kind.
func (t Turn) TextContent() string {
	switch t.Kind {
	case TurnUser:
		if t.User != nil {
			return t.User.Content
		}
	case TurnAssistant:
		if t.Assistant != nil {
			return t.Assistant.Content
		}
	case TurnSystem:
		if t.System != nil {
			return t.System.Content
		}
	case TurnSteering:
		if t.Steering != nil {
			return t.Steering.Content
		}
	case TurnToolResults:
		if t.ToolResults != nil {
			n := 0
			for _, r := range t.ToolResults.Results {
				n += len(r.Content())
			}
			buf := make([]byte, 0, n)
			for _, r := range t.ToolResults.Results {
				buf = append(buf, r.Content()...)
			}
			return string(buf)
		}
	}
	return ""
}

// ConvertHistoryToMessages converts the turn-based history into LLM messages.
func ConvertHistoryToMessages(history []Turn) []unifiedllm.Message {
	var messages []unifiedllm.Message
	for _, turn := range history {
		switch turn.Kind {
		case TurnUser:
			if turn.User != nil {
				messages = append(messages, unifiedllm.UserMessage(turn.User.Content))
			}
		case TurnAssistant:
			if turn.Assistant != nil {
				msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
				if turn.Assistant.Reasoning != "" {
					msg.Content = append(msg.Content, unifiedllm.ThinkingPart(turn.Assistant.Reasoning, ""))
				}
				if turn.Assistant.Content != "" {
					msg.Content = append(msg.Content, unifiedllm.TextPart(turn.Assistant.Content))
				}
				for _, tc := range turn.Assistant.ToolCalls {
					msg.Content = append(msg.Content,
						unifiedllm.ToolCallPart(tc.ID, tc.FunctionName, tc.RawArguments))
				}
				messages = append(messages, msg)
			}
		case TurnToolResults:
			if turn.ToolResults != nil {
				for _, result := range turn.ToolResults.Results {
					messages = append(messages,
						unifiedllm.ToolResultMessage(result.CallID, result.Content(), !result.Success))
				}
			}
		case TurnSystem:
			if turn.System != nil {
				messages = append(messages, unifiedllm.SystemMessage(turn.System.Content))
			}
		case TurnSteering:
			// Steering turns are sent as user messages so the model treats
			// them as additional instructions.
			if turn.Steering != nil {
				messages = append(messages, unifiedllm.UserMessage(turn.Steering.Content))
			}
		}
	}
	return messages
}

// toolResultsIn returns every tool result recorded in history, in order.
func toolResultsIn(history []Turn) []ToolResult {
	var out []ToolResult
	for _, t := range history {
		if t.Kind == TurnToolResults && t.ToolResults != nil {
			out = append(out, t.ToolResults.Results...)
		}
	}
	return out
}
