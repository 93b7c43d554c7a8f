package agentloop

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/martinemde/codeagent/unifiedllm"
)

// DeltaKind identifies a streaming event produced by the Reducer.
type DeltaKind string

const (
	DeltaContent          DeltaKind = "content"
	DeltaReasoning        DeltaKind = "reasoning"
	DeltaToolCallComplete DeltaKind = "tool_call_complete"
	DeltaUsage            DeltaKind = "usage"
)

// StreamEvent is emitted by the Reducer while chunks arrive. Content and
// reasoning deltas are forwarded as soon as they are seen; the authoritative
// result is always Reducer.Turn.
type StreamEvent struct {
	Kind     DeltaKind
	Text     string
	ToolCall *ToolCallDraft
	Usage    *unifiedllm.Usage
}

// Reducer merges streamed chunks of one model response into an
// AssistantTurn. Only the first choice is tracked.
//
// Text fields of the delta (content, reasoning, tool call id, name and
// arguments) concatenate; tool call fragments land in the slot named by
// their index. A tool call is emitted exactly once, when it first becomes
// complete; fragments arriving for an index after that are rejected.
//
// A Reducer is not safe for concurrent use.
type Reducer struct {
	role         unifiedllm.Role
	responseID   string
	model        string
	content      strings.Builder
	reasoning    strings.Builder
	drafts       map[int]*ToolCallDraft
	emitted      map[int]bool
	usage        unifiedllm.Usage
	finishReason string
	chunks       int
	choices      int
	rejected     int
	finished     bool
}

// NewReducer returns an empty Reducer.
func NewReducer() *Reducer {
	return &Reducer{
		drafts:  make(map[int]*ToolCallDraft),
		emitted: make(map[int]bool),
	}
}

// Reduce applies one chunk and returns the streaming events it produced.
func (r *Reducer) Reduce(chunk unifiedllm.Chunk) []StreamEvent {
	r.chunks++
	if r.responseID == "" {
		r.responseID = chunk.ID
	}
	if r.model == "" {
		r.model = chunk.Model
	}

	var events []StreamEvent
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		r.choices++
		delta := choice.Delta
		if r.role == "" && delta.Role != "" {
			r.role = delta.Role
		}
		if delta.ReasoningContent != nil && *delta.ReasoningContent != "" {
			r.reasoning.WriteString(*delta.ReasoningContent)
			events = append(events, StreamEvent{Kind: DeltaReasoning, Text: *delta.ReasoningContent})
		}
		if delta.Content != nil && *delta.Content != "" {
			r.content.WriteString(*delta.Content)
			events = append(events, StreamEvent{Kind: DeltaContent, Text: *delta.Content})
		}
		touched := make(map[int]bool, len(delta.ToolCalls))
		for _, frag := range delta.ToolCalls {
			if r.emitted[frag.Index] {
				r.rejected++
				continue
			}
			d, ok := r.drafts[frag.Index]
			if !ok {
				d = &ToolCallDraft{Index: frag.Index}
				r.drafts[frag.Index] = d
			}
			d.ID += frag.ID
			d.FunctionName += frag.Function.Name
			d.RawArguments += frag.Function.Arguments
			touched[frag.Index] = true
		}
		for _, idx := range sortedKeys(touched) {
			if ev, ok := r.tryComplete(idx, false); ok {
				events = append(events, ev)
			}
		}
		if choice.FinishReason != "" {
			r.finishReason = choice.FinishReason
			events = append(events, r.completeAll()...)
		}
	}

	if chunk.Usage != nil {
		r.usage = mergeUsage(r.usage, *chunk.Usage)
		u := r.usage
		events = append(events, StreamEvent{Kind: DeltaUsage, Usage: &u})
	}
	return events
}

// Finish marks the end of the stream. Every named tool call that has not
// been emitted yet is completed now, with a synthesized id if the provider
// never sent one.
func (r *Reducer) Finish() []StreamEvent {
	if r.finished {
		return nil
	}
	r.finished = true
	return r.completeAll()
}

func (r *Reducer) completeAll() []StreamEvent {
	var events []StreamEvent
	for _, idx := range r.indexes() {
		if ev, ok := r.tryComplete(idx, true); ok {
			events = append(events, ev)
		}
	}
	return events
}

// tryComplete emits the draft at idx if it is complete. With force set, a
// draft only needs a function name.
func (r *Reducer) tryComplete(idx int, force bool) (StreamEvent, bool) {
	if r.emitted[idx] {
		return StreamEvent{}, false
	}
	d := r.drafts[idx]
	if d == nil || d.FunctionName == "" {
		return StreamEvent{}, false
	}
	if !force && (d.ID == "" || !argumentsComplete(d.RawArguments)) {
		return StreamEvent{}, false
	}
	if d.ID == "" {
		d.ID = "call_" + uuid.NewString()
	}
	d.Complete = true
	r.emitted[idx] = true
	snapshot := *d
	return StreamEvent{Kind: DeltaToolCallComplete, ToolCall: &snapshot}, true
}

// Turn returns the accumulated assistant turn. Drafts that never received a
// function name are omitted.
func (r *Reducer) Turn() AssistantTurn {
	role := r.role
	if role == "" {
		role = unifiedllm.RoleAssistant
	}
	turn := AssistantTurn{
		Role:         role,
		Content:      r.content.String(),
		Reasoning:    r.reasoning.String(),
		Usage:        r.usage,
		ResponseID:   r.responseID,
		Model:        r.model,
		FinishReason: r.finishReason,
	}
	for _, idx := range r.indexes() {
		d := r.drafts[idx]
		if d.FunctionName == "" {
			continue
		}
		turn.ToolCalls = append(turn.ToolCalls, *d)
	}
	return turn
}

// Chunks returns how many chunks were reduced.
func (r *Reducer) Chunks() int { return r.chunks }

// Choices returns how many first-choice deltas were seen.
func (r *Reducer) Choices() int { return r.choices }

// Rejected returns how many tool call fragments arrived for an index that
// had already been emitted.
func (r *Reducer) Rejected() int { return r.rejected }

func (r *Reducer) indexes() []int {
	idx := make([]int, 0, len(r.drafts))
	for i := range r.drafts {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// argumentsComplete reports whether raw is a whole JSON object or array.
// Scalars are rejected so a number cut mid-stream is never taken as final.
func argumentsComplete(raw string) bool {
	s := strings.TrimSpace(raw)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return false
	}
	return json.Valid([]byte(s))
}

func mergeUsage(acc, next unifiedllm.Usage) unifiedllm.Usage {
	out := unifiedllm.Usage{
		InputTokens:     next.InputTokens,
		OutputTokens:    next.OutputTokens,
		TotalTokens:     next.TotalTokens,
		ReasoningTokens: acc.ReasoningTokens,
	}
	if next.ReasoningTokens != nil {
		n := *next.ReasoningTokens
		out.ReasoningTokens = &n
	}
	return out
}
