package agentloop

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/martinemde/codeagent/unifiedllm"
	"go.uber.org/zap"
)

// EventKind identifies the type of a lifecycle event.
type EventKind string

const (
	EventRoundStarted        EventKind = "round:started"
	EventRoundCompleted      EventKind = "round:completed"
	EventToolCallReady       EventKind = "tool-call:ready"
	EventToolCall            EventKind = "tool-call"
	EventToolResult          EventKind = "tool-result"
	EventPhaseStarted        EventKind = "phase:started"
	EventPhaseCompleted      EventKind = "phase:completed"
	EventPhaseFailed         EventKind = "phase:failed"
	EventTaskCompleted       EventKind = "task-completed"
	EventTaskFailed          EventKind = "task-failed"
	EventContentDelta        EventKind = "content-delta"
	EventReasoningDelta      EventKind = "reasoning-delta"
	EventUsage               EventKind = "usage"
	EventSteering            EventKind = "steering"
	EventLoopDetected        EventKind = "loop-detected"
	EventContextWarning      EventKind = "context-warning"
	EventCorrectionAttempt   EventKind = "correction:attempt"
	EventCorrectionExhausted EventKind = "correction:exhausted"
)

// Event is the closed set of lifecycle events. Only types in this package
// can implement it.
type Event interface {
	Kind() EventKind
	Header() EventHeader
	isEvent()
}

// EventHeader carries the fields shared by every event.
type EventHeader struct {
	TaskID string    `json:"task_id"`
	At     time.Time `json:"at"`
}

func (h EventHeader) Header() EventHeader { return h }
func (EventHeader) isEvent()              {}

func header(taskID string) EventHeader {
	return EventHeader{TaskID: taskID, At: time.Now()}
}

type RoundStartedEvent struct {
	EventHeader
	Round int `json:"round"`
}

type RoundCompletedEvent struct {
	EventHeader
	Round     int `json:"round"`
	ToolCalls int `json:"tool_calls"`
}

// ToolCallReadyEvent fires once when the reducer sees a tool call become
// complete, before validation or dispatch.
type ToolCallReadyEvent struct {
	EventHeader
	Call ToolCallDraft `json:"call"`
}

// ToolCallEvent fires when a validated tool call is about to be dispatched.
type ToolCallEvent struct {
	EventHeader
	CallID    string `json:"call_id"`
	ToolName  string `json:"tool_name"`
	Arguments string `json:"arguments"`
}

// ToolResultEvent carries the full, untruncated output of a tool call.
type ToolResultEvent struct {
	EventHeader
	Result    ToolResult `json:"result"`
	RawOutput string     `json:"raw_output,omitempty"`
}

type PhaseStartedEvent struct {
	EventHeader
	PhaseID string `json:"phase_id"`
	Title   string `json:"title"`
}

type PhaseCompletedEvent struct {
	EventHeader
	PhaseID    string `json:"phase_id"`
	DurationMs int64  `json:"duration_ms"`
}

type PhaseFailedEvent struct {
	EventHeader
	PhaseID string `json:"phase_id"`
	Error   string `json:"error"`
	Blocked bool   `json:"blocked,omitempty"`
}

type TaskCompletedEvent struct {
	EventHeader
	Output     string `json:"output"`
	RoundsUsed int    `json:"rounds_used"`
}

type TaskFailedEvent struct {
	EventHeader
	Error     string    `json:"error"`
	ErrorKind ErrorKind `json:"error_kind"`
}

type ContentDeltaEvent struct {
	EventHeader
	Text string `json:"text"`
}

type ReasoningDeltaEvent struct {
	EventHeader
	Text string `json:"text"`
}

// UsageEvent reports token usage for one model call and the running total
// for the task.
type UsageEvent struct {
	EventHeader
	Usage unifiedllm.Usage `json:"usage"`
	Total unifiedllm.Usage `json:"total"`
}

type SteeringEvent struct {
	EventHeader
	Content string `json:"content"`
}

type LoopDetectedEvent struct {
	EventHeader
	Message string `json:"message"`
}

type ContextWarningEvent struct {
	EventHeader
	Percent int `json:"percent"`
}

type CorrectionAttemptEvent struct {
	EventHeader
	Attempt CorrectionAttempt `json:"attempt"`
}

type CorrectionExhaustedEvent struct {
	EventHeader
	Summary  string `json:"summary"`
	Attempts int    `json:"attempts"`
}

func (RoundStartedEvent) Kind() EventKind        { return EventRoundStarted }
func (RoundCompletedEvent) Kind() EventKind      { return EventRoundCompleted }
func (ToolCallReadyEvent) Kind() EventKind       { return EventToolCallReady }
func (ToolCallEvent) Kind() EventKind            { return EventToolCall }
func (ToolResultEvent) Kind() EventKind          { return EventToolResult }
func (PhaseStartedEvent) Kind() EventKind        { return EventPhaseStarted }
func (PhaseCompletedEvent) Kind() EventKind      { return EventPhaseCompleted }
func (PhaseFailedEvent) Kind() EventKind         { return EventPhaseFailed }
func (TaskCompletedEvent) Kind() EventKind       { return EventTaskCompleted }
func (TaskFailedEvent) Kind() EventKind          { return EventTaskFailed }
func (ContentDeltaEvent) Kind() EventKind        { return EventContentDelta }
func (ReasoningDeltaEvent) Kind() EventKind      { return EventReasoningDelta }
func (UsageEvent) Kind() EventKind               { return EventUsage }
func (SteeringEvent) Kind() EventKind            { return EventSteering }
func (LoopDetectedEvent) Kind() EventKind        { return EventLoopDetected }
func (ContextWarningEvent) Kind() EventKind      { return EventContextWarning }
func (CorrectionAttemptEvent) Kind() EventKind   { return EventCorrectionAttempt }
func (CorrectionExhaustedEvent) Kind() EventKind { return EventCorrectionExhausted }

// EventSink receives lifecycle events. Emit must not block the caller for
// long and must be safe for concurrent use.
type EventSink interface {
	Emit(Event)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// ChannelSink delivers events to the host application via a buffered
// channel. Streaming and progress events are dropped when the buffer is
// full so a slow consumer never stalls a task. Task and phase lifecycle
// events are never dropped: when the buffer is full they queue in order
// behind it and reach the channel as the consumer drains.
type ChannelSink struct {
	mu      sync.Mutex
	ch      chan Event
	pending []Event
	pumping bool
	closed  bool
	dropped atomic.Int64
}

// NewChannelSink creates a ChannelSink. A non-positive size uses 256.
func NewChannelSink(bufferSize int) *ChannelSink {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &ChannelSink{ch: make(chan Event, bufferSize)}
}

// alwaysDelivered reports whether e is a task or phase lifecycle event, or
// correction exhaustion.
func alwaysDelivered(e Event) bool {
	switch e.Kind() {
	case EventTaskCompleted, EventTaskFailed,
		EventPhaseStarted, EventPhaseCompleted, EventPhaseFailed,
		EventCorrectionExhausted:
		return true
	}
	return false
}

func (s *ChannelSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	// Queued lifecycle events go first.
	if !s.pumping {
		select {
		case s.ch <- e:
			return
		default:
		}
	}
	if !alwaysDelivered(e) {
		s.dropped.Add(1)
		return
	}
	s.pending = append(s.pending, e)
	if !s.pumping {
		s.pumping = true
		go s.pump()
	}
}

// pump moves queued lifecycle events into the channel, blocking on the
// consumer. It closes the channel if Close ran while events were queued.
func (s *ChannelSink) pump() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.pumping = false
			if s.closed {
				close(s.ch)
			}
			s.mu.Unlock()
			return
		}
		e := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		s.ch <- e
	}
}

// Events returns the read-only event channel.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *ChannelSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting events. The channel closes once every queued
// lifecycle event has been delivered. Safe to call multiple times.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if !s.pumping {
		close(s.ch)
	}
}

// RecordingSink keeps every event in memory. Useful for tests and reports.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *RecordingSink) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *RecordingSink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kinds of the recorded events in order.
func (r *RecordingSink) Kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind()
	}
	return out
}

// Count returns how many events of kind were recorded.
func (r *RecordingSink) Count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind() == kind {
			n++
		}
	}
	return n
}

// LogSink writes events to a zap logger. Streaming deltas are logged at
// debug level, everything else at info.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Emit(e Event) {
	if s.Logger == nil {
		return
	}
	h := e.Header()
	fields := []zap.Field{zap.String("kind", string(e.Kind())), zap.String("task_id", h.TaskID)}
	switch ev := e.(type) {
	case ContentDeltaEvent, ReasoningDeltaEvent:
		s.Logger.Debug("stream delta", fields...)
		return
	case ToolCallEvent:
		fields = append(fields, zap.String("tool", ev.ToolName), zap.String("call_id", ev.CallID))
	case ToolResultEvent:
		fields = append(fields,
			zap.String("tool", ev.Result.ToolName),
			zap.String("call_id", ev.Result.CallID),
			zap.Bool("success", ev.Result.Success))
	case TaskFailedEvent:
		fields = append(fields, zap.String("error", ev.Error), zap.String("error_kind", string(ev.ErrorKind)))
		s.Logger.Warn("task failed", fields...)
		return
	case PhaseFailedEvent:
		fields = append(fields, zap.String("phase", ev.PhaseID), zap.String("error", ev.Error))
		s.Logger.Warn("phase failed", fields...)
		return
	case RoundStartedEvent:
		fields = append(fields, zap.Int("round", ev.Round))
	case UsageEvent:
		fields = append(fields, zap.Int("total_tokens", ev.Total.TotalTokens))
	}
	s.Logger.Info("agent event", fields...)
}
