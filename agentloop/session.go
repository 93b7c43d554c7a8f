package agentloop

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/martinemde/codeagent/unifiedllm"
	"go.uber.org/zap"
)

// SessionConfig holds configuration for a session.
type SessionConfig struct {
	MaxRounds               int            `json:"max_rounds" yaml:"max_rounds"`
	TaskTimeout             time.Duration  `json:"task_timeout" yaml:"task_timeout"` // 0 = no deadline
	MaxParallelTools        int            `json:"max_parallel_tools" yaml:"max_parallel_tools"`
	DefaultCommandTimeoutMs int            `json:"default_command_timeout_ms" yaml:"default_command_timeout_ms"`
	MaxCommandTimeoutMs     int            `json:"max_command_timeout_ms" yaml:"max_command_timeout_ms"`
	ReasoningEffort         string         `json:"reasoning_effort,omitempty" yaml:"reasoning_effort,omitempty"` // "low", "medium", "high", or ""
	ToolOutputLimits        map[string]int `json:"tool_output_limits,omitempty" yaml:"tool_output_limits,omitempty"`
	ToolLineLimits          map[string]int `json:"tool_line_limits,omitempty" yaml:"tool_line_limits,omitempty"`
	EnableLoopDetection     bool           `json:"enable_loop_detection" yaml:"enable_loop_detection"`
	LoopDetectionWindow     int            `json:"loop_detection_window" yaml:"loop_detection_window"`
	ContextWarningRatio     float64        `json:"context_warning_ratio" yaml:"context_warning_ratio"`
	MaxSubagentDepth        int            `json:"max_subagent_depth" yaml:"max_subagent_depth"`
	UserInstructions        string         `json:"user_instructions,omitempty" yaml:"user_instructions,omitempty"` // appended last to system prompt
	subagentDepth           int            // current nesting depth
}

// DefaultSessionConfig returns the default configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxRounds:               200,
		MaxParallelTools:        8,
		DefaultCommandTimeoutMs: 10000,  // 10 seconds
		MaxCommandTimeoutMs:     600000, // 10 minutes
		EnableLoopDetection:     true,
		LoopDetectionWindow:     10,
		ContextWarningRatio:     0.8,
		MaxSubagentDepth:        1,
	}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger. The default discards everything.
func WithLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithEventSink sets where lifecycle events go.
func WithEventSink(sink EventSink) SessionOption {
	return func(s *Session) { s.sink = sink }
}

// WithPolicy sets the hook consulted before every tool call.
func WithPolicy(policy PolicyHook) SessionOption {
	return func(s *Session) { s.policy = policy }
}

// WithExternalTools makes the tools of an external registry dispatchable.
func WithExternalTools(registry ExternalToolRegistry) SessionOption {
	return func(s *Session) { s.external = registry }
}

// WithClient sets the LLM client. The default is unifiedllm.GetDefaultClient.
func WithClient(client *unifiedllm.Client) SessionOption {
	return func(s *Session) { s.client = client }
}

// WithAskUser answers the ask_user tool.
func WithAskUser(ask AskUserFunc) SessionOption {
	return func(s *Session) { s.askUser = ask }
}

// Session holds everything tasks share: the profile, the execution
// environment, the tool dispatcher and the injected collaborators. Each
// ExecuteTask call runs its own round loop with its own RoundState, so one
// Session can run several tasks at once.
type Session struct {
	id        string
	profile   ProviderProfile
	env       ExecutionEnvironment
	config    SessionConfig
	client    *unifiedllm.Client
	sink      EventSink
	logger    *zap.Logger
	policy    PolicyHook
	external  ExternalToolRegistry
	askUser   AskUserFunc
	registry  *ToolRegistry
	dispatch  *Dispatcher
	subagents *SubAgentManager
	abort     *AbortSignal

	loadExternal sync.Once
	projectDocs  string
	docsOnce     sync.Once

	// inflight tracks tool goroutines a task stopped waiting for. Add only
	// happens under mu while the session is open.
	inflight sync.WaitGroup

	mu sync.Mutex
	// steering holds the queued messages of each running task.
	steering  map[string][]string
	unclaimed []string
	closed    bool
}

// NewSession creates a new session with the given profile, execution
// environment, and optional configuration.
func NewSession(profile ProviderProfile, env ExecutionEnvironment, config *SessionConfig, opts ...SessionOption) *Session {
	cfg := DefaultSessionConfig()
	if config != nil {
		cfg = *config
	}

	s := &Session{
		id:      uuid.New().String(),
		profile: profile,
		env:     env,
		config:  cfg,
		sink:    NopSink{},
		logger:  zap.NewNop(),
		policy:   AllowAll{},
		abort:    NewAbortSignal(),
		steering: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = unifiedllm.GetDefaultClient()
	}
	s.logger = s.logger.With(zap.String("session_id", s.id))

	// Session-scoped tools go on a copy so profiles stay shareable.
	s.registry = profile.ToolRegistry().Clone()
	RegisterTodoTool(s.registry)
	RegisterAskUserTool(s.registry, s.askUser)
	s.subagents = NewSubAgentManager(cfg.MaxSubagentDepth, cfg.subagentDepth)
	if s.subagents.CanSpawn() {
		RegisterSubagentTools(s.registry, s.subagents, s)
	}

	s.dispatch = NewDispatcher(s.registry, env, DispatcherConfig{
		External:   s.external,
		Policy:     s.policy,
		CharLimits: cfg.ToolOutputLimits,
		LineLimits: cfg.ToolLineLimits,
		Logger:     s.logger,
	})
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Config returns the session configuration.
func (s *Session) Config() SessionConfig { return s.config }

// Profile returns the provider profile.
func (s *Session) Profile() ProviderProfile { return s.profile }

// Dispatcher returns the session's tool dispatcher.
func (s *Session) Dispatcher() *Dispatcher { return s.dispatch }

// Steer queues a message for every running task, injected before each
// task's next model call. With no task running, the message waits for the
// next task to start.
func (s *Session) Steer(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steering) == 0 {
		s.unclaimed = append(s.unclaimed, message)
		return
	}
	for id, msgs := range s.steering {
		s.steering[id] = append(msgs, message)
	}
}

// SteerTask queues a message for one running task. It reports false when
// no task with that id is running.
func (s *Session) SteerTask(taskID, message string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.steering[taskID]
	if !ok {
		return false
	}
	s.steering[taskID] = append(msgs, message)
	return true
}

// beginTask registers a running task; it claims messages steered while no
// task was running.
func (s *Session) beginTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.steering[taskID], s.unclaimed...)
	if msgs == nil {
		msgs = []string{}
	}
	s.steering[taskID] = msgs
	s.unclaimed = nil
}

func (s *Session) endTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.steering, taskID)
}

func (s *Session) takeSteering(taskID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.steering[taskID]
	if len(msgs) > 0 {
		s.steering[taskID] = []string{}
	}
	return msgs
}

// startInflight registers a tool goroutine, or reports false once the
// session is closed.
func (s *Session) startInflight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.inflight.Add(1)
	return true
}

// Abort stops every running task of the session at its next checkpoint.
// Tasks started afterwards fail immediately.
func (s *Session) Abort() {
	s.abort.Abort()
}

// Close aborts running tasks, closes nested agents and waits for tool
// calls that tasks stopped waiting for.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.abort.Abort()
	s.subagents.CloseAll()
	s.inflight.Wait()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) ensureExternalTools(ctx context.Context) {
	s.loadExternal.Do(func() {
		if err := s.dispatch.LoadExternalTools(ctx); err != nil {
			s.logger.Warn("external tools unavailable", zap.Error(err))
		}
	})
}

func (s *Session) systemPrompt(extra string) string {
	s.docsOnce.Do(func() {
		s.projectDocs = DiscoverProjectDocs(s.env.WorkingDirectory(), s.profile.ID())
	})
	prompt := s.profile.BuildSystemPrompt(s.env, s.dispatch.Definitions(), s.projectDocs)
	if extra != "" {
		prompt += "\n\n" + extra
	}
	if s.config.UserInstructions != "" {
		prompt += "\n\n# User Instructions\n\n" + s.config.UserInstructions
	}
	return prompt
}

// AbortSignal is a one-way flag observed by a task at its checkpoints.
// The nil signal is never aborted.
type AbortSignal struct {
	once sync.Once
	ch   chan struct{}
}

// NewAbortSignal returns a signal that has not fired.
func NewAbortSignal() *AbortSignal {
	return &AbortSignal{ch: make(chan struct{})}
}

// Abort fires the signal. Calling it more than once is harmless.
func (a *AbortSignal) Abort() {
	if a == nil {
		return
	}
	a.once.Do(func() { close(a.ch) })
}

// Aborted reports whether the signal has fired.
func (a *AbortSignal) Aborted() bool {
	if a == nil {
		return false
	}
	select {
	case <-a.ch:
		return true
	default:
		return false
	}
}
