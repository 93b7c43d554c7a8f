package agentloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SubAgentStatus represents the lifecycle state of a subagent.
type SubAgentStatus string

const (
	SubAgentRunning   SubAgentStatus = "running"
	SubAgentCompleted SubAgentStatus = "completed"
	SubAgentFailed    SubAgentStatus = "failed"
)

// defaultSubagentRounds bounds a subagent when spawn_agent gives no limit.
const defaultSubagentRounds = 50

// SubAgentHandle tracks a running subagent. Its task runs in its own
// Session with its own round state; only the event sink is shared.
type SubAgentHandle struct {
	ID      string
	Session *Session
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	status SubAgentStatus
	result TaskResult
}

// Status returns the current status.
func (h *SubAgentHandle) Status() SubAgentStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Done is closed when the subagent's task has finished.
func (h *SubAgentHandle) Done() <-chan struct{} { return h.done }

// Result returns the task result; it is only meaningful after Done.
func (h *SubAgentHandle) Result() TaskResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// SubAgentManager manages child agents for a parent session.
type SubAgentManager struct {
	agents   map[string]*SubAgentHandle
	mu       sync.RWMutex
	maxDepth int
	depth    int
}

// NewSubAgentManager creates a new subagent manager.
func NewSubAgentManager(maxDepth, currentDepth int) *SubAgentManager {
	return &SubAgentManager{
		agents:   make(map[string]*SubAgentHandle),
		maxDepth: maxDepth,
		depth:    currentDepth,
	}
}

// CanSpawn returns true if nesting depth allows spawning.
func (m *SubAgentManager) CanSpawn() bool {
	return m.depth < m.maxDepth
}

// Spawn starts a child session for the given task and returns at once.
func (m *SubAgentManager) Spawn(parent *Session, input TaskInput) (*SubAgentHandle, error) {
	if !m.CanSpawn() {
		return nil, fmt.Errorf("maximum subagent depth (%d) reached", m.maxDepth)
	}

	cfg := parent.config
	cfg.MaxSubagentDepth = m.maxDepth
	cfg.subagentDepth = m.depth + 1
	child := NewSession(parent.profile, parent.env, &cfg,
		WithClient(parent.client),
		WithEventSink(parent.sink),
		WithLogger(parent.logger.Named("subagent")),
		WithPolicy(parent.policy),
		WithExternalTools(parent.external),
		WithAskUser(parent.askUser),
	)

	if input.ID == "" {
		input.ID = uuid.New().String()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &SubAgentHandle{
		ID:      input.ID,
		Session: child,
		cancel:  cancel,
		done:    make(chan struct{}),
		status:  SubAgentRunning,
	}

	m.mu.Lock()
	m.agents[h.ID] = h
	m.mu.Unlock()

	go func() {
		defer close(h.done)
		defer cancel()
		result := child.ExecuteTask(ctx, input)
		h.mu.Lock()
		h.result = result
		if result.Success {
			h.status = SubAgentCompleted
		} else {
			h.status = SubAgentFailed
		}
		h.mu.Unlock()
	}()
	return h, nil
}

// Get returns a subagent handle by ID.
func (m *SubAgentManager) Get(id string) *SubAgentHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agents[id]
}

// Close aborts a subagent and waits for its task to finish.
func (m *SubAgentManager) Close(id string) error {
	h := m.Get(id)
	if h == nil {
		return fmt.Errorf("subagent %s not found", id)
	}
	h.Session.Abort()
	h.cancel()
	<-h.done
	h.Session.Close()
	return nil
}

// CloseAll closes every subagent.
func (m *SubAgentManager) CloseAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_ = m.Close(id)
	}
}

func formatSubagentResult(h *SubAgentHandle) string {
	r := h.Result()
	if r.Success {
		return fmt.Sprintf("Status: %s\nRounds used: %d\nOutput:\n%s", h.Status(), r.RoundsUsed, r.Output)
	}
	return fmt.Sprintf("Status: %s\nRounds used: %d\nError (%s): %s", h.Status(), r.RoundsUsed, r.ErrorKind, r.Error)
}

// RegisterSubagentTools registers spawn_agent, send_input, wait, and
// close_agent on reg. Subagents inherit the parent session's profile,
// environment and collaborators.
func RegisterSubagentTools(reg *ToolRegistry, manager *SubAgentManager, parent *Session) {
	agentIDParam := map[string]interface{}{
		"type":        "string",
		"description": "The subagent ID.",
	}

	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "spawn_agent",
			Description: "Spawn a subagent to handle a scoped task autonomously.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"task": map[string]interface{}{
						"type":        "string",
						"description": "Natural language task description.",
					},
					"working_dir": map[string]interface{}{
						"type":        "string",
						"description": "Subdirectory to scope the agent to.",
					},
					"max_rounds": map[string]interface{}{
						"type":        "integer",
						"description": "Round limit for the subagent. Default: 50.",
					},
				},
				"required": []string{"task"},
			},
		},
		Executor: func(_ context.Context, args map[string]interface{}, _ ExecutionEnvironment) (ToolOutput, error) {
			task, _ := GetStringArg(args, "task")
			if task == "" {
				return ToolOutput{}, fmt.Errorf("task is required")
			}
			input := TaskInput{Name: "subagent", Prompt: task, MaxRounds: defaultSubagentRounds}
			if n, ok := GetIntArg(args, "max_rounds"); ok && n > 0 {
				input.MaxRounds = n
			}
			if dir, ok := GetStringArg(args, "working_dir"); ok && dir != "" {
				input.SystemContext = fmt.Sprintf("Confine your work to the directory %s.", dir)
			}
			h, err := manager.Spawn(parent, input)
			if err != nil {
				return ToolOutput{}, err
			}
			return ToolOutput{Text: fmt.Sprintf("Subagent spawned with ID: %s\nStatus: %s", h.ID, h.Status())}, nil
		},
	})

	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "send_input",
			Description: "Send a message to a running subagent. It is injected before the subagent's next model call.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"agent_id": agentIDParam,
					"message": map[string]interface{}{
						"type":        "string",
						"description": "Message to send.",
					},
				},
				"required": []string{"agent_id", "message"},
			},
		},
		Executor: func(_ context.Context, args map[string]interface{}, _ ExecutionEnvironment) (ToolOutput, error) {
			agentID, _ := GetStringArg(args, "agent_id")
			message, _ := GetStringArg(args, "message")
			h := manager.Get(agentID)
			if h == nil {
				return ToolOutput{}, fmt.Errorf("subagent %s not found", agentID)
			}
			if h.Status() != SubAgentRunning {
				return ToolOutput{}, fmt.Errorf("subagent %s is no longer running", agentID)
			}
			h.Session.Steer(message)
			return ToolOutput{Text: fmt.Sprintf("Message sent to subagent %s", agentID)}, nil
		},
	})

	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "wait",
			Description: "Wait for a subagent to complete and return its result.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"agent_id": agentIDParam,
					"timeout_ms": map[string]interface{}{
						"type":        "integer",
						"description": "Give up waiting after this many milliseconds. Default: wait until done.",
					},
				},
				"required": []string{"agent_id"},
			},
		},
		Executor: func(ctx context.Context, args map[string]interface{}, _ ExecutionEnvironment) (ToolOutput, error) {
			agentID, _ := GetStringArg(args, "agent_id")
			h := manager.Get(agentID)
			if h == nil {
				return ToolOutput{}, fmt.Errorf("subagent %s not found", agentID)
			}
			if ms, ok := GetIntArg(args, "timeout_ms"); ok && ms > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
				defer cancel()
			}
			select {
			case <-h.Done():
				return ToolOutput{Text: formatSubagentResult(h)}, nil
			case <-ctx.Done():
				return ToolOutput{Text: fmt.Sprintf("Status: %s\nSubagent %s is still running.", h.Status(), agentID)}, nil
			}
		},
	})

	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "close_agent",
			Description: "Terminate a subagent.",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"agent_id": agentIDParam},
				"required":   []string{"agent_id"},
			},
		},
		Executor: func(_ context.Context, args map[string]interface{}, _ ExecutionEnvironment) (ToolOutput, error) {
			agentID, _ := GetStringArg(args, "agent_id")
			if err := manager.Close(agentID); err != nil {
				return ToolOutput{}, err
			}
			return ToolOutput{Text: fmt.Sprintf("Subagent %s terminated", agentID)}, nil
		},
	})
}
