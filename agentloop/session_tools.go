package agentloop

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// TodoItem is one entry of a task's todo list.
type TodoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// Todo statuses accepted by todo_write.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
)

// TodoList is the list the model maintains through todo_write. Each write
// replaces the whole list.
type TodoList struct {
	mu    sync.Mutex
	items []TodoItem
}

// Items returns a copy of the current list.
func (l *TodoList) Items() []TodoItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TodoItem(nil), l.items...)
}

func (l *TodoList) replace(items []TodoItem) {
	l.mu.Lock()
	l.items = items
	l.mu.Unlock()
}

func (l *TodoList) render() string {
	items := l.Items()
	if len(items) == 0 {
		return "Todo list is empty."
	}
	var sb strings.Builder
	for i, it := range items {
		mark := " "
		switch it.Status {
		case TodoInProgress:
			mark = "~"
		case TodoCompleted:
			mark = "x"
		}
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, mark, it.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

type todoListKey struct{}

// withTodoList attaches the running task's todo list to ctx.
func withTodoList(ctx context.Context, list *TodoList) context.Context {
	return context.WithValue(ctx, todoListKey{}, list)
}

func todoListFrom(ctx context.Context) (*TodoList, bool) {
	list, ok := ctx.Value(todoListKey{}).(*TodoList)
	return list, ok
}

// RegisterTodoTool registers todo_write. Each task keeps its own list,
// reported in TaskResult.Todos.
func RegisterTodoTool(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "todo_write",
			Description: "Replace the task's todo list. Use it to plan multi-step work and track progress.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"todos": map[string]interface{}{
						"type": "array",
						"items": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"content": map[string]interface{}{"type": "string"},
								"status": map[string]interface{}{
									"type": "string",
									"enum": []string{TodoPending, TodoInProgress, TodoCompleted},
								},
							},
							"required": []string{"content", "status"},
						},
					},
				},
				"required": []string{"todos"},
			},
		},
		Executor: func(ctx context.Context, args map[string]interface{}, _ ExecutionEnvironment) (ToolOutput, error) {
			list, ok := todoListFrom(ctx)
			if !ok {
				return ToolOutput{}, fmt.Errorf("todo_write can only be used inside a task")
			}
			raw, ok := GetObjectSliceArg(args, "todos")
			if !ok {
				return ToolOutput{}, fmt.Errorf("todos must be an array of objects")
			}
			items := make([]TodoItem, 0, len(raw))
			for _, r := range raw {
				content, _ := GetStringArg(r, "content")
				status, _ := GetStringArg(r, "status")
				items = append(items, TodoItem{Content: content, Status: status})
			}
			list.replace(items)
			return ToolOutput{Text: list.render()}, nil
		},
	})
}

// AskUserFunc answers a question the model asks. options may be empty.
type AskUserFunc func(ctx context.Context, question string, options []string) (string, error)

// RegisterAskUserTool registers ask_user. With a nil ask the tool reports
// that nobody is available so the model proceeds on its own.
func RegisterAskUserTool(reg *ToolRegistry, ask AskUserFunc) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "ask_user",
			Description: "Ask the user a clarifying question and wait for the answer.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"question": map[string]interface{}{
						"type":        "string",
						"description": "The question to ask.",
					},
					"options": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Optional list of suggested answers.",
					},
				},
				"required": []string{"question"},
			},
		},
		Executor: func(ctx context.Context, args map[string]interface{}, _ ExecutionEnvironment) (ToolOutput, error) {
			question, _ := GetStringArg(args, "question")
			if question == "" {
				return ToolOutput{}, fmt.Errorf("question is required")
			}
			if ask == nil {
				return ToolOutput{Text: "No user is available to answer. Proceed with your best judgement and state your assumptions."}, nil
			}
			var options []string
			if raw, ok := args["options"].([]interface{}); ok {
				for _, o := range raw {
					if s, ok := o.(string); ok {
						options = append(options, s)
					}
				}
			}
			answer, err := ask(ctx, question, options)
			if err != nil {
				return ToolOutput{}, err
			}
			return ToolOutput{Text: answer}, nil
		},
	})
}
