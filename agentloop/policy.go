package agentloop

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ToolCallRequest is what a policy hook sees: a resolved, validated call.
type ToolCallRequest struct {
	CallID   string
	ToolName string
	Source   ToolSource
	Args     map[string]interface{}
}

// PolicyDecision is returned by PolicyHook.ShouldBlock.
type PolicyDecision struct {
	Blocked bool
	Reason  string
}

// PolicyHook is consulted before every tool call and told about every
// result. Hooks are shared by concurrent tasks and must be safe for
// concurrent use.
type PolicyHook interface {
	ShouldBlock(ctx context.Context, call ToolCallRequest) PolicyDecision
	AfterExecution(ctx context.Context, call ToolCallRequest, result ToolResult)
}

// AllowAll never blocks.
type AllowAll struct{}

func (AllowAll) ShouldBlock(context.Context, ToolCallRequest) PolicyDecision { return PolicyDecision{} }
func (AllowAll) AfterExecution(context.Context, ToolCallRequest, ToolResult) {}

// PolicyChain consults hooks in order; the first block wins. Every hook is
// told about every result.
type PolicyChain []PolicyHook

func (c PolicyChain) ShouldBlock(ctx context.Context, call ToolCallRequest) PolicyDecision {
	for _, h := range c {
		if d := h.ShouldBlock(ctx, call); d.Blocked {
			return d
		}
	}
	return PolicyDecision{}
}

func (c PolicyChain) AfterExecution(ctx context.Context, call ToolCallRequest, result ToolResult) {
	for _, h := range c {
		h.AfterExecution(ctx, call, result)
	}
}

// CommandDenyList blocks shell commands matching any of its patterns.
type CommandDenyList struct {
	patterns []*regexp.Regexp
}

// NewCommandDenyList compiles the given regular expressions.
func NewCommandDenyList(patterns ...string) (*CommandDenyList, error) {
	d := &CommandDenyList{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("deny pattern %q: %w", p, err)
		}
		d.patterns = append(d.patterns, re)
	}
	return d, nil
}

// DefaultDeniedCommands are patterns for commands that are destructive
// outside the workspace.
var DefaultDeniedCommands = []string{
	`(^|[;&|]\s*)rm\s+-[a-zA-Z]*r[a-zA-Z]*f?\s+/(\s|$)`,
	`(^|[;&|]\s*)sudo\s`,
	`\bmkfs(\.\w+)?\b`,
	`:\(\)\s*\{\s*:\|:&\s*\};:`,
	`\bgit\s+push\s+.*--force\b`,
}

func (d *CommandDenyList) ShouldBlock(_ context.Context, call ToolCallRequest) PolicyDecision {
	if call.ToolName != "shell" {
		return PolicyDecision{}
	}
	command, _ := GetStringArg(call.Args, "command")
	for _, re := range d.patterns {
		if re.MatchString(command) {
			return PolicyDecision{Blocked: true, Reason: fmt.Sprintf("command matches denied pattern %q", re.String())}
		}
	}
	return PolicyDecision{}
}

func (d *CommandDenyList) AfterExecution(context.Context, ToolCallRequest, ToolResult) {}

// WorkspaceGuard blocks path-based tools from touching files outside Root.
type WorkspaceGuard struct {
	Root string
}

var pathArgs = []string{"file_path", "path"}

func (g WorkspaceGuard) ShouldBlock(_ context.Context, call ToolCallRequest) PolicyDecision {
	if call.Source != SourceBuiltin || g.Root == "" {
		return PolicyDecision{}
	}
	var paths []string
	for _, key := range pathArgs {
		if p, ok := GetStringArg(call.Args, key); ok && p != "" {
			paths = append(paths, p)
		}
	}
	if call.ToolName == "apply_patch" {
		patch, _ := GetStringArg(call.Args, "patch")
		paths = append(paths, patchPaths(patch)...)
	}
	if call.ToolName == "multi_edit" {
		edits, _ := GetObjectSliceArg(call.Args, "edits")
		for _, e := range edits {
			if p, ok := GetStringArg(e, "file_path"); ok {
				paths = append(paths, p)
			}
		}
	}
	for _, p := range paths {
		if !g.contains(p) {
			return PolicyDecision{Blocked: true, Reason: fmt.Sprintf("path %s is outside the workspace %s", p, g.Root)}
		}
	}
	return PolicyDecision{}
}

func (g WorkspaceGuard) AfterExecution(context.Context, ToolCallRequest, ToolResult) {}

func (g WorkspaceGuard) contains(path string) bool {
	root := filepath.Clean(g.Root)
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	rel, err := filepath.Rel(root, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// patchPaths lists the file paths named by a v4a patch.
func patchPaths(patch string) []string {
	var out []string
	for _, line := range strings.Split(patch, "\n") {
		line = strings.TrimSpace(line)
		for _, prefix := range []string{"*** Add File: ", "*** Delete File: ", "*** Update File: ", "*** Move to: "} {
			if strings.HasPrefix(line, prefix) {
				out = append(out, strings.TrimPrefix(line, prefix))
			}
		}
	}
	return out
}
