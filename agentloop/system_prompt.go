package agentloop

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const maxProjectDocBytes = 32 * 1024

const gitTimeout = 5 * time.Second

// projectDocFiles lists instruction files by provider. The "" entry is
// loaded for every provider.
var projectDocFiles = map[string][]string{
	"":          {"AGENTS.md", "CODEAGENT.md"},
	"anthropic": {"CLAUDE.md"},
	"gemini":    {"GEMINI.md"},
	"openai":    {".codex/instructions.md"},
}

// buildSystemPrompt assembles a profile's prompt: base instructions, the
// environment block, git state, the profile's tools and project docs.
func buildSystemPrompt(base string, env ExecutionEnvironment, model string, tools []ToolDefinition, projectDocs string) string {
	sections := []string{base, BuildEnvironmentContext(env, model)}
	if gitCtx := GetGitContext(env.WorkingDirectory()); gitCtx != "" {
		sections = append(sections, gitCtx)
	}

	var sb strings.Builder
	sb.WriteString("# Available Tools\n")
	for _, def := range tools {
		fmt.Fprintf(&sb, "\n## %s\n%s\n", def.Name, def.Description)
	}
	sections = append(sections, strings.TrimRight(sb.String(), "\n"))

	if projectDocs != "" {
		sections = append(sections, "# Project Instructions\n\n"+projectDocs)
	}
	return strings.Join(sections, "\n\n")
}

// BuildEnvironmentContext generates the structured environment context block.
func BuildEnvironmentContext(env ExecutionEnvironment, model string) string {
	workingDir := env.WorkingDirectory()
	branch := git(workingDir, "rev-parse", "--abbrev-ref", "HEAD")

	lines := []string{
		"Working directory: " + workingDir,
		fmt.Sprintf("Is git repository: %v", branch != ""),
	}
	if branch != "" {
		lines = append(lines, "Git branch: "+branch)
	}
	lines = append(lines,
		"Platform: "+env.Platform(),
		"OS version: "+env.OSVersion(),
		"Today's date: "+time.Now().Format("2006-01-02"),
	)
	if model != "" {
		lines = append(lines, "Model: "+model)
	}
	return "<environment>\n" + strings.Join(lines, "\n") + "\n</environment>"
}

// DiscoverProjectDocs loads instruction files from the repository root
// down to the working directory. Deeper files come later so they read as
// overrides. The total is capped at 32KB.
func DiscoverProjectDocs(workingDir string, provider string) string {
	root := git(workingDir, "rev-parse", "--show-toplevel")
	if root == "" {
		root = workingDir
	}
	names := append(append([]string(nil), projectDocFiles[""]...), projectDocFiles[provider]...)

	var docs []string
	remaining := maxProjectDocBytes
	for _, dir := range collectPathHierarchy(root, workingDir) {
		for _, name := range names {
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			if remaining <= 0 {
				docs = append(docs, "[Project instructions truncated at 32KB]")
				return strings.Join(docs, "\n\n---\n\n")
			}
			text := string(content)
			if len(text) > remaining {
				text = text[:remaining] + "\n[Project instructions truncated at 32KB]"
			}
			remaining -= len(text)
			docs = append(docs, fmt.Sprintf("# %s (from %s)\n\n%s", name, dir, text))
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// GetGitContext summarizes branch, dirty files and recent commits, or
// returns "" outside a repository.
func GetGitContext(workingDir string) string {
	root := git(workingDir, "rev-parse", "--show-toplevel")
	if root == "" {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("<git_context>\n")
	if branch := git(root, "rev-parse", "--abbrev-ref", "HEAD"); branch != "" {
		fmt.Fprintf(&sb, "Branch: %s\n", branch)
	}
	if status := git(root, "status", "--short"); status != "" {
		fmt.Fprintf(&sb, "Modified/untracked files: %d\n", len(strings.Split(status, "\n")))
	}
	if log := git(root, "log", "--oneline", "-10"); log != "" {
		sb.WriteString("Recent commits:\n" + log + "\n")
	}
	sb.WriteString("</git_context>")
	return sb.String()
}

// collectPathHierarchy returns directories from root to target, inclusive.
// A target outside root yields just root.
func collectPathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	rel, err := filepath.Rel(root, filepath.Clean(target))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return []string{root}
	}
	dirs := []string{root}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

// git runs a git command in dir and returns its trimmed output, or "" on
// any failure.
func git(dir string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
