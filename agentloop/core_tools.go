package agentloop

import (
	"context"
	"fmt"
	"strings"
)

// RegisterCoreTools registers the shared core tools on a ToolRegistry.
// The tools delegate to the provided ExecutionEnvironment.
func RegisterCoreTools(reg *ToolRegistry, defaultTimeoutMs int, maxTimeoutMs int) {
	registerReadFile(reg)
	registerWriteFile(reg)
	registerCreateFile(reg)
	registerEditFile(reg)
	registerMultiEdit(reg)
	registerShell(reg, defaultTimeoutMs, maxTimeoutMs)
	registerGrep(reg)
	registerGlob(reg)
	registerListDir(reg)
}

func registerReadFile(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "read_file",
			Description: "Read a file from the filesystem. Returns line-numbered content.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"file_path": map[string]interface{}{
						"type":        "string",
						"description": "Absolute path to the file to read.",
					},
					"offset": map[string]interface{}{
						"type":        "integer",
						"description": "1-based line number to start reading from.",
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum number of lines to read. Default: 2000.",
					},
				},
				"required": []string{"file_path"},
			},
		},
		Executor: func(_ context.Context, args map[string]interface{}, env ExecutionEnvironment) (ToolOutput, error) {
			filePath, _ := GetStringArg(args, "file_path")
			if filePath == "" {
				return ToolOutput{}, fmt.Errorf("file_path is required")
			}
			offset, _ := GetIntArg(args, "offset")
			limit, _ := GetIntArg(args, "limit")
			if limit == 0 {
				limit = 2000
			}
			text, err := env.ReadFile(filePath, offset, limit)
			return ToolOutput{Text: text}, err
		},
	})
}

func registerWriteFile(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "write_file",
			Description: "Write content to a file. Creates the file and parent directories if needed.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"file_path": map[string]interface{}{
						"type":        "string",
						"description": "Absolute path to write to.",
					},
					"content": map[string]interface{}{
						"type":        "string",
						"description": "The full file content to write.",
					},
				},
				"required": []string{"file_path", "content"},
			},
		},
		Executor: func(_ context.Context, args map[string]interface{}, env ExecutionEnvironment) (ToolOutput, error) {
			filePath, _ := GetStringArg(args, "file_path")
			if filePath == "" {
				return ToolOutput{}, fmt.Errorf("file_path is required")
			}
			content, _ := GetStringArg(args, "content")
			existed := env.FileExists(filePath)
			if err := env.WriteFile(filePath, content); err != nil {
				return ToolOutput{}, err
			}
			out := ToolOutput{Text: fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), filePath)}
			if existed {
				out.Modified = []string{filePath}
			} else {
				out.Created = []string{filePath}
			}
			return out, nil
		},
	})
}

func registerCreateFile(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "create_file",
			Description: "Create a new file. Fails if the file already exists.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"file_path": map[string]interface{}{
						"type":        "string",
						"description": "Path of the file to create.",
					},
					"content": map[string]interface{}{
						"type":        "string",
						"description": "Initial file content.",
					},
				},
				"required": []string{"file_path", "content"},
			},
		},
		Executor: func(_ context.Context, args map[string]interface{}, env ExecutionEnvironment) (ToolOutput, error) {
			filePath, _ := GetStringArg(args, "file_path")
			if filePath == "" {
				return ToolOutput{}, fmt.Errorf("file_path is required")
			}
			if env.FileExists(filePath) {
				return ToolOutput{}, fmt.Errorf("%s already exists; use edit_file or write_file to change it", filePath)
			}
			content, _ := GetStringArg(args, "content")
			if err := env.WriteFile(filePath, content); err != nil {
				return ToolOutput{}, err
			}
			return ToolOutput{
				Text:    fmt.Sprintf("Created %s (%d bytes)", filePath, len(content)),
				Created: []string{filePath},
			}, nil
		},
	})
}

func registerEditFile(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "edit_file",
			Description: "Replace an exact string occurrence in a file. The old_string must be unique in the file unless replace_all is true.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"file_path": map[string]interface{}{
						"type":        "string",
						"description": "Path to the file to edit.",
					},
					"old_string": map[string]interface{}{
						"type":        "string",
						"description": "Exact text to find in the file.",
					},
					"new_string": map[string]interface{}{
						"type":        "string",
						"description": "Replacement text.",
					},
					"replace_all": map[string]interface{}{
						"type":        "boolean",
						"description": "Replace all occurrences. Default: false.",
					},
				},
				"required": []string{"file_path", "old_string", "new_string"},
			},
		},
		Executor: func(_ context.Context, args map[string]interface{}, env ExecutionEnvironment) (ToolOutput, error) {
			filePath, _ := GetStringArg(args, "file_path")
			if filePath == "" {
				return ToolOutput{}, fmt.Errorf("file_path is required")
			}
			oldString, _ := GetStringArg(args, "old_string")
			newString, _ := GetStringArg(args, "new_string")
			replaceAll, _ := GetBoolArg(args, "replace_all")

			raw, err := env.ReadRawFile(filePath)
			if err != nil {
				return ToolOutput{}, fmt.Errorf("file not found: %s", filePath)
			}
			updated, n, err := replaceExact(raw, oldString, newString, replaceAll, filePath)
			if err != nil {
				return ToolOutput{}, err
			}
			if err := env.WriteFile(filePath, updated); err != nil {
				return ToolOutput{}, err
			}
			return ToolOutput{
				Text:     fmt.Sprintf("Successfully replaced %d occurrence(s) in %s", n, filePath),
				Modified: []string{filePath},
			}, nil
		},
	})
}

// replaceExact performs one edit_file replacement and returns the new
// content and the number of replacements.
func replaceExact(content, oldString, newString string, replaceAll bool, path string) (string, int, error) {
	if oldString == "" {
		return "", 0, fmt.Errorf("old_string must not be empty")
	}
	count := strings.Count(content, oldString)
	if count == 0 {
		return "", 0, fmt.Errorf("old_string not found in %s", path)
	}
	if count > 1 && !replaceAll {
		return "", 0, fmt.Errorf("old_string found %d times in %s. Provide more context to make it unique, or set replace_all=true", count, path)
	}
	if replaceAll {
		return strings.ReplaceAll(content, oldString, newString), count, nil
	}
	return strings.Replace(content, oldString, newString, 1), 1, nil
}

func registerMultiEdit(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "multi_edit",
			Description: "Apply several exact-string replacements to one file atomically. Edits apply in order; if any edit fails, the file is left unchanged.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"file_path": map[string]interface{}{
						"type":        "string",
						"description": "Path to the file to edit.",
					},
					"edits": map[string]interface{}{
						"type":        "array",
						"description": "Replacements to apply in order.",
						"items": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"old_string":  map[string]interface{}{"type": "string"},
								"new_string":  map[string]interface{}{"type": "string"},
								"replace_all": map[string]interface{}{"type": "boolean"},
							},
							"required": []string{"old_string", "new_string"},
						},
					},
				},
				"required": []string{"file_path", "edits"},
			},
		},
		Executor: func(_ context.Context, args map[string]interface{}, env ExecutionEnvironment) (ToolOutput, error) {
			filePath, _ := GetStringArg(args, "file_path")
			if filePath == "" {
				return ToolOutput{}, fmt.Errorf("file_path is required")
			}
			edits, ok := GetObjectSliceArg(args, "edits")
			if !ok || len(edits) == 0 {
				return ToolOutput{}, fmt.Errorf("edits must be a non-empty array of objects")
			}
			content, err := env.ReadRawFile(filePath)
			if err != nil {
				return ToolOutput{}, fmt.Errorf("file not found: %s", filePath)
			}
			total := 0
			for i, e := range edits {
				oldString, _ := GetStringArg(e, "old_string")
				newString, _ := GetStringArg(e, "new_string")
				replaceAll, _ := GetBoolArg(e, "replace_all")
				var n int
				content, n, err = replaceExact(content, oldString, newString, replaceAll, filePath)
				if err != nil {
					return ToolOutput{}, fmt.Errorf("edit %d: %w", i+1, err)
				}
				total += n
			}
			if err := env.WriteFile(filePath, content); err != nil {
				return ToolOutput{}, err
			}
			return ToolOutput{
				Text:     fmt.Sprintf("Applied %d edit(s), %d replacement(s) in %s", len(edits), total, filePath),
				Modified: []string{filePath},
			}, nil
		},
	})
}

func registerShell(reg *ToolRegistry, defaultTimeoutMs int, maxTimeoutMs int) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "shell",
			Description: "Execute a shell command. Returns stdout, stderr, and exit code.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"command": map[string]interface{}{
						"type":        "string",
						"description": "The command to run.",
					},
					"timeout_ms": map[string]interface{}{
						"type":        "integer",
						"description": "Override the default command timeout in milliseconds.",
					},
					"description": map[string]interface{}{
						"type":        "string",
						"description": "Human-readable description of what this command does.",
					},
				},
				"required": []string{"command"},
			},
		},
		Executor: func(ctx context.Context, args map[string]interface{}, env ExecutionEnvironment) (ToolOutput, error) {
			command, _ := GetStringArg(args, "command")
			if command == "" {
				return ToolOutput{}, fmt.Errorf("command is required")
			}
			timeoutMs, _ := GetIntArg(args, "timeout_ms")
			if timeoutMs <= 0 {
				timeoutMs = defaultTimeoutMs
			}
			if maxTimeoutMs > 0 && timeoutMs > maxTimeoutMs {
				timeoutMs = maxTimeoutMs
			}

			result, err := env.ExecCommand(ctx, command, timeoutMs, "", nil)
			if err != nil {
				return ToolOutput{}, err
			}

			var sb strings.Builder
			sb.WriteString(result.Output())

			if result.TimedOut {
				fmt.Fprintf(&sb, "\n\n[ERROR: Command timed out after %dms. Partial output is shown above.\n"+
					"You can retry with a longer timeout by setting the timeout_ms parameter.]", timeoutMs)
			}

			if result.ExitCode != 0 && !result.TimedOut {
				fmt.Fprintf(&sb, "\n\n[Exit code: %d]", result.ExitCode)
			}

			return ToolOutput{Text: sb.String()}, nil
		},
	})
}

func registerGrep(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "grep",
			Description: "Search file contents using regex patterns. Returns matching lines with file paths and line numbers.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"pattern": map[string]interface{}{
						"type":        "string",
						"description": "Regex pattern to search for.",
					},
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Directory or file to search. Default: working directory.",
					},
					"glob_filter": map[string]interface{}{
						"type":        "string",
						"description": "File pattern filter (e.g., \"*.py\").",
					},
					"case_insensitive": map[string]interface{}{
						"type":        "boolean",
						"description": "Case insensitive search. Default: false.",
					},
					"max_results": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum number of results. Default: 100.",
					},
				},
				"required": []string{"pattern"},
			},
		},
		Executor: func(ctx context.Context, args map[string]interface{}, env ExecutionEnvironment) (ToolOutput, error) {
			pattern, _ := GetStringArg(args, "pattern")
			if pattern == "" {
				return ToolOutput{}, fmt.Errorf("pattern is required")
			}
			path, _ := GetStringArg(args, "path")
			globFilter, _ := GetStringArg(args, "glob_filter")
			caseInsensitive, _ := GetBoolArg(args, "case_insensitive")
			maxResults, _ := GetIntArg(args, "max_results")
			if maxResults <= 0 {
				maxResults = 100
			}

			text, err := env.Grep(ctx, pattern, path, GrepOptions{
				GlobFilter:      globFilter,
				CaseInsensitive: caseInsensitive,
				MaxResults:      maxResults,
			})
			if err == nil && text == "" {
				text = "No matches found."
			}
			return ToolOutput{Text: text}, err
		},
	})
}

func registerGlob(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "glob",
			Description: "Find files matching a glob pattern. Returns file paths sorted by modification time (newest first).",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"pattern": map[string]interface{}{
						"type":        "string",
						"description": "Glob pattern (e.g., \"**/*.ts\").",
					},
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Base directory. Default: working directory.",
					},
				},
				"required": []string{"pattern"},
			},
		},
		Executor: func(_ context.Context, args map[string]interface{}, env ExecutionEnvironment) (ToolOutput, error) {
			pattern, _ := GetStringArg(args, "pattern")
			if pattern == "" {
				return ToolOutput{}, fmt.Errorf("pattern is required")
			}
			path, _ := GetStringArg(args, "path")

			matches, err := env.Glob(pattern, path)
			if err != nil {
				return ToolOutput{}, err
			}
			if len(matches) == 0 {
				return ToolOutput{Text: "No files matched the pattern."}, nil
			}
			return ToolOutput{Text: strings.Join(matches, "\n")}, nil
		},
	})
}

func registerListDir(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "list_dir",
			Description: "List a directory. Directories end with a slash; files show their size in bytes.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Directory to list. Default: working directory.",
					},
					"depth": map[string]interface{}{
						"type":        "integer",
						"description": "How many levels to descend. Default: 1.",
						"minimum":     1,
					},
				},
			},
		},
		Executor: func(_ context.Context, args map[string]interface{}, env ExecutionEnvironment) (ToolOutput, error) {
			path, _ := GetStringArg(args, "path")
			depth, _ := GetIntArg(args, "depth")
			entries, err := env.ListDirectory(path, depth)
			if err != nil {
				return ToolOutput{}, err
			}
			if len(entries) == 0 {
				return ToolOutput{Text: "The directory is empty."}, nil
			}
			var sb strings.Builder
			for _, entry := range entries {
				if entry.IsDir {
					fmt.Fprintf(&sb, "%s/\n", entry.Name)
				} else {
					fmt.Fprintf(&sb, "%s (%d bytes)\n", entry.Name, entry.Size)
				}
			}
			return ToolOutput{Text: sb.String()}, nil
		},
	})
}
