package agentloop

import (
	"context"
	"fmt"
	"strings"
)

// RegisterApplyPatch registers the apply_patch tool used by the OpenAI profile.
func RegisterApplyPatch(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name: "apply_patch",
			Description: "Apply code changes using the v4a patch format. Supports creating, deleting, " +
				"and modifying files in a single operation.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"patch": map[string]interface{}{
						"type":        "string",
						"description": "The patch content in v4a format.",
					},
				},
				"required": []string{"patch"},
			},
		},
		Executor: func(_ context.Context, args map[string]interface{}, env ExecutionEnvironment) (ToolOutput, error) {
			patch, _ := GetStringArg(args, "patch")
			if patch == "" {
				return ToolOutput{}, fmt.Errorf("patch is required")
			}
			ops, err := parsePatch(patch)
			if err != nil {
				return ToolOutput{}, err
			}
			return applyPatch(env, ops)
		},
	})
}

type patchAction int

const (
	patchAdd patchAction = iota
	patchDelete
	patchUpdate
)

// filePatch is one file section of a v4a patch.
type filePatch struct {
	action  patchAction
	path    string
	moveTo  string
	content []string // patchAdd only
	hunks   [][]hunkOp
}

type hunkOp struct {
	op   byte // ' ' context, '-' delete, '+' add
	line string
}

const (
	beginPatch  = "*** Begin Patch"
	endPatch    = "*** End Patch"
	addFile     = "*** Add File: "
	deleteFile  = "*** Delete File: "
	updateFile  = "*** Update File: "
	moveTo      = "*** Move to: "
	endOfFile   = "*** End of File"
	hunkHeading = "@@"
)

// parsePatch reads a whole patch before anything touches the filesystem, so
// a malformed patch changes nothing.
func parsePatch(patch string) ([]filePatch, error) {
	lines := strings.Split(strings.ReplaceAll(patch, "\r\n", "\n"), "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[0]) != beginPatch {
		return nil, fmt.Errorf("invalid patch: missing %q header", beginPatch)
	}

	var out []filePatch
	var cur *filePatch
	var hunk []hunkOp
	flushHunk := func() {
		if cur != nil && len(hunk) > 0 {
			cur.hunks = append(cur.hunks, hunk)
		}
		hunk = nil
	}
	flushFile := func() {
		flushHunk()
		if cur != nil {
			out = append(out, *cur)
		}
		cur = nil
	}

	for n, raw := range lines[1:] {
		line := strings.TrimSpace(raw)
		switch {
		case line == endPatch:
			flushFile()
			return out, nil
		case strings.HasPrefix(line, addFile):
			flushFile()
			cur = &filePatch{action: patchAdd, path: strings.TrimPrefix(line, addFile)}
		case strings.HasPrefix(line, deleteFile):
			flushFile()
			cur = &filePatch{action: patchDelete, path: strings.TrimPrefix(line, deleteFile)}
		case strings.HasPrefix(line, updateFile):
			flushFile()
			cur = &filePatch{action: patchUpdate, path: strings.TrimPrefix(line, updateFile)}
		case strings.HasPrefix(line, moveTo):
			if cur == nil || cur.action != patchUpdate {
				return nil, fmt.Errorf("invalid patch: line %d: %q outside an update section", n+2, line)
			}
			cur.moveTo = strings.TrimPrefix(line, moveTo)
		case line == endOfFile:
		case strings.HasPrefix(line, hunkHeading):
			flushHunk()
		case cur == nil:
			if line != "" {
				return nil, fmt.Errorf("invalid patch: line %d: expected a file header, got %q", n+2, line)
			}
		case cur.action == patchAdd:
			if strings.HasPrefix(raw, "+") {
				cur.content = append(cur.content, raw[1:])
			}
		case cur.action == patchUpdate:
			if raw == "" {
				continue
			}
			switch raw[0] {
			case ' ', '-', '+':
				hunk = append(hunk, hunkOp{op: raw[0], line: raw[1:]})
			}
		}
	}
	return nil, fmt.Errorf("invalid patch: missing %q trailer", endPatch)
}

func applyPatch(env ExecutionEnvironment, ops []filePatch) (ToolOutput, error) {
	var out ToolOutput
	var results []string
	for _, fp := range ops {
		switch fp.action {
		case patchAdd:
			if err := env.WriteFile(fp.path, strings.Join(fp.content, "\n")); err != nil {
				return out, fmt.Errorf("failed to create %s: %w", fp.path, err)
			}
			out.Created = append(out.Created, fp.path)
			results = append(results, "Created: "+fp.path)

		case patchDelete:
			if err := env.RemoveFile(fp.path); err != nil {
				return out, fmt.Errorf("failed to delete %s: %w", fp.path, err)
			}
			out.Modified = append(out.Modified, fp.path)
			results = append(results, "Deleted: "+fp.path)

		case patchUpdate:
			raw, err := env.ReadRawFile(fp.path)
			if err != nil {
				return out, fmt.Errorf("cannot read %s for update: %w", fp.path, err)
			}
			fileLines := strings.Split(raw, "\n")
			for i, h := range fp.hunks {
				fileLines, err = applyHunk(fileLines, h)
				if err != nil {
					return out, fmt.Errorf("%s: hunk %d: %w", fp.path, i+1, err)
				}
			}
			target := fp.path
			if fp.moveTo != "" {
				target = fp.moveTo
			}
			if err := env.WriteFile(target, strings.Join(fileLines, "\n")); err != nil {
				return out, fmt.Errorf("failed to write %s: %w", target, err)
			}
			if fp.moveTo != "" {
				if err := env.RemoveFile(fp.path); err != nil {
					return out, fmt.Errorf("failed to remove %s after move: %w", fp.path, err)
				}
				out.Created = append(out.Created, target)
				out.Modified = append(out.Modified, fp.path)
				results = append(results, fmt.Sprintf("Updated and moved: %s -> %s", fp.path, target))
			} else {
				out.Modified = append(out.Modified, target)
				results = append(results, "Updated: "+target)
			}
		}
	}
	if len(results) == 0 {
		out.Text = "No operations performed."
	} else {
		out.Text = strings.Join(results, "\n")
	}
	return out, nil
}

// applyHunk locates the hunk by its leading context and delete lines and
// applies it. Trailing whitespace is ignored when matching.
func applyHunk(fileLines []string, ops []hunkOp) ([]string, error) {
	var anchor []string
	for _, op := range ops {
		if op.op == '+' {
			break
		}
		anchor = append(anchor, op.line)
	}

	matchPos := 0
	if len(anchor) > 0 {
		matchPos = findLines(fileLines, anchor)
		if matchPos < 0 {
			return nil, fmt.Errorf("context not found: %q", anchor[0])
		}
	}

	result := append([]string(nil), fileLines[:matchPos]...)
	pos := matchPos
	for _, op := range ops {
		switch op.op {
		case ' ':
			if pos >= len(fileLines) {
				return nil, fmt.Errorf("context runs past end of file")
			}
			result = append(result, fileLines[pos])
			pos++
		case '-':
			if pos >= len(fileLines) || !sameLine(fileLines[pos], op.line) {
				return nil, fmt.Errorf("line to delete not found: %q", op.line)
			}
			pos++
		case '+':
			result = append(result, op.line)
		}
	}
	return append(result, fileLines[pos:]...), nil
}

func findLines(fileLines, want []string) int {
	for i := 0; i+len(want) <= len(fileLines); i++ {
		match := true
		for j, w := range want {
			if !sameLine(fileLines[i+j], w) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func sameLine(a, b string) bool {
	return strings.TrimRight(a, " \t") == strings.TrimRight(b, " \t")
}
