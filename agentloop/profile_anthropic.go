package agentloop

// NewAnthropicProfile returns the Anthropic profile. Edits use exact string
// replacement, and shell commands default to a 120s timeout.
func NewAnthropicProfile(model string) *Profile {
	p := newProfile("anthropic", model, anthropicBasePrompt+"\n\n"+sharedToolGuidance)
	RegisterCoreTools(p.registry, 120000, 600000)
	if p.reasoning {
		p.options = map[string]interface{}{
			"anthropic": map[string]interface{}{
				"beta_headers": []string{"interleaved-thinking-2025-05-14"},
			},
		}
	}
	return p
}

const anthropicBasePrompt = `You are a coding agent working in the user's repository. You read code, change it, run commands, and keep going until the task is finished or you are blocked.

# Editing

edit_file replaces old_string with new_string exactly once in a file.

- old_string must match the file byte for byte, whitespace included. Copy it from read_file output without the line numbers.
- If old_string occurs more than once, add surrounding lines until it is unique, or set replace_all.
- If an edit fails because the text was not found, read the file again before retrying.

# Commands

- shell runs with a 120 second default timeout and a 10 minute maximum.
- Prefer grep and glob over shell for searching.

Keep changes small and in the style of the surrounding code. Verify your work by running the project's tests when they exist.`
