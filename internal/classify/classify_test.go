package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ppiankov/procwatch/internal/model"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"claude", "claude", true},
		{"claude", "Claude", true},
		{"claude", "claude-code", false},
		{"claude*", "claude-code", true},
		{"*codex", "openai-codex", true},
		{"*codex", "codex-cli", false},
		{"gem*cli", "gemini-cli", true},
		{"gem*cli", "gemcli", true},
		{"gem*cli", "gemini", false},
		{"ab*ba", "aba", false},
		{"*", "anything", true},
		{"*", "", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchPattern(tt.pattern, tt.value), "MatchPattern(%q, %q)", tt.pattern, tt.value)
	}
}

func TestValidatePattern(t *testing.T) {
	assert.NoError(t, ValidatePattern("claude*"))
	assert.NoError(t, ValidatePattern("codex"))
	assert.Error(t, ValidatePattern(""))
	assert.Error(t, ValidatePattern("*claude*"))
}

func TestClassifyByName(t *testing.T) {
	c := New(nil)

	tool, tags := c.Classify("claude", "")
	assert.Equal(t, model.ToolClaude, tool)
	assert.Contains(t, tags, "ai-tool")
	assert.Contains(t, tags, "anthropic")

	tool, _ = c.Classify("codex.exe", "")
	assert.Equal(t, model.ToolCodex, tool)

	tool, _ = c.Classify("gemini-cli", "")
	assert.Equal(t, model.ToolGemini, tool)

	tool, _ = c.Classify("aider", "")
	assert.Equal(t, model.ToolOther, tool)
}

func TestClassifyByPath(t *testing.T) {
	c := New(nil)

	// node-hosted CLIs usually report comm "node".
	tool, tags := c.Classify("node", "/usr/lib/node_modules/@anthropic-ai/claude-code/cli.js")
	assert.Equal(t, model.ToolClaude, tool)
	assert.Contains(t, tags, "claude")

	tool, _ = c.Classify("", "/opt/tools/codex")
	assert.Equal(t, model.ToolCodex, tool)
}

func TestClassifyUnknown(t *testing.T) {
	c := New(nil)
	tool, tags := c.Classify("bash", "/bin/bash")
	assert.Equal(t, model.ToolUnknown, tool)
	assert.Nil(t, tags)
	assert.False(t, c.IsAITool("vim", "/usr/bin/vim"))
}

func TestMatchAny(t *testing.T) {
	patterns := []string{"claude*", "codex"}
	assert.True(t, MatchAny(patterns, "claude-code"))
	assert.True(t, MatchAny(patterns, "codex"))
	assert.False(t, MatchAny(patterns, "gemini"))
	assert.False(t, MatchAny(nil, "claude"))
}
