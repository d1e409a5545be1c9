// Package classify maps process names and paths to AI tool families and
// implements the single-wildcard name patterns used for watch lists.
package classify

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ppiankov/procwatch/internal/model"
)

// Rule maps a name or path fragment to a tool family.
type Rule struct {
	Pattern  string // single-wildcard pattern matched against the base name
	PathHint string // substring matched against the full path (case-insensitive)
	Tool     model.ToolType
	Tag      string
}

// DefaultRules returns the built-in tool detection rules. Earlier rules win.
func DefaultRules() []Rule {
	return []Rule{
		// Anthropic
		{Pattern: "claude", Tool: model.ToolClaude, Tag: "anthropic"},
		{Pattern: "claude-*", Tool: model.ToolClaude, Tag: "anthropic"},
		{PathHint: "@anthropic-ai/claude-code", Tool: model.ToolClaude, Tag: "anthropic"},

		// OpenAI
		{Pattern: "codex", Tool: model.ToolCodex, Tag: "openai"},
		{Pattern: "codex-*", Tool: model.ToolCodex, Tag: "openai"},
		{PathHint: "@openai/codex", Tool: model.ToolCodex, Tag: "openai"},

		// Google
		{Pattern: "gemini", Tool: model.ToolGemini, Tag: "google"},
		{Pattern: "gemini-*", Tool: model.ToolGemini, Tag: "google"},
		{PathHint: "@google/gemini-cli", Tool: model.ToolGemini, Tag: "google"},

		// Other agent CLIs
		{Pattern: "aider", Tool: model.ToolOther, Tag: "aider"},
		{Pattern: "opencode", Tool: model.ToolOther, Tag: "opencode"},
		{Pattern: "cursor-agent", Tool: model.ToolOther, Tag: "cursor"},
		{Pattern: "copilot", Tool: model.ToolOther, Tag: "copilot"},
		{Pattern: "goose", Tool: model.ToolOther, Tag: "goose"},
		{Pattern: "amp", Tool: model.ToolOther, Tag: "amp"},
	}
}

// Classifier detects tool families from name and path.
type Classifier struct {
	rules []Rule
}

// New creates a Classifier. A nil rule set uses DefaultRules.
func New(rules []Rule) *Classifier {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Classify returns the tool family and tags for a process. Name matching is
// done on the executable base name with any extension stripped.
func (c *Classifier) Classify(name, fullPath string) (model.ToolType, []string) {
	base := normalizeName(name)
	if base == "" && fullPath != "" {
		base = normalizeName(filepath.Base(fullPath))
	}
	lowerPath := strings.ToLower(fullPath)

	for _, r := range c.rules {
		if r.Pattern != "" && base != "" && MatchPattern(r.Pattern, base) {
			return r.Tool, tagsFor(r)
		}
		if r.PathHint != "" && lowerPath != "" && strings.Contains(lowerPath, strings.ToLower(r.PathHint)) {
			return r.Tool, tagsFor(r)
		}
	}
	return model.ToolUnknown, nil
}

// IsAITool reports whether the process looks like any known AI tool.
func (c *Classifier) IsAITool(name, fullPath string) bool {
	tool, _ := c.Classify(name, fullPath)
	return tool != model.ToolUnknown
}

func tagsFor(r Rule) []string {
	tags := []string{"ai-tool", string(r.Tool)}
	if r.Tag != "" {
		tags = append(tags, r.Tag)
	}
	return tags
}

func normalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, ext := range []string{".exe", ".js", ".mjs", ".cjs", ".py"} {
		n = strings.TrimSuffix(n, ext)
	}
	return n
}

// ValidatePattern rejects patterns with more than one wildcard.
func ValidatePattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("pattern must not be empty")
	}
	if strings.Count(pattern, "*") > 1 {
		return fmt.Errorf("pattern %q has more than one wildcard", pattern)
	}
	return nil
}

// MatchPattern matches value against a pattern with at most one '*'
// wildcard, which may appear anywhere. Matching is case-insensitive.
// "*" alone matches everything.
func MatchPattern(pattern, value string) bool {
	p := strings.ToLower(pattern)
	v := strings.ToLower(value)

	idx := strings.IndexByte(p, '*')
	if idx < 0 {
		return p == v
	}
	prefix, suffix := p[:idx], p[idx+1:]
	if len(v) < len(prefix)+len(suffix) {
		return false
	}
	return strings.HasPrefix(v, prefix) && strings.HasSuffix(v, suffix)
}

// MatchAny reports whether value matches any pattern.
func MatchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if MatchPattern(p, value) {
			return true
		}
	}
	return false
}
