// Package prompt fills action templates and prepares chat context for the LLM.
package prompt

import (
	"strings"
)

// DefaultContentLimit caps page text placed into a prompt, in characters.
const DefaultContentLimit = 100000

// TruncationMarker is appended to truncated page text.
const TruncationMarker = "\n...[TRUNCATED_BY_EXTENSION]"

// UnknownURL stands in for an empty {{url}}.
const UnknownURL = "Unknown URL"

// BaseInstruction is the system instruction every conversation starts from.
const BaseInstruction = "You are AI Sidekick, a helpful browser assistant. Be concise, accurate, and use Markdown for formatting."

// Context carries the values a template can reference.
type Context struct {
	Selection string
	Content   string
	URL       string
	Title     string
}

// Render substitutes placeholders in template:
//
//	{{selection}}                selection, trimmed
//	{{content}}, {{page_content}} page text, truncated to DefaultContentLimit
//	{{url}}                      page URL, or UnknownURL
//	{{title}}                    page title
//
// Unknown placeholders are left as they are.
func Render(template string, c Context) string {
	url := c.URL
	if url == "" {
		url = UnknownURL
	}
	content := Truncate(c.Content, DefaultContentLimit)

	r := strings.NewReplacer(
		"{{selection}}", strings.TrimSpace(c.Selection),
		"{{content}}", content,
		"{{page_content}}", content,
		"{{url}}", url,
		"{{title}}", c.Title,
	)
	return r.Replace(template)
}

// Truncate cuts text to limit characters and appends TruncationMarker when
// anything was dropped.
func Truncate(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + TruncationMarker
}

// SystemInstruction combines the base instruction with the user's own.
func SystemInstruction(custom string) string {
	if strings.TrimSpace(custom) == "" {
		return BaseInstruction
	}
	return BaseInstruction + "\n\nUSER CUSTOM INSTRUCTION (Override default style): " + custom
}
