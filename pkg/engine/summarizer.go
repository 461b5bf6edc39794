package engine

import (
	"fmt"
	"strings"
)

// previewChars bounds the single-line preview included in each summary.
const previewChars = 80

// summarize produces a deterministic summary of a content payload: line,
// word and character counts plus a preview of the opening text. Repeated
// invocation over identical content yields identical output.
func summarize(content string) string {
	lines := strings.Count(content, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		lines++
	}
	words := len(strings.Fields(content))
	chars := len([]rune(content))

	preview := content
	if runes := []rune(content); len(runes) > previewChars {
		preview = string(runes[:previewChars])
	}
	preview = strings.ReplaceAll(preview, "\n", " ")

	return fmt.Sprintf("Summary: %d lines, %d words, %d chars. Preview: %s",
		lines, words, chars, preview)
}
