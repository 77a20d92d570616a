package search

import (
	"strings"
	"unicode/utf8"
)

// Snippet returns at most maxLen runes of content, windowed around the first
// occurrence of any term (case-insensitive). Cut ends are marked with "...".
func Snippet(content string, terms []string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(content) <= maxLen {
		return content
	}
	runes := []rune(content)
	lower := strings.ToLower(content)

	start := 0
	best := -1
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if i := strings.Index(lower, t); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	if best >= 0 && len(lower) == len(content) {
		// center the window on the match, a quarter of the way in
		pos := utf8.RuneCountInString(content[:best])
		start = max(0, pos-maxLen/4)
		start = min(start, len(runes)-maxLen)
	}
	end := start + maxLen

	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(string(runes[start:end]))
	if end < len(runes) {
		b.WriteString("...")
	}
	return b.String()
}
