package tokenizer

import (
	"strings"
)

// CountTokens provides a rough token count estimate of ~4/3 tokens per word.
func CountTokens(text string) int {
	words := strings.Fields(text)
	return max(len(words)*4/3, 1)
}

// Truncate keeps the leading words of text so that the estimate stays within
// maxTokens. It reports whether anything was cut.
func Truncate(text string, maxTokens int) (string, bool) {
	if maxTokens <= 0 || CountTokens(text) <= maxTokens {
		return text, false
	}
	words := strings.Fields(text)
	keep := maxTokens * 3 / 4
	if keep < 1 {
		keep = 1
	}
	if keep >= len(words) {
		return text, false
	}
	return strings.Join(words[:keep], " "), true
}
