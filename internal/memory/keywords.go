package memory

import (
	"regexp"
	"strings"
)

var (
	cnWordRegex = regexp.MustCompile(`[\p{Han}]{2,}`)
	enWordRegex = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9_\-]{2,}`)
)

const maxExtractedKeywords = 8

// ExtractKeywords pulls candidate keywords out of free text: CJK runs of two
// or more characters and latin words of three or more, deduplicated, capped.
func ExtractKeywords(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	keywords := make([]string, 0)
	seen := map[string]struct{}{}

	for _, w := range cnWordRegex.FindAllString(text, -1) {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		keywords = append(keywords, w)
	}
	for _, w := range enWordRegex.FindAllString(strings.ToLower(text), -1) {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		keywords = append(keywords, w)
	}

	if len(keywords) > maxExtractedKeywords {
		keywords = keywords[:maxExtractedKeywords]
	}
	return keywords
}
