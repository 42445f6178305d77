package providers

import (
	"log/slog"
	"regexp"
	"strings"
)

// Model output must become one short chat line: reasoning blocks, <final>
// wrappers, markdown emphasis and line breaks are removed.

// Go regexp doesn't support backreferences, so we use separate patterns.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

var (
	finalTagPattern = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)
	emphasisPattern = regexp.MustCompile("\\*\\*|__|`+")
	whitespaceRun   = regexp.MustCompile(`\s+`)
)

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") {
		return content
	}
	for _, pat := range thinkingTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// SanitizeReply turns raw model output into a single chat line of at most
// maxRunes runes (0 = no limit). A silent reply yields "".
func SanitizeReply(content string, maxRunes int) string {
	original := content
	content = stripThinkingTags(content)
	content = finalTagPattern.ReplaceAllString(content, "")
	content = emphasisPattern.ReplaceAllString(content, "")
	content = whitespaceRun.ReplaceAllString(strings.TrimSpace(content), " ")
	content = strings.Trim(content, `"“”'`)
	content = strings.TrimSpace(content)

	if IsSilentReply(content) {
		return ""
	}
	if maxRunes > 0 {
		if r := []rune(content); len(r) > maxRunes {
			content = strings.TrimSpace(string(r[:maxRunes]))
		}
	}
	if content != original {
		slog.Debug("sanitized fallback reply", "original_len", len(original), "cleaned_len", len(content))
	}
	return content
}

// IsSilentReply reports whether the model declined to answer with NO_REPLY.
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	const token = "NO_REPLY"
	if trimmed == token {
		return true
	}
	if strings.HasPrefix(trimmed, token) {
		rest := trimmed[len(token):]
		if !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if strings.HasSuffix(trimmed, token) {
		before := trimmed[:len(trimmed)-len(token)]
		if !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
