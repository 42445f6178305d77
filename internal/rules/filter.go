package rules

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// FilterConfig gates which chat lines may reach the generative fallback.
type FilterConfig struct {
	MinLength       int      `json:"min_length"`
	EmojiOnly       bool     `json:"emoji_only"`
	DigitsOnly      bool     `json:"digits_only"`
	PunctuationOnly bool     `json:"punctuation_only"`
	Repetitive      bool     `json:"repetitive"`
	Keywords        []string `json:"keywords,omitempty"` // allow-list; empty = no keyword gate
}

// DefaultFilterConfig returns the fallback filter with every check on.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{MinLength: 2, EmojiOnly: true, DigitsOnly: true, PunctuationOnly: true, Repetitive: true}
}

// ContentFilter rejects noise before it costs a fallback call.
type ContentFilter struct {
	cfg      FilterConfig
	keywords []string
}

func NewContentFilter(cfg FilterConfig) *ContentFilter {
	f := &ContentFilter{cfg: cfg}
	for _, k := range cfg.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			f.keywords = append(f.keywords, strings.ToLower(k))
		}
	}
	return f
}

// Check returns an empty reason when content may be sent to the fallback.
func (f *ContentFilter) Check(content string) (reason string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "empty"
	}
	if utf8.RuneCountInString(content) < f.cfg.MinLength {
		return "too short"
	}

	var visible []rune
	for _, r := range content {
		if !unicode.IsSpace(r) {
			visible = append(visible, r)
		}
	}

	if f.cfg.EmojiOnly && all(visible, isEmoji) {
		return "emoji only"
	}
	if f.cfg.DigitsOnly && all(visible, unicode.IsDigit) {
		return "digits only"
	}
	if f.cfg.PunctuationOnly && all(visible, func(r rune) bool { return !isWord(r) }) {
		return "punctuation only"
	}
	if f.cfg.Repetitive && utf8.RuneCountInString(content) >= 3 {
		counts := make(map[rune]int, len(visible))
		top := 0
		for _, r := range visible {
			counts[r]++
			top = max(top, counts[r])
		}
		if float64(top) >= float64(len(visible))*0.6 {
			return "repetitive"
		}
	}
	if len(f.keywords) > 0 {
		lower := strings.ToLower(content)
		hit := false
		for _, k := range f.keywords {
			if strings.Contains(lower, k) {
				hit = true
				break
			}
		}
		if !hit {
			return "no keyword"
		}
	}
	return ""
}

// Allow reports whether content passes every check.
func (f *ContentFilter) Allow(content string) bool {
	return f.Check(content) == ""
}

func all(rs []rune, pred func(rune) bool) bool {
	if len(rs) == 0 {
		return false
	}
	for _, r := range rs {
		if !pred(r) {
			return false
		}
	}
	return true
}

func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r) && r != 0xFE0F
}

func isEmoji(r rune) bool {
	switch {
	case r == 0x200D, r == 0xFE0F, r == 0x20E3:
		return true
	case r >= 0x1F000 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	}
	return unicode.Is(unicode.So, r)
}
