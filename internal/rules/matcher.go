package rules

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// punctuation stripped from pattern-rule targets: ASCII plus common CJK marks.
const punctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~" +
	"，。！？；：“”‘’（）【】《》、…—·「」『』～"

var punctReplacer = func() *strings.Replacer {
	var pairs []string
	for _, r := range punctuation {
		pairs = append(pairs, string(r), "")
	}
	return strings.NewReplacer(pairs...)
}()

// StripPunctuation removes ASCII and common CJK punctuation from s.
func StripPunctuation(s string) string {
	return punctReplacer.Replace(s)
}

// compiled is a Rule prepared for matching.
type compiled struct {
	Rule
	key      string
	literals []string
	longest  int
	re       *regexp.Regexp
}

// match reports whether content hits the rule and which literal or
// description matched.
func (c *compiled) match(content string) (string, bool) {
	if c.re != nil {
		target := content
		if c.IgnorePunctuation {
			target = StripPunctuation(content)
		}
		if !c.re.MatchString(target) {
			return "", false
		}
		if c.Description != "" {
			return c.Description, true
		}
		return c.Trigger, true
	}
	for _, lit := range c.literals {
		if strings.Contains(content, lit) {
			return lit, true
		}
	}
	return "", false
}

func longestLiteral(lits []string) int {
	n := 0
	for _, l := range lits {
		n = max(n, utf8.RuneCountInString(l))
	}
	return n
}

// sortLongestFirst orders literal rules by their longest alternative,
// keeping configured order among equals.
func sortLongestFirst(rs []*compiled) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].longest > rs[j].longest })
}
