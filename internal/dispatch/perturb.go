package dispatch

import (
	"math/rand/v2"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

const maxPerturbAttempts = 200

// bracketToken matches structured tokens such as "[smile]" that must never be split.
var bracketToken = regexp.MustCompile(`\[[^\]]+\]`)

// Perturb inserts 1 to 3 runs of 1 to 3 spaces at non-adjacent rune
// boundaries of text, never at the start and never inside a bracket token.
func Perturb(text string) string {
	return perturbWith(rand.IntN, text)
}

func perturbWith(intn func(int) int, text string) string {
	runes := []rune(text)
	points := insertionPoints(intn, text, runes)
	if len(points) == 0 {
		return text
	}
	// back to front so earlier indices stay valid
	for i := len(points) - 1; i >= 0; i-- {
		p := points[i]
		pad := []rune(strings.Repeat(" ", 1+intn(3)))
		runes = append(runes[:p], append(pad, runes[p:]...)...)
	}
	return string(runes)
}

// insertionPoints returns sorted rune offsets at which spaces may be inserted.
func insertionPoints(intn func(int) int, text string, runes []rune) []int {
	n := len(runes)
	if n <= 1 {
		return nil
	}
	protected := protectedRanges(text)
	isProtected := func(pos int) bool {
		for _, r := range protected {
			if pos >= r[0] && pos < r[1] {
				return true
			}
		}
		return false
	}

	want := 1 + intn(min(3, max(1, n/5)))
	chosen := make(map[int]bool, want)
	for attempt := 0; len(chosen) < want && attempt < maxPerturbAttempts; attempt++ {
		pos := 1 + intn(n-1) // 1..n-1
		if isProtected(pos) || chosen[pos] || chosen[pos-1] || chosen[pos+1] {
			continue
		}
		chosen[pos] = true
	}
	if len(chosen) == 0 {
		for pos := 1; pos < n-1; pos++ {
			if !isProtected(pos) {
				chosen[pos] = true
				break
			}
		}
	}

	points := make([]int, 0, len(chosen))
	for p := range chosen {
		points = append(points, p)
	}
	sort.Ints(points)
	return points
}

// protectedRanges returns bracket token spans as [start, end) rune offsets.
func protectedRanges(text string) [][2]int {
	locs := bracketToken.FindAllStringIndex(text, -1)
	out := make([][2]int, 0, len(locs))
	for _, loc := range locs {
		start := utf8.RuneCountInString(text[:loc[0]])
		end := start + utf8.RuneCountInString(text[loc[0]:loc[1]])
		out = append(out, [2]int{start, end})
	}
	return out
}
