package fuzzy

import (
	"strings"
	"unicode/utf8"
)

// Distance computes the Levenshtein edit distance between two strings,
// operating on runes so multi-byte characters count as single edits.
func Distance(a, b string) int {
	if a == b {
		return 0
	}
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := 0; j <= len(rb); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// Ratio returns a normalized similarity score in [0, 100].
// 100 means identical, 0 means nothing in common.
func Ratio(a, b string) int {
	la := utf8.RuneCountInString(a)
	lb := utf8.RuneCountInString(b)
	if la == 0 && lb == 0 {
		return 100
	}
	longer := la
	if lb > longer {
		longer = lb
	}
	d := Distance(a, b)
	return (longer - d) * 100 / longer
}

// BestMatch scores the needle against every candidate with Ratio and returns
// the best candidate with its score. Returns ("", 0) for an empty slice.
func BestMatch(needle string, candidates []string) (string, int) {
	best := ""
	bestScore := 0
	for _, c := range candidates {
		if s := Ratio(needle, c); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best, bestScore
}

// ContainsNear reports whether text contains a substring within maxDist edits
// of the pattern. It slides windows of pattern length +/- maxDist across word
// boundaries, so a phrase like "hold a second" still matches inside
// "could you hold a secondd please".
func ContainsNear(pattern, text string, maxDist int) bool {
	if pattern == "" {
		return true
	}
	if Distance(pattern, text) <= maxDist {
		return true
	}
	words := strings.Fields(text)
	patWords := len(strings.Fields(pattern))
	if patWords == 0 || len(words) == 0 {
		return false
	}
	for start := 0; start < len(words); start++ {
		for n := patWords - 1; n <= patWords+1; n++ {
			if n <= 0 || start+n > len(words) {
				continue
			}
			window := strings.Join(words[start:start+n], " ")
			if Distance(pattern, window) <= maxDist {
				return true
			}
		}
	}
	return false
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
