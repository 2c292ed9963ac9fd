package similarity

import (
	"fmt"
	"sort"
	"strings"
)

// Scorer returns a similarity between 0 and 100.
type Scorer func(a, b string) float64

// Algorithm names accepted by Lookup.
const (
	AlgorithmRatio          = "ratio"
	AlgorithmTokenSortRatio = "token_sort_ratio"
	AlgorithmTokenSetRatio  = "token_set_ratio"
)

var scorers = map[string]Scorer{
	AlgorithmRatio:          Ratio,
	AlgorithmTokenSortRatio: TokenSortRatio,
	AlgorithmTokenSetRatio:  TokenSetRatio,
}

// Algorithms lists the supported scorer names.
func Algorithms() []string {
	names := make([]string, 0, len(scorers))
	for name := range scorers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnknownAlgorithmError names an unsupported scorer.
type UnknownAlgorithmError struct {
	Name string
}

func (e *UnknownAlgorithmError) Error() string {
	return fmt.Sprintf("unknown fuzzy algorithm %q; supported: %s", e.Name, strings.Join(Algorithms(), ", "))
}

// Lookup finds a scorer by name.
func Lookup(name string) (Scorer, error) {
	s, ok := scorers[strings.TrimSpace(name)]
	if !ok {
		return nil, &UnknownAlgorithmError{Name: name}
	}
	return s, nil
}

// lcs is the length of the longest common subsequence of a and b.
func lcs(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// indel is the insertion/deletion distance between a and b.
func indel(a, b []rune) int {
	return len(a) + len(b) - 2*lcs(a, b)
}

// normalized turns an Indel distance over lensum characters into 0..100.
func normalized(dist, lensum int) float64 {
	if lensum == 0 {
		return 100
	}
	return 100 * (1 - float64(dist)/float64(lensum))
}

// Ratio is the normalized Indel similarity of the two strings.
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	return normalized(indel(ra, rb), len(ra)+len(rb))
}

func sortedTokens(s string) []string {
	tokens := strings.Fields(s)
	sort.Strings(tokens)
	return tokens
}

// TokenSortRatio compares the strings after sorting their whitespace-separated words.
func TokenSortRatio(a, b string) float64 {
	return Ratio(strings.Join(sortedTokens(a), " "), strings.Join(sortedTokens(b), " "))
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		set[tok] = true
	}
	return set
}

func joinSorted(set map[string]bool) string {
	tokens := make([]string, 0, len(set))
	for tok := range set {
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// TokenSetRatio compares the shared words against each side's remainder and
// keeps the best score. It is 100 when one word set contains the other.
func TokenSetRatio(a, b string) float64 {
	setA, setB := tokenSet(a), tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersect := make(map[string]bool)
	onlyA := make(map[string]bool)
	onlyB := make(map[string]bool)
	for tok := range setA {
		if setB[tok] {
			intersect[tok] = true
		} else {
			onlyA[tok] = true
		}
	}
	for tok := range setB {
		if !setA[tok] {
			onlyB[tok] = true
		}
	}
	if len(intersect) > 0 && (len(onlyA) == 0 || len(onlyB) == 0) {
		return 100
	}

	diffAB := []rune(joinSorted(onlyA))
	diffBA := []rune(joinSorted(onlyB))
	sectLen := len([]rune(joinSorted(intersect)))
	sep := 0
	if sectLen > 0 {
		sep = 1
	}
	sectABLen := sectLen + sep + len(diffAB)
	sectBALen := sectLen + sep + len(diffBA)

	best := normalized(indel(diffAB, diffBA), sectABLen+sectBALen)
	if sectLen == 0 {
		return best
	}
	// The intersection is a prefix of both joined forms, so the distance to
	// each is just the remainder plus the separator.
	if s := normalized(sep+len(diffAB), sectLen+sectABLen); s > best {
		best = s
	}
	if s := normalized(sep+len(diffBA), sectLen+sectBALen); s > best {
		best = s
	}
	return best
}
