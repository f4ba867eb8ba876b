package prediction

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// SimilarityThreshold is the Jaccard similarity a partial or historical
// match must exceed
const SimilarityThreshold = 0.3

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		le la les un une des du de a au aux et ou en pour par sur avec sans dans
		ce cette ces mon ma mes ton ta tes son sa ses notre votre leur leurs
		qui que quoi dont
		the an and or for to of in on at by from with`) {
		stopwords[w] = struct{}{}
	}
}

var nonLetters = regexp.MustCompile(`[^a-z\s]`)

func stripAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Normalize reduces a line description to its matching key: lowercase,
// accent-free letters only, stopwords and tokens of two letters or less
// dropped, deduplicated and sorted, joined by single spaces.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	text = stripAccents(strings.ToLower(text))
	text = nonLetters.ReplaceAllString(text, " ")

	seen := make(map[string]struct{})
	var words []string
	for _, w := range strings.Fields(text) {
		if len(w) <= 2 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		words = append(words, w)
	}
	sort.Strings(words)
	return strings.Join(words, " ")
}

func tokenSet(keywords string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(keywords) {
		set[w] = struct{}{}
	}
	return set
}

// Jaccard returns the intersection-over-union of the token sets of two
// normalized keyword strings. Empty sets have similarity 0.
func Jaccard(a, b string) float64 {
	setA, setB := tokenSet(a), tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}
