package compact

import "strings"

// shingleSize is the n-gram width for near-duplicate detection.
const shingleSize = 5

// shingles returns the set of token 5-grams of text. Texts shorter than one
// shingle contribute a single shingle of everything they have.
func shingles(text string) map[string]bool {
	tokens := strings.Fields(strings.ToLower(text))
	set := make(map[string]bool)
	if len(tokens) == 0 {
		return set
	}
	if len(tokens) < shingleSize {
		set[strings.Join(tokens, " ")] = true
		return set
	}
	for i := 0; i+shingleSize <= len(tokens); i++ {
		set[strings.Join(tokens[i:i+shingleSize], " ")] = true
	}
	return set
}

// shingleSimilarity is the Jaccard similarity of the shingle sets of a and b.
func shingleSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for s := range a {
		if b[s] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
