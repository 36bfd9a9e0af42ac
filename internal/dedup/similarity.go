package dedup

import "slices"

// Similarity is the word-overlap coefficient used for near-duplicate
// detection: the number of tokens of a (counted with multiplicity) that appear
// anywhere in b, divided by the larger of the two token counts. It is not a
// Jaccard index and is not symmetric. Empty input scores 0.
func Similarity(a, b string) float64 {
	wordsA := tokenize(a)
	wordsB := tokenize(b)

	denom := max(len(wordsA), len(wordsB))
	if denom == 0 {
		return 0
	}

	common := 0
	for _, w := range wordsA {
		if slices.Contains(wordsB, w) {
			common++
		}
	}
	return float64(common) / float64(denom)
}
