// Package fuzzy provides normalized string similarity for the fuzzy
// bridging path's partial-key comparisons.
package fuzzy

import "github.com/agnivade/levenshtein"

// Similarity returns a normalized similarity in [0, 1] between a and b:
// 1 - (edit distance / max length). Two empty strings are defined as
// dissimilar (0), since an absent partial key should never contribute a
// spurious match.
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 0
	}
	sim := 1.0 - float64(dist)/float64(maxLen)
	if sim < 0 {
		sim = 0
	}
	return sim
}
