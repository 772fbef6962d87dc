// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

package normalize

// =============================================================================
// Fuzzy Dictionary Matching
// =============================================================================
//
// Typos are corrected by scanning dictionary keys for the minimum edit
// distance. The scan is linear over a few hundred keys of ≤ 200 runes each,
// with a length-difference prune before the DP runs; at this corpus size an
// index structure (BK-tree, trigrams) would cost more than it saves.

const (
	// maxEditDistance is the absolute edit-distance ceiling for a fuzzy hit.
	maxEditDistance = 3

	// maxDistanceRatio is the relative ceiling: distance divided by the
	// longer of the two strings. Keeps short queries from matching wildly.
	maxDistanceRatio = 0.35

	// minFuzzyLength is the shortest string pair eligible for fuzzy
	// matching. Below it, a single edit rewrites too much of the word for
	// the correction to be trustworthy; short keys are exact-match only.
	minFuzzyLength = 5

	// fuzzyConfidenceFloor bounds how low a fuzzy confidence can go.
	fuzzyConfidenceFloor = 0.6
)

// fuzzyMatch is one accepted fuzzy correction.
type fuzzyMatch struct {
	key        string
	canonical  string
	distance   int
	confidence float64
}

// fuzzyLookup finds the dictionary key nearest to cleaned.
//
// Strictly lower distance wins; at equal distance, the lexicographically
// first key wins (Keys() is sorted), making results independent of map
// iteration order. Confidence is 1 − distance/maxLen with a floor.
func (n *Normalizer) fuzzyLookup(cleaned string) (fuzzyMatch, bool) {
	query := []rune(cleaned)
	best := fuzzyMatch{distance: maxEditDistance + 1}

	for _, key := range n.dict.Keys() {
		k := []rune(key)
		maxLen := len(k)
		if len(query) > maxLen {
			maxLen = len(query)
		}
		if maxLen < minFuzzyLength {
			continue
		}
		// A distance below the length difference is impossible; skip the DP.
		diff := len(k) - len(query)
		if diff < 0 {
			diff = -diff
		}
		if diff > maxEditDistance || diff >= best.distance {
			continue
		}

		d := levenshteinDistance(k, query)
		if d > maxEditDistance || d >= best.distance {
			continue
		}
		ratio := float64(d) / float64(maxLen)
		if ratio > maxDistanceRatio {
			continue
		}

		canonical, _ := n.dict.Lookup(key)
		conf := 1 - ratio
		if conf < fuzzyConfidenceFloor {
			conf = fuzzyConfidenceFloor
		}
		best = fuzzyMatch{key: key, canonical: canonical, distance: d, confidence: conf}
		if d == 1 {
			// Nothing can beat distance 1; distance 0 is the exact stage.
			break
		}
	}

	return best, best.distance <= maxEditDistance
}

// levenshteinDistance calculates the edit distance between two rune slices
// using two rows instead of the full matrix.
func levenshteinDistance(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}

	return prev[len(b)]
}
