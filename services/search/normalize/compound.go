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

import (
	"strings"
	"unicode"
)

// =============================================================================
// Compound Form Normalization
// =============================================================================
//
// Compound supplement names appear in several orthographies: "omega-3",
// "omega 3", "omega3"; "l-carnitine", "l carnitine". Rather than carry a
// second table of compound rules, this stage generates the spelling variants
// of the cleaned query and re-checks each against the dictionary, so the
// dictionary stays the single source of truth.

// compoundConfidence is the confidence of a compound-stage hit: below exact
// (the spelling needed repair) but above what a typical typo correction earns.
const compoundConfidence = 0.9

// compoundLookup tries orthographic variants of cleaned against the
// dictionary and returns the first hit in a fixed candidate order.
func (n *Normalizer) compoundLookup(cleaned string) (string, bool) {
	for _, candidate := range compoundCandidates(cleaned) {
		if canonical, ok := n.dict.Lookup(candidate); ok {
			return canonical, true
		}
	}
	return "", false
}

// compoundCandidates generates spelling variants of a cleaned query:
// hyphens as spaces, spaces as hyphens, and letter/digit boundaries split
// ("omega3" → "omega 3"). The input itself is excluded; the exact stage
// already tried it. Order is deterministic and duplicates are dropped.
func compoundCandidates(cleaned string) []string {
	var out []string
	seen := map[string]bool{cleaned: true}
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}

	split := splitDigitBoundaries(cleaned)
	add(split)
	add(strings.ReplaceAll(cleaned, "-", " "))
	add(strings.ReplaceAll(cleaned, " ", "-"))
	add(strings.ReplaceAll(split, " ", "-"))

	return out
}

// splitDigitBoundaries inserts a space where a letter run meets a digit run,
// in either direction: "omega3" → "omega 3", "5htp" → "5 htp". Existing
// separators are preserved.
func splitDigitBoundaries(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)

	runes := []rune(s)
	for i, r := range runes {
		if i > 0 {
			prev := runes[i-1]
			letterDigit := unicode.IsLetter(prev) && unicode.IsDigit(r)
			digitLetter := unicode.IsDigit(prev) && unicode.IsLetter(r)
			if letterDigit || digitLetter {
				b.WriteRune(' ')
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}
