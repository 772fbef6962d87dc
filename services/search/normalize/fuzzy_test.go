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

import "testing"

// =============================================================================
// levenshteinDistance
// =============================================================================

func TestLevenshteinDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"abc", "abc", 0},
		{"magenesio", "magnesio", 1},
		{"kitten", "sitting", 3},
		{"omega 3", "omega-3", 1},
		{"vitamina", "vitamin", 1},
		{"cafeina", "caffeine", 3},
	}
	for _, tt := range tests {
		if got := levenshteinDistance([]rune(tt.a), []rune(tt.b)); got != tt.want {
			t.Errorf("levenshteinDistance(%q, %q): want %d, got %d", tt.a, tt.b, tt.want, got)
		}
	}
}

func TestLevenshteinDistance_Symmetric(t *testing.T) {
	pairs := [][2]string{
		{"magnesio", "magenesio"},
		{"creatina", "creatine"},
		{"ashwagandha", "ashwaganda"},
	}
	for _, p := range pairs {
		ab := levenshteinDistance([]rune(p[0]), []rune(p[1]))
		ba := levenshteinDistance([]rune(p[1]), []rune(p[0]))
		if ab != ba {
			t.Errorf("distance not symmetric for %q/%q: %d vs %d", p[0], p[1], ab, ba)
		}
	}
}

func TestLevenshteinDistance_MultiByte(t *testing.T) {
	// Rune-based, so one accented character is one edit.
	if got := levenshteinDistance([]rune("café"), []rune("cafe")); got != 1 {
		t.Errorf("want 1, got %d", got)
	}
}

// =============================================================================
// fuzzyLookup
// =============================================================================

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

func TestFuzzyLookup_SingleTypo(t *testing.T) {
	n := newTestNormalizer(t)

	m, ok := n.fuzzyLookup("magenesio")
	if !ok {
		t.Fatal("expected fuzzy hit for 'magenesio'")
	}
	if m.canonical != "Magnesium" {
		t.Errorf("want Magnesium, got %q", m.canonical)
	}
	if m.distance != 1 {
		t.Errorf("want distance 1, got %d", m.distance)
	}
	if m.confidence < 0.8 {
		t.Errorf("distance-1 correction must have confidence >= 0.8, got %v", m.confidence)
	}
}

func TestFuzzyLookup_DistanceCeiling(t *testing.T) {
	n := newTestNormalizer(t)

	// Nothing in the dictionary is within 3 edits of this.
	if m, ok := n.fuzzyLookup("xqzwvkjy"); ok {
		t.Errorf("expected no fuzzy hit, got %q (distance %d)", m.canonical, m.distance)
	}
}

func TestFuzzyLookup_ShortStringsSkipped(t *testing.T) {
	n := newTestNormalizer(t)

	// "alas" is one edit from the key "ala", but both are under the fuzzy
	// length floor; a single edit in a 3-character key is not a typo fix.
	if m, ok := n.fuzzyLookup("alas"); ok && m.key == "ala" {
		t.Errorf("short key must not fuzzy-match: got %q from %q", m.canonical, m.key)
	}
}

func TestFuzzyLookup_RatioCeiling(t *testing.T) {
	n := newTestNormalizer(t)

	// "maca" (4 runes) to "macaw" is distance 1 but the pair is under the
	// length floor; "macab" likewise. A 5-rune query 3 edits from a 5-rune
	// key has ratio 0.6 and must be rejected even though distance <= 3.
	if m, ok := n.fuzzyLookup("mxcxb"); ok {
		t.Errorf("expected ratio rejection, got %q (distance %d)", m.canonical, m.distance)
	}
}

func TestFuzzyLookup_ConfidenceBounds(t *testing.T) {
	n := newTestNormalizer(t)

	typos := []string{"magenesio", "melatonna", "ashwaganda", "creatin"}
	for _, typo := range typos {
		m, ok := n.fuzzyLookup(typo)
		if !ok {
			t.Errorf("expected fuzzy hit for %q", typo)
			continue
		}
		if m.confidence < fuzzyConfidenceFloor || m.confidence >= 1.0 {
			t.Errorf("%q: confidence %v outside [%v, 1.0)", typo, m.confidence, fuzzyConfidenceFloor)
		}
	}
}

func TestFuzzyLookup_Deterministic(t *testing.T) {
	n := newTestNormalizer(t)

	first, ok := n.fuzzyLookup("melatonna")
	if !ok {
		t.Fatal("expected fuzzy hit")
	}
	for i := 0; i < 5; i++ {
		again, ok := n.fuzzyLookup("melatonna")
		if !ok || again.canonical != first.canonical || again.key != first.key {
			t.Fatalf("fuzzy lookup not deterministic: %+v vs %+v", first, again)
		}
	}
}
