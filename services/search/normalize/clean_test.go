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
// Clean
// =============================================================================

func TestClean(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"already clean", "vitamin d", "vitamin d"},
		{"uppercase", "VITAMIN D", "vitamin d"},
		{"mixed case", "ViTaMiN D", "vitamin d"},
		{"leading and trailing space", "  vitamin d  ", "vitamin d"},
		{"internal whitespace collapsed", "vitamin    d", "vitamin d"},
		{"tabs and newlines", "vitamin\t\nd", "vitamin d"},
		{"accent stripped", "vitamín d", "vitamin d"},
		{"multiple accents", "ácido fólico", "acido folico"},
		{"spanish tilde kept as letter", "cúrcuma", "curcuma"},
		{"empty", "", ""},
		{"only whitespace", "   \t ", ""},
		{"hyphens preserved", "Omega-3", "omega-3"},
		{"apostrophe preserved", "St John's Wort", "st john's wort"},
		{"digits preserved", "b12", "b12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.input); got != tt.want {
				t.Errorf("Clean(%q): want %q, got %q", tt.input, tt.want, got)
			}
		})
	}
}

func TestClean_Idempotent(t *testing.T) {
	inputs := []string{
		"  VITAMÍN  D ", "magnesio", "Omega-3", "st john's wort", "ácido fólico",
	}
	for _, in := range inputs {
		once := Clean(in)
		twice := Clean(once)
		if once != twice {
			t.Errorf("Clean not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

// =============================================================================
// TitleCase
// =============================================================================

func TestTitleCase(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"vitamin d", "Vitamin D"},
		{"quercetin phytosome", "Quercetin Phytosome"},
		{"omega-3", "Omega-3"},
		{"l-carnitine", "L-Carnitine"},
		{"xyzzy", "Xyzzy"},
	}
	for _, tt := range tests {
		if got := TitleCase(tt.input); got != tt.want {
			t.Errorf("TitleCase(%q): want %q, got %q", tt.input, tt.want, got)
		}
	}
}

func TestTitleCase_StableThroughClean(t *testing.T) {
	// Title-casing a cleaned string and re-cleaning must round-trip, or the
	// passthrough stage would not be idempotent.
	inputs := []string{"quercetin phytosome", "omega-3", "xyzzy"}
	for _, in := range inputs {
		titled := TitleCase(in)
		if Clean(titled) != in {
			t.Errorf("Clean(TitleCase(%q)) = %q, want %q", in, Clean(titled), in)
		}
	}
}
