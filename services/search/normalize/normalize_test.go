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
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/suplo-health/suplo/services/search/fault"
)

// translatorFunc adapts a function to the Translator interface.
type translatorFunc func(ctx context.Context, query string) (string, error)

func (f translatorFunc) Translate(ctx context.Context, query string) (string, error) {
	return f(ctx, query)
}

// =============================================================================
// Pipeline Stages
// =============================================================================

func TestNormalize_ExactDictionary(t *testing.T) {
	n := newTestNormalizer(t)

	tests := []struct {
		input string
		want  string
	}{
		{"vitamina d", "Vitamin D"},
		{"magnesio", "Magnesium"},
		{"melatonina", "Melatonin"},
		{"aceite de pescado", "Omega-3"},
		{"Vitamin D", "Vitamin D"}, // canonical maps to itself
	}
	for _, tt := range tests {
		got, err := n.Normalize(context.Background(), tt.input)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", tt.input, err)
		}
		if got.Canonical != tt.want {
			t.Errorf("Normalize(%q): want %q, got %q", tt.input, tt.want, got.Canonical)
		}
		if got.Confidence != 1.0 {
			t.Errorf("Normalize(%q): want confidence 1.0, got %v", tt.input, got.Confidence)
		}
		if got.Stage != StageExact {
			t.Errorf("Normalize(%q): want stage exact, got %q", tt.input, got.Stage)
		}
	}
}

func TestNormalize_CaseWhitespaceAccentInvariance(t *testing.T) {
	n := newTestNormalizer(t)

	inputs := []string{"vitamin d", "VITAMIN D", "  vitamín  d "}
	var results []Result
	for _, in := range inputs {
		r, err := n.Normalize(context.Background(), in)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", in, err)
		}
		results = append(results, r)
	}
	for i, r := range results {
		if r.Canonical != "Vitamin D" || r.Confidence != 1.0 {
			t.Errorf("input %q: want {Vitamin D, 1.0}, got {%s, %v}",
				inputs[i], r.Canonical, r.Confidence)
		}
	}
}

func TestNormalize_FuzzyTypo(t *testing.T) {
	n := newTestNormalizer(t)

	got, err := n.Normalize(context.Background(), "magenesio")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got.Canonical != "Magnesium" {
		t.Errorf("want Magnesium, got %q", got.Canonical)
	}
	if got.Stage != StageFuzzy {
		t.Errorf("want stage fuzzy, got %q", got.Stage)
	}
	if got.Confidence < 0.8 {
		t.Errorf("distance-1 typo: want confidence >= 0.8, got %v", got.Confidence)
	}
}

func TestNormalize_CompoundShortForms(t *testing.T) {
	// Strings under the fuzzy length floor reach the compound stage, which
	// repairs separator orthography through dictionary re-lookup.
	n := newTestNormalizer(t)

	tests := []struct {
		input string
		want  string
	}{
		{"mk7", "Vitamin K2"},
		{"mk 7", "Vitamin K2"},
	}
	for _, tt := range tests {
		got, err := n.Normalize(context.Background(), tt.input)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", tt.input, err)
		}
		if got.Canonical != tt.want {
			t.Errorf("Normalize(%q): want %q, got %q", tt.input, tt.want, got.Canonical)
		}
		if got.Stage != StageCompound {
			t.Errorf("Normalize(%q): want stage compound, got %q", tt.input, got.Stage)
		}
		if got.Confidence != compoundConfidence {
			t.Errorf("Normalize(%q): want confidence %v, got %v", tt.input, compoundConfidence, got.Confidence)
		}
	}
}

func TestNormalize_SeparatorVariants(t *testing.T) {
	// Separator differences on longer names are caught before passthrough,
	// whichever stage claims them; the canonical must be right.
	n := newTestNormalizer(t)

	tests := []struct {
		input string
		want  string
	}{
		{"omega 3", "Omega-3"},
		{"omega-3", "Omega-3"},
		{"omega3", "Omega-3"},
		{"l carnitine", "L-Carnitine"},
		{"l-carnitine", "L-Carnitine"},
	}
	for _, tt := range tests {
		got, err := n.Normalize(context.Background(), tt.input)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", tt.input, err)
		}
		if got.Canonical != tt.want {
			t.Errorf("Normalize(%q): want %q, got %q", tt.input, tt.want, got.Canonical)
		}
		if got.Stage == StagePassthrough {
			t.Errorf("Normalize(%q): must not fall through to passthrough", tt.input)
		}
	}
}

func TestNormalize_Passthrough(t *testing.T) {
	n := newTestNormalizer(t)

	got, err := n.Normalize(context.Background(), "quercetin phytosome")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got.Canonical != "Quercetin Phytosome" {
		t.Errorf("want Quercetin Phytosome, got %q", got.Canonical)
	}
	if got.Stage != StagePassthrough {
		t.Errorf("want stage passthrough, got %q", got.Stage)
	}
	if got.Confidence != passthroughConfidence {
		t.Errorf("want confidence %v, got %v", passthroughConfidence, got.Confidence)
	}
}

// =============================================================================
// Rejection
// =============================================================================

func TestNormalize_RejectsEmpty(t *testing.T) {
	n := newTestNormalizer(t)

	_, err := n.Normalize(context.Background(), "   \t ")
	if err == nil {
		t.Fatal("expected INVALID_QUERY for whitespace-only input")
	}
	if fault.KindOf(err) != fault.KindInvalidQuery {
		t.Errorf("want INVALID_QUERY, got %s", fault.KindOf(err))
	}
}

func TestNormalize_RejectsOverlong(t *testing.T) {
	n := newTestNormalizer(t)

	_, err := n.Normalize(context.Background(), strings.Repeat("a", MaxQueryLen+1))
	if err == nil {
		t.Fatal("expected INVALID_QUERY for overlong input")
	}
	if fault.KindOf(err) != fault.KindInvalidQuery {
		t.Errorf("want INVALID_QUERY, got %s", fault.KindOf(err))
	}
}

func TestNormalize_AcceptsBoundaryLengths(t *testing.T) {
	n := newTestNormalizer(t)

	// Exactly 1 and exactly 200 cleaned runes are valid.
	if _, err := n.Normalize(context.Background(), "x"); err != nil {
		t.Errorf("length 1 must be accepted: %v", err)
	}
	if _, err := n.Normalize(context.Background(), strings.Repeat("a", MaxQueryLen)); err != nil {
		t.Errorf("length %d must be accepted: %v", MaxQueryLen, err)
	}
}

// =============================================================================
// Idempotence
// =============================================================================

func TestNormalize_Idempotent(t *testing.T) {
	n := newTestNormalizer(t)

	inputs := []string{
		"vitamina d",          // exact
		"VITAMIN D",           // exact after clean
		"magenesio",           // fuzzy
		"mk7",                 // compound
		"omega3",              // separator repair
		"quercetin phytosome", // passthrough
		"xyzzy",               // passthrough
		"  ácido   fólico  ",  // accents and whitespace
	}
	for _, in := range inputs {
		first, err := n.Normalize(context.Background(), in)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", in, err)
		}
		second, err := n.Normalize(context.Background(), first.Canonical)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", first.Canonical, err)
		}
		if second.Canonical != first.Canonical {
			t.Errorf("not idempotent for %q: %q then %q", in, first.Canonical, second.Canonical)
		}
	}
}

// =============================================================================
// LLM Stage
// =============================================================================

func TestNormalize_LLMDictionaryHit(t *testing.T) {
	n := newTestNormalizer(t)
	n.translator = translatorFunc(func(ctx context.Context, query string) (string, error) {
		return "Vitamina D", nil
	})

	got, err := n.Normalize(context.Background(), "sunshine pill thing")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got.Canonical != "Vitamin D" {
		t.Errorf("want Vitamin D via dictionary re-lookup, got %q", got.Canonical)
	}
	if got.Stage != StageLLM {
		t.Errorf("want stage llm, got %q", got.Stage)
	}
	if got.Confidence != llmConfidence {
		t.Errorf("want confidence %v, got %v", llmConfidence, got.Confidence)
	}
}

func TestNormalize_LLMNovelName(t *testing.T) {
	n := newTestNormalizer(t)
	n.translator = translatorFunc(func(ctx context.Context, query string) (string, error) {
		return "tongkat ali", nil
	})

	got, err := n.Normalize(context.Background(), "malaysian ginseng root")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got.Canonical != "Tongkat Ali" {
		t.Errorf("want title-cased reply, got %q", got.Canonical)
	}
	if got.Stage != StageLLM {
		t.Errorf("want stage llm, got %q", got.Stage)
	}
}

func TestNormalize_LLMErrorFallsThrough(t *testing.T) {
	n := newTestNormalizer(t)
	n.translator = translatorFunc(func(ctx context.Context, query string) (string, error) {
		return "", errors.New("upstream 500")
	})

	got, err := n.Normalize(context.Background(), "mystery powder")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got.Stage != StagePassthrough {
		t.Errorf("LLM error must fall through to passthrough, got stage %q", got.Stage)
	}
	if got.Canonical != "Mystery Powder" {
		t.Errorf("want Mystery Powder, got %q", got.Canonical)
	}
}

func TestNormalize_LLMTimeoutFallsThrough(t *testing.T) {
	n := newTestNormalizer(t)
	n.llmTimeout = 10 * time.Millisecond
	n.translator = translatorFunc(func(ctx context.Context, query string) (string, error) {
		select {
		case <-time.After(5 * time.Second):
			return "never", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	start := time.Now()
	got, err := n.Normalize(context.Background(), "mystery powder")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout not enforced: took %v", elapsed)
	}
	if got.Stage != StagePassthrough {
		t.Errorf("LLM timeout must fall through to passthrough, got stage %q", got.Stage)
	}
}

func TestNormalize_LLMUnusableReplyFallsThrough(t *testing.T) {
	n := newTestNormalizer(t)
	n.translator = translatorFunc(func(ctx context.Context, query string) (string, error) {
		return strings.Repeat("padding ", 60), nil
	})

	got, err := n.Normalize(context.Background(), "mystery powder")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got.Stage != StagePassthrough {
		t.Errorf("overlong LLM reply must fall through, got stage %q", got.Stage)
	}
}

func TestNormalize_LLMNotConsultedOnDictionaryHit(t *testing.T) {
	n := newTestNormalizer(t)
	called := false
	n.translator = translatorFunc(func(ctx context.Context, query string) (string, error) {
		called = true
		return "Wrong", nil
	})

	if _, err := n.Normalize(context.Background(), "magnesio"); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if called {
		t.Error("translator must not run when an earlier stage hits")
	}
}

// =============================================================================
// Variants
// =============================================================================

func TestNormalizer_Variants(t *testing.T) {
	n := newTestNormalizer(t)

	vars := n.Variants("Magnesium")
	if len(vars) == 0 {
		t.Fatal("expected variants for Magnesium")
	}
	if n.Variants("Unobtainium") != nil {
		t.Error("expected nil for unknown canonical")
	}
}
