// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

package embedding

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/suplo-health/suplo/services/search/fault"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeArtifacts lays down a complete artifact directory whose vocabulary
// rows are one-hot vectors, so expected similarities are exact.
func writeArtifacts(t *testing.T, dir string, tokens []string) {
	t.Helper()

	m := manifest{
		Name:        "suplo-test-model",
		Version:     "0.9.0",
		Dim:         Dim,
		VocabFile:   "vocab.txt",
		VectorsFile: "vectors.f32",
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), raw, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	var vocab bytes.Buffer
	vectors := make([]float32, len(tokens)*Dim)
	for row, tok := range tokens {
		vocab.WriteString(tok + "\n")
		vectors[row*Dim+row%Dim] = 1.0
	}
	if err := os.WriteFile(filepath.Join(dir, "vocab.txt"), vocab.Bytes(), 0o644); err != nil {
		t.Fatalf("write vocab: %v", err)
	}

	var bin bytes.Buffer
	if err := binary.Write(&bin, binary.LittleEndian, vectors); err != nil {
		t.Fatalf("encode vectors: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "vectors.f32"), bin.Bytes(), 0o644); err != nil {
		t.Fatalf("write vectors: %v", err)
	}
}

func warmService(t *testing.T, tokens []string) *Service {
	t.Helper()
	dir := t.TempDir()
	writeArtifacts(t, dir, tokens)
	svc := NewService(dir, 2*time.Second, testLogger())
	if err := svc.Warm(context.Background()); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	return svc
}

// =============================================================================
// Embedding Output
// =============================================================================

func TestEmbed_DimensionAndUnitNorm(t *testing.T) {
	svc := warmService(t, []string{"vitamin", "d", "magnesium"})

	for _, text := range []string{"vitamin d", "magnesium", "zzz unknown token", ""} {
		vec, err := svc.Embed(context.Background(), text)
		if err != nil {
			t.Fatalf("Embed(%q): %v", text, err)
		}
		if len(vec) != Dim {
			t.Fatalf("Embed(%q): got %d dims, want %d", text, len(vec), Dim)
		}
		norm := math.Sqrt(Similarity(vec, vec))
		if math.Abs(norm-1.0) > 1e-5 {
			t.Errorf("Embed(%q): norm %v, want 1.0", text, norm)
		}
	}
}

func TestEmbed_Deterministic(t *testing.T) {
	svc := warmService(t, []string{"vitamin", "d"})

	a, err := svc.Embed(context.Background(), "Vitamina D")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := svc.Embed(context.Background(), "Vitamina D")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestEmbed_KnownTokensDriveSimilarity(t *testing.T) {
	svc := warmService(t, []string{"vitamin", "d", "magnesium"})
	ctx := context.Background()

	vitD, _ := svc.Embed(ctx, "vitamin d")
	vitDAgain, _ := svc.Embed(ctx, "Vitamin D") // case and accents must not matter
	mag, _ := svc.Embed(ctx, "magnesium")

	if sim := Similarity(vitD, vitDAgain); sim < 0.999 {
		t.Errorf("same text similarity %v, want ~1.0", sim)
	}
	if sim := Similarity(vitD, mag); sim > 0.5 {
		t.Errorf("disjoint token similarity %v, want low", sim)
	}
}

func TestEmbed_AccentFolding(t *testing.T) {
	// Spanish accented forms must tokenize identically to their folded form.
	svc := warmService(t, []string{"magnesio"})
	ctx := context.Background()

	plain, _ := svc.Embed(ctx, "magnesio")
	accented, _ := svc.Embed(ctx, "MAGNÉSIO")

	if sim := Similarity(plain, accented); sim < 0.999 {
		t.Errorf("accented similarity %v, want ~1.0", sim)
	}
}

func TestEmbed_OOVDeterministicAndDistinct(t *testing.T) {
	svc := warmService(t, []string{"vitamin"})
	ctx := context.Background()

	a, _ := svc.Embed(ctx, "quercetin")
	b, _ := svc.Embed(ctx, "quercetin")
	c, _ := svc.Embed(ctx, "berberine")

	if sim := Similarity(a, b); sim < 0.999 {
		t.Errorf("repeated OOV similarity %v, want ~1.0", sim)
	}
	if sim := Similarity(a, c); sim > 0.9 {
		t.Errorf("distinct OOV tokens similarity %v, want clearly below 0.9", sim)
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestService_ColdEmbedFailsFast(t *testing.T) {
	svc := NewService(t.TempDir(), 150*time.Millisecond, testLogger())

	if svc.Ready() {
		t.Fatal("service must not report ready before load")
	}
	_, err := svc.Embed(context.Background(), "vitamin d")
	if err == nil {
		t.Fatal("expected error from cold service with no artifact")
	}
	if kind := fault.KindOf(err); kind != fault.KindModelUnavailable {
		t.Errorf("want MODEL_UNAVAILABLE, got %s", kind)
	}
}

func TestService_RecoversAfterFailedLoad(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(dir, 150*time.Millisecond, testLogger())

	if err := svc.Warm(context.Background()); err == nil {
		t.Fatal("expected warm failure with empty artifact dir")
	}

	// The artifact arrives after the failed attempt; the next warm heals.
	writeArtifacts(t, dir, []string{"vitamin", "d"})
	if err := svc.Warm(context.Background()); err != nil {
		t.Fatalf("Warm after artifact arrived: %v", err)
	}
	if !svc.Ready() {
		t.Error("service must report ready after successful load")
	}
	name, version := svc.ModelVersion()
	if name != "suplo-test-model" || version != "0.9.0" {
		t.Errorf("ModelVersion = %q/%q, want suplo-test-model/0.9.0", name, version)
	}
}

func TestService_WaitsForLateArtifact(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(dir, 3*time.Second, testLogger())

	go func() {
		time.Sleep(100 * time.Millisecond)
		writeArtifacts(t, dir, []string{"vitamin"})
	}()

	if err := svc.Warm(context.Background()); err != nil {
		t.Fatalf("Warm should pick up late artifact: %v", err)
	}
}

// =============================================================================
// Artifact Resolution
// =============================================================================

func TestPickArtifactDir_HighestSemver(t *testing.T) {
	root := t.TempDir()
	writeArtifacts(t, filepath.Join(root, "v1.2.0"), []string{"a"})
	writeArtifacts(t, filepath.Join(root, "1.10.0"), []string{"a"})
	writeArtifacts(t, filepath.Join(root, "not-a-version"), []string{"a"})

	dir, err := pickArtifactDir(root)
	if err != nil {
		t.Fatalf("pickArtifactDir: %v", err)
	}
	if filepath.Base(dir) != "1.10.0" {
		t.Errorf("picked %s, want 1.10.0", filepath.Base(dir))
	}
}

func TestPickArtifactDir_DirectManifestWins(t *testing.T) {
	root := t.TempDir()
	writeArtifacts(t, root, []string{"a"})
	writeArtifacts(t, filepath.Join(root, "v9.0.0"), []string{"a"})

	dir, err := pickArtifactDir(root)
	if err != nil {
		t.Fatalf("pickArtifactDir: %v", err)
	}
	if dir != root {
		t.Errorf("picked %s, want root when manifest is present directly", dir)
	}
}

func TestLoadModel_TruncatedVectorTable(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir, []string{"vitamin", "d"})

	// Chop the vector table so its size no longer matches vocab x dim.
	path := filepath.Join(dir, "vectors.f32")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read vectors: %v", err)
	}
	if err := os.WriteFile(path, raw[:len(raw)-4], 0o644); err != nil {
		t.Fatalf("truncate vectors: %v", err)
	}

	if _, err := loadModel(dir); err == nil {
		t.Fatal("expected error for truncated vector table")
	}
}

func TestSplitGCSURL(t *testing.T) {
	cases := []struct {
		url    string
		bucket string
		prefix string
		ok     bool
	}{
		{"gs://models/suplo/embed", "models", "suplo/embed/", true},
		{"gs://models", "models", "", true},
		{"gs://", "", "", false},
	}
	for _, tc := range cases {
		bucket, prefix, err := splitGCSURL(tc.url)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.url, err)
			continue
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("%s: expected error", tc.url)
			}
			continue
		}
		if bucket != tc.bucket || prefix != tc.prefix {
			t.Errorf("%s: got %q/%q, want %q/%q", tc.url, bucket, prefix, tc.bucket, tc.prefix)
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

func TestDocument(t *testing.T) {
	cases := []struct {
		name    string
		aliases []string
		want    string
	}{
		{"Vitamin D", nil, "Vitamin D"},
		{"Vitamin D", []string{"vitamina d", "vitamin d3"}, "Vitamin D. vitamina d. vitamin d3"},
	}
	for _, tc := range cases {
		if got := Document(tc.name, tc.aliases); got != tc.want {
			t.Errorf("Document(%q, %v) = %q, want %q", tc.name, tc.aliases, got, tc.want)
		}
	}
}
