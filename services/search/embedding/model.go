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
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/suplo-health/suplo/services/search/normalize"
)

// =============================================================================
// Artifact Format
// =============================================================================

// manifest describes one model artifact directory. The directory holds three
// files: manifest.json, a vocabulary (one token per line, line number = row
// in the vector table), and a raw little-endian float32 vector table of
// vocab_size x dim entries.
type manifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Dim         int    `json:"dim"`
	VocabFile   string `json:"vocab_file"`
	VectorsFile string `json:"vectors_file"`
}

// manifestFile is the fixed name the loader looks for inside an artifact
// directory.
const manifestFile = "manifest.json"

// maxVocabSize bounds the vocabulary so a corrupt manifest cannot make the
// loader allocate unbounded memory.
const maxVocabSize = 2_000_000

// oovWeight scales hashed fallback vectors for tokens outside the
// vocabulary, so unknown tokens contribute without dominating known ones.
const oovWeight = 0.3

// tokenModel is a static token-embedding table distilled from a sentence
// transformer: text embeds as the L2-normalized mean of its token vectors,
// with a deterministic hashed projection for out-of-vocabulary tokens.
type tokenModel struct {
	name    string
	version string
	dim     int
	vocab   map[string]int
	vectors []float32 // len(vocab) * dim, row-major
}

// loadModel reads one artifact directory into memory and validates that the
// three files agree with each other.
//
// # Inputs
//
//	dir - Artifact directory containing manifest.json and the files it names.
//
// # Outputs
//
//	*tokenModel - Fully loaded model ready for Embed calls.
//	error       - Any read, parse, or consistency failure.
func loadModel(dir string) (*tokenModel, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Dim <= 0 {
		return nil, fmt.Errorf("manifest %q: dim %d is not positive", m.Name, m.Dim)
	}
	if m.VocabFile == "" || m.VectorsFile == "" {
		return nil, fmt.Errorf("manifest %q: vocab_file and vectors_file are required", m.Name)
	}

	vocab, err := loadVocab(filepath.Join(dir, m.VocabFile))
	if err != nil {
		return nil, fmt.Errorf("load vocabulary: %w", err)
	}

	vectors, err := loadVectors(filepath.Join(dir, m.VectorsFile), len(vocab)*m.Dim)
	if err != nil {
		return nil, fmt.Errorf("load vector table: %w", err)
	}

	return &tokenModel{
		name:    m.Name,
		version: m.Version,
		dim:     m.Dim,
		vocab:   vocab,
		vectors: vectors,
	}, nil
}

// loadVocab reads a one-token-per-line vocabulary file. Blank lines are
// skipped; duplicate tokens keep their first row.
func loadVocab(path string) (map[string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vocab := make(map[string]int)
	row := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		token := strings.TrimSpace(scanner.Text())
		if token == "" {
			row++
			continue
		}
		if _, seen := vocab[token]; !seen {
			vocab[token] = row
		}
		row++
		if row > maxVocabSize {
			return nil, fmt.Errorf("vocabulary exceeds %d entries", maxVocabSize)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("vocabulary %s is empty", filepath.Base(path))
	}
	return vocab, nil
}

// loadVectors reads a raw little-endian float32 file and checks it holds
// exactly want values.
func loadVectors(path string, want int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() != int64(want)*4 {
		return nil, fmt.Errorf("vector table %s holds %d bytes, want %d (vocab x dim x 4)",
			filepath.Base(path), info.Size(), int64(want)*4)
	}

	vectors := make([]float32, want)
	if err := binary.Read(bufio.NewReaderSize(f, 1<<20), binary.LittleEndian, vectors); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, fmt.Errorf("vector table %s truncated", filepath.Base(path))
		}
		return nil, err
	}
	return vectors, nil
}

// =============================================================================
// Embedding Math
// =============================================================================

// Embed converts text into one unit-length vector of the model's dimension.
//
// # Description
//
//	Tokenizes the cleaned text, sums the vocabulary row for each known token
//	and a down-weighted hashed projection for each unknown one, then
//	L2-normalizes the sum. Text with no tokens at all falls back to a hashed
//	projection of the whole string so the output is always a valid unit
//	vector.
//
// # Thread Safety
//
//	Safe for concurrent use; the model is immutable after load.
func (m *tokenModel) Embed(text string) []float32 {
	sum := make([]float32, m.dim)
	tokens := tokenize(text)

	for _, token := range tokens {
		if row, ok := m.vocab[token]; ok {
			base := row * m.dim
			for i := 0; i < m.dim; i++ {
				sum[i] += m.vectors[base+i]
			}
			continue
		}
		addHashed(sum, token, oovWeight)
	}

	if len(tokens) == 0 {
		addHashed(sum, text, 1.0)
	}
	if !l2Normalize(sum) {
		// All-zero sum can only come from a pathological vector table;
		// hash the raw text so callers still get a unit vector.
		addHashed(sum, text, 1.0)
		l2Normalize(sum)
	}
	return sum
}

// tokenize lowercases, strips accents, and splits on anything that is not a
// letter or digit. Matching the normalizer's cleaning keeps query vectors and
// catalog vectors in the same token space.
func tokenize(text string) []string {
	cleaned := normalize.Clean(text)
	return strings.FieldsFunc(cleaned, func(r rune) bool {
		return !isAlnum(r)
	})
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}

// addHashed mixes a deterministic pseudo-random unit-scale vector for token
// into sum. Uses an FNV-1a seed stretched by splitmix64 so the same token
// always lands on the same direction, on any platform.
func addHashed(sum []float32, token string, weight float32) {
	const (
		fnvOffset = 14695981039346656037
		fnvPrime  = 1099511628211
	)
	var h uint64 = fnvOffset
	for i := 0; i < len(token); i++ {
		h ^= uint64(token[i])
		h *= fnvPrime
	}
	for i := range sum {
		h = splitmix64(h)
		// Map the top 32 bits onto [-1, 1).
		sum[i] += weight * (float32(int32(h>>32)) / float32(math.MaxInt32+1))
	}
}

// splitmix64 is the finalizer from the SplitMix64 generator; one round is
// enough to decorrelate sequential states.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// l2Normalize scales v to unit length in place. Returns false when the
// vector is all zeros and cannot be normalized.
func l2Normalize(v []float32) bool {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return false
	}
	inv := 1.0 / math.Sqrt(sumSq)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return true
}

// dot returns the inner product of two equal-length vectors. For unit
// vectors this is the cosine similarity.
func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
