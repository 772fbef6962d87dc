// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Supplement Dictionary
// =============================================================================

//go:embed supplement_dictionary.yaml
var defaultDictionaryYAML []byte

// =============================================================================
// Dictionary
// =============================================================================

// Dictionary maps cleaned query variants to canonical supplement names.
//
// # Description
//
// The YAML source maps each canonical name to its known variants (Spanish
// names, trade spellings, chemical synonyms). At load time every variant is
// folded through the caller-supplied key function and indexed; each
// canonical name is also self-indexed under its own folded form, so looking
// up an already-canonical string always succeeds. That self-entry is what
// makes repeated normalization stable.
//
// The dictionary is loaded once at startup. There is no reload path; a
// changed file needs a restart.
//
// # Thread Safety
//
// Immutable after load; safe for concurrent use.
type Dictionary struct {
	entries  map[string]string   // folded variant → canonical
	variants map[string][]string // canonical → raw variants from the file
	keys     []string            // sorted folded variants, for deterministic scans
}

// dictionaryFile is the YAML document shape.
type dictionaryFile struct {
	Supplements map[string][]string `yaml:"supplements"`
}

// LoadDictionary parses a dictionary from YAML bytes.
//
// # Description
//
// fold is applied to every variant and canonical name to produce lookup
// keys; pass the same function the query pipeline uses to clean input, or
// identity for pre-folded data. Conflicting variants (one folded form
// claiming two canonicals) fail the load: silently keeping either mapping
// would make results depend on YAML ordering.
//
// # Inputs
//
//   - data: Raw YAML. Must be non-empty and under MaxYAMLFileSize.
//   - fold: Key normalization function. Must not be nil.
//
// # Outputs
//
//   - *Dictionary: Loaded dictionary. Never nil on success.
//   - error: Non-nil on parse failure, conflicts, or empty content.
func LoadDictionary(data []byte, fold func(string) string) (*Dictionary, error) {
	if fold == nil {
		return nil, fmt.Errorf("LoadDictionary: fold must not be nil")
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("LoadDictionary: empty YAML data")
	}
	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("LoadDictionary: YAML data exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}

	var file dictionaryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("LoadDictionary: parsing YAML: %w", err)
	}
	if len(file.Supplements) == 0 {
		return nil, fmt.Errorf("LoadDictionary: no supplements defined")
	}

	d := &Dictionary{
		entries:  make(map[string]string, len(file.Supplements)*4),
		variants: make(map[string][]string, len(file.Supplements)),
	}

	for canonical, vars := range file.Supplements {
		if canonical == "" {
			return nil, fmt.Errorf("LoadDictionary: empty canonical name")
		}
		d.variants[canonical] = append([]string(nil), vars...)

		// Self-entry first so a canonical maps to itself.
		if err := d.add(fold(canonical), canonical); err != nil {
			return nil, err
		}
		for _, v := range vars {
			key := fold(v)
			if key == "" {
				return nil, fmt.Errorf("LoadDictionary: variant %q of %q folds to empty", v, canonical)
			}
			if err := d.add(key, canonical); err != nil {
				return nil, err
			}
		}
	}

	d.keys = make([]string, 0, len(d.entries))
	for k := range d.entries {
		d.keys = append(d.keys, k)
	}
	sort.Strings(d.keys)

	slog.Info("supplement dictionary loaded",
		slog.Int("canonical_count", len(d.variants)),
		slog.Int("variant_count", len(d.entries)),
	)
	return d, nil
}

// LoadDefaultDictionary loads the embedded dictionary.
func LoadDefaultDictionary(fold func(string) string) (*Dictionary, error) {
	return LoadDictionary(defaultDictionaryYAML, fold)
}

// LoadDictionaryFile loads a dictionary from a file path.
func LoadDictionaryFile(path string, fold func(string) string) (*Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadDictionaryFile: read %s: %w", path, err)
	}
	return LoadDictionary(data, fold)
}

// add indexes one folded key, rejecting cross-canonical conflicts.
// The same key mapping to the same canonical twice is tolerated; dictionary
// files legitimately repeat a variant across related spellings.
func (d *Dictionary) add(key, canonical string) error {
	if existing, ok := d.entries[key]; ok && existing != canonical {
		return fmt.Errorf("LoadDictionary: variant %q maps to both %q and %q", key, existing, canonical)
	}
	d.entries[key] = canonical
	return nil
}

// Lookup returns the canonical name for a folded key.
func (d *Dictionary) Lookup(key string) (string, bool) {
	canonical, ok := d.entries[key]
	return canonical, ok
}

// Keys returns all folded variant keys in sorted order. The slice is shared;
// callers must not mutate it.
func (d *Dictionary) Keys() []string {
	return d.keys
}

// Variants returns the raw file variants for a canonical name, or nil when
// the canonical is unknown. Used to invalidate every cached alias of a
// supplement after discovery inserts it.
func (d *Dictionary) Variants(canonical string) []string {
	return d.variants[canonical]
}

// Canonicals returns all canonical names in sorted order.
func (d *Dictionary) Canonicals() []string {
	out := make([]string, 0, len(d.variants))
	for c := range d.variants {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of indexed variant keys.
func (d *Dictionary) Len() int {
	return len(d.entries)
}
