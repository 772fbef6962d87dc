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
	"sync"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Seed Catalog
// =============================================================================

//go:embed seed_supplements.yaml
var seedCatalogYAML []byte

// SeedSupplement is one curated catalog entry used to bootstrap an empty
// store. Discovery adds to this set at runtime; seeds are never the only
// source of truth, just the starting population.
type SeedSupplement struct {
	// Name is the canonical form.
	Name string `yaml:"name"`

	// Aliases are alternate names stored on the supplement record.
	Aliases []string `yaml:"aliases"`

	// Category is a coarse grouping (vitamin, mineral, herb, ...).
	Category string `yaml:"category"`

	// EvidenceGrade is the curated literature rating, A (strongest)
	// through F.
	EvidenceGrade string `yaml:"evidence_grade"`

	// StudyCount is the approximate PubMed result count at curation time.
	StudyCount int `yaml:"study_count"`

	// Description is a one-line summary for API responses.
	Description string `yaml:"description"`
}

type seedCatalogFile struct {
	Supplements []SeedSupplement `yaml:"supplements"`
}

var (
	cachedSeedCatalog []SeedSupplement
	seedCatalogOnce   sync.Once
	seedCatalogErr    error
)

// LoadSeedCatalog parses and caches the embedded seed catalog.
//
// # Description
//
// Validates that every entry has a name and a recognized evidence grade.
// The catalog ships inside the binary; a broken catalog is a build defect,
// so errors here should stop startup.
//
// # Outputs
//
//   - []SeedSupplement: The curated entries in file order. Never empty on success.
//   - error: Non-nil if parsing or validation fails.
//
// # Thread Safety
//
// Safe for concurrent use (uses sync.Once internally).
func LoadSeedCatalog() ([]SeedSupplement, error) {
	seedCatalogOnce.Do(func() {
		var file seedCatalogFile
		if err := yaml.Unmarshal(seedCatalogYAML, &file); err != nil {
			seedCatalogErr = fmt.Errorf("parsing seed_supplements.yaml: %w", err)
			return
		}
		if len(file.Supplements) == 0 {
			seedCatalogErr = fmt.Errorf("seed_supplements.yaml: no supplements defined")
			return
		}
		for i, s := range file.Supplements {
			if s.Name == "" {
				seedCatalogErr = fmt.Errorf("seed_supplements.yaml: entry %d has no name", i)
				return
			}
			switch s.EvidenceGrade {
			case "A", "B", "C", "D", "E", "F":
			default:
				seedCatalogErr = fmt.Errorf("seed_supplements.yaml: entry %q has invalid grade %q", s.Name, s.EvidenceGrade)
				return
			}
		}
		cachedSeedCatalog = file.Supplements
	})
	return cachedSeedCatalog, seedCatalogErr
}
