// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/suplo-health/suplo/services/search/config"
)

var seedDryRun bool

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load the curated seed catalog into a running service",
	Long: `Pushes the embedded seed catalog through the admin upsert endpoint,
one supplement at a time. Re-running is safe: existing entries are replaced,
and each upsert flushes the result cache.`,
	Run: runSeedCommand,
}

func init() {
	seedCmd.Flags().BoolVar(&seedDryRun, "dry-run", false,
		"List the seed entries without sending them")
}

// seedUpsertRequest mirrors the admin upsert payload.
type seedUpsertRequest struct {
	CanonicalName string   `json:"canonical_name"`
	Aliases       []string `json:"aliases,omitempty"`
	EvidenceGrade string   `json:"evidence_grade,omitempty"`
	StudyCount    int      `json:"study_count,omitempty"`
	Category      string   `json:"category,omitempty"`
	Description   string   `json:"description,omitempty"`
}

func runSeedCommand(_ *cobra.Command, _ []string) {
	seeds, err := config.LoadSeedCatalog()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	if seedDryRun {
		fmt.Printf("Seed catalog: %d supplements\n", len(seeds))
		for _, s := range seeds {
			fmt.Printf("  %-32s %s  %s\n", s.Name, gradeBadge(s.EvidenceGrade), dimStyle.Render(s.Category))
		}
		return
	}

	fmt.Printf("Seeding %d supplements into %s\n", len(seeds), resolveServerURL())

	var created, replaced, failed int
	for _, s := range seeds {
		isNew, err := seedOne(s)
		if err != nil {
			failed++
			fmt.Printf("  %s %s: %v\n", errStyle.Render("x"), s.Name, err)
			continue
		}
		if isNew {
			created++
		} else {
			replaced++
		}
		fmt.Printf("  %s %s\n", okStyle.Render("+"), s.Name)
	}

	fmt.Printf("\nDone: %d created, %d replaced, %d failed\n", created, replaced, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// seedOne upserts a single catalog entry. Returns true when the server
// created a new row rather than replacing one.
func seedOne(s config.SeedSupplement) (bool, error) {
	req := seedUpsertRequest{
		CanonicalName: s.Name,
		Aliases:       s.Aliases,
		EvidenceGrade: s.EvidenceGrade,
		StudyCount:    s.StudyCount,
		Category:      s.Category,
		Description:   s.Description,
	}
	status, err := postJSON("/v1/admin/supplements", req, nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusCreated, nil
}
