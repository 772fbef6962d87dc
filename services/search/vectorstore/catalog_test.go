// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

package vectorstore

import (
	"context"
	"slices"
	"testing"

	"github.com/suplo-health/suplo/services/search/storage/badgerstore"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	db, err := badgerstore.OpenDB(badgerstore.InMemoryConfig())
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewCatalog(db, testLogger())
}

func TestCatalog_AliasCollidingWithCanonicalIsDropped(t *testing.T) {
	catalog := openTestCatalog(t)
	ctx := context.Background()

	first := testSupplement("id-mag", "Magnesium", unitVec(0), "magnesio")
	if err := catalog.Insert(ctx, first); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// "magnesium" folds onto the first row's canonical name; keeping it
	// would make that name ambiguous, so it is dropped from the row.
	second := testSupplement("id-zinc", "Zinc", unitVec(1), "magnesium", "zinc picolinate")
	if err := catalog.Insert(ctx, second); err != nil {
		t.Fatalf("Insert with colliding alias: %v", err)
	}

	stored, err := catalog.Get(ctx, "id-zinc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if slices.Contains(stored.Aliases, "magnesium") {
		t.Errorf("colliding alias survived: %v", stored.Aliases)
	}
	if !slices.Contains(stored.Aliases, "zinc picolinate") {
		t.Errorf("innocent alias dropped: %v", stored.Aliases)
	}
}

func TestCatalog_SelfAliasSkipped(t *testing.T) {
	catalog := openTestCatalog(t)
	ctx := context.Background()

	sup := testSupplement("id-1", "Vitamin C", unitVec(0), "VITAMIN C", "acido ascorbico")
	if err := catalog.Insert(ctx, sup); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	stored, _ := catalog.Get(ctx, "id-1")
	if slices.Contains(stored.Aliases, "VITAMIN C") {
		t.Errorf("alias equal to the canonical name should be elided: %v", stored.Aliases)
	}
}

func TestCatalog_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := badgerstore.OpenDB(badgerstore.DefaultConfig(dir))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	catalog := NewCatalog(db, testLogger())
	if err := catalog.Insert(ctx, testSupplement("id-1", "Berberine", unitVec(5), "berberina")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := badgerstore.OpenDB(badgerstore.DefaultConfig(dir))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	sup, err := NewCatalog(db2, testLogger()).GetByCanonicalName(ctx, "berberine")
	if err != nil {
		t.Fatalf("GetByCanonicalName after reopen: %v", err)
	}
	if sup == nil || sup.ID != "id-1" || len(sup.Aliases) != 1 {
		t.Errorf("row did not survive reopen intact: %+v", sup)
	}
}

func TestCatalog_CountAndStats(t *testing.T) {
	catalog := openTestCatalog(t)
	ctx := context.Background()

	rows := []*Supplement{
		testSupplement("id-1", "Vitamin D", unitVec(0), "vitamina d"),
		testSupplement("id-2", "Magnesium", unitVec(1), "magnesio", "mg"),
	}
	rows[1].Metadata.EvidenceGrade = "C"
	rows[1].Metadata.Category = "mineral"
	for _, sup := range rows {
		if err := catalog.Insert(ctx, sup); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	n, err := catalog.Count(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Count = (%d, %v), want 2", n, err)
	}

	stats, err := catalog.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Supplements != 2 || stats.Aliases != 3 {
		t.Errorf("Stats = %+v, want 2 supplements / 3 aliases", stats)
	}
	if stats.ByGrade["A"] != 1 || stats.ByGrade["C"] != 1 {
		t.Errorf("grade distribution wrong: %v", stats.ByGrade)
	}
	if stats.ByCategory["vitamin"] != 1 || stats.ByCategory["mineral"] != 1 {
		t.Errorf("category distribution wrong: %v", stats.ByCategory)
	}
}

func TestCatalog_RemoveCleansIndexes(t *testing.T) {
	catalog := openTestCatalog(t)
	ctx := context.Background()

	if err := catalog.Insert(ctx, testSupplement("id-1", "Creatine", unitVec(0), "creatina")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := catalog.Remove(ctx, "id-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if sup, _ := catalog.GetByCanonicalName(ctx, "Creatine"); sup != nil {
		t.Error("canonical index survived Remove")
	}
	// The name and alias are free for a new row.
	if err := catalog.Insert(ctx, testSupplement("id-2", "Creatine", unitVec(1), "creatina")); err != nil {
		t.Errorf("re-insert after Remove: %v", err)
	}

	// Removing an absent id is a no-op.
	if err := catalog.Remove(ctx, "id-ghost"); err != nil {
		t.Errorf("Remove(absent): %v", err)
	}
}
