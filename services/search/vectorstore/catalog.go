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
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/suplo-health/suplo/services/search/fault"
	"github.com/suplo-health/suplo/services/search/normalize"
	"github.com/suplo-health/suplo/services/search/storage/badgerstore"
)

// Key layout. Folded names (lowercased, accent-stripped, whitespace
// collapsed) index the rows so lookups are case- and accent-insensitive.
const (
	keySupplement = "cat/sup/"   // + id            -> gob(Supplement)
	keyCanonical  = "cat/name/"  // + folded name   -> id
	keyAlias      = "cat/alias/" // + folded alias  -> id
)

// Catalog is the supplement system of record. Both index backends are
// rebuildable projections of it.
//
// # Thread Safety
//
// Safe for concurrent use; Badger transactions provide isolation.
type Catalog struct {
	db     *badgerstore.DB
	logger *slog.Logger
}

// CatalogStats summarizes the catalog for the CLI and debug surfaces.
type CatalogStats struct {
	Supplements int
	Aliases     int
	ByGrade     map[string]int
	ByCategory  map[string]int
}

// NewCatalog wraps an open Badger handle. The handle is shared with the
// caller, which owns its lifecycle.
func NewCatalog(db *badgerstore.DB, logger *slog.Logger) *Catalog {
	return &Catalog{db: db, logger: logger}
}

// fold maps a name onto its index form.
func fold(name string) string {
	return normalize.Clean(name)
}

// =============================================================================
// Writes
// =============================================================================

// Insert stores a supplement atomically.
//
// # Description
//
//	Rejects a canonical name that already exists with DUPLICATE. An alias
//	that folds onto another supplement's canonical name would break alias
//	uniqueness, so it is dropped from the stored row with a warning rather
//	than failing the whole insert; discovery-generated aliases hit this when
//	a near-duplicate wins the race.
//
// # Outputs
//
//	error - DUPLICATE on canonical collision; storage errors verbatim.
func (c *Catalog) Insert(ctx context.Context, sup *Supplement) error {
	nameKey := []byte(keyCanonical + fold(sup.CanonicalName))

	return c.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(nameKey); err == nil {
			return fault.Errorf(fault.KindDuplicate, "catalog.Insert",
				"canonical name %q already exists", sup.CanonicalName)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		kept := sup.Aliases[:0:0]
		for _, alias := range sup.Aliases {
			f := fold(alias)
			if f == "" || f == fold(sup.CanonicalName) {
				continue
			}
			if owner, err := getString(txn, keyCanonical+f); err != nil {
				return err
			} else if owner != "" {
				c.logger.Warn("alias collides with existing canonical name, dropping",
					slog.String("alias", alias),
					slog.String("canonical_name", sup.CanonicalName),
					slog.String("owner_id", owner),
				)
				continue
			}
			kept = append(kept, alias)
			aliasKey := []byte(keyAlias + f)
			if _, err := txn.Get(aliasKey); errors.Is(err, badger.ErrKeyNotFound) {
				if err := txn.Set(aliasKey, []byte(sup.ID)); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
		}

		stored := *sup
		stored.Aliases = kept
		raw, err := encodeSupplement(&stored)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(keySupplement+sup.ID), raw); err != nil {
			return err
		}
		return txn.Set(nameKey, []byte(sup.ID))
	})
}

// Remove deletes a supplement and its name indexes. Used to roll back a
// catalog insert whose index write failed; absent ids are a no-op.
func (c *Catalog) Remove(ctx context.Context, id string) error {
	return c.db.WithTxn(ctx, func(txn *badger.Txn) error {
		sup, err := getSupplement(txn, id)
		if err != nil || sup == nil {
			return err
		}
		for _, alias := range sup.Aliases {
			aliasKey := keyAlias + fold(alias)
			if owner, err := getString(txn, aliasKey); err != nil {
				return err
			} else if owner == id {
				if err := txn.Delete([]byte(aliasKey)); err != nil {
					return err
				}
			}
		}
		if err := txn.Delete([]byte(keyCanonical + fold(sup.CanonicalName))); err != nil {
			return err
		}
		return txn.Delete([]byte(keySupplement + id))
	})
}

// =============================================================================
// Reads
// =============================================================================

// Get returns a supplement by id, or (nil, nil) when absent.
func (c *Catalog) Get(ctx context.Context, id string) (*Supplement, error) {
	var sup *Supplement
	err := c.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		sup, err = getSupplement(txn, id)
		return err
	})
	return sup, err
}

// GetByCanonicalName resolves a canonical name case- and accent-
// insensitively, or returns (nil, nil) when absent.
func (c *Catalog) GetByCanonicalName(ctx context.Context, name string) (*Supplement, error) {
	var sup *Supplement
	err := c.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		id, err := getString(txn, keyCanonical+fold(name))
		if err != nil || id == "" {
			return err
		}
		sup, err = getSupplement(txn, id)
		return err
	})
	return sup, err
}

// ForEach streams every supplement to fn in key order. fn returning an error
// stops the scan. Used to rebuild indexes and by the backup path.
func (c *Catalog) ForEach(ctx context.Context, fn func(*Supplement) error) error {
	return c.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keySupplement)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var sup *Supplement
			err := it.Item().Value(func(val []byte) error {
				var err error
				sup, err = decodeSupplement(val)
				return err
			})
			if err != nil {
				return err
			}
			if err := fn(sup); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of supplements.
func (c *Catalog) Count(ctx context.Context) (int, error) {
	n := 0
	err := c.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keySupplement)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Stats aggregates grade and category distributions in one scan.
func (c *Catalog) Stats(ctx context.Context) (CatalogStats, error) {
	stats := CatalogStats{
		ByGrade:    make(map[string]int),
		ByCategory: make(map[string]int),
	}
	err := c.ForEach(ctx, func(sup *Supplement) error {
		stats.Supplements++
		stats.Aliases += len(sup.Aliases)
		grade := sup.Metadata.EvidenceGrade
		if grade == "" {
			grade = "ungraded"
		}
		stats.ByGrade[grade]++
		category := sup.Metadata.Category
		if category == "" {
			category = "uncategorized"
		}
		stats.ByCategory[category]++
		return nil
	})
	return stats, err
}

// =============================================================================
// Codec
// =============================================================================

func encodeSupplement(sup *Supplement) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(sup); err != nil {
		return nil, fmt.Errorf("encode supplement %s: %w", sup.ID, err)
	}
	return buf.Bytes(), nil
}

func decodeSupplement(raw []byte) (*Supplement, error) {
	var sup Supplement
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&sup); err != nil {
		return nil, fmt.Errorf("decode supplement: %w", err)
	}
	return &sup, nil
}

func getSupplement(txn *badger.Txn, id string) (*Supplement, error) {
	item, err := txn.Get([]byte(keySupplement + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sup *Supplement
	err = item.Value(func(val []byte) error {
		var err error
		sup, err = decodeSupplement(val)
		return err
	})
	return sup, err
}

// getString reads a small value as a string, "" when absent.
func getString(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	return string(val), err
}
