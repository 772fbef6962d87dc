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
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/suplo-health/suplo/services/search/cache"
	"github.com/suplo-health/suplo/services/search/config"
	"github.com/suplo-health/suplo/services/search/discovery"
	"github.com/suplo-health/suplo/services/search/storage/badgerstore"
	"github.com/suplo-health/suplo/services/search/vectorstore"
)

var (
	storeConfigPath string
	wipeoutForce    bool
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Offline maintenance for the on-disk stores",
	Long: `Works directly on the BadgerDB data directories: the supplement
catalog, the L2 result cache, and the discovery queue. The search service
must be stopped first; these commands take the same directory locks the
service holds while running.

Backups do not include the vector index; the service rebuilds it from the
catalog on the next start.`,
}

var storeSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print record counts for each store",
	Run:   runStoreSummaryCommand,
}

var storeBackupCmd = &cobra.Command{
	Use:   "backup <dir>",
	Short: "Write a full backup of each store into a directory",
	Args:  cobra.ExactArgs(1),
	Run:   runStoreBackupCommand,
}

var storeRestoreCmd = &cobra.Command{
	Use:   "restore <dir>",
	Short: "Load store backups from a directory",
	Long: `Loads catalog.bak, cache.bak, and queue.bak from the given directory
into the configured data directories. Restoring merges into whatever is
already on disk; run 'suplo store wipeout' first for a clean slate.`,
	Args: cobra.ExactArgs(1),
	Run:  runStoreRestoreCommand,
}

var storeWipeoutCmd = &cobra.Command{
	Use:   "wipeout",
	Short: "Delete every data directory, including the vector index",
	Run:   runStoreWipeoutCommand,
}

func init() {
	storeCmd.PersistentFlags().StringVar(&storeConfigPath, "config", "",
		"Config file naming the data directories (default: embedded defaults plus SUPLO_* overrides)")
	storeWipeoutCmd.Flags().BoolVar(&wipeoutForce, "force", false,
		"Skip the confirmation prompt")

	storeCmd.AddCommand(storeSummaryCmd)
	storeCmd.AddCommand(storeBackupCmd)
	storeCmd.AddCommand(storeRestoreCmd)
	storeCmd.AddCommand(storeWipeoutCmd)
}

// =============================================================================
// Store Set
// =============================================================================

// dataStore names one Badger directory the CLI maintains.
type dataStore struct {
	name string
	dir  string
}

func loadStoreConfig() *config.SearchConfig {
	if storeConfigPath != "" {
		cfg, err := config.LoadFile(storeConfigPath)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		return cfg
	}
	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	return cfg
}

// dataStores returns the Badger-backed stores in display order. A store
// whose directory is not configured (an in-memory or Redis deployment)
// carries an empty dir and is skipped by the callers.
func dataStores(cfg *config.SearchConfig) []dataStore {
	l2Dir := cfg.Cache.L2Dir
	if cfg.Cache.L2Backend != "badger" {
		l2Dir = ""
	}
	return []dataStore{
		{name: "catalog", dir: cfg.Store.CatalogDir},
		{name: "cache", dir: l2Dir},
		{name: "queue", dir: cfg.Discovery.QueueDir},
	}
}

// quietLogger keeps Badger's open/compaction chatter out of CLI output.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openStore opens one data directory read-write. The caller owns Close.
func openStore(dir string) (*badgerstore.DB, error) {
	storeCfg := badgerstore.DefaultConfig(dir)
	storeCfg.Logger = quietLogger()
	db, err := badgerstore.OpenDB(storeCfg)
	if err != nil && strings.Contains(err.Error(), "lock") {
		return nil, fmt.Errorf("%w (is the search service still running?)", err)
	}
	return db, err
}

// =============================================================================
// Summary
// =============================================================================

func runStoreSummaryCommand(_ *cobra.Command, _ []string) {
	cfg := loadStoreConfig()
	ctx := context.Background()

	for _, st := range dataStores(cfg) {
		if st.dir == "" {
			fmt.Printf("%s %s\n", titleStyle.Render(st.name), dimStyle.Render("(not configured)"))
			continue
		}
		fmt.Printf("%s %s\n", titleStyle.Render(st.name), dimStyle.Render("("+st.dir+")"))

		if _, err := os.Stat(st.dir); os.IsNotExist(err) {
			fmt.Println(dimStyle.Render("  not created yet"))
			continue
		}

		db, err := openStore(st.dir)
		if err != nil {
			fmt.Printf("  %s %v\n", errStyle.Render("error:"), err)
			continue
		}
		printStoreSummary(ctx, st.name, db, cfg)
		if err := db.Close(); err != nil {
			slog.Error("failed to close store", "store", st.name, "error", err)
		}
	}
}

func printStoreSummary(ctx context.Context, name string, db *badgerstore.DB, cfg *config.SearchConfig) {
	switch name {
	case "catalog":
		stats, err := vectorstore.NewCatalog(db, quietLogger()).Stats(ctx)
		if err != nil {
			fmt.Printf("  %s %v\n", errStyle.Render("error:"), err)
			return
		}
		fmt.Printf("  supplements %d, aliases %d\n", stats.Supplements, stats.Aliases)
		if len(stats.ByGrade) > 0 {
			fmt.Printf("  grades      %s\n", formatCountMap(stats.ByGrade))
		}
		if len(stats.ByCategory) > 0 {
			fmt.Printf("  categories  %s\n", formatCountMap(stats.ByCategory))
		}

	case "cache":
		entries, err := cache.NewBadgerL2(db, cfg.CacheTTL()).Len(ctx)
		if err != nil {
			fmt.Printf("  %s %v\n", errStyle.Render("error:"), err)
			return
		}
		fmt.Printf("  entries %d\n", entries)

	case "queue":
		queue := discovery.NewQueue(db, discovery.QueueConfig{
			Retention:   cfg.JobRetention(),
			NegativeTTL: cfg.NegativeTTL(),
		}, nil, quietLogger())
		stats, err := queue.Stats(ctx)
		if err != nil {
			fmt.Printf("  %s %v\n", errStyle.Render("error:"), err)
			return
		}
		fmt.Printf("  jobs %d\n", stats.Total)
		for _, state := range jobStateOrder {
			if n := stats.ByState[discovery.State(state)]; n > 0 {
				fmt.Printf("    %-22s %d\n", state, n)
			}
		}
	}
}

// formatCountMap renders a count map as "key:count" pairs in key order.
func formatCountMap(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, m[k]))
	}
	return strings.Join(parts, " ")
}

// =============================================================================
// Backup and Restore
// =============================================================================

func runStoreBackupCommand(_ *cobra.Command, args []string) {
	outDir := args[0]
	cfg := loadStoreConfig()

	if err := os.MkdirAll(outDir, 0o750); err != nil {
		log.Fatalf("Error: create %s: %v", outDir, err)
	}

	for _, st := range dataStores(cfg) {
		if st.dir == "" {
			continue
		}
		if _, err := os.Stat(st.dir); os.IsNotExist(err) {
			fmt.Printf("  %s: no data directory, skipped\n", st.name)
			continue
		}

		outPath := filepath.Join(outDir, st.name+".bak")
		size, err := backupStore(st.dir, outPath)
		if err != nil {
			log.Fatalf("Error: backup %s: %v", st.name, err)
		}
		fmt.Printf("  %s %s: %s (%s)\n", okStyle.Render("+"), st.name, outPath, humanBytes(size))
	}
}

// backupStore streams a full backup of the store at dir into path and
// returns the number of bytes written.
func backupStore(dir, path string) (int64, error) {
	db, err := openStore(dir)
	if err != nil {
		return 0, err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("failed to close store", "dir", dir, "error", closeErr)
		}
	}()

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}

	w := bufio.NewWriter(f)
	if _, err := db.Badger().Backup(w, 0); err != nil {
		_ = f.Close()
		return 0, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return 0, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return 0, err
	}
	return info.Size(), f.Close()
}

func runStoreRestoreCommand(_ *cobra.Command, args []string) {
	inDir := args[0]
	cfg := loadStoreConfig()

	restored := 0
	for _, st := range dataStores(cfg) {
		if st.dir == "" {
			continue
		}
		path := filepath.Join(inDir, st.name+".bak")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Printf("  %s: no backup file, skipped\n", st.name)
			continue
		}

		if err := restoreStore(st.dir, path); err != nil {
			log.Fatalf("Error: restore %s: %v", st.name, err)
		}
		fmt.Printf("  %s %s restored from %s\n", okStyle.Render("+"), st.name, path)
		restored++
	}

	if restored > 0 {
		fmt.Println(dimStyle.Render("The vector index is rebuilt from the catalog on the next service start."))
	}
}

// restoreStore loads a backup stream into the store at dir, creating the
// directory when absent.
func restoreStore(dir, path string) error {
	db, err := openStore(dir)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("failed to close store", "dir", dir, "error", closeErr)
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			slog.Error("failed to close backup file", "path", path, "error", closeErr)
		}
	}()

	return db.Badger().Load(bufio.NewReader(f), 256)
}

// =============================================================================
// Wipeout
// =============================================================================

func runStoreWipeoutCommand(_ *cobra.Command, _ []string) {
	cfg := loadStoreConfig()

	dirs := make([]string, 0, 4)
	for _, st := range dataStores(cfg) {
		if st.dir != "" {
			dirs = append(dirs, st.dir)
		}
	}
	if cfg.Store.IndexDir != "" {
		dirs = append(dirs, cfg.Store.IndexDir)
	}

	if !wipeoutForce {
		if !stdoutIsTTY() {
			log.Fatalf("Error: refusing to wipe data in a non-interactive session; pass --force")
		}
		var confirmed bool
		form := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title("Delete all search service data?").
				Description(fmt.Sprintf("Removes %s.\nBack up first with: suplo store backup <dir>",
					strings.Join(dirs, ", "))).
				Affirmative("Delete everything").
				Negative("Cancel").
				Value(&confirmed),
		))
		if err := form.Run(); err != nil {
			log.Fatalf("Error: %v", err)
		}
		if !confirmed {
			fmt.Println("Cancelled.")
			return
		}
	}

	failed := 0
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			failed++
			fmt.Printf("  %s %s: %v\n", errStyle.Render("x"), dir, err)
			continue
		}
		fmt.Printf("  %s removed %s\n", okStyle.Render("+"), dir)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// humanBytes formats a byte count for display.
func humanBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
