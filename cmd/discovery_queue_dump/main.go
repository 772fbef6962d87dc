// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

// discovery_queue_dump inspects the search service's discovery queue.
//
// The queue persists discovery jobs in BadgerDB so that unknown-supplement
// lookups survive restarts. This tool opens the database read-only and
// prints a human-readable summary: every job record with its state, attempt
// count, and timing; the active markers that enforce one in-flight job per
// folded query; and the TTL'd negative markers left by no-evidence verdicts.
// With a result cache directory present it also dumps the L2 cache entries.
//
// Usage:
//
//	discovery_queue_dump [--path /path/to/queue] [--cache-path /path/to/cache]
//
// If --path is not given, reads SUPLO_QUEUE_DIR from the environment,
// falling back to ./data/queue. The cache path resolves the same way via
// SUPLO_CACHE_L2_DIR, falling back to ./data/cache.
//
// Exit codes:
//
//	0 — success (including "empty queue" which prints a message and exits 0)
//	1 — error opening or reading a database
package main

import (
	"bytes"
	"encoding/gob"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// Key prefixes must match queue.go and l2_badger.go exactly.
const (
	jobKeyPrefix      = "queue/job/v1/"
	activeKeyPrefix   = "queue/active/v1/"
	negativeKeyPrefix = "queue/neg/v1/"
	cacheKeyPrefix    = "cache/ent/v1/"
)

// job mirrors the gob wire format of a discovery job record.
// Must match discovery.Job exactly.
type job struct {
	ID               string
	Query            string
	FoldedQuery      string
	State            string
	Attempts         int
	NextAttemptAfter time.Time
	LastError        string
	EnqueuedAt       time.Time
	CompletedAt      time.Time
	CorrelationID    string
}

// cacheEntry mirrors the gob wire format of an L2 cache record.
// Must match cache.Entry exactly.
type cacheEntry struct {
	SupplementID string
	Similarity   float64
	SourceTier   string
	CachedAt     time.Time
	ExpiresAt    time.Time
}

func main() {
	pathFlag := flag.String("path", "", "Path to the queue BadgerDB directory (overrides SUPLO_QUEUE_DIR env var)")
	cachePathFlag := flag.String("cache-path", "", "Path to the L2 cache BadgerDB directory (overrides SUPLO_CACHE_L2_DIR env var)")
	flag.Parse()

	queuePath := *pathFlag
	if queuePath == "" {
		queuePath = os.Getenv("SUPLO_QUEUE_DIR")
	}
	if queuePath == "" {
		queuePath = "./data/queue"
	}

	cachePath := *cachePathFlag
	if cachePath == "" {
		cachePath = os.Getenv("SUPLO_CACHE_L2_DIR")
	}
	if cachePath == "" {
		cachePath = "./data/cache"
	}

	dumpQueue(queuePath)
	dumpCache(cachePath)
}

// =============================================================================
// Queue
// =============================================================================

func dumpQueue(dbPath string) {
	fmt.Printf("Discovery queue path: %s\n", dbPath)

	// Check existence before trying to open — gives a cleaner error message
	// than BadgerDB's "no such file or directory" buried in a long error.
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("Queue directory does not exist. The service has not yet enqueued any discovery jobs.")
		return
	}

	opts := dgbadger.DefaultOptions(dbPath).
		WithLogger(nil). // suppress BadgerDB internal logs
		WithReadOnly(true)

	db, err := dgbadger.Open(opts)
	if err != nil {
		fatalf("open BadgerDB at %s: %v (is the search service still running?)", dbPath, err)
	}
	defer func() { _ = db.Close() }()

	type jobRecord struct {
		job       job
		rawSize   int
		decodeErr error
	}
	type marker struct {
		folded    string
		jobID     string
		expiresAt time.Time
		hasExpiry bool
	}

	var jobs []jobRecord
	var active []marker
	var negative []marker

	err = db.View(func(txn *dgbadger.Txn) error {
		iterOpts := dgbadger.DefaultIteratorOptions
		iterOpts.PrefetchValues = true
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		prefix := []byte(jobKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				jobs = append(jobs, jobRecord{decodeErr: fmt.Errorf("copy value: %w", err)})
				continue
			}
			rec := jobRecord{rawSize: len(raw)}
			decoded, err := gobDecodeJob(raw)
			if err != nil {
				rec.decodeErr = fmt.Errorf("gob decode %s: %w", item.Key(), err)
			} else {
				rec.job = decoded
			}
			jobs = append(jobs, rec)
		}

		prefix = []byte(activeKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}
			active = append(active, marker{
				folded: strings.TrimPrefix(string(item.Key()), activeKeyPrefix),
				jobID:  string(raw),
			})
		}

		prefix = []byte(negativeKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}
			m := marker{
				folded: strings.TrimPrefix(string(item.Key()), negativeKeyPrefix),
				jobID:  string(raw),
			}
			// TTL: item.ExpiresAt() returns Unix seconds, 0 = no expiry.
			if expiresAt := item.ExpiresAt(); expiresAt > 0 {
				m.hasExpiry = true
				m.expiresAt = time.Unix(int64(expiresAt), 0)
			}
			negative = append(negative, m)
		}
		return nil
	})
	if err != nil {
		fatalf("read BadgerDB: %v", err)
	}

	if len(jobs) == 0 && len(active) == 0 && len(negative) == 0 {
		fmt.Println("\nNo discovery records found.")
		fmt.Println("Every query so far has resolved from the catalog or the cache.")
		return
	}

	// Oldest first, the order the workers drain in.
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].job.EnqueuedAt.Before(jobs[j].job.EnqueuedAt)
	})

	fmt.Printf("\nFound %d job%s:\n", len(jobs), plural(len(jobs), "", "s"))
	fmt.Println(strings.Repeat("─", 80))

	stateCounts := make(map[string]int)
	for i, rec := range jobs {
		if rec.decodeErr != nil {
			fmt.Printf("\n[%d] DECODE ERROR: %v\n", i+1, rec.decodeErr)
			continue
		}
		j := rec.job
		stateCounts[j.State]++

		fmt.Printf("\n[%d] Job ID:      %s\n", i+1, j.ID)
		fmt.Printf("    Query:       %s\n", j.Query)
		if j.FoldedQuery != j.Query {
			fmt.Printf("    Folded:      %s\n", j.FoldedQuery)
		}
		fmt.Printf("    State:       %s\n", j.State)
		fmt.Printf("    Attempts:    %d\n", j.Attempts)
		fmt.Printf("    Enqueued:    %s\n", formatWhen(j.EnqueuedAt))
		if !j.CompletedAt.IsZero() {
			fmt.Printf("    Completed:   %s\n", formatWhen(j.CompletedAt))
		}
		if !j.NextAttemptAfter.IsZero() && j.State == "PENDING" {
			if wait := time.Until(j.NextAttemptAfter); wait > 0 {
				fmt.Printf("    Next try:    in %s\n", wait.Round(time.Second))
			} else {
				fmt.Printf("    Next try:    due now\n")
			}
		}
		if j.LastError != "" {
			fmt.Printf("    Last error:  %s\n", j.LastError)
		}
		if j.CorrelationID != "" {
			fmt.Printf("    Correlation: %s\n", j.CorrelationID)
		}
		fmt.Printf("    Raw size:    %s\n", formatBytes(rec.rawSize))
	}

	if len(active) > 0 {
		fmt.Printf("\nActive markers (%d): one non-terminal job per folded query\n", len(active))
		for _, m := range active {
			fmt.Printf("    %-40s → job %s\n", m.folded, m.jobID)
		}
	}

	if len(negative) > 0 {
		fmt.Printf("\nNegative markers (%d): no-evidence verdicts suppressing re-discovery\n", len(negative))
		for _, m := range negative {
			fmt.Printf("    %-40s → job %s\n", m.folded, m.jobID)
			if m.hasExpiry {
				remaining := time.Until(m.expiresAt)
				if remaining < 0 {
					fmt.Printf("    %-40s   EXPIRED (%s ago)\n", "", (-remaining).Round(time.Second))
				} else {
					fmt.Printf("    %-40s   %s remaining (expires %s)\n", "",
						remaining.Round(time.Second),
						m.expiresAt.Format("2006-01-02 15:04:05 MST"),
					)
				}
			}
		}
	}

	fmt.Printf("\n%s\n", strings.Repeat("─", 80))
	states := make([]string, 0, len(stateCounts))
	for s := range stateCounts {
		states = append(states, s)
	}
	sort.Strings(states)
	parts := make([]string, 0, len(states))
	for _, s := range states {
		parts = append(parts, fmt.Sprintf("%d %s", stateCounts[s], s))
	}
	fmt.Printf("Summary: %d job%s (%s), %d active marker%s, %d negative marker%s\n",
		len(jobs), plural(len(jobs), "", "s"),
		strings.Join(parts, ", "),
		len(active), plural(len(active), "", "s"),
		len(negative), plural(len(negative), "", "s"),
	)
}

// =============================================================================
// Result Cache
// =============================================================================

func dumpCache(dbPath string) {
	fmt.Printf("\nResult cache path: %s\n", dbPath)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("Cache directory does not exist; skipping the cache dump.")
		return
	}

	opts := dgbadger.DefaultOptions(dbPath).
		WithLogger(nil).
		WithReadOnly(true)

	db, err := dgbadger.Open(opts)
	if err != nil {
		fatalf("open BadgerDB at %s: %v (is the search service still running?)", dbPath, err)
	}
	defer func() { _ = db.Close() }()

	type record struct {
		fingerprint string
		entry       cacheEntry
		rawSize     int
		decodeErr   error
	}
	var records []record

	err = db.View(func(txn *dgbadger.Txn) error {
		iterOpts := dgbadger.DefaultIteratorOptions
		iterOpts.PrefetchValues = true
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		prefix := []byte(cacheKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			rec := record{
				fingerprint: strings.TrimPrefix(string(item.Key()), cacheKeyPrefix),
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				rec.decodeErr = fmt.Errorf("copy value: %w", err)
				records = append(records, rec)
				continue
			}
			rec.rawSize = len(raw)
			entry, err := gobDecodeEntry(raw)
			if err != nil {
				rec.decodeErr = fmt.Errorf("gob decode: %w", err)
			} else {
				rec.entry = entry
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		fatalf("read BadgerDB: %v", err)
	}

	if len(records) == 0 {
		fmt.Println("No cache entries found.")
		return
	}

	fmt.Printf("Found %d cache entr%s:\n", len(records), plural(len(records), "y", "ies"))
	fmt.Println(strings.Repeat("─", 80))

	for i, rec := range records {
		fmt.Printf("\n[%d] Fingerprint: %s\n", i+1, rec.fingerprint)
		if rec.decodeErr != nil {
			fmt.Printf("    DECODE ERROR: %v\n", rec.decodeErr)
			continue
		}
		e := rec.entry
		fmt.Printf("    Supplement:  %s\n", e.SupplementID)
		fmt.Printf("    Similarity:  %.4f\n", e.Similarity)
		fmt.Printf("    Source tier: %s\n", e.SourceTier)
		fmt.Printf("    Cached:      %s\n", formatWhen(e.CachedAt))
		remaining := time.Until(e.ExpiresAt)
		if remaining < 0 {
			fmt.Printf("    TTL:         EXPIRED (%s ago)\n", (-remaining).Round(time.Second))
		} else {
			fmt.Printf("    TTL:         %s remaining (expires %s)\n",
				remaining.Round(time.Second),
				e.ExpiresAt.Format("2006-01-02 15:04:05 MST"),
			)
		}
		fmt.Printf("    Raw size:    %s\n", formatBytes(rec.rawSize))
	}

	fmt.Printf("\n%s\n", strings.Repeat("─", 80))
	fmt.Printf("Summary: %d cache entr%s, cache path: %s\n",
		len(records), plural(len(records), "y", "ies"), dbPath)
}

// =============================================================================
// Codecs and Helpers
// =============================================================================

// gobDecodeJob deserializes a job record. Must match discovery.Job exactly.
func gobDecodeJob(data []byte) (job, error) {
	var j job
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&j); err != nil {
		return job{}, err
	}
	return j, nil
}

// gobDecodeEntry deserializes a cache record. Must match cache.Entry exactly.
func gobDecodeEntry(data []byte) (cacheEntry, error) {
	var e cacheEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return cacheEntry{}, err
	}
	return e, nil
}

// formatWhen renders a timestamp with its age.
func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	age := time.Since(t).Round(time.Second)
	return fmt.Sprintf("%s (%s ago)", t.Format("2006-01-02 15:04:05 MST"), age)
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(n int) string {
	switch {
	case n >= 1024*1024:
		return fmt.Sprintf("%.1f MB (%d bytes)", float64(n)/1024/1024, n)
	case n >= 1024:
		return fmt.Sprintf("%.1f KB (%d bytes)", float64(n)/1024, n)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

// plural returns singular or plural suffix based on count.
func plural(n int, singular, pluralSuffix string) string {
	if n == 1 {
		return singular
	}
	return pluralSuffix
}

// fatalf prints to stderr and exits 1.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "discovery_queue_dump: "+format+"\n", args...)
	os.Exit(1)
}
