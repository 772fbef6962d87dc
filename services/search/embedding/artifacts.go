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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/mod/semver"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// maxArtifactBytes bounds one artifact mirror from object storage. The vector
// table for a 30k-token vocabulary is ~45 MiB; anything near this limit is a
// misconfigured prefix, not a model.
const maxArtifactBytes = 4 << 30

// mirrorSentinel marks a local mirror directory as fully downloaded, so a
// crash mid-mirror is never mistaken for a usable artifact.
const mirrorSentinel = ".mirror-complete"

// errNoManifest distinguishes "directory exists but the artifact has not
// arrived yet" from real failures, so the local path can wait for a sync
// sidecar to finish.
var errNoManifest = errors.New("no manifest.json in artifact directory")

// resolveArtifacts turns the configured artifact path into a local directory
// containing manifest.json.
//
// # Description
//
//	Three shapes are accepted:
//	  - a local directory holding manifest.json directly,
//	  - a local directory holding semver-named subdirectories (the highest
//	    version wins),
//	  - a gs://bucket/prefix URL, mirrored once into the user cache directory
//	    and resolved by the same two rules.
//	A local directory whose manifest has not appeared yet is watched until
//	ctx expires, which covers artifact-sync sidecars that are still copying.
func resolveArtifacts(ctx context.Context, path string, logger *slog.Logger) (string, error) {
	if strings.HasPrefix(path, "gs://") {
		local, err := mirrorGCS(ctx, path, logger)
		if err != nil {
			return "", err
		}
		return pickArtifactDir(local)
	}

	dir, err := pickArtifactDir(path)
	if err == nil {
		return dir, nil
	}
	if !errors.Is(err, errNoManifest) {
		return "", err
	}
	return waitForArtifacts(ctx, path, logger)
}

// pickArtifactDir locates manifest.json under dir: either directly, or inside
// the highest semver-named subdirectory.
func pickArtifactDir(dir string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, manifestFile)); err == nil {
		return dir, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read artifact directory: %w", err)
	}

	best := ""
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v := canonicalVersion(e.Name())
		if v == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name(), manifestFile)); err != nil {
			continue
		}
		if best == "" || semver.Compare(v, canonicalVersion(best)) > 0 {
			best = e.Name()
		}
	}
	if best == "" {
		return "", fmt.Errorf("%s: %w", dir, errNoManifest)
	}
	return filepath.Join(dir, best), nil
}

// canonicalVersion maps a directory name onto semver's required v-prefixed
// form, or returns "" when the name is not a version at all.
func canonicalVersion(name string) string {
	v := name
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}

// waitForArtifacts blocks until manifest.json appears under dir or ctx
// expires. A filesystem watcher catches the common case; a coarse ticker
// backstops events lost on network filesystems.
func waitForArtifacts(ctx context.Context, dir string, logger *slog.Logger) (string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("artifact watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return "", fmt.Errorf("watch %s: %w", dir, err)
	}

	logger.Info("waiting for model artifact", slog.String("dir", dir))

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		if picked, err := pickArtifactDir(dir); err == nil {
			return picked, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("artifact never appeared in %s: %w", dir, ctx.Err())
		case err := <-watcher.Errors:
			return "", fmt.Errorf("artifact watcher: %w", err)
		case <-watcher.Events:
		case <-ticker.C:
		}
	}
}

// =============================================================================
// Object Storage Mirror
// =============================================================================

// mirrorGCS downloads every object under a gs://bucket/prefix URL into a
// per-URL cache directory. A completed mirror is reused on later startups
// without touching the network.
func mirrorGCS(ctx context.Context, gsURL string, logger *slog.Logger) (string, error) {
	bucket, prefix, err := splitGCSURL(gsURL)
	if err != nil {
		return "", err
	}

	local := mirrorDir(gsURL)
	if _, err := os.Stat(filepath.Join(local, mirrorSentinel)); err == nil {
		return local, nil
	}

	client, err := storage.NewClient(ctx, option.WithScopes(storage.ScopeReadOnly))
	if err != nil {
		return "", fmt.Errorf("storage client: %w", err)
	}
	defer client.Close()

	if err := os.MkdirAll(local, 0o755); err != nil {
		return "", err
	}

	start := time.Now()
	var total int64
	it := client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return "", fmt.Errorf("list gs://%s/%s: %w", bucket, prefix, err)
		}
		rel := strings.TrimPrefix(attrs.Name, prefix)
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" || strings.Contains(rel, "..") {
			continue
		}
		total += attrs.Size
		if total > maxArtifactBytes {
			return "", fmt.Errorf("artifact at %s exceeds %d bytes", gsURL, int64(maxArtifactBytes))
		}
		if err := fetchObject(ctx, client, bucket, attrs.Name, filepath.Join(local, filepath.FromSlash(rel))); err != nil {
			return "", err
		}
	}
	if total == 0 {
		return "", fmt.Errorf("no objects under %s", gsURL)
	}

	if err := os.WriteFile(filepath.Join(local, mirrorSentinel), nil, 0o644); err != nil {
		return "", err
	}
	logger.Info("model artifact mirrored",
		slog.String("source", gsURL),
		slog.String("dir", local),
		slog.Int64("bytes", total),
		slog.Duration("took", time.Since(start)),
	)
	return local, nil
}

// fetchObject streams one object to a local file, creating parents as needed.
func fetchObject(ctx context.Context, client *storage.Client, bucket, object, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	rc, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("open gs://%s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(dest)
		return fmt.Errorf("download gs://%s/%s: %w", bucket, object, err)
	}
	return f.Close()
}

// splitGCSURL parses gs://bucket/prefix into its parts. The prefix may be
// empty; a non-empty one gains a trailing slash so relative names stay clean.
func splitGCSURL(gsURL string) (bucket, prefix string, err error) {
	rest := strings.TrimPrefix(gsURL, "gs://")
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("malformed artifact URL %q", gsURL)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return bucket, prefix, nil
}

// mirrorDir derives a stable per-URL cache directory.
func mirrorDir(gsURL string) string {
	sum := sha256.Sum256([]byte(gsURL))
	root, err := os.UserCacheDir()
	if err != nil {
		root = os.TempDir()
	}
	return filepath.Join(root, "suplo", "models", hex.EncodeToString(sum[:8]))
}
