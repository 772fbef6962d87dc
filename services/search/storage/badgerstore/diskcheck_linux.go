// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

//go:build linux

package badgerstore

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// checkDiskSpace fails when the filesystem holding dir has fewer than min
// bytes available to unprivileged writes.
func checkDiskSpace(dir string, min uint64) error {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", dir, err)
	}
	avail := st.Bavail * uint64(st.Bsize)
	if avail < min {
		return fmt.Errorf("insufficient disk space on %s: %d bytes available, need %d", dir, avail, min)
	}
	return nil
}
