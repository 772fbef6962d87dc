// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

//go:build !linux

package badgerstore

// checkDiskSpace is a no-op on platforms without a portable statfs. Badger
// itself will surface write failures if the volume fills.
func checkDiskSpace(dir string, min uint64) error {
	return nil
}
