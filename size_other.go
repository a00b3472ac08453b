//go:build !linux

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package polyfs

import (
	"os"

	"github.com/pkg/errors"
)

// ImageLength returns the length in bytes of a regular file. Block
// devices are only supported on Linux.
func ImageLength(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "stat failed: %s", f.Name())
	}

	if !fi.Mode().IsRegular() {
		return 0, errors.Errorf("not a block device or file: %s", f.Name())
	}

	return fi.Size(), nil
}
