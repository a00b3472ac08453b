//go:build linux

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
	"io/fs"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ImageLength returns the length in bytes of a regular file or block
// device. Block device sizes come from the BLKGETSIZE ioctl, which
// reports 512-byte sectors.
func ImageLength(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "stat failed: %s", f.Name())
	}

	switch mode := fi.Mode(); {
	case mode.IsRegular():
		return fi.Size(), nil
	case mode&fs.ModeDevice != 0 && mode&fs.ModeCharDevice == 0:
		sectors, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE)
		if err != nil {
			return 0, errors.Wrapf(err, "ioctl failed: unable to determine device size: %s", f.Name())
		}
		return int64(sectors) * 512, nil
	default:
		return 0, errors.Errorf("not a block device or file: %s", f.Name())
	}
}
