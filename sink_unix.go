//go:build !windows

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
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func (s *DirSink) Mknod(path string, ino *Inode) error {
	var dev uint64
	if ino.IsCharDev() || ino.IsBlockDev() {
		dev = unix.Mkdev(ino.Major(), ino.Minor())
	}

	if err := unix.Mknod(path, uint32(ino.Mode), int(dev)); err != nil {
		return errors.Wrapf(err, "mknod failed: %s", path)
	}

	return nil
}

func lchown(path string, uid, gid int) error {
	return unix.Lchown(path, uid, gid)
}
