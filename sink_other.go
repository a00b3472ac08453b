//go:build windows

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
)

func (s *DirSink) Mknod(path string, ino *Inode) error {
	return errors.Errorf("mknod failed: %s: not supported on this platform", path)
}

func lchown(path string, uid, gid int) error {
	return nil
}
