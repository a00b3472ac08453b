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
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Sink receives the objects of a checked image during extraction. Paths
// are host paths rooted at the extraction directory. Metadata is called
// once per object: for files after their content has been written, for
// directories right after Mkdir and before any of their children.
type Sink interface {
	Mkdir(path string, ino *Inode) error
	File(path string, ino *Inode) (io.WriteCloser, error)
	Symlink(target, path string, ino *Inode) error
	Mknod(path string, ino *Inode) error
	Metadata(path string, ino *Inode) error
}

// DirSink materializes the tree into an existing host directory: the root
// of the image becomes the directory itself.
type DirSink struct {
	root string
	euid int
}

// NewDirSink returns a Sink extracting into root, which must exist.
func NewDirSink(root string) *DirSink {
	return &DirSink{
		root: root,
		euid: os.Geteuid(),
	}
}

// Root returns the extraction directory.
func (s *DirSink) Root() string {
	return s.root
}

func (s *DirSink) Mkdir(path string, ino *Inode) error {
	err := os.Mkdir(path, fileModeFromStatMode(ino.Mode).Perm())
	if err != nil && !(os.IsExist(err) && path == s.root) {
		return errors.Wrapf(err, "mkdir failed: %s", path)
	}
	return nil
}

func (s *DirSink) File(path string, ino *Inode) (io.WriteCloser, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC,
		fileModeFromStatMode(ino.Mode).Perm())
	if err != nil {
		return nil, errors.Wrapf(err, "open failed: %s", path)
	}
	return f, nil
}

func (s *DirSink) Symlink(target, path string, ino *Inode) error {
	if err := os.Symlink(target, path); err != nil {
		return errors.Wrapf(err, "symlink failed: %s", path)
	}
	return nil
}

// Metadata applies ownership, mode and times: ownership only when running
// as root, the full mode only when suid/sgid bits must be preserved, and
// times pinned to the epoch since the image stores none.
func (s *DirSink) Metadata(path string, ino *Inode) error {
	if s.euid == 0 {
		if err := lchown(path, int(ino.UID), int(ino.GID)); err != nil {
			return errors.Wrapf(err, "lchown failed: %s", path)
		}
		if ino.IsSymlink() {
			return nil
		}
		if ino.Mode&(S_ISUID|S_ISGID) != 0 {
			if err := os.Chmod(path, fileModeFromStatMode(ino.Mode)); err != nil {
				return errors.Wrapf(err, "chmod failed: %s", path)
			}
		}
	}
	if ino.IsSymlink() {
		return nil
	}

	epoch := time.Unix(0, 0)
	if err := os.Chtimes(path, epoch, epoch); err != nil {
		return errors.Wrapf(err, "utime failed: %s", path)
	}

	return nil
}
