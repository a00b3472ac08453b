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
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/pkg/errors"
)

// CheckOptions configures a validation run.
type CheckOptions struct {
	// Verbose selects the listing detail: 0 is silent, 1 prints one line
	// per inode, 2 and up also prints per-block decompression traces.
	Verbose int

	// List receives the verbose listing. Defaults to io.Discard.
	List io.Writer

	// Sink, when non-nil, receives the tree for extraction as it is
	// validated.
	Sink Sink

	// Path is the root path used for listing and extraction. Defaults
	// to "/".
	Path string
}

// Watermark sentinel, the start marks move down from here.
const noOffset = int64(math.MaxInt64)

type checker struct {
	img  *Image
	opts CheckOptions
	dec  *decompressor

	// Region watermarks. The directory region must sit between the
	// superblock and the data region, with no gap to the data:
	// super+start <= startDir <= endDir == startData <= endData <= size.
	startDir  int64
	endDir    int64
	startData int64
	endData   int64
}

// Check walks the whole directory tree, validating structural invariants
// and decoding every content block. With a Sink configured it extracts the
// tree as it goes. The image must already have passed OpenImage; callers
// usually run VerifyCRC first.
func (i *Image) Check(opts CheckOptions) error {
	if opts.List == nil {
		opts.List = io.Discard
	}
	if opts.Path == "" {
		opts.Path = "/"
	}

	c := &checker{
		img:       i,
		opts:      opts,
		dec:       newDecompressor(i.sb.Flags),
		startDir:  noOffset,
		startData: noOffset,
	}
	defer c.dec.Close()

	root := i.RootInode()
	if !root.IsDir() {
		return corruptf("root inode is not directory")
	}

	rootOffset := root.ByteOffset()
	if i.sb.Flags&FlagShiftedRootOffset == 0 &&
		rootOffset != SuperBlockSize && rootOffset != PadSize+SuperBlockSize {
		return corruptf("bad root offset (%d)", rootOffset)
	}

	if err := c.walk(opts.Path, &root); err != nil {
		return err
	}

	if c.startData != noOffset {
		if c.startData < SuperBlockSize+i.start {
			return corruptf("file data start (%d) precedes end of superblock (%d)",
				c.startData, SuperBlockSize+i.start)
		}
		if c.endDir != c.startData {
			return corruptf("directory data end (%d) != file data start (%d)",
				c.endDir, c.startData)
		}
	}
	if c.endData > int64(i.sb.Size) {
		return corruptf("invalid file data offset")
	}

	return nil
}

func (c *checker) walk(path string, ino *Inode) error {
	switch ino.Mode & S_IFMT {
	case S_IFDIR:
		return c.directory(path, ino)
	case S_IFREG:
		return c.file(path, ino)
	case S_IFLNK:
		return c.symlink(path, ino)
	default:
		return c.special(path, ino)
	}
}

func (c *checker) directory(path string, ino *Inode) error {
	offset := ino.ByteOffset()
	remaining := int64(ino.Size)

	if offset == 0 && remaining != 0 {
		return corruptf("directory inode has zero offset and non-zero size: %s", path)
	}
	if offset != 0 && offset < c.startDir {
		c.startDir = offset
	}

	c.printNode('d', ino, path)

	if c.opts.Sink != nil {
		if err := c.opts.Sink.Mkdir(path, ino); err != nil {
			return err
		}
		if err := c.opts.Sink.Metadata(path, ino); err != nil {
			return err
		}
	}

	for remaining > 0 {
		child, err := c.img.inodeAt(offset)
		if err != nil {
			return err
		}

		nameLen := child.NameBytes()
		offset += InodeSize

		nameBuf, err := c.img.bytesAt(offset, nameLen)
		if err != nil {
			return err
		}
		if nameLen == 0 {
			return corruptf("filename length is zero")
		}

		// The name is NUL padded to a 4-byte boundary; the declared
		// length may exceed the actual length by at most the padding.
		actual := int64(len(nameBuf))
		if n := bytes.IndexByte(nameBuf, 0); n >= 0 {
			actual = int64(n)
		}
		if nameLen-actual > 3 {
			return corruptf("bad filename length")
		}
		name := string(nameBuf[:actual])

		childPath := path + "/" + name
		if len(path) <= 1 {
			childPath = path + name
		}

		if err := c.walk(childPath, &child); err != nil {
			return err
		}

		offset += nameLen
		if offset <= c.startDir {
			return corruptf("bad inode offset")
		}
		if offset > c.endDir {
			c.endDir = offset
		}

		remaining -= InodeSize + nameLen
	}

	return nil
}

func (c *checker) file(path string, ino *Inode) error {
	offset := ino.ByteOffset()

	if offset == 0 && ino.Size != 0 {
		return corruptf("file inode has zero offset and non-zero size")
	}
	if ino.Size == 0 && offset != 0 {
		return corruptf("file inode has zero size and non-zero offset")
	}
	if offset != 0 && offset < c.startData {
		c.startData = offset
	}

	c.printNode('f', ino, path)

	var w io.WriteCloser
	if c.opts.Sink != nil {
		var err error
		if w, err = c.opts.Sink.File(path, ino); err != nil {
			return err
		}
	}

	if ino.Size != 0 {
		if err := c.fileBlocks(path, w, offset, int64(ino.Size)); err != nil {
			if w != nil {
				_ = w.Close()
			}
			return err
		}
	}

	if w != nil {
		if err := w.Close(); err != nil {
			return errors.Wrapf(err, "close failed: %s", path)
		}
		if err := c.opts.Sink.Metadata(path, ino); err != nil {
			return err
		}
	}

	return nil
}

// fileBlocks decodes the pointer table and payload blocks of a regular
// file. Each table entry names the end of its block's payload; equal
// consecutive pointers mark a hole that decodes to zeros.
func (c *checker) fileBlocks(path string, w io.Writer, offset, size int64) error {
	blocks := (size + BlockSize - 1) / BlockSize
	curr := offset + 4*blocks
	remaining := size

	for {
		next64, err := c.img.u32At(offset)
		if err != nil {
			return err
		}
		next := int64(next64)

		if next > c.endData {
			c.endData = next
		}
		offset += 4

		var out []byte
		if curr == next {
			if c.opts.Verbose > 1 {
				fmt.Fprintf(c.opts.List, "  hole at %d (%d)\n", curr, BlockSize)
			}
			n := int64(BlockSize)
			if remaining < BlockSize {
				n = remaining
			}
			out = zeroBlock[:n]
		} else {
			if c.opts.Verbose > 1 {
				fmt.Fprintf(c.opts.List, "  uncompressing block at %d to %d (%d)\n", curr, next, next-curr)
			}
			src, err := c.img.bytesAt(curr, next-curr)
			if err != nil {
				return err
			}
			if out, err = c.dec.block(src); err != nil {
				return err
			}
		}

		if remaining >= BlockSize {
			if int64(len(out)) != BlockSize {
				return corruptf("non-block (%d) bytes", len(out))
			}
		} else if int64(len(out)) != remaining {
			return corruptf("non-size (%d vs %d) bytes", len(out), remaining)
		}
		remaining -= int64(len(out))

		if w != nil {
			if _, err := w.Write(out); err != nil {
				return errors.Wrapf(err, "write failed: %s", path)
			}
		}

		curr = next
		if remaining <= 0 {
			return nil
		}
	}
}

func (c *checker) symlink(path string, ino *Inode) error {
	offset := ino.ByteOffset()

	if offset == 0 {
		return corruptf("symbolic link has zero offset")
	}
	if ino.Size == 0 {
		return corruptf("symbolic link has zero size")
	}

	if offset < c.startData {
		c.startData = offset
	}

	next64, err := c.img.u32At(offset)
	if err != nil {
		return err
	}
	next := int64(next64)
	if next > c.endData {
		c.endData = next
	}

	curr := offset + 4
	src, err := c.img.bytesAt(curr, next-curr)
	if err != nil {
		return err
	}
	out, err := c.dec.block(src)
	if err != nil {
		return err
	}
	if int64(len(out)) != int64(ino.Size) {
		return corruptf("size error in symlink: %s", path)
	}
	target := string(out)

	c.printNode('l', ino, path+" -> "+target)
	if c.opts.Verbose > 1 {
		fmt.Fprintf(c.opts.List, "  uncompressing block at %d to %d (%d)\n", curr, next, next-curr)
	}

	if c.opts.Sink != nil {
		if err := c.opts.Sink.Symlink(target, path, ino); err != nil {
			return err
		}
		if err := c.opts.Sink.Metadata(path, ino); err != nil {
			return err
		}
	}

	return nil
}

func (c *checker) special(path string, ino *Inode) error {
	if ino.Offset != 0 {
		return corruptf("special file has non-zero offset: %s", path)
	}

	var typ byte
	switch {
	case ino.IsCharDev():
		typ = 'c'
	case ino.IsBlockDev():
		typ = 'b'
	case ino.IsFIFO():
		if ino.Size != 0 {
			return corruptf("fifo has non-zero size: %s", path)
		}
		typ = 'p'
	case ino.IsSocket():
		if ino.Size != 0 {
			return corruptf("socket has non-zero size: %s", path)
		}
		typ = 's'
	default:
		return corruptf("bogus mode: %s (%o)", path, ino.Mode)
	}

	c.printNode(typ, ino, path)

	if c.opts.Sink != nil {
		if err := c.opts.Sink.Mknod(path, ino); err != nil {
			return err
		}
		if err := c.opts.Sink.Metadata(path, ino); err != nil {
			return err
		}
	}

	return nil
}

func (c *checker) printNode(typ byte, ino *Inode, name string) {
	if c.opts.Verbose == 0 {
		return
	}

	var info string
	if ino.IsCharDev() || ino.IsBlockDev() {
		// Major/minor numbers can be as high as 2^12.
		info = fmt.Sprintf("%4d,%4d", ino.Major(), ino.Minor())
	} else {
		info = fmt.Sprintf("%9d", ino.Size)
	}

	fmt.Fprintf(c.opts.List, "%c %04o %s %5d:%-3d %s\n",
		typ, ino.Mode&^uint16(S_IFMT), info, ino.UID, ino.GID, name)
}

var zeroBlock [BlockSize]byte
