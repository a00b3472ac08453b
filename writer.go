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
	"encoding/binary"
	"hash/crc32"
	"io"
	"io/fs"
	gopath "path"

	"github.com/google/btree"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"github.com/rasky/go-lzo"
)

// Compression selects the block codec of a written image.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionZlib
	CompressionLZO
)

// WriterOptions configures image creation.
type WriterOptions struct {
	Compression Compression

	// Pad reserves PadSize bytes before the superblock for a
	// bootloader.
	Pad bool

	// Edition is recorded in the fsid.
	Edition uint32
}

const (
	maxNameBytes = 63 * 4        // 6-bit name length, in 4-byte units
	maxFileSize  = 0xffffff      // 24-bit size field
	maxOffset    = (1 << 26) - 1 // 26-bit offset, in 4-byte units
)

// Create builds a polyfs image from the source filesystem and writes it to
// dst. Sources containing symbolic links must implement ReadLinkFS. Device
// nodes, pipes and sockets cannot be expressed through io/fs; use a
// Builder for trees that contain them.
func Create(dst io.Writer, src fs.FS, opts WriterOptions) error {
	b := NewBuilder()

	err := fs.WalkDir(src, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}

		uid, gid := getOwner(fi)

		switch {
		case d.IsDir():
			return b.Dir(path, fi.Mode(), uid, gid)

		case fi.Mode()&fs.ModeSymlink != 0:
			fsys, ok := src.(ReadLinkFS)
			if !ok {
				return errors.New("source filesystem must implement ReadLinkFS")
			}
			target, err := fsys.ReadLink(path)
			if err != nil {
				return errors.Wrapf(err, "failed to read symlink target: %s", path)
			}
			return b.Symlink(path, target, uid, gid)

		case fi.Mode().IsRegular():
			data, err := fs.ReadFile(src, path)
			if err != nil {
				return errors.Wrapf(err, "failed to read source file: %s", path)
			}
			return b.File(path, data, fi.Mode(), uid, gid)

		default:
			return errors.Errorf("unsupported file type %s: %s", fi.Mode(), path)
		}
	})
	if err != nil {
		return errors.Wrap(err, "failed to walk source filesystem")
	}

	return b.Build(dst, opts)
}

// Builder assembles a polyfs tree entry by entry. Parents must be added
// before their children; entries within a directory are laid out in name
// order regardless of insertion order.
type Builder struct {
	root *builderNode
}

type builderNode struct {
	name     string
	mode     uint16
	uid      uint16
	gid      uint8
	data     []byte // file content or symlink target
	dev      uint32 // packed device number for char/block nodes
	children *btree.BTreeG[*builderNode]

	// Assigned during layout.
	offset int64
	size   uint32
	sorted []*builderNode
	blob   []byte
}

func newChildIndex() *btree.BTreeG[*builderNode] {
	return btree.NewG(2, func(a, b *builderNode) bool {
		return a.name < b.name
	})
}

func NewBuilder() *Builder {
	return &Builder{
		root: &builderNode{
			mode:     S_IFDIR | 0o755,
			children: newChildIndex(),
		},
	}
}

// Dir adds a directory. Dir(".") sets the attributes of the root.
func (b *Builder) Dir(path string, mode fs.FileMode, uid, gid int) error {
	if gopath.Clean(path) == "." {
		b.root.mode = statModeFromFileMode(mode)&^uint16(S_IFMT) | S_IFDIR
		b.root.uid, b.root.gid = clampOwner(uid, gid)
		return nil
	}

	return b.insert(path, &builderNode{
		mode:     statModeFromFileMode(mode)&^uint16(S_IFMT) | S_IFDIR,
		children: newChildIndex(),
	}, uid, gid)
}

// File adds a regular file with the given content.
func (b *Builder) File(path string, data []byte, mode fs.FileMode, uid, gid int) error {
	if len(data) > maxFileSize {
		return errors.Errorf("file too large: %s", path)
	}

	return b.insert(path, &builderNode{
		mode: statModeFromFileMode(mode)&^uint16(S_IFMT) | S_IFREG,
		data: data,
	}, uid, gid)
}

// Symlink adds a symbolic link to target.
func (b *Builder) Symlink(path, target string, uid, gid int) error {
	if target == "" {
		return errors.Errorf("empty symlink target: %s", path)
	}
	if len(target) > maxFileSize {
		return errors.Errorf("symlink target too long: %s", path)
	}

	return b.insert(path, &builderNode{
		mode: S_IFLNK | 0o777,
		data: []byte(target),
	}, uid, gid)
}

// Node adds a device node, named pipe or socket. major and minor are
// ignored unless mode describes a char or block device.
func (b *Builder) Node(path string, mode fs.FileMode, major, minor uint32, uid, gid int) error {
	stMode := statModeFromFileMode(mode)

	switch stMode & S_IFMT {
	case S_IFCHR, S_IFBLK:
		if major > 0xfff || minor > 0xfff {
			return errors.Errorf("device number out of range: %s", path)
		}
		return b.insert(path, &builderNode{
			mode: stMode,
			dev:  makeDev(major, minor),
		}, uid, gid)
	case S_IFIFO, S_IFSOCK:
		return b.insert(path, &builderNode{mode: stMode}, uid, gid)
	default:
		return errors.Errorf("not a special file mode %s: %s", mode, path)
	}
}

func (b *Builder) insert(path string, node *builderNode, uid, gid int) error {
	path = gopath.Clean(path)
	dir, name := gopath.Split(path)

	if name == "" || name == "." || name == ".." {
		return errors.Errorf("invalid entry name: %q", path)
	}
	if len(name) > maxNameBytes {
		return errors.Errorf("name too long: %s", path)
	}

	parent := b.root
	for _, comp := range splitPath(dir) {
		child, ok := parent.children.Get(&builderNode{name: comp})
		if !ok {
			return errors.Errorf("missing parent directory: %s", path)
		}
		if child.children == nil {
			return errors.Errorf("parent is not a directory: %s", path)
		}
		parent = child
	}

	node.name = name
	node.uid, node.gid = clampOwner(uid, gid)
	parent.children.ReplaceOrInsert(node)

	return nil
}

func clampOwner(uid, gid int) (uint16, uint8) {
	if uid < 0 || uid > 0xffff {
		uid = 0xffff
	}
	if gid < 0 || gid > 0xff {
		gid = 0xff
	}
	return uint16(uid), uint8(gid)
}

// Build lays the tree out and writes the finished image to dst.
func (b *Builder) Build(dst io.Writer, opts WriterOptions) error {
	w := &imageWriter{opts: opts}
	return w.write(dst, b.root)
}

type imageWriter struct {
	opts WriterOptions
	zw   *zlib.Writer
	zbuf bytes.Buffer
}

func (w *imageWriter) write(dst io.Writer, root *builderNode) error {
	var start int64
	if w.opts.Pad {
		start = PadSize
	}

	// Directory region: breadth first, the root's entries immediately
	// after the superblock.
	cursor := start + SuperBlockSize
	inodes := 1

	var dirOrder []*builderNode
	var dataOrder []*builderNode

	queue := []*builderNode{root}
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]

		d.offset = cursor
		dirOrder = append(dirOrder, d)

		var size int64
		d.sorted = d.sorted[:0]
		d.children.Ascend(func(c *builderNode) bool {
			d.sorted = append(d.sorted, c)
			size += InodeSize + paddedNameLen(c.name)
			return true
		})
		if size > maxFileSize {
			return errors.Errorf("directory too large: %s", d.name)
		}
		d.size = uint32(size)
		cursor += size

		for _, c := range d.sorted {
			inodes++
			switch {
			case c.children != nil:
				if c.children.Len() > 0 {
					queue = append(queue, c)
				}
			case c.mode&S_IFMT == S_IFREG || c.mode&S_IFMT == S_IFLNK:
				dataOrder = append(dataOrder, c)
			default:
				c.size = c.dev
			}
		}
	}

	// Data region, immediately after the last directory entry.
	for _, f := range dataOrder {
		if len(f.data) == 0 {
			continue
		}

		cursor = (cursor + 3) &^ 3
		f.offset = cursor
		f.size = uint32(len(f.data))

		blob, err := w.dataBlob(f)
		if err != nil {
			return err
		}
		f.blob = blob
		cursor += int64(len(blob))
	}

	size := (cursor + BlockSize - 1) &^ (BlockSize - 1)
	if size > int64(^uint32(0)) {
		return errors.New("image too large")
	}

	buf := make([]byte, size)

	// Directory entries.
	for _, d := range dirOrder {
		pos := d.offset
		for _, c := range d.sorted {
			if c.offset/4 > maxOffset {
				return errors.Errorf("image offset out of range: %s", c.name)
			}
			putInode(buf[pos:], c)
			pos += InodeSize
			copy(buf[pos:], c.name)
			pos += paddedNameLen(c.name)
		}
	}

	// Data blobs.
	for _, f := range dataOrder {
		copy(buf[f.offset:], f.blob)
	}

	// Superblock, with the crc slot left zero while the sum is taken.
	flags := uint32(FlagFSIDVersion1)
	switch w.opts.Compression {
	case CompressionZlib:
		flags |= FlagZlibCompression
	case CompressionLZO:
		flags |= FlagLZOCompression
	}

	sb := buf[start:]
	binary.LittleEndian.PutUint32(sb[0:], Magic)
	binary.LittleEndian.PutUint32(sb[4:], uint32(size))
	binary.LittleEndian.PutUint32(sb[8:], flags)
	binary.LittleEndian.PutUint32(sb[12:], 0) // future
	binary.LittleEndian.PutUint32(sb[16:], 0) // fsid.crc, patched below
	binary.LittleEndian.PutUint32(sb[20:], w.opts.Edition)
	binary.LittleEndian.PutUint32(sb[24:], uint32(size/BlockSize))
	binary.LittleEndian.PutUint32(sb[28:], uint32(inodes))
	putInode(sb[32:], root)

	crc := crc32.ChecksumIEEE(buf[start:size])
	binary.LittleEndian.PutUint32(sb[16:], crc)

	if _, err := dst.Write(buf); err != nil {
		return errors.Wrap(err, "failed to write image")
	}

	return nil
}

// dataBlob encodes a regular file's pointer table and compressed payload,
// or a symlink's end pointer and compressed target. All-zero file blocks
// are stored as holes: their pointer repeats the previous one.
func (w *imageWriter) dataBlob(f *builderNode) ([]byte, error) {
	if f.mode&S_IFMT == S_IFLNK {
		cb, err := w.compressBlock(f.data)
		if err != nil {
			return nil, err
		}

		blob := make([]byte, 4+len(cb))
		binary.LittleEndian.PutUint32(blob, uint32(f.offset+4+int64(len(cb))))
		copy(blob[4:], cb)
		return blob, nil
	}

	blocks := (int64(len(f.data)) + BlockSize - 1) / BlockSize
	table := make([]byte, 4*blocks)
	var payload bytes.Buffer

	end := f.offset + 4*blocks
	for k := int64(0); k < blocks; k++ {
		chunk := f.data[k*BlockSize:]
		if int64(len(chunk)) > BlockSize {
			chunk = chunk[:BlockSize]
		}

		if !allZero(chunk) {
			cb, err := w.compressBlock(chunk)
			if err != nil {
				return nil, err
			}
			_, _ = payload.Write(cb)
			end += int64(len(cb))
		}
		binary.LittleEndian.PutUint32(table[4*k:], uint32(end))
	}

	return append(table, payload.Bytes()...), nil
}

func (w *imageWriter) compressBlock(p []byte) ([]byte, error) {
	switch w.opts.Compression {
	case CompressionZlib:
		w.zbuf.Reset()
		if w.zw == nil {
			w.zw = zlib.NewWriter(&w.zbuf)
		} else {
			w.zw.Reset(&w.zbuf)
		}
		if _, err := w.zw.Write(p); err != nil {
			return nil, errors.Wrap(err, "failed to compress block")
		}
		if err := w.zw.Close(); err != nil {
			return nil, errors.Wrap(err, "failed to compress block")
		}
		return append([]byte(nil), w.zbuf.Bytes()...), nil

	case CompressionLZO:
		return lzo.Compress1X(p), nil

	default:
		return append([]byte(nil), p...), nil
	}
}

func putInode(b []byte, n *builderNode) {
	binary.LittleEndian.PutUint16(b[0:], n.mode)
	binary.LittleEndian.PutUint16(b[2:], n.uid)
	binary.LittleEndian.PutUint32(b[4:], n.size&0xffffff|uint32(n.gid)<<24)
	nameLen := uint32(paddedNameLen(n.name) / 4)
	binary.LittleEndian.PutUint32(b[8:], nameLen|uint32(n.offset/4)<<6)
}

func paddedNameLen(name string) int64 {
	return (int64(len(name)) + 3) &^ 3
}

func allZero(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}
