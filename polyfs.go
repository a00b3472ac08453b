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
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	_ fs.FS        = (*Filesystem)(nil)
	_ fs.ReadDirFS = (*Filesystem)(nil)
	_ fs.StatFS    = (*Filesystem)(nil)
	_ ReadLinkFS   = (*Filesystem)(nil)
)

// Filesystem exposes a polyfs image through io/fs interfaces with file
// content transparently decompressed. It shares one buffered reader and
// one decompressor, so it is not safe for concurrent use.
type Filesystem struct {
	image *Image
	dec   *decompressor
	root  Inode
}

// Open validates the superblock of the image in src and returns a
// filesystem over it. length is the total length of the source in bytes.
func Open(src io.ReaderAt, length int64) (*Filesystem, error) {
	image, err := OpenImage(src, length)
	if err != nil {
		return nil, err
	}

	root := image.RootInode()
	if !root.IsDir() {
		return nil, corruptf("root inode is not directory")
	}

	return &Filesystem{
		image: image,
		dec:   newDecompressor(image.sb.Flags),
		root:  root,
	}, nil
}

// Close releases the decompression state.
func (fsys *Filesystem) Close() error {
	return fsys.dec.Close()
}

func (fsys *Filesystem) Open(name string) (fs.File, error) {
	de, err := fsys.resolve(name, false)
	if err != nil {
		return nil, err
	}

	return &file{
		fsys: fsys,
		de:   de,
	}, nil
}

func (fsys *Filesystem) ReadDir(name string) ([]fs.DirEntry, error) {
	de, err := fsys.resolve(name, false)
	if err != nil {
		return nil, err
	}

	if !de.ino.IsDir() {
		return nil, errors.New("not a directory")
	}

	var dirents []fs.DirEntry
	err = fsys.iterDir(&de.ino, func(name string, child Inode) error {
		dirents = append(dirents, &dirEntry{
			fsys: fsys,
			name: name,
			ino:  child,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Nothing orders entries on disk; io/fs wants them sorted.
	sort.Slice(dirents, func(i, j int) bool {
		return dirents[i].Name() < dirents[j].Name()
	})

	return dirents, nil
}

func (fsys *Filesystem) Stat(name string) (fs.FileInfo, error) {
	de, err := fsys.resolve(name, false)
	if err != nil {
		return nil, err
	}

	return &fileInfo{name: de.name, inode: de.ino}, nil
}

// ReadLink returns the destination of the named symbolic link.
// Experimental implementation of: https://github.com/golang/go/issues/49580
func (fsys *Filesystem) ReadLink(name string) (string, error) {
	de, err := fsys.resolve(name, true)
	if err != nil {
		return "", err
	}

	return fsys.readLink(&de.ino)
}

// StatLink returns a FileInfo describing the file without following any
// symbolic links.
// Experimental implementation of: https://github.com/golang/go/issues/49580
func (fsys *Filesystem) StatLink(name string) (fs.FileInfo, error) {
	de, err := fsys.resolve(name, true)
	if err != nil {
		return nil, err
	}

	return &fileInfo{name: de.name, inode: de.ino}, nil
}

// iterDir invokes cb on each entry of the directory, in on-disk order.
func (fsys *Filesystem) iterDir(ino *Inode, cb func(name string, child Inode) error) error {
	offset := ino.ByteOffset()
	remaining := int64(ino.Size)

	if offset == 0 && remaining != 0 {
		return corruptf("directory inode has zero offset and non-zero size")
	}

	for remaining > 0 {
		child, err := fsys.image.inodeAt(offset)
		if err != nil {
			return err
		}

		nameLen := child.NameBytes()
		if nameLen == 0 {
			return corruptf("filename length is zero")
		}
		offset += InodeSize

		nameBuf, err := fsys.image.bytesAt(offset, nameLen)
		if err != nil {
			return err
		}
		name := string(nameBuf)
		if n := strings.IndexByte(name, 0); n >= 0 {
			name = name[:n]
		}
		if name == "" {
			return corruptf("bad filename length")
		}

		if err := cb(name, child); err != nil {
			return err
		}

		offset += nameLen
		remaining -= InodeSize + nameLen
	}

	return nil
}

func (fsys *Filesystem) lookup(dir *Inode, name string) (Inode, error) {
	var found *Inode
	err := fsys.iterDir(dir, func(entryName string, child Inode) error {
		if entryName == name {
			found = &child
		}
		return nil
	})
	if err != nil {
		return Inode{}, err
	}
	if found == nil {
		return Inode{}, fs.ErrNotExist
	}
	return *found, nil
}

// readLink decodes the single compressed block holding a symlink target:
// a pointer at the inode offset naming the payload end, followed by the
// payload itself.
func (fsys *Filesystem) readLink(ino *Inode) (string, error) {
	if !ino.IsSymlink() {
		return "", fs.ErrInvalid
	}
	if ino.Offset == 0 || ino.Size == 0 {
		return "", corruptf("symbolic link has zero offset")
	}

	offset := ino.ByteOffset()
	next, err := fsys.image.u32At(offset)
	if err != nil {
		return "", err
	}

	curr := offset + 4
	src, err := fsys.image.bytesAt(curr, int64(next)-curr)
	if err != nil {
		return "", err
	}
	out, err := fsys.dec.block(src)
	if err != nil {
		return "", err
	}
	if int64(len(out)) != int64(ino.Size) {
		return "", corruptf("size error in symlink")
	}

	return string(out), nil
}

func (fsys *Filesystem) resolve(name string, noResolveLastSymlink bool) (*dirEntry, error) {
	de := &dirEntry{fsys: fsys, ino: fsys.root}

	components := splitPath(name)
	for i, comp := range components {
		child, err := fsys.lookup(&de.ino, comp)
		if err != nil {
			return nil, err
		}

		if child.IsSymlink() && !(noResolveLastSymlink && i == len(components)-1) {
			link, err := fsys.readLink(&child)
			if err != nil {
				return nil, err
			}
			link = filepath.Clean(link)

			if strings.HasPrefix(link, "/") {
				link = strings.TrimPrefix(link, "/")
			} else {
				link = filepath.Join(strings.Join(components[:i], "/"), link)
			}

			resolved, err := fsys.resolve(link, noResolveLastSymlink)
			if err != nil {
				return nil, err
			}
			de = resolved
			continue
		}

		de = &dirEntry{fsys: fsys, name: comp, ino: child}
	}
	return de, nil
}

type file struct {
	fsys *Filesystem
	de   *dirEntry
	r    io.Reader
}

func (f *file) Read(p []byte) (int, error) {
	if f.r == nil {
		if !f.de.ino.IsRegular() {
			return 0, fs.ErrInvalid
		}
		f.r = &blockReader{
			fsys:      f.fsys,
			ino:       f.de.ino,
			remaining: int64(f.de.ino.Size),
		}
	}

	return f.r.Read(p)
}

func (f *file) Close() error {
	return nil
}

func (f *file) Stat() (fs.FileInfo, error) {
	return f.de.Info()
}

// blockReader streams a regular file's content block by block, decoding
// the pointer table as it goes. Holes decode to zeros.
type blockReader struct {
	fsys      *Filesystem
	ino       Inode
	blockIdx  int64
	curr      int64 // start of the next payload; 0 until initialized
	remaining int64
	buf       []byte
}

func (r *blockReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.remaining <= 0 {
			return 0, io.EOF
		}
		if err := r.fill(); err != nil {
			return 0, err
		}
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *blockReader) fill() error {
	offset := r.ino.ByteOffset()
	blocks := (int64(r.ino.Size) + BlockSize - 1) / BlockSize

	if r.curr == 0 {
		r.curr = offset + 4*blocks
	}

	next64, err := r.fsys.image.u32At(offset + 4*r.blockIdx)
	if err != nil {
		return err
	}
	next := int64(next64)

	var out []byte
	if r.curr == next {
		n := int64(BlockSize)
		if r.remaining < n {
			n = r.remaining
		}
		out = zeroBlock[:n]
	} else {
		src, err := r.fsys.image.bytesAt(r.curr, next-r.curr)
		if err != nil {
			return err
		}
		if out, err = r.fsys.dec.block(src); err != nil {
			return err
		}
	}

	if r.remaining >= BlockSize {
		if int64(len(out)) != BlockSize {
			return corruptf("non-block (%d) bytes", len(out))
		}
	} else if int64(len(out)) != r.remaining {
		return corruptf("non-size (%d vs %d) bytes", len(out), r.remaining)
	}

	// The decoded block aliases the decompressor's buffer; keep a copy
	// so it survives the next block.
	r.buf = append([]byte(nil), out...)
	r.remaining -= int64(len(out))
	r.curr = next
	r.blockIdx++

	return nil
}

type dirEntry struct {
	fsys *Filesystem
	name string
	ino  Inode
}

func (de *dirEntry) Name() string {
	return de.name
}

func (de *dirEntry) IsDir() bool {
	return de.ino.IsDir()
}

func (de *dirEntry) Type() fs.FileMode {
	return fileModeFromStatMode(de.ino.Mode).Type()
}

func (de *dirEntry) Info() (fs.FileInfo, error) {
	return &fileInfo{name: de.name, inode: de.ino}, nil
}

type fileInfo struct {
	name  string
	inode Inode
}

func (fi *fileInfo) Name() string {
	return fi.name
}

func (fi *fileInfo) Size() int64 {
	return int64(fi.inode.Size)
}

func (fi *fileInfo) Mode() fs.FileMode {
	return fileModeFromStatMode(fi.inode.Mode)
}

// ModTime returns the epoch: the image stores no timestamps.
func (fi *fileInfo) ModTime() time.Time {
	return time.Unix(0, 0)
}

func (fi *fileInfo) IsDir() bool {
	return fi.inode.IsDir()
}

func (fi *fileInfo) Sys() any {
	return &fi.inode
}

func splitPath(path string) []string {
	var components []string
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part != "" && part != "." {
			components = append(components, part)
		}
	}
	return components
}
