// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package polyfs provides access to polyfs images: read-only compressed
// filesystems as produced for embedded firmware. The package validates
// images the way the kernel driver expects to read them, extracts their
// contents into a host directory, exposes them through io/fs interfaces,
// and builds new images.
//
// The design principle of this package is that it will just provide the
// ability to access and verify the contents of the image, and it will never
// cache any decoded objects internally.
package polyfs

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

// On-disk sizes. The superblock is 44 bytes, the inode record 12 bytes;
// both are little-endian with the inode tail word packing the name length
// (low 6 bits, in 4-byte units) and the offset (high 26 bits, in 4-byte
// units).
const (
	SuperBlockSize = 44
	InodeSize      = 12

	// Byte offset of fsid.crc within the superblock.
	crcSlotOffset = 16
)

// Guarantee access to at least 8kB of the image at a time without
// re-issuing host I/O.
const (
	romBufferBits = 13
	romBufferSize = 1 << romBufferBits
	romBufferMask = romBufferSize - 1
)

// FSID identifies a version 1 filesystem.
type FSID struct {
	CRC     uint32
	Edition uint32
	Blocks  uint32
	Files   uint32
}

// RawInode is the on-disk inode record.
type RawInode struct {
	Mode    uint16
	UID     uint16
	SizeGID uint32 // size in the low 24 bits, gid in the high 8
	Tail    uint32 // namelen in the low 6 bits, offset in the high 26
}

// SuperBlock is the on-disk superblock. The root inode is embedded in the
// superblock record itself.
type SuperBlock struct {
	Magic  uint32
	Size   uint32
	Flags  uint32
	Future uint32
	FSID   FSID
	Root   RawInode
}

// Decode converts the on-disk record into a host-endian logical inode. It
// does no semantic validation.
func (r RawInode) Decode() Inode {
	return Inode{
		Mode:    r.Mode,
		UID:     r.UID,
		GID:     uint8(r.SizeGID >> 24),
		Size:    r.SizeGID & 0xffffff,
		NameLen: r.Tail & 0x3f,
		Offset:  r.Tail >> 6,
	}
}

// Inode is a decoded inode.
type Inode struct {
	Mode    uint16
	UID     uint16
	GID     uint8
	Size    uint32
	NameLen uint32 // name length in 4-byte units
	Offset  uint32 // image offset in 4-byte units
}

// ByteOffset returns the inode's content location in bytes.
func (ino *Inode) ByteOffset() int64 {
	return int64(ino.Offset) * 4
}

// NameBytes returns the declared name length in bytes, NUL padding
// included.
func (ino *Inode) NameBytes() int64 {
	return int64(ino.NameLen) * 4
}

func (ino *Inode) IsDir() bool {
	return ino.Mode&S_IFMT == S_IFDIR
}

func (ino *Inode) IsRegular() bool {
	return ino.Mode&S_IFMT == S_IFREG
}

func (ino *Inode) IsSymlink() bool {
	return ino.Mode&S_IFMT == S_IFLNK
}

func (ino *Inode) IsCharDev() bool {
	return ino.Mode&S_IFMT == S_IFCHR
}

func (ino *Inode) IsBlockDev() bool {
	return ino.Mode&S_IFMT == S_IFBLK
}

func (ino *Inode) IsFIFO() bool {
	return ino.Mode&S_IFMT == S_IFIFO
}

func (ino *Inode) IsSocket() bool {
	return ino.Mode&S_IFMT == S_IFSOCK
}

// Major returns the device major number for char and block inodes.
func (ino *Inode) Major() uint32 {
	return devMajor(ino.Size)
}

// Minor returns the device minor number for char and block inodes.
func (ino *Inode) Minor() uint32 {
	return devMinor(ino.Size)
}

// Image represents an open polyfs image. An Image is not safe for
// concurrent use: reads share one buffered window over the source.
type Image struct {
	src    io.ReaderAt
	length int64
	start  int64 // 0 or PadSize
	sb     SuperBlock

	// Warnings collects non-fatal diagnostics found while opening.
	Warnings []string

	buf      [2 * romBufferSize]byte
	bufBlock int64
}

// OpenImage locates and validates the superblock of the image in src.
// length is the total length of the file or block device in bytes.
func OpenImage(src io.ReaderAt, length int64) (*Image, error) {
	i := &Image{
		src:      src,
		length:   length,
		bufBlock: -1,
	}

	if err := i.initSuperBlock(); err != nil {
		return nil, err
	}

	return i, nil
}

// SuperBlock returns a copy of the image's superblock.
func (i *Image) SuperBlock() SuperBlock {
	return i.sb
}

// Start returns the byte offset the superblock was found at, 0 or PadSize.
func (i *Image) Start() int64 {
	return i.start
}

// Length returns the length of the underlying file or device.
func (i *Image) Length() int64 {
	return i.length
}

// RootInode returns the decoded root inode embedded in the superblock.
func (i *Image) RootInode() Inode {
	return i.sb.Root.Decode()
}

func (i *Image) initSuperBlock() error {
	if i.length < SuperBlockSize {
		return corruptf("filesystem smaller than a polyfs superblock")
	}

	if err := i.unmarshalFrom(0, &i.sb); err != nil {
		return err
	}

	if i.sb.Magic != Magic && i.length >= PadSize+SuperBlockSize {
		if err := i.unmarshalFrom(PadSize, &i.sb); err != nil {
			return err
		}
		if i.sb.Magic == Magic {
			i.start = PadSize
		}
	}

	if i.sb.Magic != Magic {
		return corruptf("superblock magic not found")
	}

	if i.sb.Flags&^uint32(SupportedFlags) != 0 {
		return corruptf("unsupported filesystem features")
	}
	if i.sb.Flags&FlagLZOCompression != 0 && i.sb.Flags&FlagZlibCompression != 0 {
		return corruptf("unsupported filesystem features")
	}
	if i.sb.Size < BlockSize {
		return corruptf("superblock size (%d) too small", i.sb.Size)
	}
	if i.sb.Flags&FlagFSIDVersion1 == 0 {
		return corruptf("invalid filesystem version")
	}
	if i.sb.FSID.Files == 0 {
		return corruptf("zero file count")
	}

	if i.length < int64(i.sb.Size) {
		return corruptf("file length too short, %d is smaller than %d", i.length, i.sb.Size)
	} else if i.length > int64(i.sb.Size) {
		i.Warnings = append(i.Warnings, "file extends past end of filesystem")
	}

	return nil
}

// VerifyCRC computes a CRC-32 over the image body with the stored crc slot
// logically zeroed and compares it to the stored value. The image on disk
// is never touched: the slot is zeroed in the 4 KiB read buffer as the
// chunks stream past.
func (i *Image) VerifyCRC() error {
	if i.sb.Flags&FlagFSIDVersion1 == 0 {
		return nil
	}

	crc := crc32.NewIEEE()

	buf := make([]byte, 4096)
	slot := i.start + crcSlotOffset
	end := int64(i.sb.Size)

	for pos := i.start; pos < end; {
		n := int64(len(buf))
		if end-pos < n {
			n = end - pos
		}
		if _, err := io.ReadFull(io.NewSectionReader(i.src, pos, n), buf[:n]); err != nil {
			return errors.Wrap(err, "read failed")
		}

		// Zero the crc slot bytes that fall inside this chunk.
		for b := slot; b < slot+4; b++ {
			if b >= pos && b < pos+n {
				buf[b-pos] = 0
			}
		}

		_, _ = crc.Write(buf[:n])
		pos += n
	}

	if crc.Sum32() != i.sb.FSID.CRC {
		return corruptf("crc error")
	}

	return nil
}

// bytesAt returns the bytes at [off, off+n) of the image. The returned
// slice aliases the image's read buffer and is only valid until the next
// read. n must be at most romBufferSize.
func (i *Image) bytesAt(off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off+n > i.length {
		return nil, corruptf("read of %d bytes at %d outside image", n, off)
	}
	if n > romBufferSize {
		// No stored block is allowed to be this large.
		return nil, corruptf("data block too large")
	}

	block := off >> romBufferBits
	if block != i.bufBlock {
		n, err := i.src.ReadAt(i.buf[:], block<<romBufferBits)
		if err != nil && err != io.EOF {
			i.bufBlock = -1
			return nil, errors.Wrap(err, "read failed")
		}
		for j := n; j < len(i.buf); j++ {
			i.buf[j] = 0
		}
		i.bufBlock = block
	}

	rel := off & romBufferMask
	return i.buf[rel : rel+n], nil
}

// u32At reads a little-endian u32 at off.
func (i *Image) u32At(off int64) (uint32, error) {
	b, err := i.bytesAt(off, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// inodeAt decodes the inode record at off.
func (i *Image) inodeAt(off int64) (Inode, error) {
	b, err := i.bytesAt(off, InodeSize)
	if err != nil {
		return Inode{}, err
	}

	raw := RawInode{
		Mode:    binary.LittleEndian.Uint16(b[0:2]),
		UID:     binary.LittleEndian.Uint16(b[2:4]),
		SizeGID: binary.LittleEndian.Uint32(b[4:8]),
		Tail:    binary.LittleEndian.Uint32(b[8:12]),
	}

	return raw.Decode(), nil
}

func (i *Image) unmarshalFrom(off int64, data any) error {
	if err := binary.Read(io.NewSectionReader(i.src, off, int64(binary.Size(data))),
		binary.LittleEndian, data); err != nil {
		return errors.Wrap(err, "read failed")
	}

	return nil
}
