// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package polyfs_test

import (
	"bytes"
	"encoding/binary"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/dpeckett/polyfs"
	"github.com/dpeckett/polyfs/internal/testutil"

	"github.com/stretchr/testify/require"
)

func buildImage(t *testing.T, opts polyfs.WriterOptions, build func(b *polyfs.Builder)) []byte {
	t.Helper()

	b := polyfs.NewBuilder()
	build(b)

	var buf bytes.Buffer
	require.NoError(t, b.Build(&buf, opts))

	return buf.Bytes()
}

func openImage(t *testing.T, img []byte) *polyfs.Image {
	t.Helper()

	i, err := polyfs.OpenImage(bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)

	return i
}

func helloImage(t *testing.T, compression polyfs.Compression) []byte {
	return buildImage(t, polyfs.WriterOptions{Compression: compression}, func(b *polyfs.Builder) {
		require.NoError(t, b.File("hello", []byte("hi!\n"), 0o644, 0, 0))
	})
}

func TestCheck(t *testing.T) {
	for name, compression := range map[string]polyfs.Compression{
		"None": polyfs.CompressionNone,
		"Zlib": polyfs.CompressionZlib,
		"LZO":  polyfs.CompressionLZO,
	} {
		t.Run(name, func(t *testing.T) {
			img := helloImage(t, compression)

			i := openImage(t, img)
			require.Empty(t, i.Warnings)
			require.Equal(t, int64(0), i.Start())

			require.NoError(t, i.VerifyCRC())
			require.NoError(t, i.Check(polyfs.CheckOptions{}))
		})
	}
}

func TestCheckVerboseListing(t *testing.T) {
	img := helloImage(t, polyfs.CompressionZlib)
	i := openImage(t, img)

	var list bytes.Buffer
	require.NoError(t, i.Check(polyfs.CheckOptions{Verbose: 1, List: &list}))

	require.Contains(t, list.String(), "d 0755        20     0:0   /\n")
	require.Contains(t, list.String(), "f 0644         4     0:0   /hello\n")
}

func TestCheckBadMagic(t *testing.T) {
	img := helloImage(t, polyfs.CompressionZlib)
	copy(img, make([]byte, 4))

	_, err := polyfs.OpenImage(bytes.NewReader(img), int64(len(img)))
	require.True(t, polyfs.IsCorrupt(err))
	require.EqualError(t, err, "superblock magic not found")
}

func TestCheckCRCMismatch(t *testing.T) {
	img := helloImage(t, polyfs.CompressionZlib)
	img[len(img)-1] ^= 0xff

	i := openImage(t, img)
	err := i.VerifyCRC()
	require.True(t, polyfs.IsCorrupt(err))
	require.EqualError(t, err, "crc error")
}

func TestCheckCRCIgnoresStoredSlot(t *testing.T) {
	// The crc slot itself is excluded from the sum, so recomputing over
	// an untouched image must always succeed, twice in a row.
	img := helloImage(t, polyfs.CompressionZlib)
	i := openImage(t, img)
	require.NoError(t, i.VerifyCRC())
	require.NoError(t, i.VerifyCRC())
}

func TestCheckTruncated(t *testing.T) {
	img := helloImage(t, polyfs.CompressionZlib)

	_, err := polyfs.OpenImage(bytes.NewReader(img), int64(len(img))-1)
	require.True(t, polyfs.IsCorrupt(err))
	require.Contains(t, err.Error(), "file length too short")
}

func TestCheckOversizeWarning(t *testing.T) {
	img := helloImage(t, polyfs.CompressionZlib)
	img = append(img, make([]byte, 512)...)

	i := openImage(t, img)
	require.Equal(t, []string{"file extends past end of filesystem"}, i.Warnings)
	require.NoError(t, i.VerifyCRC())
	require.NoError(t, i.Check(polyfs.CheckOptions{}))
}

func TestCheckUnsupportedFeatures(t *testing.T) {
	img := helloImage(t, polyfs.CompressionZlib)
	flags := binary.LittleEndian.Uint32(img[8:])
	binary.LittleEndian.PutUint32(img[8:], flags|0x2)

	_, err := polyfs.OpenImage(bytes.NewReader(img), int64(len(img)))
	require.EqualError(t, err, "unsupported filesystem features")
}

func TestCheckBothCompressionBits(t *testing.T) {
	img := helloImage(t, polyfs.CompressionZlib)
	flags := binary.LittleEndian.Uint32(img[8:])
	binary.LittleEndian.PutUint32(img[8:], flags|polyfs.FlagLZOCompression)

	_, err := polyfs.OpenImage(bytes.NewReader(img), int64(len(img)))
	require.EqualError(t, err, "unsupported filesystem features")
}

func TestCheckZeroFileCount(t *testing.T) {
	img := helloImage(t, polyfs.CompressionZlib)
	binary.LittleEndian.PutUint32(img[28:], 0)

	_, err := polyfs.OpenImage(bytes.NewReader(img), int64(len(img)))
	require.EqualError(t, err, "zero file count")
}

func TestCheckInvalidVersion(t *testing.T) {
	img := helloImage(t, polyfs.CompressionZlib)
	flags := binary.LittleEndian.Uint32(img[8:])
	binary.LittleEndian.PutUint32(img[8:], flags&^uint32(polyfs.FlagFSIDVersion1))

	_, err := polyfs.OpenImage(bytes.NewReader(img), int64(len(img)))
	require.EqualError(t, err, "invalid filesystem version")
}

func TestCheckRootNotDirectory(t *testing.T) {
	img := helloImage(t, polyfs.CompressionZlib)
	binary.LittleEndian.PutUint16(img[32:], polyfs.S_IFREG|0o644)

	i := openImage(t, img)
	err := i.Check(polyfs.CheckOptions{})
	require.EqualError(t, err, "root inode is not directory")
}

func TestCheckBadRootOffset(t *testing.T) {
	img := helloImage(t, polyfs.CompressionZlib)

	// Push the root's offset one 4-byte unit past the superblock.
	tail := binary.LittleEndian.Uint32(img[40:])
	binary.LittleEndian.PutUint32(img[40:], tail+(1<<6))

	i := openImage(t, img)
	err := i.Check(polyfs.CheckOptions{})
	require.EqualError(t, err, "bad root offset (48)")
}

func TestCheckShiftedRootOffset(t *testing.T) {
	img := helloImage(t, polyfs.CompressionZlib)
	flags := binary.LittleEndian.Uint32(img[8:])
	binary.LittleEndian.PutUint32(img[8:], flags|polyfs.FlagShiftedRootOffset)

	i := openImage(t, img)
	require.NoError(t, i.Check(polyfs.CheckOptions{}))
}

func TestCheckPadOffset(t *testing.T) {
	img := buildImage(t, polyfs.WriterOptions{Compression: polyfs.CompressionZlib, Pad: true}, func(b *polyfs.Builder) {
		require.NoError(t, b.File("hello", []byte("hi!\n"), 0o644, 0, 0))
	})

	i := openImage(t, img)
	require.Equal(t, int64(polyfs.PadSize), i.Start())
	require.Empty(t, i.Warnings)

	require.NoError(t, i.VerifyCRC())
	require.NoError(t, i.Check(polyfs.CheckOptions{}))
}

func TestCheckEmptyDirectory(t *testing.T) {
	img := buildImage(t, polyfs.WriterOptions{Compression: polyfs.CompressionZlib}, func(b *polyfs.Builder) {
		require.NoError(t, b.Dir("empty", 0o755, 0, 0))
	})

	i := openImage(t, img)
	require.NoError(t, i.VerifyCRC())
	require.NoError(t, i.Check(polyfs.CheckOptions{}))
}

func TestCheckSpecialFiles(t *testing.T) {
	img := buildImage(t, polyfs.WriterOptions{Compression: polyfs.CompressionZlib}, func(b *polyfs.Builder) {
		require.NoError(t, b.Dir("dev", 0o755, 0, 0))
		require.NoError(t, b.Node("dev/big", fs.ModeDevice|fs.ModeCharDevice|0o620, 4095, 17, 0, 0))
		require.NoError(t, b.Node("dev/disk", fs.ModeDevice|0o660, 8, 1, 0, 0))
		require.NoError(t, b.Node("dev/pipe", fs.ModeNamedPipe|0o600, 0, 0, 0, 0))
		require.NoError(t, b.Node("dev/sock", fs.ModeSocket|0o600, 0, 0, 0, 0))
	})

	i := openImage(t, img)
	require.NoError(t, i.VerifyCRC())

	var list bytes.Buffer
	require.NoError(t, i.Check(polyfs.CheckOptions{Verbose: 1, List: &list}))

	require.Contains(t, list.String(), "c 0620 4095,  17     0:0   /dev/big\n")
	require.Contains(t, list.String(), "b 0660    8,   1     0:0   /dev/disk\n")
	require.Contains(t, list.String(), "p 0600         0     0:0   /dev/pipe\n")
	require.Contains(t, list.String(), "s 0600         0     0:0   /dev/sock\n")
}

func TestCheckNamePadding(t *testing.T) {
	// Declared name lengths are 4-byte units; exercise 0 and 3 bytes
	// of NUL padding.
	img := buildImage(t, polyfs.WriterOptions{Compression: polyfs.CompressionZlib}, func(b *polyfs.Builder) {
		for _, name := range []string{"a", "abcd", "abcde", "abcdefgh"} {
			require.NoError(t, b.File(name, []byte(name), 0o644, 0, 0))
		}
	})

	i := openImage(t, img)
	require.NoError(t, i.VerifyCRC())
	require.NoError(t, i.Check(polyfs.CheckOptions{}))
}

func TestCheckFileShapes(t *testing.T) {
	content := make([]byte, 2*polyfs.BlockSize)
	for i := range content {
		content[i] = byte(i*7 + 5)
	}

	img := buildImage(t, polyfs.WriterOptions{Compression: polyfs.CompressionZlib}, func(b *polyfs.Builder) {
		require.NoError(t, b.File("exact", content, 0o644, 0, 0))
		require.NoError(t, b.File("tiny", []byte("x"), 0o644, 0, 0))
		require.NoError(t, b.File("empty", nil, 0o644, 0, 0))
		require.NoError(t, b.File("holes", make([]byte, 3*polyfs.BlockSize), 0o644, 0, 0))
		require.NoError(t, b.File("tailhole", make([]byte, polyfs.BlockSize+10), 0o644, 0, 0))
	})

	i := openImage(t, img)
	require.NoError(t, i.VerifyCRC())
	require.NoError(t, i.Check(polyfs.CheckOptions{}))
}

func TestExtract(t *testing.T) {
	content := make([]byte, polyfs.BlockSize+100)
	for i := range content {
		content[i] = byte(i % 251)
	}

	target := string(bytes.Repeat([]byte{'t'}, polyfs.BlockSize-1))

	img := buildImage(t, polyfs.WriterOptions{Compression: polyfs.CompressionZlib}, func(b *polyfs.Builder) {
		require.NoError(t, b.Dir("sub", 0o750, 0, 0))
		require.NoError(t, b.File("hello", []byte("hi!\n"), 0o644, 0, 0))
		require.NoError(t, b.File("sub/data", content, 0o600, 0, 0))
		require.NoError(t, b.File("sub/holes", make([]byte, 2*polyfs.BlockSize+7), 0o644, 0, 0))
		require.NoError(t, b.Symlink("ln", target, 0, 0))
	})

	dir := t.TempDir()

	i := openImage(t, img)
	require.NoError(t, i.VerifyCRC())
	require.NoError(t, i.Check(polyfs.CheckOptions{
		Sink: polyfs.NewDirSink(dir),
		Path: dir,
	}))

	got, err := os.ReadFile(filepath.Join(dir, "hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("hi!\n"), got)

	got, err = os.ReadFile(filepath.Join(dir, "sub", "data"))
	require.NoError(t, err)
	require.Equal(t, content, got)

	// Hole blocks must decode to zeros, losslessly.
	got, err = os.ReadFile(filepath.Join(dir, "sub", "holes"))
	require.NoError(t, err)
	require.Equal(t, make([]byte, 2*polyfs.BlockSize+7), got)

	gotTarget, err := os.Readlink(filepath.Join(dir, "ln"))
	require.NoError(t, err)
	require.Equal(t, target, gotTarget)

	fi, err := os.Stat(filepath.Join(dir, "sub"))
	require.NoError(t, err)
	require.True(t, fi.IsDir())
	require.Equal(t, fs.FileMode(0o750), fi.Mode().Perm())

	fi, err = os.Stat(filepath.Join(dir, "hello"))
	require.NoError(t, err)
	require.Zero(t, fi.ModTime().Unix())
}

func TestCreateRoundTrip(t *testing.T) {
	src := fstest.MapFS{
		"etc":            &fstest.MapFile{Mode: fs.ModeDir | 0o755},
		"etc/rc":         &fstest.MapFile{Mode: fs.ModeDir | 0o755},
		"usr":            &fstest.MapFile{Mode: fs.ModeDir | 0o755},
		"usr/bin":        &fstest.MapFile{Mode: fs.ModeDir | 0o755},
		"etc/os-release": &fstest.MapFile{Data: []byte("NAME=polyfs\n"), Mode: 0o644},
		"etc/rc/init":    &fstest.MapFile{Data: []byte("#!/bin/sh\n"), Mode: 0o755},
		"usr/bin/tool":   &fstest.MapFile{Data: bytes.Repeat([]byte("polyfs "), 2048), Mode: 0o755},
	}

	var buf bytes.Buffer
	require.NoError(t, polyfs.Create(&buf, src, polyfs.WriterOptions{Compression: polyfs.CompressionZlib}))
	img := buf.Bytes()

	dir := t.TempDir()

	i := openImage(t, img)
	require.NoError(t, i.VerifyCRC())
	require.NoError(t, i.Check(polyfs.CheckOptions{
		Sink: polyfs.NewDirSink(dir),
		Path: dir,
	}))

	wantHash, err := testutil.HashFS(src)
	require.NoError(t, err)

	gotHash, err := testutil.HashDir(dir)
	require.NoError(t, err)

	require.Equal(t, wantHash, gotHash)
}

func TestExtractLZO(t *testing.T) {
	content := bytes.Repeat([]byte("all work and no play makes jack a dull boy\n"), 200)

	img := buildImage(t, polyfs.WriterOptions{Compression: polyfs.CompressionLZO}, func(b *polyfs.Builder) {
		require.NoError(t, b.File("jack", content, 0o644, 0, 0))
	})

	dir := t.TempDir()

	i := openImage(t, img)
	require.NoError(t, i.VerifyCRC())
	require.NoError(t, i.Check(polyfs.CheckOptions{
		Sink: polyfs.NewDirSink(dir),
		Path: dir,
	}))

	got, err := os.ReadFile(filepath.Join(dir, "jack"))
	require.NoError(t, err)
	require.Equal(t, content, got)
}
