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
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/rasky/go-lzo"
)

// decompressor decodes single content blocks according to the superblock
// compression flags. The zlib stream is initialized once and reset per
// block; LZO is stateless. No state survives a call beyond the shared
// output buffer, which is valid until the next call.
type decompressor struct {
	flags uint32
	zr    io.ReadCloser
	out   [2 * BlockSize]byte
}

func newDecompressor(flags uint32) *decompressor {
	return &decompressor{flags: flags}
}

func (d *decompressor) Close() error {
	if d.zr != nil {
		return d.zr.Close()
	}
	return nil
}

// block decodes one stored block. The result aliases the decompressor's
// output buffer.
func (d *decompressor) block(src []byte) ([]byte, error) {
	switch {
	case d.flags&FlagLZOCompression != 0:
		return d.lzoBlock(src)
	case d.flags&FlagZlibCompression != 0:
		return d.zlibBlock(src)
	default:
		if len(src) > BlockSize {
			return nil, corruptf("data block too large")
		}
		return d.out[:copy(d.out[:], src)], nil
	}
}

func (d *decompressor) zlibBlock(src []byte) ([]byte, error) {
	if len(src) > 2*BlockSize {
		return nil, corruptf("data block too large")
	}

	br := bytes.NewReader(src)
	if d.zr == nil {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, corruptf("decompression error (%d bytes): %v", len(src), err)
		}
		d.zr = zr
	} else if err := d.zr.(zlib.Resetter).Reset(br, nil); err != nil {
		return nil, corruptf("decompression error (%d bytes): %v", len(src), err)
	}

	n, err := io.ReadFull(d.zr, d.out[:])
	switch err {
	case io.EOF, io.ErrUnexpectedEOF:
		// The whole stream fit in the output buffer.
	case nil:
		// The buffer filled exactly; the stream must end here.
		if _, err := d.zr.Read(make([]byte, 1)); err != io.EOF {
			return nil, corruptf("data block too large")
		}
	default:
		return nil, corruptf("decompression error (%d bytes): %v", len(src), err)
	}

	return d.out[:n], nil
}

func (d *decompressor) lzoBlock(src []byte) ([]byte, error) {
	if len(src) > MaxBlockOverhead {
		return nil, corruptf("data block too large")
	}

	out, err := lzo.Decompress1X(bytes.NewReader(src), len(src), 0)
	if err != nil {
		return nil, corruptf("decompression error (%d bytes): %v", len(src), err)
	}
	if len(out) > 2*BlockSize {
		return nil, corruptf("data block too large")
	}

	if err := lzoOverlapCheck(src, out); err != nil {
		return nil, err
	}

	return d.out[:copy(d.out[:], out)], nil
}

// lzoOverlapCheck re-decodes src with the input placed at the tail of the
// output buffer, the way the kernel driver decompresses in place to save
// RAM. A block that decodes correctly out of place but corrupts itself in
// place would crash the driver, so such images are rejected here.
func lzoOverlapCheck(src, want []byte) error {
	buf := make([]byte, MaxBlockOverhead)
	off := MaxBlockOverhead - len(src)
	copy(buf[off:], src)

	outLen := len(want)
	if len(src) >= BlockSize {
		outLen = BlockSize
	}
	if outLen > len(buf) {
		// In place the output can only grow to the end of the buffer; a
		// larger block overruns it and fails below.
		outLen = len(buf)
	}

	n, err := lzo1xDecompressSafe(buf[:outLen], buf[off:off+len(src)])
	if err != nil {
		return corruptf("LZO overlap decompression failed: %v", err)
	}

	if n != len(want) || crc32.ChecksumIEEE(buf[:n]) != crc32.ChecksumIEEE(want) {
		return corruptf("LZO overlap decompression failed: output mismatch")
	}

	return nil
}
