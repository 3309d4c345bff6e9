// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmap provides access to memory-mapped files, such as DMA ring
// buffers exported by a kernel driver or shared-memory segments.
package mmap // import "github.com/go-lpc/tt4/internal/mmap"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	errClosed = errors.New("mmap: closed")
)

// Handle is a memory-mapped region.
type Handle struct {
	data []byte
}

// HandleFrom wraps an already memory-mapped region.
// The region is unmapped when the handle is closed.
func HandleFrom(data []byte) *Handle {
	h := &Handle{data: data}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h
}

// Open maps the named file in shared mode.
// When writable is true, the file is created if needed and, for a positive
// size, resized to size bytes. A zero size maps the whole file.
func Open(fname string, size int, writable bool) (*Handle, error) {
	var (
		flag = os.O_RDONLY
		prot = unix.PROT_READ
	)
	if writable {
		flag = os.O_RDWR | os.O_CREATE
		prot |= unix.PROT_WRITE
	}

	f, err := os.OpenFile(fname, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not open %q: %w", fname, err)
	}
	defer f.Close()

	switch {
	case writable && size > 0:
		err = f.Truncate(int64(size))
		if err != nil {
			return nil, fmt.Errorf("mmap: could not resize %q: %w", fname, err)
		}
	case size <= 0:
		fi, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("mmap: could not stat %q: %w", fname, err)
		}
		size = int(fi.Size())
	}
	if size <= 0 {
		return nil, fmt.Errorf("mmap: empty file %q", fname)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not mmap %q: %w", fname, err)
	}

	return HandleFrom(data), nil
}

// Close closes the mmap handle.
func (h *Handle) Close() error {
	if h == nil {
		return os.ErrInvalid
	}

	if h.data == nil {
		return nil
	}
	data := h.data
	h.data = nil
	runtime.SetFinalizer(h, nil)

	return unix.Munmap(data)
}

// Len returns the length of the underlying memory-mapped file.
func (h *Handle) Len() int {
	return len(h.data)
}

// At returns the byte at index i.
func (h *Handle) At(i int) byte {
	return h.data[i]
}

// Slice returns the mapped bytes in [beg, end).
// The returned slice aliases the mapping and must not be used once the
// handle is closed.
func (h *Handle) Slice(beg, end int) []byte {
	return h.data[beg:end:end]
}

// Uint64 returns a pointer to the 8-byte word at offset off, suitable for
// use with sync/atomic.
func (h *Handle) Uint64(off int) *uint64 {
	if off%8 != 0 {
		panic(fmt.Errorf("mmap: unaligned 64-bit word at offset %d", off))
	}
	_ = h.data[off+7]
	return (*uint64)(unsafe.Pointer(&h.data[off]))
}

// Sync flushes the mapping back to its file.
func (h *Handle) Sync() error {
	if h == nil {
		return os.ErrInvalid
	}
	if h.data == nil {
		return errClosed
	}
	return unix.Msync(h.data, unix.MS_SYNC)
}

// ReadAt implements the io.ReaderAt interface.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid ReadAt offset %d", off)
	}
	n := copy(p, h.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the io.WriterAt interface.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid WriteAt offset %d", off)
	}
	n := copy(h.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

var (
	_ io.ReaderAt = (*Handle)(nil)
	_ io.WriterAt = (*Handle)(nil)
	_ io.Closer   = (*Handle)(nil)
)
