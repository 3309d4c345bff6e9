// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"fmt"
	"io"

	"github.com/go-lpc/tt4/internal/mmap"
	"github.com/go-lpc/tt4/tdc"
)

// Replay serves a recorded packet stream, as written by tdc.Encoder, in
// windows of at most a given number of packets.
//
// Windows are copied into a buffer owned by the Replay which is scribbled
// over when the window is acknowledged, the way the hardware reuses its
// ring buffer.
type Replay struct {
	h   *mmap.Handle
	raw []byte
	cal tdc.Calibration
	max int

	pos  int // offset of the next window in raw
	next int // offset following the last window
	buf  []byte
}

// NewReplay serves the packets of raw, at most n packets per window.
// A non-positive n serves the whole stream as a single window.
func NewReplay(raw []byte, cal tdc.Calibration, n int) *Replay {
	return &Replay{
		raw: raw,
		cal: cal,
		max: n,
	}
}

// OpenReplay memory-maps the named capture file and serves its packets,
// at most n packets per window.
func OpenReplay(fname string, cal tdc.Calibration, n int) (*Replay, error) {
	h, err := mmap.Open(fname, 0, false)
	if err != nil {
		return nil, fmt.Errorf("dma: could not open capture: %w", err)
	}
	r := NewReplay(h.Slice(0, h.Len()), cal, n)
	r.h = h
	return r, nil
}

// Close releases the capture file, if any.
func (r *Replay) Close() error {
	r.raw = nil
	if r.h == nil {
		return nil
	}
	err := r.h.Close()
	r.h = nil
	return err
}

// Calibration implements tdc.Transport.
func (r *Replay) Calibration() (tdc.Calibration, error) {
	return r.cal, nil
}

// Poll implements tdc.Transport.
// Poll returns io.EOF once the whole capture has been acknowledged.
func (r *Replay) Poll(ack bool) (tdc.Window, error) {
	if ack {
		r.pos = r.next
		for i := range r.buf {
			r.buf[i] = 0xff
		}
	}

	if r.pos >= len(r.raw) {
		return tdc.Window{}, io.EOF
	}

	var (
		beg  = r.pos
		end  = beg
		last = beg
		n    = 0
	)
	for end < len(r.raw) && (r.max <= 0 || n < r.max) {
		if end+hdrSize > len(r.raw) {
			return tdc.Window{}, fmt.Errorf(
				"%w: truncated packet header at offset %d",
				tdc.ErrInternal, end,
			)
		}
		size := tdc.PacketSize(r.raw[end : end+hdrSize])
		if end+size > len(r.raw) {
			return tdc.Window{}, fmt.Errorf(
				"%w: truncated packet at offset %d (size=%d)",
				tdc.ErrInternal, end, size,
			)
		}
		last = end
		end += size
		n++
	}

	r.next = end
	r.buf = append(r.buf[:0], r.raw[beg:end]...)
	return tdc.Window{
		Data:  r.buf,
		First: 0,
		Last:  last - beg,
	}, nil
}

var (
	_ tdc.Transport = (*Replay)(nil)
	_ io.Closer     = (*Replay)(nil)
	_ io.Closer     = (*Ring)(nil)
)
