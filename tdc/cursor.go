// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tdc

import "encoding/binary"

// Window is a borrowed view of the DMA ring buffer, as handed out by a
// Transport. First and Last are the byte offsets in Data of the first and
// last packet headers. Data must not be retained after the window has
// been acknowledged.
type Window struct {
	Data  []byte
	First int
	Last  int
}

// Empty reports whether the window holds no packet.
func (win Window) Empty() bool {
	return len(win.Data) == 0 || win.First > win.Last || win.First < 0
}

// Cursor walks the packets of a window.
// The successor of a packet is computed from its own length only; the
// walk stops as soon as the next address lies past the last packet.
type Cursor struct {
	win  Window
	pos  int
	done bool
	err  *PacketError
}

// NewCursor returns a cursor positioned on the first packet of win.
func NewCursor(win Window) *Cursor {
	return &Cursor{
		win:  win,
		pos:  win.First,
		done: win.Empty(),
	}
}

// Offset returns the byte offset of the packet Next will return.
func (cur *Cursor) Offset() int { return cur.pos }

// Err returns the error that stopped the walk early, if any.
func (cur *Cursor) Err() *PacketError { return cur.err }

// Next returns the packet under the cursor and advances to its successor.
// Next returns false once the window is exhausted or when the walk had to
// be abandoned; Err then tells which.
func (cur *Cursor) Next() (Packet, bool) {
	if cur.done {
		return Packet{}, false
	}

	var (
		beg  = cur.pos
		data = cur.win.Data
	)
	if beg+hdrSize > len(data) {
		cur.fail(&PacketError{Offset: beg, Err: errTruncated})
		return Packet{}, false
	}

	hdr := data[beg : beg+hdrSize]
	end := beg + PacketSize(hdr)
	switch {
	case end > len(data) || end < beg:
		cur.fail(&PacketError{
			Offset: beg,
			Type:   Type(hdr[2]),
			Length: binary.LittleEndian.Uint32(hdr[4:8]),
			Err:    errOverrun,
		})
		return Packet{}, false
	case end > cur.win.Last && beg != cur.win.Last:
		cur.fail(&PacketError{
			Offset: beg,
			Type:   Type(hdr[2]),
			Length: binary.LittleEndian.Uint32(hdr[4:8]),
			Err:    errOvershoot,
		})
		return Packet{}, false
	}

	cur.pos = end
	if cur.pos > cur.win.Last {
		cur.done = true
	}
	return Packet{raw: data[beg:end:end]}, true
}

func (cur *Cursor) fail(err *PacketError) {
	cur.err = err
	cur.done = true
}
