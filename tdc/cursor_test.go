// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tdc

import (
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

func TestCursor(t *testing.T) {
	// packets at offsets 0, 32 and 48, 72 bytes total.
	full := mkWindow(t,
		tdcFrame(1, 10, 1, 2, 3, 4),
		Frame{Type: TypeTimestampOnly, Length: 99, Timestamp: 11},
		tdcFrame(2, 12, 5, 6),
	)
	if got, want := len(full.Data), 72; got != want {
		t.Fatalf("invalid window size: got=%d, want=%d", got, want)
	}

	hdrOnly := func(n int) []byte {
		raw := make([]byte, n)
		for i := 0; i+hdrSize <= n; i += hdrSize {
			raw[i+2] = uint8(TypeTimestampOnly)
		}
		return raw
	}

	overrun := make([]byte, 32)
	overrun[2] = uint8(TypeTDCData)
	binary.LittleEndian.PutUint32(overrun[4:8], 10)

	for _, tc := range []struct {
		name string
		win  Window
		offs []int
		err  string
	}{
		{
			name: "empty",
			win:  Window{},
		},
		{
			name: "first-after-last",
			win:  Window{Data: full.Data, First: 32, Last: 0},
		},
		{
			name: "full",
			win:  full,
			offs: []int{0, 32, 48},
		},
		{
			name: "bounded-by-last",
			win:  Window{Data: full.Data, First: 0, Last: 32},
			offs: []int{0, 32},
		},
		{
			name: "single",
			win:  Window{Data: full.Data, First: 0, Last: 0},
			offs: []int{0},
		},
		{
			name: "start-in-the-middle",
			win:  Window{Data: full.Data, First: 32, Last: 48},
			offs: []int{32, 48},
		},
		{
			name: "overshoot",
			win:  Window{Data: full.Data, First: 0, Last: 16},
			err:  "tdc: malformed packet at offset 0 (type=tdc-data, len=2): next packet beyond last packet",
		},
		{
			name: "overrun",
			win:  Window{Data: overrun, First: 0, Last: 0},
			err:  "tdc: malformed packet at offset 0 (type=tdc-data, len=10): payload beyond window",
		},
		{
			name: "truncated-header",
			win:  Window{Data: hdrOnly(20), First: 0, Last: 16},
			offs: []int{0},
			err:  "tdc: malformed packet at offset 16 (type=i8, len=0): header beyond window",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var (
				cur  = NewCursor(tc.win)
				offs []int
			)
			for {
				off := cur.Offset()
				p, ok := cur.Next()
				if !ok {
					break
				}
				offs = append(offs, off)
				if got, want := &p.Bytes()[0], &tc.win.Data[off]; got != want {
					t.Fatalf("packet at offset %d does not alias the window", off)
				}
			}

			if !reflect.DeepEqual(offs, tc.offs) {
				t.Fatalf("invalid offsets:\ngot= %v\nwant=%v", offs, tc.offs)
			}

			switch err := cur.Err(); {
			case err == nil && tc.err == "":
				// ok
			case err == nil && tc.err != "":
				t.Fatalf("expected an error (%s)", tc.err)
			case err != nil && tc.err == "":
				t.Fatalf("could not walk window: %+v", err)
			default:
				if got, want := err.Error(), tc.err; got != want {
					t.Fatalf("invalid error:\ngot= %q\nwant=%q", got, want)
				}
				if !errors.Is(err, ErrMalformedPacket) {
					t.Fatalf("error %+v is not a malformed packet", err)
				}
			}

			// exhausted cursors stay exhausted.
			if _, ok := cur.Next(); ok {
				t.Fatalf("cursor not exhausted")
			}
		})
	}
}

func TestCursorHeaderOnlyIgnoresLength(t *testing.T) {
	win := mkWindow(t,
		Frame{Type: TypeTriggerPattern, Length: 0xffffffff},
		Frame{Type: TypeEndOfBuffer, Length: 1234},
	)
	cur := NewCursor(win)
	n := 0
	for {
		p, ok := cur.Next()
		if !ok {
			break
		}
		if got, want := p.Size(), hdrSize; got != want {
			t.Fatalf("invalid size: got=%d, want=%d", got, want)
		}
		n++
	}
	if err := cur.Err(); err != nil {
		t.Fatalf("could not walk window: %+v", err)
	}
	if n != 2 {
		t.Fatalf("invalid number of packets: got=%d, want=2", n)
	}
}
