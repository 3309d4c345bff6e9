// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tdc

import (
	"errors"
	"reflect"
	"testing"
)

var testCal = Calibration{
	BinSize:        100,
	PacketBinSize:  100,
	RolloverPeriod: 1 << 24,
}

func TestDecoderNumHits(t *testing.T) {
	dec := NewDecoder(testCal)
	for _, tc := range []struct {
		name  string
		frame Frame
		want  int
	}{
		{
			name:  "even",
			frame: tdcFrame(0, 0, MakeHit(1, 0, 1), MakeHit(1, 0, 2), MakeHit(1, 0, 3), MakeHit(1, 0, 4)),
			want:  4,
		},
		{
			name:  "odd",
			frame: tdcFrame(0, 0, MakeHit(1, 0, 1), MakeHit(1, 0, 2), MakeHit(1, 0, 3)),
			want:  3,
		},
		{
			name:  "single",
			frame: tdcFrame(0, 0, MakeHit(1, 0, 1)),
			want:  1,
		},
		{
			name:  "empty",
			frame: tdcFrame(0, 0),
			want:  0,
		},
		{
			name:  "empty-with-odd-flag",
			frame: Frame{Type: TypeTDCData, Flags: FlagOddHits},
			want:  0,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			grps, diags := dec.Decode(nil, mkWindow(t, tc.frame))
			if len(diags) != 0 {
				t.Fatalf("unexpected diagnostics: %v", diags)
			}
			if len(grps) != 1 {
				t.Fatalf("invalid number of groups: got=%d, want=1", len(grps))
			}
			if got, want := len(grps[0].Hits), tc.want; got != want {
				t.Fatalf("invalid number of hits: got=%d, want=%d", got, want)
			}
		})
	}
}

func TestDecoderTimestamps(t *testing.T) {
	for _, tc := range []struct {
		name string
		cal  Calibration
		ts   int64
		hits []Hit
		grp  float64
		want []float64
		roll int
	}{
		{
			name: "group-time",
			cal:  testCal,
			ts:   1000,
			grp:  100,
		},
		{
			name: "fine-bins",
			cal:  Calibration{BinSize: 13.0208, PacketBinSize: 500, RolloverPeriod: 1 << 24},
			ts:   2,
			hits: []Hit{MakeHit(0, HitRising, 5)},
			grp:  1,
			want: []float64{0.065104},
		},
		{
			name: "rollover",
			cal:  Calibration{BinSize: 1000, PacketBinSize: 1000, RolloverPeriod: 1 << 24},
			hits: []Hit{
				MakeHit(0, HitRising, 3),
				MakeHit(0, HitTimeOverflow, 0),
				MakeHit(0, HitRising, 10),
			},
			want: []float64{3, 10 + (1 << 24)},
			roll: 1,
		},
		{
			name: "two-rollovers",
			cal:  Calibration{BinSize: 1000, PacketBinSize: 1000, RolloverPeriod: 1 << 4},
			hits: []Hit{
				MakeHit(0, HitTimeOverflow, 0),
				MakeHit(0, HitTimeOverflow, 0),
				MakeHit(0, 0, 1),
			},
			want: []float64{1 + 2*16},
			roll: 2,
		},
		{
			name: "trailing-rollover",
			cal:  testCal,
			hits: []Hit{
				MakeHit(0, 0, 10),
				MakeHit(0, HitTimeOverflow, 0),
			},
			want: []float64{1},
			roll: 1,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dec := NewDecoder(tc.cal)
			grps, diags := dec.Decode(nil, mkWindow(t, tdcFrame(3, tc.ts, tc.hits...)))
			if len(diags) != 0 {
				t.Fatalf("unexpected diagnostics: %v", diags)
			}
			if len(grps) != 1 {
				t.Fatalf("invalid number of groups: got=%d, want=1", len(grps))
			}
			grp := grps[0]
			if !approx(grp.Time, tc.grp) {
				t.Fatalf("invalid group time: got=%v, want=%v", grp.Time, tc.grp)
			}
			if got, want := grp.Rollovers, tc.roll; got != want {
				t.Fatalf("invalid rollovers: got=%d, want=%d", got, want)
			}
			if got, want := len(grp.Hits), len(tc.want); got != want {
				t.Fatalf("invalid number of hits: got=%d, want=%d", got, want)
			}
			for i, hit := range grp.Hits {
				if !approx(hit.Time, tc.want[i]) {
					t.Fatalf("hit[%d]: invalid time: got=%v, want=%v", i, hit.Time, tc.want[i])
				}
			}
		})
	}
}

func TestDecoderFields(t *testing.T) {
	dec := NewDecoder(testCal)
	frame := tdcFrame(5, 42,
		MakeHit(1, HitRising|HitCoarseTimestamp, 10),
		MakeHit(2, HitCoarseTimestamp, 20),
	)
	frame.Card = 9
	frame.Flags |= FlagStartMissed

	grps, diags := dec.Decode(nil, mkWindow(t, frame))
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}

	want := []Group{{
		Channel:   5,
		Card:      9,
		Flags:     FlagStartMissed,
		Timestamp: 42,
		Time:      4.2,
		Hits: []GroupHit{
			{Channel: 1, Rising: true, Time: 1},
			{Channel: 2, Rising: false, Time: 2},
		},
	}}
	if !reflect.DeepEqual(grps, want) {
		t.Fatalf("invalid groups:\ngot= %+v\nwant=%+v", grps, want)
	}
}

func TestDecoderSkipsPackets(t *testing.T) {
	dec := NewDecoder(testCal)
	win := mkWindow(t,
		tdcFrame(1, 1, MakeHit(1, 0, 1)),
		Frame{Type: TypeTimestampOnly, Length: 0xffff, Timestamp: 2},
		Frame{Type: TypeU16, Data: []uint64{1, 2, 3}},
		Frame{Type: 42, Data: []uint64{1}},
		Frame{Type: TypeTriggerPattern, Length: 7},
		tdcFrame(2, 3, MakeHit(2, 0, 2), MakeHit(2, 0, 3)),
		Frame{Type: TypeEndOfBuffer},
	)

	grps, diags := dec.Decode(nil, win)
	if got, want := len(grps), 2; got != want {
		t.Fatalf("invalid number of groups: got=%d, want=%d", got, want)
	}
	if got, want := grps[0].Channel, uint8(1); got != want {
		t.Fatalf("invalid group order: got=%d, want=%d", got, want)
	}
	if got, want := grps[1].Channel, uint8(2); got != want {
		t.Fatalf("invalid group order: got=%d, want=%d", got, want)
	}

	if got, want := len(diags), 1; got != want {
		t.Fatalf("invalid number of diagnostics: got=%d, want=%d", got, want)
	}
	// 24 (tdc) + 16 (ts) + 40 (u16)
	if got, want := diags[0].Offset, 80; got != want {
		t.Fatalf("invalid diagnostic offset: got=%d, want=%d", got, want)
	}
	if !errors.Is(diags[0], ErrMalformedPacket) {
		t.Fatalf("diagnostic %+v is not a malformed packet", diags[0])
	}
	if got, want := diags[0].Error(), "tdc: malformed packet at offset 80 (type=Type(42), len=1): unknown packet type"; got != want {
		t.Fatalf("invalid diagnostic:\ngot= %q\nwant=%q", got, want)
	}
}

func TestDecoderAbandonsWindow(t *testing.T) {
	dec := NewDecoder(testCal)
	win := mkWindow(t,
		tdcFrame(1, 1, MakeHit(1, 0, 1)),
		tdcFrame(2, 2, MakeHit(1, 0, 1)),
	)
	// corrupt the length of the last packet.
	win.Data[24+4] = 0xff

	grps, diags := dec.Decode(nil, win)
	if got, want := len(grps), 1; got != want {
		t.Fatalf("invalid number of groups: got=%d, want=%d", got, want)
	}
	if got, want := len(diags), 1; got != want {
		t.Fatalf("invalid number of diagnostics: got=%d, want=%d", got, want)
	}
	if !errors.Is(diags[0], errOverrun) {
		t.Fatalf("invalid diagnostic: %+v", diags[0])
	}
}

func TestDecoderAppends(t *testing.T) {
	dec := NewDecoder(testCal)
	win := mkWindow(t, tdcFrame(1, 1, MakeHit(1, 0, 1)))

	dst := []Group{{Channel: 42}}
	grps, _ := dec.Decode(dst, win)
	if got, want := len(grps), 2; got != want {
		t.Fatalf("invalid number of groups: got=%d, want=%d", got, want)
	}
	if got, want := grps[0].Channel, uint8(42); got != want {
		t.Fatalf("invalid first group: got=%d, want=%d", got, want)
	}
}

func TestDecoderIdempotent(t *testing.T) {
	dec := NewDecoder(Calibration{BinSize: 13.0208, PacketBinSize: 500, RolloverPeriod: 1 << 24})
	win := mkWindow(t,
		tdcFrame(1, 1000,
			MakeHit(1, HitRising, 1),
			MakeHit(1, HitTimeOverflow, 0),
			MakeHit(2, 0, 0xffffff),
		),
		tdcFrame(2, 2000, MakeHit(3, HitRising, 7)),
	)

	g1, d1 := dec.Decode(nil, win)
	g2, d2 := dec.Decode(nil, win)
	if !reflect.DeepEqual(g1, g2) {
		t.Fatalf("decoding is not idempotent:\ng1=%+v\ng2=%+v", g1, g2)
	}
	if !reflect.DeepEqual(d1, d2) {
		t.Fatalf("diagnostics are not idempotent:\nd1=%+v\nd2=%+v", d1, d2)
	}
}

func TestDecoderOwnsGroups(t *testing.T) {
	dec := NewDecoder(testCal)
	win := mkWindow(t, tdcFrame(1, 10, MakeHit(1, HitRising, 10)))

	grps, _ := dec.Decode(nil, win)
	want := []Group{{
		Channel:   1,
		Card:      1,
		Flags:     FlagOddHits,
		Timestamp: 10,
		Time:      1,
		Hits:      []GroupHit{{Channel: 1, Rising: true, Time: 1}},
	}}

	// simulate the hardware reusing the acknowledged window.
	for i := range win.Data {
		win.Data[i] = 0xff
	}

	if !reflect.DeepEqual(grps, want) {
		t.Fatalf("groups alias the window:\ngot= %+v\nwant=%+v", grps, want)
	}
}
