// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"compress/flate"
	"os"
	"path/filepath"
	"testing"

	"go-hep.org/x/hep/lcio"

	"github.com/go-lpc/tt4/internal/xcnv"
	"github.com/go-lpc/tt4/tdc"
)

func TestRunNbrFrom(t *testing.T) {
	for _, tc := range []struct {
		fname string
		run   int32
	}{
		{
			fname: "./tt4_063.000.raw",
			run:   63,
		},
		{
			fname: "/some/dir/tt4_663.000.raw",
			run:   663,
		},
		{
			fname: "../some/dir/tt4_009.001.raw",
			run:   9,
		},
	} {
		t.Run(tc.fname, func(t *testing.T) {
			got, err := runNbrFrom(tc.fname)
			if err != nil {
				t.Fatalf("could not infer run-nbr: %+v", err)
			}
			if got != tc.run {
				t.Fatalf("invalid run: got=%d, want=%d", got, tc.run)
			}
		})
	}
}

func TestTT4LCIO(t *testing.T) {
	tmp := t.TempDir()

	fname := filepath.Join(tmp, "tt4_063.000.raw")
	f, err := os.Create(fname)
	if err != nil {
		t.Fatalf("could not create raw TT4 file: %+v", err)
	}
	defer f.Close()

	enc := tdc.NewEncoder(f)
	for i := 0; i < 10; i++ {
		data, flags := tdc.PackHits(
			tdc.MakeHit(1, tdc.HitRising, uint32(i)),
			tdc.MakeHit(2, 0, uint32(2*i)),
			tdc.MakeHit(3, tdc.HitRising, uint32(3*i)),
		)
		err = enc.Encode(&tdc.Frame{
			Channel:   uint8(i % 4),
			Type:      tdc.TypeTDCData,
			Flags:     flags,
			Timestamp: int64(100 * i),
			Data:      data,
		})
		if err != nil {
			t.Fatalf("could not encode frame: %+v", err)
		}
	}

	err = f.Close()
	if err != nil {
		t.Fatalf("could not close TT4 file: %+v", err)
	}

	cal := tdc.Calibration{BinSize: 13.0208, PacketBinSize: 500, RolloverPeriod: 1 << 24}
	oname := fname + ".lcio"
	err = process(oname, flate.DefaultCompression, fname, cal, 3)
	if err != nil {
		t.Fatalf("could not convert TT4 file: %+v", err)
	}

	r, err := lcio.Open(oname)
	if err != nil {
		t.Fatalf("could not open LCIO file: %+v", err)
	}
	defer r.Close()

	grps, err := xcnv.LCIO2Groups(r)
	if err != nil {
		t.Fatalf("could not read back groups: %+v", err)
	}
	if got, want := len(grps), 10; got != want {
		t.Fatalf("invalid number of groups: got=%d, want=%d", got, want)
	}
	if got, want := r.RunHeader().RunNumber, int32(63); got != want {
		t.Fatalf("invalid run number: got=%d, want=%d", got, want)
	}
}

func TestInvalidName(t *testing.T) {
	err := process("out.lcio", flate.DefaultCompression, "run.raw", tdc.Calibration{}, 1)
	if err == nil {
		t.Fatalf("expected an error")
	}
}
