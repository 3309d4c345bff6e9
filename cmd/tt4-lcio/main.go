// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tt4-lcio converts a TimeTagger4 raw capture file to an LCIO one.
package main // import "github.com/go-lpc/tt4/cmd/tt4-lcio"

import (
	"compress/flate"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"go-hep.org/x/hep/lcio"

	"github.com/go-lpc/tt4/dma"
	"github.com/go-lpc/tt4/internal/xcnv"
	"github.com/go-lpc/tt4/tdc"
)

var (
	msg = log.New(os.Stdout, "tt4-lcio: ", 0)
)

func main() {
	var (
		oname = flag.String("o", "out.lcio", "path to output LCIO file")
		compr = flag.Int("lvl", flate.DefaultCompression, "compression level for output LCIO file")
		npkts = flag.Int("n", 1024, "number of packets per window")
		cal   tdc.Calibration
	)
	flag.Float64Var(&cal.BinSize, "binsize", 13.0208, "hit bin size (ps)")
	flag.Float64Var(&cal.PacketBinSize, "pkt-binsize", 500, "packet timestamp bin size (ps)")
	flag.Uint64Var(&cal.RolloverPeriod, "rollover", 1<<24, "rollover period (bins)")

	flag.Usage = func() {
		fmt.Printf(`Usage: tt4-lcio [OPTIONS] file.raw

ex:
 $> tt4-lcio -o out.lcio -lvl=9 ./tt4_042.000.raw

options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		msg.Fatalf("missing input TT4 raw file")
	}

	if *oname == "" {
		flag.Usage()
		msg.Fatalf("invalid output LCIO file name")
	}

	err := process(*oname, *compr, flag.Arg(0), cal, *npkts)
	if err != nil {
		msg.Fatalf("could not convert TT4 file: %+v", err)
	}
}

func process(oname string, lvl int, fname string, cal tdc.Calibration, n int) error {
	run, err := runNbrFrom(fname)
	if err != nil {
		return fmt.Errorf("could not infer run from %q: %w", fname, err)
	}

	r, err := dma.OpenReplay(fname, cal, n)
	if err != nil {
		return fmt.Errorf("could not open TT4 file: %w", err)
	}
	defer r.Close()

	w, err := lcio.Create(oname)
	if err != nil {
		return fmt.Errorf("could not create output LCIO file: %w", err)
	}
	defer w.Close()

	w.SetCompressionLevel(lvl)

	err = xcnv.Raw2LCIO(w, r, run, msg)
	if err != nil {
		return fmt.Errorf("could not convert TT4 to LCIO: %w", err)
	}

	err = w.Close()
	if err != nil {
		return fmt.Errorf("could not close output LCIO file: %w", err)
	}

	return nil
}

func runNbrFrom(fname string) (int32, error) {
	var (
		name = filepath.Base(fname)
		run  int32
		itr  int32
	)
	_, err := fmt.Sscanf(name, "tt4_%d.%d.raw", &run, &itr)
	return run, err
}
