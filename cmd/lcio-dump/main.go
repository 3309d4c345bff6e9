// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// lcio-dump decodes and displays TimeTagger4 groups embedded in LCIO files.
//
// Usage: lcio-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//	$> lcio-dump ./testdata/tt4_042.000.lcio
//	=== run 42 ===
//	calibration: binsize=13.0208 ps, packet-binsize=500.0 ps, rollover=16777216 bins
//	group: card=2 chan=1 ts=42 time=21.000 ns flags=odd-hits rollovers=0 hits=3
//	  chan=1 rising  0.130208 ns
//	  chan=2 falling 0.260416 ns
//	  chan=3 rising  0.390624 ns
//	[...]
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"go-hep.org/x/hep/lcio"

	"github.com/go-lpc/tt4/internal/xcnv"
)

const usage = `lcio-dump decodes and displays TimeTagger4 groups embedded in LCIO files.

Usage: lcio-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> lcio-dump ./testdata/tt4_042.000.lcio
 === run 42 ===
 calibration: binsize=13.0208 ps, packet-binsize=500.0 ps, rollover=16777216 bins
 group: card=2 chan=1 ts=42 time=21.000 ns flags=odd-hits rollovers=0 hits=3
   chan=1 rising  0.130208 ns
   chan=2 falling 0.260416 ns
   chan=3 rising  0.390624 ns
 [...]

`

func main() {
	xmain(os.Stdout, os.Args[1:])
}

func xmain(w io.Writer, args []string) {
	log.SetPrefix("lcio-dump: ")
	log.SetFlags(0)

	var (
		fset = flag.NewFlagSet("lcio", flag.ExitOnError)

		nmax = fset.Int("n", -1, "maximum number of groups to display (-1: all)")
	)

	fset.Usage = func() {
		fmt.Print(usage)
		fset.PrintDefaults()
	}

	err := fset.Parse(args)
	if err != nil {
		log.Fatalf("could not parse input arguments: %+v", err)
	}

	if fset.NArg() == 0 {
		fset.Usage()
		log.Fatalf("missing path to input LCIO file")
	}

	for _, fname := range fset.Args() {
		err := process(w, fname, *nmax)
		if err != nil {
			log.Fatalf("could not dump file %q: %+v", fname, err)
		}
	}
}

func process(w io.Writer, fname string, nmax int) error {
	wbuf := bufio.NewWriter(w)
	defer wbuf.Flush()

	r, err := lcio.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open LCIO file: %w", err)
	}
	defer r.Close()

	grps, err := xcnv.LCIO2Groups(r)
	if err != nil {
		return fmt.Errorf("could not decode groups: %w", err)
	}

	hdr := r.RunHeader()
	fmt.Fprintf(wbuf, "=== run %d ===\n", hdr.RunNumber)
	cal, err := xcnv.Calibration(hdr)
	switch err {
	case nil:
		fmt.Fprintf(wbuf, "calibration: %v\n", cal)
	default:
		fmt.Fprintf(wbuf, "calibration: n/a (%v)\n", err)
	}

	if nmax >= 0 && nmax < len(grps) {
		grps = grps[:nmax]
	}
	for _, grp := range grps {
		fmt.Fprintf(wbuf, "%v\n", grp)
	}

	return nil
}
