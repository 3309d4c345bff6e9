// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// tt4-dump decodes and displays TimeTagger4 raw capture files.
//
// Usage: tt4-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//	$> tt4-dump -n 2 ./testdata/run-042.raw
//	=== window 0 (packets=2) ===
//	packet type=tdc-data chan=1 card=2 flags=odd-hits len=2 ts=42
//	  hit chan=1 flags=0x1 offset=10
//	  hit chan=2 flags=0x0 offset=20
//	  hit chan=3 flags=0x1 offset=30
//	packet type=timestamp-only chan=0 card=0 flags=none len=0 ts=43
//	[...]
package main // import "github.com/go-lpc/tt4/cmd/tt4-dump"

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/google/gopacket"

	"github.com/go-lpc/tt4/dma"
	"github.com/go-lpc/tt4/internal/layer"
	"github.com/go-lpc/tt4/tdc"
)

func main() {
	log.SetPrefix("tt4-dump: ")
	log.SetFlags(0)

	xmain(os.Stdout, os.Args[1:])
}

type options struct {
	n      int
	layers bool
	groups bool
	cal    tdc.Calibration
}

func xmain(stdout io.Writer, args []string) {
	var (
		fset = flag.NewFlagSet("tt4-dump", flag.ExitOnError)
		opts options
	)
	fset.IntVar(&opts.n, "n", 0, "number of packets per window (0: whole file)")
	fset.BoolVar(&opts.layers, "layers", false, "dump packets as gopacket layers")
	fset.BoolVar(&opts.groups, "groups", false, "dump decoded groups instead of packets")
	fset.Float64Var(&opts.cal.BinSize, "binsize", 13.0208, "hit bin size (ps)")
	fset.Float64Var(&opts.cal.PacketBinSize, "pkt-binsize", 500, "packet timestamp bin size (ps)")
	fset.Uint64Var(&opts.cal.RolloverPeriod, "rollover", 1<<24, "rollover period (bins)")

	fset.Usage = func() {
		fmt.Printf(`tt4-dump decodes and displays TimeTagger4 raw capture files.

Usage: tt4-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> tt4-dump -n 2 ./testdata/run-042.raw
 === window 0 (packets=2) ===
 packet type=tdc-data chan=1 card=2 flags=odd-hits len=2 ts=42
   hit chan=1 flags=0x1 offset=10
   hit chan=2 flags=0x0 offset=20
   hit chan=3 flags=0x1 offset=30
 packet type=timestamp-only chan=0 card=0 flags=none len=0 ts=43
 [...]

Options:
`)
		fset.PrintDefaults()
	}

	err := fset.Parse(args)
	if err != nil {
		log.Fatalf("could not parse input arguments: %+v", err)
	}

	if fset.NArg() == 0 {
		fset.Usage()
		log.Fatalf("missing path to input TT4 file")
	}

	for _, fname := range fset.Args() {
		err := process(stdout, fname, opts)
		if err != nil {
			log.Fatalf("could not dump file %q: %+v", fname, err)
		}
	}
}

func process(w io.Writer, fname string, opts options) error {
	wbuf := bufio.NewWriter(w)
	defer wbuf.Flush()

	if opts.layers {
		raw, err := os.ReadFile(fname)
		if err != nil {
			return fmt.Errorf("could not read %q: %w", fname, err)
		}
		return dumpLayers(wbuf, raw)
	}

	r, err := dma.OpenReplay(fname, opts.cal, opts.n)
	if err != nil {
		return fmt.Errorf("could not open %q: %w", fname, err)
	}
	defer r.Close()

	var (
		dec  = tdc.NewDecoder(opts.cal)
		grps []tdc.Group
		ack  = false
	)
	for i := 0; ; i++ {
		win, err := r.Poll(ack)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("could not read window %d: %w", i, err)
		}
		ack = true

		if opts.groups {
			var diags []*tdc.PacketError
			grps, diags = dec.Decode(grps[:0], win)
			for _, grp := range grps {
				fmt.Fprintf(wbuf, "%v\n", grp)
			}
			for _, diag := range diags {
				fmt.Fprintf(wbuf, "error: %v\n", diag)
			}
			continue
		}

		err = dumpWindow(wbuf, i, win)
		if err != nil {
			return err
		}
	}

	return nil
}

func dumpWindow(w io.Writer, i int, win tdc.Window) error {
	var (
		pkts []tdc.Packet
		cur  = tdc.NewCursor(win)
	)
	for {
		p, ok := cur.Next()
		if !ok {
			break
		}
		pkts = append(pkts, p)
	}

	fmt.Fprintf(w, "=== window %d (packets=%d) ===\n", i, len(pkts))
	for _, p := range pkts {
		fmt.Fprintf(w, "packet type=%v chan=%d card=%d flags=%v len=%d ts=%d\n",
			p.Type(), p.Channel(), p.Card(), p.Flags(), p.EffLen(), p.Timestamp(),
		)
		for j := 0; j < p.NumHits(); j++ {
			hit := p.Hit(j)
			fmt.Fprintf(w, "  hit chan=%d flags=0x%x offset=%d\n",
				hit.Channel(), uint8(hit.Flags()), hit.Offset(),
			)
		}
	}

	if err := cur.Err(); err != nil {
		return fmt.Errorf("could not walk window %d: %w", i, err)
	}
	return nil
}

func dumpLayers(w io.Writer, raw []byte) error {
	pkt := gopacket.NewPacket(raw, layer.LayerTypeTT4, gopacket.Default)
	for _, l := range pkt.Layers() {
		fmt.Fprintf(w, "%s\n", gopacket.LayerString(l))
	}
	if err := pkt.ErrorLayer(); err != nil {
		return fmt.Errorf("could not decode packets: %w", err.Error())
	}
	return nil
}
