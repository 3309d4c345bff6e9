// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tt4-ring feeds the packets of a TimeTagger4 raw capture file into
// a shared-memory DMA ring, the way the board would.
//
// Usage: tt4-ring [OPTIONS] capture.raw ring-file
//
// Example:
//
//	$> tt4-ring -cap=1048576 -serial=0x300002a ./tt4_042.000.raw /dev/shm/tt4.ring
package main // import "github.com/go-lpc/tt4/cmd/tt4-ring"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/go-lpc/tt4/dma"
	"github.com/go-lpc/tt4/tdc"
)

func main() {
	log.SetPrefix("tt4-ring: ")
	log.SetFlags(0)

	var (
		capacity = flag.Int("cap", 1<<20, "ring data capacity in bytes")
		serial   = flag.String("serial", "0x3000001", "board serial number")
		delay    = flag.Duration("delay", 0, "delay between two packets")
		info     = tdc.DeviceInfo{Name: "TimeTagger4-2G"}
	)
	flag.Float64Var(&info.Calibration.BinSize, "binsize", 13.0208, "hit bin size (ps)")
	flag.Float64Var(&info.Calibration.PacketBinSize, "pkt-binsize", 500, "packet timestamp bin size (ps)")
	flag.Uint64Var(&info.Calibration.RolloverPeriod, "rollover", 1<<24, "rollover period (bins)")

	flag.Usage = func() {
		fmt.Printf(`Usage: tt4-ring [OPTIONS] capture.raw ring-file

ex:
 $> tt4-ring -cap=1048576 -serial=0x300002a ./tt4_042.000.raw /dev/shm/tt4.ring

options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		log.Fatalf("missing input capture or output ring file")
	}

	v, err := strconv.ParseUint(*serial, 0, 32)
	if err != nil {
		log.Fatalf("could not parse board serial %q: %+v", *serial, err)
	}
	info.Serial = uint32(v)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	n, err := run(ctx, flag.Arg(0), flag.Arg(1), *capacity, info, *delay)
	log.Printf("published %d packets", n)
	if err != nil {
		log.Fatalf("could not feed ring: %+v", err)
	}
}

func run(ctx context.Context, iname, oname string, capacity int, info tdc.DeviceInfo, delay time.Duration) (int, error) {
	raw, err := os.ReadFile(iname)
	if err != nil {
		return 0, fmt.Errorf("could not read capture file: %w", err)
	}

	ring, err := dma.CreateRing(oname, capacity, info)
	if err != nil {
		return 0, fmt.Errorf("could not create ring: %w", err)
	}
	defer ring.Close()

	n, err := feed(ctx, ring, raw, delay)
	if err != nil {
		return n, err
	}

	err = ring.Close()
	if err != nil {
		return n, fmt.Errorf("could not close ring: %w", err)
	}
	return n, nil
}

// feed publishes the packets of raw into ring, waiting for the consumer
// whenever the ring is full.
func feed(ctx context.Context, ring *dma.Ring, raw []byte, delay time.Duration) (int, error) {
	var (
		n    = 0
		idle = time.Millisecond
	)
	for beg := 0; beg < len(raw); {
		cur := tdc.NewCursor(tdc.Window{Data: raw[beg:]})
		p, ok := cur.Next()
		if !ok {
			return n, fmt.Errorf("could not read packet %d: %w", n, cur.Err())
		}
		size := p.Size()
		if p.Kind() == tdc.KindEndOfBuffer {
			// the ring writes its own wrap markers.
			beg += size
			continue
		}

		err := ring.Publish(p.Bytes())
		switch {
		case err == nil:
			beg += size
			n++
			if delay > 0 {
				err = wait(ctx, delay)
			}
		case errors.Is(err, dma.ErrRingFull):
			err = wait(ctx, idle)
		default:
			return n, fmt.Errorf("could not publish packet %d: %w", n, err)
		}
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func wait(ctx context.Context, d time.Duration) error {
	tck := time.NewTimer(d)
	defer tck.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tck.C:
		return nil
	}
}
