// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xcnv provides tools to convert decoded TimeTagger4 groups
// to/from LCIO.
package xcnv // import "github.com/go-lpc/tt4/internal/xcnv"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"

	"github.com/go-lpc/tt4/tdc"
	"go-hep.org/x/hep/lcio"
)

const (
	detector = "TT4"

	// GroupCollection is the LCIO collection holding the group header.
	GroupCollection = "TT4Group"
	// HitsCollection is the LCIO collection holding the group hits.
	HitsCollection = "TT4Hits"
)

// Writer writes decoded groups as LCIO events, one event per group.
type Writer struct {
	w   *lcio.Writer
	run int32
	cal tdc.Calibration

	hdr bool  // whether the run header was written
	n   int32 // number of written events
}

// NewWriter returns a writer of groups decoded with cal, for run number run.
func NewWriter(w *lcio.Writer, run int32, cal tdc.Calibration) *Writer {
	return &Writer{w: w, run: run, cal: cal}
}

// N returns the number of written events.
func (w *Writer) N() int { return int(w.n) }

// WriteGroups writes every group as an LCIO event.
// The run header is written before the first event.
func (w *Writer) WriteGroups(grps []tdc.Group) error {
	if !w.hdr {
		err := w.w.WriteRunHeader(&lcio.RunHeader{
			RunNumber: w.run,
			Detector:  detector,
			Descr:     "TimeTagger4 TDC groups",
			Params: lcio.Params{
				Strings: map[string][]string{
					"BinSize":        {fmtFloat(w.cal.BinSize)},
					"PacketBinSize":  {fmtFloat(w.cal.PacketBinSize)},
					"RolloverPeriod": {strconv.FormatUint(w.cal.RolloverPeriod, 10)},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("could not write run header: %w", err)
		}
		w.hdr = true
	}

	for i := range grps {
		evt := eventFrom(w.run, w.n, &grps[i])
		err := w.w.WriteEvent(&evt)
		if err != nil {
			return fmt.Errorf("could not write group %d: %w", w.n, err)
		}
		w.n++
	}
	return nil
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func eventFrom(run, i int32, grp *tdc.Group) lcio.Event {
	evt := lcio.Event{
		RunNumber:   run,
		EventNumber: i,
		TimeStamp:   grp.Timestamp,
		Detector:    detector,
	}

	evt.Add(GroupCollection, &lcio.GenericObject{
		Data: []lcio.GenericObjectData{{
			I32s: []int32{
				int32(grp.Channel),
				int32(grp.Card),
				int32(grp.Flags),
				int32(grp.Rollovers),
			},
			F64s: []float64{grp.Time},
		}},
	})

	hits := &lcio.GenericObject{
		Data: make([]lcio.GenericObjectData, len(grp.Hits)),
	}
	for j, hit := range grp.Hits {
		var edge int32
		if hit.Rising {
			edge = 1
		}
		hits.Data[j] = lcio.GenericObjectData{
			I32s: []int32{int32(hit.Channel), edge},
			F64s: []float64{hit.Time},
		}
	}
	evt.Add(HitsCollection, hits)

	return evt
}

// Raw2LCIO reads out all the windows served by tr and writes the decoded
// groups to w.
func Raw2LCIO(w *lcio.Writer, tr tdc.Transport, run int32, msg *log.Logger) error {
	rdo, err := tdc.NewReadout(tr, tdc.WithLogger(msg))
	if err != nil {
		return fmt.Errorf("could not create readout: %w", err)
	}
	defer rdo.Close()

	var (
		lw  = NewWriter(w, run, rdo.Calibration())
		cur = 0
	)
	err = rdo.Run(context.Background(), func(grps []tdc.Group) error {
		if n := lw.N() / 1000; n != cur {
			cur = n
			msg.Printf("processing group %d...", lw.N())
		}
		return lw.WriteGroups(grps)
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("could not convert groups: %w", err)
	}

	st := rdo.Stats()
	msg.Printf(
		"converted %d groups (hits=%d, malformed=%d)",
		lw.N(), st.Hits, st.Malformed,
	)
	return nil
}

// LCIO2Groups reads back the groups stored in an LCIO file.
func LCIO2Groups(r *lcio.Reader) ([]tdc.Group, error) {
	var grps []tdc.Group
	for r.Next() {
		evt := r.Event()
		grp, err := groupFrom(&evt)
		if err != nil {
			return grps, fmt.Errorf("could not decode event %d: %w", evt.EventNumber, err)
		}
		grps = append(grps, grp)
	}

	err := r.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		return grps, fmt.Errorf("could not read LCIO file: %w", err)
	}

	return grps, nil
}

func groupFrom(evt *lcio.Event) (tdc.Group, error) {
	var grp tdc.Group

	if !evt.Has(GroupCollection) || !evt.Has(HitsCollection) {
		return grp, fmt.Errorf("missing TT4 collections")
	}

	hdr, ok := evt.Get(GroupCollection).(*lcio.GenericObject)
	if !ok || len(hdr.Data) != 1 || len(hdr.Data[0].I32s) != 4 || len(hdr.Data[0].F64s) != 1 {
		return grp, fmt.Errorf("invalid %s collection", GroupCollection)
	}

	var (
		i32s = hdr.Data[0].I32s
	)
	grp.Channel = uint8(i32s[0])
	grp.Card = uint8(i32s[1])
	grp.Flags = tdc.PacketFlags(i32s[2])
	grp.Rollovers = int(i32s[3])
	grp.Timestamp = evt.TimeStamp
	grp.Time = hdr.Data[0].F64s[0]

	hits, ok := evt.Get(HitsCollection).(*lcio.GenericObject)
	if !ok {
		return grp, fmt.Errorf("invalid %s collection", HitsCollection)
	}
	grp.Hits = make([]tdc.GroupHit, len(hits.Data))
	for i, hit := range hits.Data {
		if len(hit.I32s) != 2 || len(hit.F64s) != 1 {
			return grp, fmt.Errorf("invalid hit %d", i)
		}
		grp.Hits[i] = tdc.GroupHit{
			Channel: uint8(hit.I32s[0]),
			Rising:  hit.I32s[1] == 1,
			Time:    hit.F64s[0],
		}
	}

	return grp, nil
}

// Calibration returns the calibration stored in an LCIO run header.
func Calibration(hdr lcio.RunHeader) (tdc.Calibration, error) {
	var cal tdc.Calibration
	get := func(k string) (string, error) {
		v := hdr.Params.Strings[k]
		if len(v) != 1 {
			return "", fmt.Errorf("missing run header parameter %q", k)
		}
		return v[0], nil
	}

	v, err := get("BinSize")
	if err == nil {
		cal.BinSize, err = strconv.ParseFloat(v, 64)
	}
	if err != nil {
		return cal, fmt.Errorf("could not decode bin size: %w", err)
	}

	v, err = get("PacketBinSize")
	if err == nil {
		cal.PacketBinSize, err = strconv.ParseFloat(v, 64)
	}
	if err != nil {
		return cal, fmt.Errorf("could not decode packet bin size: %w", err)
	}

	v, err = get("RolloverPeriod")
	if err == nil {
		cal.RolloverPeriod, err = strconv.ParseUint(v, 10, 64)
	}
	if err != nil {
		return cal, fmt.Errorf("could not decode rollover period: %w", err)
	}

	return cal, nil
}
