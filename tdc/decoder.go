// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tdc

// Decoder turns windows of packets into calibrated groups.
// A Decoder holds no state between packets but its calibration.
type Decoder struct {
	cal Calibration
}

// NewDecoder returns a decoder using the provided calibration.
func NewDecoder(cal Calibration) *Decoder {
	return &Decoder{cal: cal}
}

// Calibration returns the calibration used by the decoder.
func (dec *Decoder) Calibration() Calibration { return dec.cal }

// Decode decodes all the hit-bearing packets of win, in packet order.
// Decoded groups are appended to dst.
// Malformed packets are skipped and reported in diags: an unknown packet
// type only skips that packet, a length pointing past the window abandons
// the rest of the window.
func (dec *Decoder) Decode(dst []Group, win Window) (grps []Group, diags []*PacketError) {
	return dec.decode(dst, win, nil)
}

func (dec *Decoder) decode(dst []Group, win Window, st *Stats) (grps []Group, diags []*PacketError) {
	grps = dst
	cur := NewCursor(win)
	for {
		off := cur.Offset()
		p, ok := cur.Next()
		if !ok {
			break
		}
		if st != nil {
			st.addPacket(p)
		}
		switch p.Kind() {
		case KindHits:
			grp := dec.DecodePacket(p)
			if st != nil {
				st.addGroup(grp)
			}
			grps = append(grps, grp)
		case KindUnknown:
			diags = append(diags, &PacketError{
				Offset: off,
				Type:   p.Type(),
				Length: p.Length(),
				Err:    errUnknownType,
			})
		}
	}
	if err := cur.Err(); err != nil {
		diags = append(diags, err)
	}
	if st != nil {
		st.Malformed += int64(len(diags))
	}
	return grps, diags
}

// DecodePacket decodes the hits of a hit-bearing packet.
// Rollover markers are not emitted: each one adds a rollover period to
// the offsets of the hits that follow it in the packet.
func (dec *Decoder) DecodePacket(p Packet) Group {
	var (
		n   = p.NumHits()
		grp = Group{
			Channel:   p.Channel(),
			Card:      p.Card(),
			Flags:     p.Flags(),
			Timestamp: p.Timestamp(),
			Time:      float64(p.Timestamp()) * dec.cal.PacketBinSize / 1000,
			Hits:      make([]GroupHit, 0, n),
		}
		rollovers uint64
	)

	for i := 0; i < n; i++ {
		hit := p.Hit(i)
		if hit.Overflow() {
			rollovers++
			continue
		}
		corr := uint64(hit.Offset()) + rollovers*dec.cal.RolloverPeriod
		grp.Hits = append(grp.Hits, GroupHit{
			Channel: hit.Channel(),
			Rising:  hit.Rising(),
			Time:    float64(corr) * dec.cal.BinSize / 1000,
		})
	}
	grp.Rollovers = int(rollovers)

	return grp
}
