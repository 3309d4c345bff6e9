// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tdc

import (
	"fmt"
	"strings"
)

// Group is the decoded content of one hit-bearing packet.
// A Group owns its data and may be retained after the window it was
// decoded from has been acknowledged.
type Group struct {
	Channel   uint8       // source channel of the packet
	Card      uint8       // board id
	Flags     PacketFlags // packet flags
	Timestamp int64       // packet timestamp, in packet bins
	Time      float64     // absolute group time, in ns
	Rollovers int         // number of rollover markers seen in the packet
	Hits      []GroupHit  // hits, in payload order
}

// GroupHit is a calibrated hit, relative to the start of its group.
type GroupHit struct {
	Channel uint8
	Rising  bool
	Time    float64 // offset since the group start, in ns
}

func (grp Group) String() string {
	o := new(strings.Builder)
	fmt.Fprintf(o, "group: card=%d chan=%d ts=%d time=%.3f ns flags=%v rollovers=%d hits=%d",
		grp.Card, grp.Channel, grp.Timestamp, grp.Time, grp.Flags, grp.Rollovers, len(grp.Hits),
	)
	for _, hit := range grp.Hits {
		edge := "falling"
		if hit.Rising {
			edge = "rising"
		}
		fmt.Fprintf(o, "\n  chan=%d %-7s %.6f ns", hit.Channel, edge, hit.Time)
	}
	return o.String()
}
