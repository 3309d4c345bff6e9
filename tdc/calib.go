// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tdc

import (
	"fmt"
	"math/bits"
	"strings"
)

// Calibration holds the time units of a configured board.
type Calibration struct {
	BinSize        float64 // hit offset bin size, in ps
	PacketBinSize  float64 // packet timestamp bin size, in ps
	RolloverPeriod uint64  // number of offset bins in a rollover period
}

// Validate checks the calibration can be used to compose timestamps.
func (cal Calibration) Validate() error {
	switch {
	case !(cal.BinSize > 0):
		return fmt.Errorf("tdc: invalid bin size %v ps", cal.BinSize)
	case !(cal.PacketBinSize > 0):
		return fmt.Errorf("tdc: invalid packet bin size %v ps", cal.PacketBinSize)
	case cal.RolloverPeriod == 0:
		return fmt.Errorf("tdc: invalid zero rollover period")
	case bits.OnesCount64(cal.RolloverPeriod) != 1:
		return fmt.Errorf("tdc: rollover period %d is not a power of two", cal.RolloverPeriod)
	}
	return nil
}

func (cal Calibration) String() string {
	return fmt.Sprintf(
		"binsize=%.4f ps, packet-binsize=%.1f ps, rollover=%d bins",
		cal.BinSize, cal.PacketBinSize, cal.RolloverPeriod,
	)
}

// DeviceInfo holds the static information of a board.
type DeviceInfo struct {
	Name         string
	Serial       uint32 // major in the 8 MSB, minor in the 24 LSB
	BoardRev     int
	FirmwareRev  int
	SubRev       int
	DriverRev    uint32 // major.minor.patch packed in 3 bytes
	DriverBuild  int
	Calibration  Calibration
	TriggerClock float64 // auto-trigger reference clock, in Hz
}

// SerialString returns the board serial as "major.minor".
func (info DeviceInfo) SerialString() string {
	return fmt.Sprintf("%d.%d", info.Serial>>24, info.Serial&0xffffff)
}

// DriverString returns the driver revision as "major.minor.patch".
func (info DeviceInfo) DriverString() string {
	return fmt.Sprintf("%d.%d.%d",
		(info.DriverRev>>16)&0xff,
		(info.DriverRev>>8)&0xff,
		info.DriverRev&0xff,
	)
}

func (info DeviceInfo) String() string {
	o := new(strings.Builder)
	fmt.Fprintf(o, "Board Serial        : %s\n", info.SerialString())
	fmt.Fprintf(o, "Board Configuration : %s\n", info.Name)
	fmt.Fprintf(o, "Board Revision      : %d\n", info.BoardRev)
	fmt.Fprintf(o, "Firmware Revision   : %d.%d\n", info.FirmwareRev, info.SubRev)
	fmt.Fprintf(o, "Driver Revision     : %s\n", info.DriverString())
	fmt.Fprintf(o, "Driver SVN Revision : %d\n", info.DriverBuild)
	fmt.Fprintf(o, "TDC binsize         : %0.2f ps\n", info.Calibration.BinSize)
	fmt.Fprintf(o, "Packet binsize      : %0.2f ps\n", info.Calibration.PacketBinSize)
	fmt.Fprintf(o, "Rollover period     : %d bins\n", info.Calibration.RolloverPeriod)
	return o.String()
}
