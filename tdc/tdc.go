// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tdc decodes the DMA packet stream of TimeTagger4 time-to-digital
// converters into calibrated hit timestamps.
//
// The hardware appends self-describing packets to a host ring buffer.
// A Readout polls a Transport for a window of that buffer, walks it with a
// Cursor, unpacks the hits of every hit-bearing packet, folds counter
// rollovers into the hit offsets and hands owned Groups to its sinks
// before the window is acknowledged back to the hardware.
package tdc // import "github.com/go-lpc/tt4/tdc"

import "fmt"

// HeaderSize is the size in bytes of a packet header.
const HeaderSize = hdrSize

const (
	hdrSize  = 16 // packet header size in bytes
	wordSize = 8  // payload word size in bytes
	hitSize  = 4  // hit size in bytes
)

// Type is the type of a packet, as set by the hardware.
type Type uint8

const (
	TypeI8  Type = 0 // 8-bit signed samples
	TypeI16 Type = 1 // 16-bit signed samples
	TypeI32 Type = 2 // 32-bit signed samples
	TypeI64 Type = 3 // 64-bit signed samples
	TypeU8  Type = 4 // 8-bit unsigned samples
	TypeU16 Type = 5 // 16-bit unsigned samples
	TypeU32 Type = 6 // 32-bit unsigned samples
	TypeU64 Type = 7 // 64-bit unsigned samples

	TypeTDCData Type = 8 // packet carrying TDC hits

	TypeTimestampOnly  Type = 128 // header-only packet
	TypeEndOfBuffer    Type = 129 // last packet before the ring wraps
	TypeTriggerPattern Type = 130 // header-only trigger pattern
)

// HeaderOnly reports whether packets of this type carry no payload,
// whatever their length field says.
func (t Type) HeaderOnly() bool { return t&0x80 != 0 }

func (t Type) String() string {
	switch t {
	case TypeI8:
		return "i8"
	case TypeI16:
		return "i16"
	case TypeI32:
		return "i32"
	case TypeI64:
		return "i64"
	case TypeU8:
		return "u8"
	case TypeU16:
		return "u16"
	case TypeU32:
		return "u32"
	case TypeU64:
		return "u64"
	case TypeTDCData:
		return "tdc-data"
	case TypeTimestampOnly:
		return "timestamp-only"
	case TypeEndOfBuffer:
		return "end-of-buffer"
	case TypeTriggerPattern:
		return "trigger-pattern"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Kind is the decode path a packet is routed to.
type Kind uint8

const (
	KindOther       Kind = iota // skipped, still traversed
	KindHits                    // hit-bearing packet
	KindTimestamp               // header-only timestamp packet
	KindEndOfBuffer             // ring wrap marker
	KindUnknown                 // unrecognized type, reported as malformed
)

func (k Kind) String() string {
	switch k {
	case KindOther:
		return "other"
	case KindHits:
		return "hits"
	case KindTimestamp:
		return "timestamp"
	case KindEndOfBuffer:
		return "end-of-buffer"
	case KindUnknown:
		return "unknown"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Classify returns the decode path for packets of type t.
func Classify(t Type) Kind {
	switch {
	case t == TypeTDCData:
		return KindHits
	case t == TypeTimestampOnly:
		return KindTimestamp
	case t == TypeEndOfBuffer:
		return KindEndOfBuffer
	case t.HeaderOnly():
		return KindOther
	case t <= TypeU64:
		return KindOther
	}
	return KindUnknown
}

// PacketFlags is the bit set of error conditions reported in a packet header.
type PacketFlags uint8

const (
	FlagOddHits        PacketFlags = 1 << 0 // last payload word holds a single hit
	FlagSlowSync       PacketFlags = 1 << 1 // group closed early, later hits dropped
	FlagStartMissed    PacketFlags = 1 << 2 // trigger unit discarded packets
	FlagShortened      PacketFlags = 1 << 3 // packet truncated by a full pipeline
	FlagDMAFIFOFull    PacketFlags = 1 << 4 // internal DMA FIFO was full
	FlagHostBufferFull PacketFlags = 1 << 5 // host ring buffer was full
)

var packetFlagNames = []struct {
	f    PacketFlags
	name string
}{
	{FlagOddHits, "odd-hits"},
	{FlagSlowSync, "slow-sync"},
	{FlagStartMissed, "start-missed"},
	{FlagShortened, "shortened"},
	{FlagDMAFIFOFull, "dma-fifo-full"},
	{FlagHostBufferFull, "host-buffer-full"},
}

// Errors reports whether any error-condition flag is set.
func (f PacketFlags) Errors() bool { return f&^FlagOddHits != 0 }

func (f PacketFlags) String() string {
	if f == 0 {
		return "none"
	}
	var (
		str  string
		rest = f
	)
	for _, v := range packetFlagNames {
		if f&v.f == 0 {
			continue
		}
		if str != "" {
			str += "|"
		}
		str += v.name
		rest &^= v.f
	}
	if rest != 0 {
		if str != "" {
			str += "|"
		}
		str += fmt.Sprintf("0x%x", uint8(rest))
	}
	return str
}

// HitFlags is the 4-bit flag field of a hit.
type HitFlags uint8

const (
	HitRising          HitFlags = 1 << 0 // rising edge, falling otherwise
	HitTimeOverflow    HitFlags = 1 << 1 // rollover marker, not a hit
	HitCoarseTimestamp HitFlags = 1 << 2 // always set on TimeTagger4
)

// Status is a read status as reported by the driver.
type Status int

const (
	StatusOK            Status = 0
	StatusNoData        Status = 1
	StatusInternalError Status = 2
	StatusTimeout       Status = 3
)

func (st Status) String() string {
	switch st {
	case StatusOK:
		return "ok"
	case StatusNoData:
		return "no-data"
	case StatusInternalError:
		return "internal-error"
	case StatusTimeout:
		return "timeout"
	}
	return fmt.Sprintf("Status(%d)", int(st))
}
