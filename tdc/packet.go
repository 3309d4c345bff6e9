// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tdc

import (
	"encoding/binary"
)

// Packet is a view of one packet inside a DMA window.
// A Packet aliases hardware-owned memory: it is only valid until the window
// it was read from is acknowledged.
type Packet struct {
	raw []byte // header + payload
}

// Channel returns the source channel of the packet.
func (p Packet) Channel() uint8 { return p.raw[0] }

// Card returns the board id copied into every packet.
func (p Packet) Card() uint8 { return p.raw[1] }

// Type returns the packet type.
func (p Packet) Type() Type { return Type(p.raw[2]) }

// Flags returns the packet flags.
func (p Packet) Flags() PacketFlags { return PacketFlags(p.raw[3]) }

// Length returns the raw length field, in 64-bit words.
func (p Packet) Length() uint32 { return binary.LittleEndian.Uint32(p.raw[4:8]) }

// Timestamp returns the packet timestamp, in packet bins.
func (p Packet) Timestamp() int64 { return int64(binary.LittleEndian.Uint64(p.raw[8:16])) }

// Kind returns the decode path of the packet.
func (p Packet) Kind() Kind { return Classify(p.Type()) }

// EffLen returns the number of payload words following the header.
func (p Packet) EffLen() uint32 { return effLen(p.raw) }

// Size returns the size of the packet in bytes, header included.
func (p Packet) Size() int { return PacketSize(p.raw) }

// Bytes returns the raw bytes of the packet.
func (p Packet) Bytes() []byte { return p.raw }

// NumHits returns the number of hits held by a hit-bearing packet.
func (p Packet) NumHits() int {
	if p.Kind() != KindHits {
		return 0
	}
	n := 2 * int(p.Length())
	if n > 0 && p.Flags()&FlagOddHits != 0 {
		n--
	}
	return n
}

// Hit returns the i-th hit of the packet payload.
func (p Packet) Hit(i int) Hit {
	beg := hdrSize + i*hitSize
	return Hit(binary.LittleEndian.Uint32(p.raw[beg : beg+hitSize]))
}

func effLen(hdr []byte) uint32 {
	if Type(hdr[2]).HeaderOnly() {
		return 0
	}
	return binary.LittleEndian.Uint32(hdr[4:8])
}

// PacketSize returns the size in bytes of the packet starting with hdr,
// header included. Header-only packet types ignore their length field.
// hdr must hold at least HeaderSize bytes.
func PacketSize(hdr []byte) int {
	return (int(effLen(hdr)) + 2) * wordSize
}

// Hit is a single TDC hit, as packed by the hardware in a 32-bit word:
//
//	bits [ 3: 0] channel
//	bits [ 7: 4] flags
//	bits [31: 8] coarse offset since the group start
type Hit uint32

// MakeHit packs a hit word.
func MakeHit(channel uint8, flags HitFlags, offset uint32) Hit {
	return Hit(uint32(channel)&0xf | (uint32(flags)&0xf)<<4 | (offset&0xffffff)<<8)
}

// Channel returns the hit channel.
func (h Hit) Channel() uint8 { return uint8(h & 0xf) }

// Flags returns the hit flags.
func (h Hit) Flags() HitFlags { return HitFlags((h >> 4) & 0xf) }

// Offset returns the coarse offset of the hit, in bins.
func (h Hit) Offset() uint32 { return uint32(h>>8) & 0xffffff }

// Rising reports whether the hit is a rising edge.
func (h Hit) Rising() bool { return h.Flags()&HitRising != 0 }

// Overflow reports whether the hit is a rollover marker.
func (h Hit) Overflow() bool { return h.Flags()&HitTimeOverflow != 0 }
