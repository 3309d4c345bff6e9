// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dma provides transports handing out windows of TimeTagger4 DMA
// packets to a tdc.Readout.
package dma // import "github.com/go-lpc/tt4/dma"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/go-lpc/tt4/internal/mmap"
	"github.com/go-lpc/tt4/tdc"
)

const (
	ringMagic = 0x00474e4952345454 // "TT4RING\x00"
	ctrlSize  = 64

	offMagic    = 0
	offCap      = 8
	offWr       = 16
	offRd       = 24
	offBinSize  = 32
	offPktSize  = 40
	offRollover = 48
	offSerial   = 56
	offFirmware = 60

	hdrSize = 16
)

var (
	// ErrRingFull is returned by Publish when the consumer lags behind.
	ErrRingFull = errors.New("dma: ring buffer full")

	errBadPacket = errors.New("dma: invalid packet")
)

// Ring is a single-producer single-consumer packet ring living in a
// memory-mapped file, laid out the way the board driver exposes its host
// buffer.
//
// The first 64 bytes hold a control block:
//
//	[ 0: 8] magic "TT4RING\x00"
//	[ 8:16] capacity of the data region, in bytes
//	[16:24] write counter, in bytes, owned by the producer
//	[24:32] read counter, in bytes, owned by the consumer
//	[32:40] hit bin size (float64, ps)
//	[40:48] packet bin size (float64, ps)
//	[48:56] rollover period, in bins
//	[56:60] board serial
//	[60:64] firmware revision
//
// Counters only grow; positions in the data region are taken modulo the
// capacity. A packet never straddles the end of the data region: the
// producer writes an end-of-buffer packet (or leaves less than a header of
// padding) and wraps around.
type Ring struct {
	h    *mmap.Handle
	cap  uint64
	data []byte
	wr   *uint64
	rd   *uint64

	pend uint64 // bytes spanned by the last window
}

// CreateRing creates (or truncates) a ring file with the provided data
// capacity and device information.
func CreateRing(fname string, capacity int, info tdc.DeviceInfo) (*Ring, error) {
	if capacity < 2*hdrSize || capacity%8 != 0 {
		return nil, fmt.Errorf("dma: invalid ring capacity %d", capacity)
	}
	err := info.Calibration.Validate()
	if err != nil {
		return nil, fmt.Errorf("dma: invalid ring calibration: %w", err)
	}

	h, err := mmap.Open(fname, ctrlSize+capacity, true)
	if err != nil {
		return nil, fmt.Errorf("dma: could not create ring: %w", err)
	}

	ctrl := h.Slice(0, ctrlSize)
	for i := range ctrl {
		ctrl[i] = 0
	}
	binary.LittleEndian.PutUint64(ctrl[offCap:], uint64(capacity))
	binary.LittleEndian.PutUint64(ctrl[offBinSize:], math.Float64bits(info.Calibration.BinSize))
	binary.LittleEndian.PutUint64(ctrl[offPktSize:], math.Float64bits(info.Calibration.PacketBinSize))
	binary.LittleEndian.PutUint64(ctrl[offRollover:], info.Calibration.RolloverPeriod)
	binary.LittleEndian.PutUint32(ctrl[offSerial:], info.Serial)
	binary.LittleEndian.PutUint32(ctrl[offFirmware:], uint32(info.FirmwareRev))

	r := newRing(h, uint64(capacity))
	atomic.StoreUint64(h.Uint64(offMagic), ringMagic)
	return r, nil
}

// OpenRing opens an existing ring file.
func OpenRing(fname string) (*Ring, error) {
	h, err := mmap.Open(fname, 0, true)
	if err != nil {
		return nil, fmt.Errorf("dma: could not open ring: %w", err)
	}
	if h.Len() < ctrlSize {
		_ = h.Close()
		return nil, fmt.Errorf("dma: ring file %q too small (%d bytes)", fname, h.Len())
	}
	if magic := atomic.LoadUint64(h.Uint64(offMagic)); magic != ringMagic {
		_ = h.Close()
		return nil, fmt.Errorf("dma: invalid ring magic 0x%x", magic)
	}

	capacity := binary.LittleEndian.Uint64(h.Slice(offCap, offCap+8))
	if capacity+ctrlSize != uint64(h.Len()) {
		_ = h.Close()
		return nil, fmt.Errorf(
			"dma: ring capacity mismatch (cap=%d, file=%d)",
			capacity, h.Len(),
		)
	}
	return newRing(h, capacity), nil
}

func newRing(h *mmap.Handle, capacity uint64) *Ring {
	return &Ring{
		h:    h,
		cap:  capacity,
		data: h.Slice(ctrlSize, ctrlSize+int(capacity)),
		wr:   h.Uint64(offWr),
		rd:   h.Uint64(offRd),
	}
}

// Close unmaps the ring.
func (r *Ring) Close() error {
	return r.h.Close()
}

// Cap returns the capacity of the data region.
func (r *Ring) Cap() int { return int(r.cap) }

// Len returns the number of bytes published but not yet released.
func (r *Ring) Len() int {
	return int(atomic.LoadUint64(r.wr) - atomic.LoadUint64(r.rd))
}

// Info returns the device information stored in the control block.
func (r *Ring) Info() tdc.DeviceInfo {
	ctrl := r.h.Slice(0, ctrlSize)
	return tdc.DeviceInfo{
		Name:        "TimeTagger4 (shared-memory ring)",
		Serial:      binary.LittleEndian.Uint32(ctrl[offSerial:]),
		FirmwareRev: int(binary.LittleEndian.Uint32(ctrl[offFirmware:])),
		Calibration: tdc.Calibration{
			BinSize:        math.Float64frombits(binary.LittleEndian.Uint64(ctrl[offBinSize:])),
			PacketBinSize:  math.Float64frombits(binary.LittleEndian.Uint64(ctrl[offPktSize:])),
			RolloverPeriod: binary.LittleEndian.Uint64(ctrl[offRollover:]),
		},
	}
}

// Calibration implements tdc.Transport.
func (r *Ring) Calibration() (tdc.Calibration, error) {
	if err := r.check(); err != nil {
		return tdc.Calibration{}, err
	}
	return r.Info().Calibration, nil
}

func (r *Ring) check() error {
	if magic := atomic.LoadUint64(r.h.Uint64(offMagic)); magic != ringMagic {
		return fmt.Errorf("%w: invalid ring magic 0x%x", tdc.ErrInternal, magic)
	}
	return nil
}

// Publish appends one encoded packet to the ring.
func (r *Ring) Publish(pkt []byte) error {
	size := uint64(len(pkt))
	switch {
	case size < hdrSize || size%8 != 0:
		return fmt.Errorf("%w: size %d", errBadPacket, size)
	case size != uint64(tdc.PacketSize(pkt)):
		return fmt.Errorf("%w: size %d, header says %d", errBadPacket, size, tdc.PacketSize(pkt))
	case tdc.Type(pkt[2]) == tdc.TypeEndOfBuffer:
		return fmt.Errorf("%w: end-of-buffer packets are reserved", errBadPacket)
	case size > r.cap-hdrSize:
		return fmt.Errorf("%w: size %d exceeds ring capacity", errBadPacket, size)
	}

	var (
		wr   = atomic.LoadUint64(r.wr)
		rd   = atomic.LoadUint64(r.rd)
		free = r.cap - (wr - rd)
		pos  = wr % r.cap
		skip uint64
	)
	if pos+size > r.cap {
		skip = r.cap - pos
	}
	if skip+size > free {
		return ErrRingFull
	}

	if skip >= hdrSize {
		eob := r.data[pos : pos+hdrSize]
		for i := range eob {
			eob[i] = 0
		}
		eob[2] = uint8(tdc.TypeEndOfBuffer)
	}
	pos = (pos + skip) % r.cap
	copy(r.data[pos:pos+size], pkt)

	atomic.StoreUint64(r.wr, wr+skip+size)
	return nil
}

// Poll implements tdc.Transport.
// The returned window aliases the ring and is released by the next call
// to Poll with ack set to true.
// Poll walks packet headers to find the window boundaries: a packet
// length running past the published data leaves no next boundary, so it
// is reported as tdc.ErrInternal and ends the readout session.
func (r *Ring) Poll(ack bool) (tdc.Window, error) {
	if err := r.check(); err != nil {
		return tdc.Window{}, err
	}

	if ack && r.pend > 0 {
		atomic.AddUint64(r.rd, r.pend)
	}
	r.pend = 0

	for {
		var (
			rd    = atomic.LoadUint64(r.rd)
			wr    = atomic.LoadUint64(r.wr)
			avail = wr - rd
		)
		if avail == 0 {
			return tdc.Window{}, tdc.ErrNoData
		}
		if avail > r.cap {
			return tdc.Window{}, fmt.Errorf(
				"%w: corrupted ring counters (rd=%d, wr=%d, cap=%d)",
				tdc.ErrInternal, rd, wr, r.cap,
			)
		}

		pos := rd % r.cap
		if r.cap-pos < hdrSize {
			// padding before wrap-around.
			atomic.AddUint64(r.rd, r.cap-pos)
			continue
		}

		limit := pos + avail
		if limit > r.cap {
			limit = r.cap
		}

		var (
			off  = pos
			last = pos
			end  = pos
			span uint64
		)
	loop:
		for off+hdrSize <= limit {
			hdr := r.data[off : off+hdrSize]
			if tdc.Type(hdr[2]) == tdc.TypeEndOfBuffer {
				last = off
				end = off + hdrSize
				span = r.cap - pos
				break loop
			}
			size := uint64(tdc.PacketSize(hdr))
			if off+size > limit {
				return tdc.Window{}, fmt.Errorf(
					"%w: packet at offset %d overruns published data (size=%d, limit=%d)",
					tdc.ErrInternal, off, size, limit,
				)
			}
			last = off
			off += size
			end = off
		}
		if span == 0 {
			span = end - pos
			if limit == r.cap && r.cap-end < hdrSize {
				// release the padding before wrap-around as well.
				span = r.cap - pos
			}
		}

		r.pend = span
		return tdc.Window{
			Data:  r.data[:end:end],
			First: int(pos),
			Last:  int(last),
		}, nil
	}
}

var (
	_ tdc.Transport = (*Ring)(nil)
)
