// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tdc

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// Frame is an owned copy of a packet.
type Frame struct {
	Channel   uint8
	Card      uint8
	Type      Type
	Flags     PacketFlags
	Length    uint32 // only meaningful for header-only types
	Timestamp int64
	Data      []uint64
}

// Frame returns an owned copy of the packet.
func (p Packet) Frame() Frame {
	f := Frame{
		Channel:   p.Channel(),
		Card:      p.Card(),
		Type:      p.Type(),
		Flags:     p.Flags(),
		Length:    p.Length(),
		Timestamp: p.Timestamp(),
	}
	if n := int(p.EffLen()); n > 0 {
		f.Data = make([]uint64, n)
		for i := range f.Data {
			beg := hdrSize + i*wordSize
			f.Data[i] = binary.LittleEndian.Uint64(p.raw[beg : beg+wordSize])
		}
	}
	return f
}

// PackHits packs hits two by two into payload words.
// The returned flags hold FlagOddHits when the last word carries a single hit.
func PackHits(hits ...Hit) ([]uint64, PacketFlags) {
	var (
		data  = make([]uint64, (len(hits)+1)/2)
		flags PacketFlags
	)
	for i, hit := range hits {
		data[i/2] |= uint64(hit) << (32 * uint(i%2))
	}
	if len(hits)%2 == 1 {
		flags |= FlagOddHits
	}
	return data, flags
}

// Encoder writes packets to an output stream, in the DMA ring layout.
type Encoder struct {
	w   io.Writer
	buf []byte
	err error
}

// NewEncoder returns a new Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:   w,
		buf: make([]byte, hdrSize),
	}
}

// Encode writes the frame to the stream.
// The length field of packets with a payload is the number of data words.
func (enc *Encoder) Encode(f *Frame) error {
	if f == nil {
		return nil
	}

	n := f.Length
	if !f.Type.HeaderOnly() {
		n = uint32(len(f.Data))
	}

	enc.buf[0] = f.Channel
	enc.buf[1] = f.Card
	enc.buf[2] = uint8(f.Type)
	enc.buf[3] = uint8(f.Flags)
	binary.LittleEndian.PutUint32(enc.buf[4:8], n)
	binary.LittleEndian.PutUint64(enc.buf[8:16], uint64(f.Timestamp))
	enc.write(enc.buf[:hdrSize])
	if enc.err != nil {
		return xerrors.Errorf("tdc: could not write packet header: %w", enc.err)
	}

	if f.Type.HeaderOnly() {
		return nil
	}

	for _, v := range f.Data {
		binary.LittleEndian.PutUint64(enc.buf[:wordSize], v)
		enc.write(enc.buf[:wordSize])
	}
	if enc.err != nil {
		return xerrors.Errorf("tdc: could not write packet payload: %w", enc.err)
	}
	return nil
}

func (enc *Encoder) write(p []byte) {
	if enc.err != nil {
		return
	}
	_, enc.err = enc.w.Write(p)
}

// Reader reads packets from a stream in the DMA ring layout, such as a
// raw capture file.
type Reader struct {
	r   io.Reader
	buf []byte
	err error
}

// NewReader returns a new Reader that reads from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:   r,
		buf: make([]byte, hdrSize),
	}
}

// Read reads the next packet into f.
// Read returns io.EOF when the stream ends cleanly, between two packets.
func (rdr *Reader) Read(f *Frame) error {
	rdr.load(hdrSize)
	if rdr.err != nil {
		if xerrors.Is(rdr.err, io.ErrUnexpectedEOF) {
			return xerrors.Errorf("tdc: could not read packet header: %w", rdr.err)
		}
		return rdr.err
	}

	f.Channel = rdr.buf[0]
	f.Card = rdr.buf[1]
	f.Type = Type(rdr.buf[2])
	f.Flags = PacketFlags(rdr.buf[3])
	f.Length = binary.LittleEndian.Uint32(rdr.buf[4:8])
	f.Timestamp = int64(binary.LittleEndian.Uint64(rdr.buf[8:16]))
	f.Data = f.Data[:0]

	n := int(effLen(rdr.buf))
	for i := 0; i < n; i++ {
		rdr.load(wordSize)
		if rdr.err != nil {
			if xerrors.Is(rdr.err, io.EOF) {
				rdr.err = io.ErrUnexpectedEOF
			}
			return xerrors.Errorf(
				"tdc: could not read payload word %d/%d (type=%v): %w",
				i, n, f.Type, rdr.err,
			)
		}
		f.Data = append(f.Data, binary.LittleEndian.Uint64(rdr.buf[:wordSize]))
	}

	return nil
}

func (rdr *Reader) load(n int) {
	if rdr.err != nil {
		return
	}
	_, rdr.err = io.ReadFull(rdr.r, rdr.buf[:n])
}
