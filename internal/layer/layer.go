// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package layer exposes TimeTagger4 DMA packets as gopacket layers, so a
// raw capture can be inspected packet by packet with the gopacket tools.
package layer // import "github.com/go-lpc/tt4/internal/layer"

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/go-lpc/tt4/tdc"
)

const LayerTypeTT4Num = 4420

// LayerTypeTT4 is the gopacket layer type of a single TimeTagger4 packet.
// Successive packets of a capture are decoded as a chain of TT4 layers.
var LayerTypeTT4 gopacket.LayerType

// registered in init: the decoder chains back to LayerTypeTT4.
func init() {
	LayerTypeTT4 = gopacket.RegisterLayerType(LayerTypeTT4Num,
		gopacket.LayerTypeMetadata{Name: "TT4", Decoder: gopacket.DecodeFunc(decodeTT4)})
}

// TT4 is a decoded TimeTagger4 packet.
type TT4 struct {
	layers.BaseLayer

	Channel   uint8
	Card      uint8
	Type      tdc.Type
	Flags     tdc.PacketFlags
	Length    uint32
	Timestamp int64
	Hits      []tdc.Hit
}

func (tt *TT4) LayerType() gopacket.LayerType { return LayerTypeTT4 }

func (tt *TT4) CanDecode() gopacket.LayerClass { return LayerTypeTT4 }

// NextLayerType chains the next packet while enough bytes remain for a
// header. Shorter trailing bytes are handed to the payload layer.
func (tt *TT4) NextLayerType() gopacket.LayerType {
	switch n := len(tt.Payload); {
	case n >= tdc.HeaderSize:
		return LayerTypeTT4
	case n > 0:
		return gopacket.LayerTypePayload
	}
	return gopacket.LayerTypeZero
}

// DecodeFromBytes decodes the first packet held by data.
func (tt *TT4) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < tdc.HeaderSize {
		df.SetTruncated()
		return fmt.Errorf("TT4 packet too short (%d bytes)", len(data))
	}

	cur := tdc.NewCursor(tdc.Window{Data: data, First: 0, Last: 0})
	p, ok := cur.Next()
	if !ok {
		df.SetTruncated()
		return cur.Err()
	}

	size := p.Size()
	tt.BaseLayer = layers.BaseLayer{
		Contents: data[:size],
		Payload:  data[size:],
	}
	tt.Channel = p.Channel()
	tt.Card = p.Card()
	tt.Type = p.Type()
	tt.Flags = p.Flags()
	tt.Length = p.Length()
	tt.Timestamp = p.Timestamp()
	tt.Hits = tt.Hits[:0]
	for i := 0; i < p.NumHits(); i++ {
		tt.Hits = append(tt.Hits, p.Hit(i))
	}

	return nil
}

func decodeTT4(data []byte, p gopacket.PacketBuilder) error {
	tt := &TT4{}
	err := tt.DecodeFromBytes(data, p)
	if err != nil {
		return err
	}
	p.AddLayer(tt)
	next := tt.NextLayerType()
	if next == gopacket.LayerTypeZero {
		return nil
	}
	return p.NextDecoder(next)
}
