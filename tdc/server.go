// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tdc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-daq/tdaq"
)

// Server is a tdaq run-control node reading out a TimeTagger4 board and
// publishing the decoded groups on its output.
type Server struct {
	name string
	open func() (Transport, error)
	opts []Option

	rdo  *Readout
	data chan []byte
	n    int // number of published windows
}

// NewServer creates a run-control node for the transport returned by open.
// open is called on every /init command.
func NewServer(name string, open func() (Transport, error), opts ...Option) *Server {
	return &Server{
		name: name,
		open: open,
		opts: opts,
	}
}

func (srv *Server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	return nil
}

func (srv *Server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	err := srv.init()
	if err != nil {
		ctx.Msg.Errorf("could not initialize readout %q: %+v", srv.name, err)
		return fmt.Errorf("could not initialize readout %q: %w", srv.name, err)
	}
	ctx.Msg.Infof("readout %q: %v", srv.name, srv.rdo.Calibration())
	return nil
}

func (srv *Server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	err := srv.close()
	if err != nil {
		ctx.Msg.Errorf("could not close readout %q: %+v", srv.name, err)
		return fmt.Errorf("could not close readout %q: %w", srv.name, err)
	}
	return nil
}

func (srv *Server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	if srv.rdo == nil {
		return fmt.Errorf("readout %q not initialized", srv.name)
	}
	srv.n = 0
	return nil
}

func (srv *Server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command... -> n=%d", srv.n)
	if srv.rdo != nil {
		st := srv.rdo.Stats()
		ctx.Msg.Infof(
			"windows=%d packets=%d groups=%d hits=%d malformed=%d",
			st.Windows, st.Packets, st.Groups, st.Hits, st.Malformed,
		)
	}
	return nil
}

func (srv *Server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return srv.close()
}

// Groups is the output handler publishing encoded groups.
func (srv *Server) Groups(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-srv.data:
		dst.Body = data
	}
	return nil
}

// Loop is the run handler, polling the board until the run is stopped.
func (srv *Server) Loop(ctx tdaq.Context) error {
	err := srv.loop(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("readout %q failed: %+v", srv.name, err)
		return err
	}
	return nil
}

func (srv *Server) init() error {
	err := srv.close()
	if err != nil {
		return err
	}

	tr, err := srv.open()
	if err != nil {
		return fmt.Errorf("could not open transport: %w", err)
	}

	rdo, err := NewReadout(tr, srv.opts...)
	if err != nil {
		if c, ok := tr.(io.Closer); ok {
			_ = c.Close()
		}
		return err
	}
	srv.rdo = rdo
	srv.data = make(chan []byte, 1024)
	srv.n = 0
	return nil
}

func (srv *Server) close() error {
	if srv.rdo == nil {
		return nil
	}
	err := srv.rdo.Close()
	srv.rdo = nil
	return err
}

func (srv *Server) loop(ctx context.Context) error {
	if srv.rdo == nil {
		return fmt.Errorf("readout %q not initialized", srv.name)
	}

	buf := new(bytes.Buffer)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		grps, err := srv.rdo.Step(ctx)
		switch {
		case errors.Is(err, ErrTimeout):
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}
		if len(grps) == 0 {
			continue
		}

		buf.Reset()
		err = EncodeGroups(buf, grps)
		if err != nil {
			return fmt.Errorf("could not encode groups: %w", err)
		}

		raw := make([]byte, buf.Len())
		copy(raw, buf.Bytes())
		select {
		case <-ctx.Done():
			return nil
		case srv.data <- raw:
			srv.n++
		}
	}
}

// EncodeGroups writes groups to w in the tdaq wire format.
func EncodeGroups(w io.Writer, grps []Group) error {
	enc := tdaq.NewEncoder(w)
	enc.WriteU32(uint32(len(grps)))
	for _, grp := range grps {
		enc.WriteU8(grp.Channel)
		enc.WriteU8(grp.Card)
		enc.WriteU8(uint8(grp.Flags))
		enc.WriteU64(uint64(grp.Timestamp))
		enc.WriteF64(grp.Time)
		enc.WriteU32(uint32(grp.Rollovers))
		enc.WriteU32(uint32(len(grp.Hits)))
		for _, hit := range grp.Hits {
			var edge uint8
			if hit.Rising {
				edge = 1
			}
			enc.WriteU8(hit.Channel)
			enc.WriteU8(edge)
			enc.WriteF64(hit.Time)
		}
	}
	return enc.Err()
}

// DecodeGroups reads groups written by EncodeGroups.
// Counts read from r only bound the loops: slices grow as records are
// actually decoded, so a corrupted count fails on the first missing record.
func DecodeGroups(r io.Reader) ([]Group, error) {
	dec := tdaq.NewDecoder(r)
	n := int(dec.ReadU32())
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("tdc: could not read number of groups: %w", err)
	}

	grps := make([]Group, 0, min(n, maxPrealloc))
	for i := 0; i < n; i++ {
		var grp Group
		grp.Channel = dec.ReadU8()
		grp.Card = dec.ReadU8()
		grp.Flags = PacketFlags(dec.ReadU8())
		grp.Timestamp = int64(dec.ReadU64())
		grp.Time = dec.ReadF64()
		grp.Rollovers = int(dec.ReadU32())
		nhits := int(dec.ReadU32())
		if err := dec.Err(); err != nil {
			return nil, fmt.Errorf("tdc: could not read group %d header: %w", i, err)
		}
		grp.Hits = make([]GroupHit, 0, min(nhits, maxPrealloc))
		for j := 0; j < nhits; j++ {
			var hit GroupHit
			hit.Channel = dec.ReadU8()
			hit.Rising = dec.ReadU8() == 1
			hit.Time = dec.ReadF64()
			if err := dec.Err(); err != nil {
				return nil, fmt.Errorf("tdc: could not read group %d hit %d: %w", i, j, err)
			}
			grp.Hits = append(grp.Hits, hit)
		}
		grps = append(grps, grp)
	}
	return grps, nil
}

// maxPrealloc bounds the slice capacity reserved from a decoded count.
const maxPrealloc = 1024

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
