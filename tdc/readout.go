// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tdc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// Transport hands out windows of the DMA ring buffer.
type Transport interface {
	// Poll returns the next window of packets.
	// When ack is true, the window returned by the previous call is
	// released back to the hardware before polling.
	// Poll returns ErrNoData when no packet is available, ErrTimeout when
	// the driver timed out and ErrInternal (possibly wrapped) on fatal
	// driver errors.
	Poll(ack bool) (Window, error)

	// Calibration returns the time units of the configured board.
	Calibration() (Calibration, error)
}

// Sink consumes the groups decoded from one window.
// Sinks may retain groups but must not modify them: the same slice is
// handed to all the sinks of a Readout.
type Sink func(grps []Group) error

// State is the state of a Readout.
type State int

const (
	StateIdle         State = iota // ready to poll
	StateAwaiting                  // polling the transport
	StateDecoding                  // decoding a window
	StateAcknowledged              // window decoded, released on next poll
)

func (st State) String() string {
	switch st {
	case StateIdle:
		return "idle"
	case StateAwaiting:
		return "awaiting-window"
	case StateDecoding:
		return "decoding"
	case StateAcknowledged:
		return "acknowledged"
	}
	return fmt.Sprintf("State(%d)", int(st))
}

var errClosed = errors.New("tdc: readout closed")

// Readout drives the poll/decode/acknowledge loop over a transport.
// A Readout is not safe for concurrent use.
type Readout struct {
	msg *log.Logger
	tr  Transport
	dec *Decoder
	cfg config

	state   State
	pending bool // last window decoded, not yet acknowledged
	idle    int  // consecutive no-data polls
	err     error
	stats   Stats
}

// NewReadout creates a readout session over tr.
// The calibration is queried once and cached for the whole session.
func NewReadout(tr Transport, opts ...Option) (*Readout, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	cal, err := tr.Calibration()
	if err != nil {
		return nil, fmt.Errorf("tdc: could not retrieve calibration: %w", err)
	}
	err = cal.Validate()
	if err != nil {
		return nil, fmt.Errorf("tdc: invalid calibration: %w", err)
	}

	return &Readout{
		msg: cfg.msg,
		tr:  tr,
		dec: NewDecoder(cal),
		cfg: cfg,
	}, nil
}

// Calibration returns the calibration cached by the session.
func (rdo *Readout) Calibration() Calibration { return rdo.dec.cal }

// State returns the current state of the readout.
func (rdo *Readout) State() State { return rdo.state }

// Stats returns the readout statistics.
func (rdo *Readout) Stats() Stats { return rdo.stats }

// Step runs one poll cycle.
// Step returns the groups of the decoded window, or no group after a
// no-data poll, once the idle backoff has elapsed.
// Timeouts are returned to the caller, who may call Step again.
// Any other transport error terminates the session.
func (rdo *Readout) Step(ctx context.Context) ([]Group, error) {
	if rdo.err != nil {
		return nil, rdo.err
	}

	rdo.state = StateAwaiting
	win, err := rdo.tr.Poll(rdo.pending)
	rdo.pending = false
	rdo.stats.Polls++

	switch {
	case err == nil && win.Empty(), errors.Is(err, ErrNoData):
		rdo.stats.NoData++
		rdo.state = StateIdle
		err = rdo.cfg.sleep(ctx, rdo.backoff())
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("tdc: could not wait for data: %w", err)
		}
		return nil, nil

	case errors.Is(err, ErrTimeout):
		rdo.stats.Timeouts++
		rdo.state = StateIdle
		return nil, err

	case err != nil:
		rdo.state = StateIdle
		rdo.err = err
		if !errors.Is(err, io.EOF) {
			rdo.msg.Printf("readout session terminated: %+v", err)
		}
		return nil, err
	}

	rdo.idle = 0
	rdo.state = StateDecoding
	rdo.stats.Windows++
	grps, diags := rdo.dec.decode(nil, win, &rdo.stats)
	for _, diag := range diags {
		rdo.msg.Printf("skipping packet: %v", diag)
		if rdo.cfg.diag != nil {
			rdo.cfg.diag(diag)
		}
	}

	// groups own their data: the window may be released.
	rdo.state = StateAcknowledged
	rdo.pending = true

	return grps, nil
}

// Run polls the transport until ctx is canceled or the transport fails,
// handing the groups of every window to all the sinks.
// Cancellation is only checked between two poll cycles.
func (rdo *Readout) Run(ctx context.Context, sinks ...Sink) error {
	defer func() {
		rdo.state = StateIdle
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		grps, err := rdo.Step(ctx)
		if err != nil {
			return err
		}
		if len(grps) == 0 {
			continue
		}

		err = dispatch(grps, sinks)
		if err != nil {
			return fmt.Errorf("tdc: could not send groups: %w", err)
		}
	}
}

func dispatch(grps []Group, sinks []Sink) error {
	switch len(sinks) {
	case 0:
		return nil
	case 1:
		return sinks[0](grps)
	}

	var grp errgroup.Group
	for i := range sinks {
		sink := sinks[i]
		grp.Go(func() error {
			return sink(grps)
		})
	}
	return grp.Wait()
}

// Close ends the readout session and closes the transport when it
// implements io.Closer.
func (rdo *Readout) Close() error {
	if rdo.err == errClosed {
		return nil
	}
	rdo.err = errClosed
	rdo.state = StateIdle

	if c, ok := rdo.tr.(io.Closer); ok {
		err := c.Close()
		if err != nil {
			return fmt.Errorf("tdc: could not close transport: %w", err)
		}
	}
	return nil
}

func (rdo *Readout) backoff() time.Duration {
	d := rdo.cfg.backoff
	for i := 0; i < rdo.idle && d < rdo.cfg.maxBackoff; i++ {
		d *= 2
	}
	if d > rdo.cfg.maxBackoff {
		d = rdo.cfg.maxBackoff
	}
	rdo.idle++
	return d
}

// Stats holds readout counters.
type Stats struct {
	Polls     int64 // calls to the transport
	Windows   int64 // decoded windows
	NoData    int64 // no-data polls
	Timeouts  int64 // timed out polls
	Packets   int64 // traversed packets
	Groups    int64 // decoded groups
	Hits      int64 // emitted hits
	Rollovers int64 // rollover markers
	Malformed int64 // skipped packets

	SlowSync       int64
	StartMissed    int64
	Shortened      int64
	DMAFIFOFull    int64
	HostBufferFull int64
}

func (st *Stats) addPacket(p Packet) {
	st.Packets++
	flags := p.Flags()
	if !flags.Errors() {
		return
	}
	if flags&FlagSlowSync != 0 {
		st.SlowSync++
	}
	if flags&FlagStartMissed != 0 {
		st.StartMissed++
	}
	if flags&FlagShortened != 0 {
		st.Shortened++
	}
	if flags&FlagDMAFIFOFull != 0 {
		st.DMAFIFOFull++
	}
	if flags&FlagHostBufferFull != 0 {
		st.HostBufferFull++
	}
}

func (st *Stats) addGroup(grp Group) {
	st.Groups++
	st.Hits += int64(len(grp.Hits))
	st.Rollovers += int64(grp.Rollovers)
}
