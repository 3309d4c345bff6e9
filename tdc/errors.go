// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tdc

import (
	"errors"
	"fmt"
)

var (
	// ErrNoData is returned by a Transport when no new packet is available.
	ErrNoData = errors.New("tdc: no data")

	// ErrTimeout is returned by a Transport when a read timed out.
	ErrTimeout = errors.New("tdc: read timeout")

	// ErrInternal is returned by a Transport on an unrecoverable driver
	// error. A readout session that received it must be re-created.
	ErrInternal = errors.New("tdc: internal error")

	// ErrMalformedPacket reports a packet that could not be decoded.
	ErrMalformedPacket = errors.New("tdc: malformed packet")

	errUnknownType = errors.New("unknown packet type")
	errTruncated   = errors.New("header beyond window")
	errOverrun     = errors.New("payload beyond window")
	errOvershoot   = errors.New("next packet beyond last packet")
)

// Err returns the error associated with a driver read status.
func (st Status) Err() error {
	switch st {
	case StatusOK:
		return nil
	case StatusNoData:
		return ErrNoData
	case StatusTimeout:
		return ErrTimeout
	case StatusInternalError:
		return ErrInternal
	}
	return fmt.Errorf("%w: invalid read status %d", ErrInternal, int(st))
}

// StatusOf returns the driver read status matching err.
// Errors that are not one of the package sentinels map to StatusInternalError.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNoData):
		return StatusNoData
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	}
	return StatusInternalError
}

// PacketError describes a malformed packet found while walking a window.
type PacketError struct {
	Offset int    // byte offset of the packet header in the window
	Type   Type   // packet type, if the header could be read
	Length uint32 // packet length, if the header could be read
	Err    error
}

func (e *PacketError) Error() string {
	return fmt.Sprintf(
		"tdc: malformed packet at offset %d (type=%v, len=%d): %v",
		e.Offset, e.Type, e.Length, e.Err,
	)
}

func (e *PacketError) Unwrap() error { return e.Err }

func (e *PacketError) Is(target error) bool { return target == ErrMalformedPacket }
