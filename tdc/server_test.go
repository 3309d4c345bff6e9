// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tdc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"reflect"
	"testing"
)

func TestGroupsRW(t *testing.T) {
	want := []Group{
		{
			Channel:   1,
			Card:      2,
			Flags:     FlagOddHits | FlagSlowSync,
			Timestamp: 1234,
			Time:      123.4,
			Rollovers: 2,
			Hits: []GroupHit{
				{Channel: 1, Rising: true, Time: 0.065104},
				{Channel: 2, Rising: false, Time: 16777.226},
			},
		},
		{
			Channel:   3,
			Timestamp: -1,
			Hits:      []GroupHit{},
		},
	}

	buf := new(bytes.Buffer)
	err := EncodeGroups(buf, want)
	if err != nil {
		t.Fatalf("could not encode groups: %+v", err)
	}

	got, err := DecodeGroups(buf)
	if err != nil {
		t.Fatalf("could not decode groups: %+v", err)
	}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid r/w round-trip:\ngot= %+v\nwant=%+v", got, want)
	}
}

func TestDecodeGroupsTruncated(t *testing.T) {
	buf := new(bytes.Buffer)
	err := EncodeGroups(buf, []Group{{Channel: 1, Hits: []GroupHit{{Channel: 1}}}})
	if err != nil {
		t.Fatalf("could not encode groups: %+v", err)
	}
	raw := buf.Bytes()

	for _, n := range []int{0, 2, 10, len(raw) - 1} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			_, err := DecodeGroups(bytes.NewReader(raw[:n]))
			if err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestDecodeGroupsInvalidCount(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  []byte
		err  string
	}{
		{
			name: "groups",
			raw:  []byte{0xff, 0xff, 0xff, 0xff},
			err:  "tdc: could not read group 0 header: EOF",
		},
		{
			name: "hits",
			raw: func() []byte {
				buf := new(bytes.Buffer)
				err := EncodeGroups(buf, []Group{{Channel: 1, Hits: []GroupHit{}}})
				if err != nil {
					t.Fatalf("could not encode groups: %+v", err)
				}
				raw := buf.Bytes()
				copy(raw[len(raw)-4:], []byte{0xff, 0xff, 0xff, 0xff})
				return raw
			}(),
			err: "tdc: could not read group 0 hit 0: EOF",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeGroups(bytes.NewReader(tc.raw))
			if err == nil {
				t.Fatalf("expected an error")
			}
			if got, want := err.Error(), tc.err; got != want {
				t.Fatalf("invalid error:\ngot= %q\nwant=%q", got, want)
			}
		})
	}
}

func TestServerLoop(t *testing.T) {
	tr := &fakeTransport{
		cal: testCal,
		polls: []fakePoll{
			{win: mkWindow(t, tdcFrame(1, 10, MakeHit(1, HitRising, 10)))},
			{err: ErrTimeout},
			{win: mkWindow(t, Frame{Type: TypeTimestampOnly})},
			{win: mkWindow(t,
				tdcFrame(2, 20, MakeHit(2, HitRising, 20)),
				tdcFrame(3, 30, MakeHit(3, HitRising, 30)),
			)},
		},
	}

	var slp sleeper
	srv := NewServer("tt4-test", func() (Transport, error) { return tr, nil },
		WithLogger(log.New(io.Discard, "tdc: ", 0)),
		withSleep(slp.sleep),
	)

	err := srv.loop(context.Background())
	if err == nil {
		t.Fatalf("expected an error on uninitialized server")
	}

	err = srv.init()
	if err != nil {
		t.Fatalf("could not init server: %+v", err)
	}

	err = srv.loop(context.Background())
	if err != nil {
		t.Fatalf("could not run server loop: %+v", err)
	}

	if got, want := srv.n, 2; got != want {
		t.Fatalf("invalid number of published windows: got=%d, want=%d", got, want)
	}

	var chans []uint8
	for i := 0; i < srv.n; i++ {
		grps, err := DecodeGroups(bytes.NewReader(<-srv.data))
		if err != nil {
			t.Fatalf("could not decode window %d: %+v", i, err)
		}
		for _, grp := range grps {
			chans = append(chans, grp.Channel)
		}
	}
	if got, want := chans, []uint8{1, 2, 3}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid published groups: got=%v, want=%v", got, want)
	}

	err = srv.close()
	if err != nil {
		t.Fatalf("could not close server: %+v", err)
	}
	if got, want := tr.closed, 1; got != want {
		t.Fatalf("invalid number of transport close: got=%d, want=%d", got, want)
	}
	if srv.rdo != nil {
		t.Fatalf("readout not released")
	}
}

func TestServerInitFail(t *testing.T) {
	for _, tc := range []struct {
		name string
		open func() (Transport, error)
		want string
	}{
		{
			name: "open",
			open: func() (Transport, error) { return nil, fmt.Errorf("no such device") },
			want: "could not open transport: no such device",
		},
		{
			name: "calibration",
			open: func() (Transport, error) {
				return &fakeTransport{calErr: ErrInternal}, nil
			},
			want: "tdc: could not retrieve calibration: tdc: internal error",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv := NewServer("tt4-test", tc.open)
			err := srv.init()
			if err == nil {
				t.Fatalf("expected an error")
			}
			if got, want := err.Error(), tc.want; got != want {
				t.Fatalf("invalid error:\ngot= %q\nwant=%q", got, want)
			}
			if srv.rdo != nil {
				t.Fatalf("readout should not be set")
			}
		})
	}
}
