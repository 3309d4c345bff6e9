// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tt4-srv starts a TDAQ server reading out a TimeTagger4 board.
//
// Usage: tt4-srv [TDAQ-OPTIONS] NAME RING-FILE
//
// The decoded groups are published on the /groups output.
package main // import "github.com/go-lpc/tt4/cmd/tt4-srv"

import (
	"context"
	"log"
	"os"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"

	"github.com/go-lpc/tt4/dma"
	"github.com/go-lpc/tt4/tdc"
)

func main() {
	cmd := flags.New()
	if len(cmd.Args) != 2 {
		log.Fatalf("usage: tt4-srv [TDAQ-OPTIONS] NAME RING-FILE")
	}

	dev := newServer(cmd.Args[0], cmd.Args[1])

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/groups", dev.Groups)

	srv.RunHandle(dev.Loop)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

func newServer(name, ring string) *tdc.Server {
	msg := log.New(os.Stdout, "tt4-srv: ", 0)
	return tdc.NewServer(name, func() (tdc.Transport, error) {
		return dma.OpenRing(ring)
	}, tdc.WithLogger(msg))
}
