// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tdc

import (
	"context"
	"log"
	"os"
	"time"
)

const (
	defaultBackoff = 10 * time.Millisecond
)

type config struct {
	msg *log.Logger

	backoff    time.Duration // idle wait after a no-data poll
	maxBackoff time.Duration // upper bound of the idle wait

	sleep func(ctx context.Context, d time.Duration) error
	diag  func(err *PacketError)
}

func newConfig() config {
	return config{
		msg:        log.New(os.Stdout, "tdc: ", 0),
		backoff:    defaultBackoff,
		maxBackoff: defaultBackoff,
		sleep:      sleepCtx,
	}
}

// Option configures a Readout.
type Option func(*config)

// WithLogger sets the logger used to report readout progress.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithBackoff sets the idle wait after a poll returned no data.
// Consecutive no-data polls double the wait, up to WithMaxBackoff.
func WithBackoff(d time.Duration) Option {
	return func(cfg *config) {
		cfg.backoff = d
		if cfg.maxBackoff < d {
			cfg.maxBackoff = d
		}
	}
}

// WithMaxBackoff sets the upper bound of the idle wait.
func WithMaxBackoff(d time.Duration) Option {
	return func(cfg *config) {
		cfg.maxBackoff = d
	}
}

// WithDiagnostics registers a function called for every malformed packet.
func WithDiagnostics(f func(err *PacketError)) Option {
	return func(cfg *config) {
		cfg.diag = f
	}
}

func withSleep(f func(ctx context.Context, d time.Duration) error) Option {
	return func(cfg *config) {
		cfg.sleep = f
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	tck := time.NewTimer(d)
	defer tck.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tck.C:
		return nil
	}
}
