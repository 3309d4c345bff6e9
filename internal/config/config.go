// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config describes the run configuration of a standalone
// TimeTagger4 acquisition.
package config // import "github.com/go-lpc/tt4/internal/config"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/go-lpc/tt4/tdc"
)

// Config is a run configuration.
type Config struct {
	Source      Source      `yaml:"source"`
	Readout     Readout     `yaml:"readout"`
	Calibration Calibration `yaml:"calibration"`
	Output      Output      `yaml:"output"`
	NATS        NATS        `yaml:"nats"`
	Mail        Mail        `yaml:"mail"`

	RunDB string `yaml:"rundb"` // path to the run registry
}

// Source describes where DMA windows are read from.
// Exactly one of Ring and Capture must be set.
type Source struct {
	Ring    string `yaml:"ring"`    // shared-memory ring file
	Capture string `yaml:"capture"` // raw capture file
	Packets int    `yaml:"packets"` // packets per window when replaying a capture
}

type Readout struct {
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max-backoff"`
}

// Calibration describes how the time calibration is retrieved.
// When DB is set, the last calibration of the board is read from the
// condition database. Otherwise the inline values are used.
type Calibration struct {
	DB     string `yaml:"db"`
	Serial uint32 `yaml:"serial"`

	BinSize        float64 `yaml:"bin-size"`
	PacketBinSize  float64 `yaml:"packet-bin-size"`
	RolloverPeriod uint64  `yaml:"rollover-period"`
}

// Calib returns the inline calibration.
func (cal Calibration) Calib() tdc.Calibration {
	return tdc.Calibration{
		BinSize:        cal.BinSize,
		PacketBinSize:  cal.PacketBinSize,
		RolloverPeriod: cal.RolloverPeriod,
	}
}

type Output struct {
	Dir         string `yaml:"dir"`         // directory of the LCIO files
	Compression int    `yaml:"compression"` // LCIO compression level
	Text        bool   `yaml:"text"`        // log every group
}

type NATS struct {
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject"`
	MaxReconnects int           `yaml:"max-reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect-wait"`
}

type Mail struct {
	Host string   `yaml:"host"`
	Port int      `yaml:"port"`
	User string   `yaml:"user"`
	Pass string   `yaml:"pass"`
	From string   `yaml:"from"`
	To   []string `yaml:"to"`
}

// Default returns the default run configuration.
func Default() Config {
	return Config{
		Source: Source{
			Packets: 64,
		},
		Readout: Readout{
			Backoff:    10 * time.Millisecond,
			MaxBackoff: time.Second,
		},
		Calibration: Calibration{
			RolloverPeriod: 1 << 24,
		},
		Output: Output{
			Dir:         ".",
			Compression: 1,
		},
		NATS: NATS{
			Subject:       "tt4.groups",
			MaxReconnects: 60,
			ReconnectWait: 2 * time.Second,
		},
		Mail: Mail{
			Port: 587,
		},
		RunDB: "tt4-runs.db",
	}
}

// Load reads the run configuration from the provided file.
// Values missing from the file keep their default.
func Load(fname string) (Config, error) {
	f, err := os.Open(fname)
	if err != nil {
		return Config{}, fmt.Errorf("config: could not open %q: %w", fname, err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return cfg, fmt.Errorf("config: could not load %q: %w", fname, err)
	}
	return cfg, nil
}

// Decode reads a run configuration from r.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	err := dec.Decode(&cfg)
	if err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("could not decode configuration: %w", err)
	}

	cfg.env()

	err = cfg.Validate()
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg *Config) env() {
	if v := os.Getenv("TT4_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("TT4_MAIL_PASS"); v != "" {
		cfg.Mail.Pass = v
	}
}

// Validate checks the consistency of the run configuration.
func (cfg Config) Validate() error {
	switch {
	case cfg.Source.Ring == "" && cfg.Source.Capture == "":
		return fmt.Errorf("config: no ring nor capture source")
	case cfg.Source.Ring != "" && cfg.Source.Capture != "":
		return fmt.Errorf("config: ring and capture sources are mutually exclusive")
	case cfg.Source.Capture != "" && cfg.Source.Packets <= 0:
		return fmt.Errorf("config: invalid number of packets per window (%d)", cfg.Source.Packets)
	}

	if cfg.Readout.Backoff <= 0 {
		return fmt.Errorf("config: invalid backoff (%v)", cfg.Readout.Backoff)
	}
	if cfg.Readout.MaxBackoff < cfg.Readout.Backoff {
		return fmt.Errorf(
			"config: max backoff (%v) smaller than backoff (%v)",
			cfg.Readout.MaxBackoff, cfg.Readout.Backoff,
		)
	}

	if cfg.Calibration.DB == "" && cfg.Source.Capture != "" {
		err := cfg.Calibration.Calib().Validate()
		if err != nil {
			return fmt.Errorf("config: invalid calibration: %w", err)
		}
	}

	if cfg.NATS.URL != "" && cfg.NATS.Subject == "" {
		return fmt.Errorf("config: missing NATS subject")
	}

	if len(cfg.Mail.To) > 0 && (cfg.Mail.Host == "" || cfg.Mail.From == "") {
		return fmt.Errorf("config: missing mail server or sender")
	}

	return nil
}
