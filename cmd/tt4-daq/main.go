// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tt4-daq drives a TimeTagger4 data acquisition in stand-alone mode.
//
// tt4-daq reads DMA windows from a shared-memory ring (or replays a raw
// capture file), decodes them and hands the groups to the configured
// sinks (text log, LCIO file, NATS subject) until interrupted.
//
// Usage: tt4-daq [OPTIONS] -cfg run.yaml
//
// Example:
//
//	$> tt4-daq -cfg ./run.yaml -pmon -freq=2s
package main // import "github.com/go-lpc/tt4/cmd/tt4-daq"

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sbinet/pmon"
	"go-hep.org/x/hep/lcio"
	mail "gopkg.in/gomail.v2"

	"github.com/go-lpc/tt4/conddb"
	"github.com/go-lpc/tt4/dma"
	"github.com/go-lpc/tt4/internal/config"
	"github.com/go-lpc/tt4/internal/rundb"
	"github.com/go-lpc/tt4/internal/xcnv"
	"github.com/go-lpc/tt4/tdc"
)

var (
	msg = log.New(os.Stdout, "tt4-daq: ", 0)
)

func main() {
	var (
		cfgName = flag.String("cfg", "run.yaml", "path to run configuration file")
		doMon   = flag.Bool("pmon", false, "enable pmon monitoring")
		doFreq  = flag.Duration("freq", 1*time.Second, "pmon frequency")
	)

	flag.Usage = func() {
		fmt.Printf(`Usage: tt4-daq [OPTIONS] -cfg run.yaml

ex:
 $> tt4-daq -cfg ./run.yaml -pmon -freq=2s

options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	cfg, err := config.Load(*cfgName)
	if err != nil {
		msg.Fatalf("could not load run configuration: %+v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mon := monitor{enabled: *doMon, freq: *doFreq}
	_, err = run(ctx, cfg, mon)
	if err != nil {
		msg.Fatalf("could not run tt4-daq: %+v", err)
	}
}

type monitor struct {
	enabled bool
	freq    time.Duration
}

// publisher publishes encoded groups.
// *nats.Conn implements it.
type publisher interface {
	Publish(subj string, data []byte) error
	Flush() error
	Close()
}

var (
	dialNATS = func(cfg config.NATS) (publisher, error) {
		return nats.Connect(
			cfg.URL,
			nats.Name("tt4-daq"),
			nats.ReconnectWait(cfg.ReconnectWait),
			nats.MaxReconnects(cfg.MaxReconnects),
		)
	}

	sendMail = func(cfg config.Mail, m *mail.Message) error {
		dial := mail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Pass)
		dial.TLSConfig = &tls.Config{
			ServerName: cfg.Host,
		}
		return dial.DialAndSend(m)
	}

	openCondDB = func(name string) (calibDB, error) {
		return conddb.Open(name)
	}
)

type calibDB interface {
	LastCalibration(ctx context.Context, serial uint32) (tdc.Calibration, error)
	Close() error
}

// calibrated overrides the calibration reported by a transport.
type calibrated struct {
	tdc.Transport
	cal tdc.Calibration
}

func (tr calibrated) Calibration() (tdc.Calibration, error) { return tr.cal, nil }

func (tr calibrated) Close() error {
	if c, ok := tr.Transport.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// run acquires data until ctx is canceled or the source is exhausted,
// and returns the run record.
func run(ctx context.Context, cfg config.Config, mon monitor) (rundb.Run, error) {
	db, err := rundb.Open(cfg.RunDB)
	if err != nil {
		return rundb.Run{}, fmt.Errorf("could not open run registry: %w", err)
	}
	defer db.Close()

	src := cfg.Source.Ring
	if src == "" {
		src = cfg.Source.Capture
	}

	runnbr, err := db.NextRun(src, time.Now())
	if err != nil {
		return rundb.Run{}, fmt.Errorf("could not allocate run number: %w", err)
	}
	rec, err := db.Get(runnbr)
	if err != nil {
		return rec, fmt.Errorf("could not retrieve run record: %w", err)
	}
	msg.Printf("run=%d source=%q", runnbr, src)

	err = acquire(ctx, cfg, mon, &rec)
	rec.Stop = time.Now().UTC()
	if err != nil {
		rec.Err = err.Error()
	}

	if e := db.Put(rec); e != nil && err == nil {
		err = fmt.Errorf("could not store run record: %w", e)
	}

	if len(cfg.Mail.To) > 0 {
		report(cfg.Mail, rec)
	}

	return rec, err
}

func acquire(ctx context.Context, cfg config.Config, mon monitor, rec *rundb.Run) error {
	tr, serial, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	rec.Serial = serial

	rdo, err := tdc.NewReadout(tr,
		tdc.WithLogger(msg),
		tdc.WithBackoff(cfg.Readout.Backoff),
		tdc.WithMaxBackoff(cfg.Readout.MaxBackoff),
	)
	if err != nil {
		if c, ok := tr.(io.Closer); ok {
			_ = c.Close()
		}
		return fmt.Errorf("could not create readout: %w", err)
	}
	defer rdo.Close()
	msg.Printf("calibration: %v", rdo.Calibration())

	if mon.enabled {
		stop, err := startMonitor(cfg.Output.Dir, rec.Number, mon.freq)
		if err != nil {
			return err
		}
		defer stop()
	}

	var sinks []tdc.Sink

	if cfg.Output.Text {
		sinks = append(sinks, func(grps []tdc.Group) error {
			for _, grp := range grps {
				msg.Printf("%v", grp)
			}
			return nil
		})
	}

	oname := filepath.Join(cfg.Output.Dir, fmt.Sprintf("tt4_%03d.000.lcio", rec.Number))
	lw, err := lcio.Create(oname)
	if err != nil {
		return fmt.Errorf("could not create output LCIO file: %w", err)
	}
	defer lw.Close()
	lw.SetCompressionLevel(cfg.Output.Compression)

	w := xcnv.NewWriter(lw, int32(rec.Number), rdo.Calibration())
	sinks = append(sinks, w.WriteGroups)

	if cfg.NATS.URL != "" {
		nc, err := dialNATS(cfg.NATS)
		if err != nil {
			return fmt.Errorf("could not connect to NATS server %q: %w", cfg.NATS.URL, err)
		}
		defer nc.Close()
		defer nc.Flush()
		sinks = append(sinks, natsSink(nc, cfg.NATS.Subject))
	}

	err = loop(ctx, rdo, sinks...)

	st := rdo.Stats()
	rec.Groups = uint64(st.Groups)
	rec.Hits = uint64(st.Hits)
	rec.Rollovers = uint64(st.Rollovers)
	rec.Malformed = uint64(st.Malformed)
	msg.Printf(
		"run=%d: windows=%d groups=%d hits=%d malformed=%d timeouts=%d",
		rec.Number, st.Windows, st.Groups, st.Hits, st.Malformed, st.Timeouts,
	)

	if err != nil {
		return err
	}

	err = lw.Close()
	if err != nil {
		return fmt.Errorf("could not close output LCIO file: %w", err)
	}

	return nil
}

// open opens the data source and resolves its calibration.
func open(ctx context.Context, cfg config.Config) (tdc.Transport, uint32, error) {
	var (
		tr     tdc.Transport
		serial = cfg.Calibration.Serial
		cal    = cfg.Calibration.Calib()
	)
	switch {
	case cfg.Source.Ring != "":
		ring, err := dma.OpenRing(cfg.Source.Ring)
		if err != nil {
			return nil, 0, fmt.Errorf("could not open DMA ring: %w", err)
		}
		info := ring.Info()
		msg.Printf("board:\n%v", info)
		if serial == 0 {
			serial = info.Serial
		}
		tr = ring
		cal = info.Calibration
	default:
		r, err := dma.OpenReplay(cfg.Source.Capture, cal, cfg.Source.Packets)
		if err != nil {
			return nil, 0, fmt.Errorf("could not open capture file: %w", err)
		}
		tr = r
	}

	if cfg.Calibration.DB != "" {
		db, err := openCondDB(cfg.Calibration.DB)
		if err == nil {
			defer db.Close()
			cal, err = db.LastCalibration(ctx, serial)
		}
		if err != nil {
			if c, ok := tr.(io.Closer); ok {
				_ = c.Close()
			}
			return nil, 0, fmt.Errorf("could not retrieve calibration of board 0x%x: %w", serial, err)
		}
	}

	return calibrated{Transport: tr, cal: cal}, serial, nil
}

// loop runs the readout until ctx is canceled or the source is exhausted.
// Timeouts are retried.
func loop(ctx context.Context, rdo *tdc.Readout, sinks ...tdc.Sink) error {
	for {
		err := rdo.Run(ctx, sinks...)
		switch {
		case errors.Is(err, tdc.ErrTimeout):
			continue
		case err == nil,
			errors.Is(err, io.EOF),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
			return nil
		default:
			return fmt.Errorf("could not read out TT4: %w", err)
		}
	}
}

func natsSink(nc publisher, subj string) tdc.Sink {
	buf := new(bytes.Buffer)
	return func(grps []tdc.Group) error {
		buf.Reset()
		err := tdc.EncodeGroups(buf, grps)
		if err != nil {
			return fmt.Errorf("could not encode groups: %w", err)
		}
		err = nc.Publish(subj, buf.Bytes())
		if err != nil {
			return fmt.Errorf("could not publish groups on %q: %w", subj, err)
		}
		return nil
	}
}

func startMonitor(dir string, run uint32, freq time.Duration) (func(), error) {
	p, err := pmon.Monitor(os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("could not start monitoring: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, fmt.Sprintf("tt4_%03d-pmon.log", run)))
	if err != nil {
		return nil, fmt.Errorf("could not create pmon log file: %w", err)
	}
	p.W = f
	p.Freq = freq

	go func() {
		err := p.Run()
		if err != nil {
			msg.Printf("could not run pmon: %+v", err)
		}
	}()

	return func() {
		err := p.Kill()
		if err != nil {
			msg.Printf("could not stop monitoring: %+v", err)
		}
		_ = f.Close()
	}, nil
}

func report(cfg config.Mail, rec rundb.Run) {
	m := mail.NewMessage()
	m.SetHeader("From", cfg.From)
	m.SetHeader("Bcc", cfg.To...)
	m.SetHeader("Subject", fmt.Sprintf("[tt4-daq] run %d", rec.Number))

	status := "ok"
	if rec.Err != "" {
		status = rec.Err
	}
	m.SetBody("text/plain", fmt.Sprintf(
		"run:       %d\nsource:    %s\nboard:     0x%x\nstart:     %v\nstop:      %v\n"+
			"groups:    %d\nhits:      %d\nrollovers: %d\nmalformed: %d\nstatus:    %s\n",
		rec.Number, rec.Source, rec.Serial,
		rec.Start.Format(time.RFC3339), rec.Stop.Format(time.RFC3339),
		rec.Groups, rec.Hits, rec.Rollovers, rec.Malformed, status,
	))

	err := sendMail(cfg, m)
	if err != nil {
		msg.Printf("could not send run report: %+v", err)
	}
}
