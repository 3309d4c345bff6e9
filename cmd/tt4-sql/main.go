// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tt4-sql inspects the TimeTagger4 condition database.
//
// Usage: tt4-sql [OPTIONS]
//
// Example:
//
//	$> tt4-sql -serial=0x300002a
//	$> tt4-sql -i
//	tt4-sql> SELECT serial, name FROM boards
package main // import "github.com/go-lpc/tt4/cmd/tt4-sql"

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/peterh/liner"

	"github.com/go-lpc/tt4/conddb"
	"github.com/go-lpc/tt4/tdc"
)

func main() {
	log.SetPrefix("tt4-sql: ")
	log.SetFlags(0)

	var (
		dbname = flag.String("db", "tt4", "name of the condition database")
		serial = flag.String("serial", "", "board serial number to inspect (default: all boards)")
		interp = flag.Bool("i", false, "start an interactive SQL shell")
	)

	flag.Parse()

	db, err := conddb.Open(*dbname)
	if err != nil {
		log.Fatalf("could not open TT4 db: %+v", err)
	}
	defer db.Close()

	if *interp {
		err = shell(db)
		if err != nil {
			log.Fatalf("could not run shell: %+v", err)
		}
		return
	}

	err = doQuery(os.Stdout, db, *serial)
	if err != nil {
		log.Fatalf("could not do query: %+v", err)
	}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	Boards(ctx context.Context) ([]conddb.Board, error)
	LastCalibration(ctx context.Context, serial uint32) (tdc.Calibration, error)
}

func doQuery(w io.Writer, db querier, serial string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var boards []conddb.Board
	switch serial {
	case "":
		v, err := db.Boards(ctx)
		if err != nil {
			return fmt.Errorf("could not get boards: %w", err)
		}
		boards = v
	default:
		v, err := strconv.ParseUint(serial, 0, 32)
		if err != nil {
			return fmt.Errorf("could not parse board serial %q: %w", serial, err)
		}
		boards = []conddb.Board{{Serial: uint32(v)}}
	}

	fmt.Fprintf(w, "boards: %d\n", len(boards))
	for _, board := range boards {
		info := tdc.DeviceInfo{Serial: board.Serial}
		cal, err := db.LastCalibration(ctx, board.Serial)
		switch {
		case errors.Is(err, conddb.ErrNoCalibration):
			fmt.Fprintf(w, ">>> board=%s name=%q fw=%d: no calibration\n",
				info.SerialString(), board.Name, board.Firmware,
			)
		case err != nil:
			return fmt.Errorf("could not get calibration of board 0x%x: %w", board.Serial, err)
		default:
			fmt.Fprintf(w, ">>> board=%s name=%q fw=%d: %v\n",
				info.SerialString(), board.Name, board.Firmware, cal,
			)
		}
	}

	return nil
}

func shell(db querier) error {
	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)

	hist := filepath.Join(os.TempDir(), ".tt4-sql.history")
	if f, err := os.Open(hist); err == nil {
		_, _ = term.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		f, err := os.Create(hist)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = term.WriteHistory(f)
	}()

	for {
		line, err := term.Prompt("tt4-sql> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("could not read query: %w", err)
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "quit", "exit", `\q`:
			return nil
		}
		term.AppendHistory(line)

		err = query(os.Stdout, db, strings.TrimSuffix(line, ";"))
		if err != nil {
			fmt.Fprintf(os.Stdout, "error: %+v\n", err)
		}
	}
}

// query runs the provided SQL query and displays the resulting table.
func query(w io.Writer, db querier, stmt string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := db.QueryContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("could not run query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("could not get columns: %w", err)
	}

	var (
		tw   = tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
		vals = make([]sql.RawBytes, len(cols))
		args = make([]interface{}, len(cols))
		n    = 0
	)
	for i := range vals {
		args[i] = &vals[i]
	}

	fmt.Fprintf(tw, "%s\n", strings.Join(cols, "\t"))
	for rows.Next() {
		err = rows.Scan(args...)
		if err != nil {
			return fmt.Errorf("could not scan row %d: %w", n, err)
		}
		for i, v := range vals {
			if i > 0 {
				fmt.Fprintf(tw, "\t")
			}
			if v == nil {
				fmt.Fprintf(tw, "NULL")
				continue
			}
			fmt.Fprintf(tw, "%s", v)
		}
		fmt.Fprintf(tw, "\n")
		n++
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("could not scan rows: %w", err)
	}

	err = tw.Flush()
	if err != nil {
		return fmt.Errorf("could not display rows: %w", err)
	}
	fmt.Fprintf(w, "(%d rows)\n", n)
	return nil
}
