// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package conddb holds types to describe the condition database of the
// TimeTagger4 readout: the boards and their time calibrations.
package conddb // import "github.com/go-lpc/tt4/conddb"

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/go-lpc/tt4/tdc"
)

var (
	host = "localhost"
	usr  = "username"
	pwd  = "s3cr3t"

	drvName = "mysql"
)

// ErrNoCalibration is returned when no calibration is recorded for a board.
var ErrNoCalibration = errors.New("conddb: no calibration")

// DB exposes convenience methods to easily retrieve conditions data
// from the TimeTagger4 database.
type DB struct {
	db   *sql.DB
	name string // name of the database
}

// Open opens a connection to the database dbname.
// The TT4_DB_HOST, TT4_DB_USER and TT4_DB_PASS environment variables,
// when set, override the default credentials.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("conddb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		return nil, fmt.Errorf("conddb: could not ping %q db: %w", dbname, err)
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf(
		"%s:%s@tcp(%s)/%s",
		getenv("TT4_DB_USER", usr),
		getenv("TT4_DB_PASS", pwd),
		getenv("TT4_DB_HOST", host),
		db,
	)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("conddb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

// Board describes a registered TimeTagger4 board.
type Board struct {
	ID       uint64
	Serial   uint32
	Name     string
	Firmware int32
}

// Boards returns all the registered boards.
func (db *DB) Boards(ctx context.Context) ([]Board, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var boards []Board
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT identifier, serial, name, firmware FROM boards ORDER BY serial",
	)
	if err != nil {
		return boards, fmt.Errorf("conddb: could not run boards query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var b Board
		err = rows.Scan(&b.ID, &b.Serial, &b.Name, &b.Firmware)
		if err != nil {
			return boards, fmt.Errorf("conddb: could not scan boards: %w", err)
		}
		boards = append(boards, b)
	}

	if err := rows.Err(); err != nil {
		return boards, fmt.Errorf("conddb: could not scan db for boards: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return boards, fmt.Errorf("conddb: context error while retrieving boards: %w", err)
	}

	return boards, nil
}

// LastCalibration returns the most recent calibration of the board with
// the provided serial number.
func (db *DB) LastCalibration(ctx context.Context, serial uint32) (tdc.Calibration, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		cal tdc.Calibration
		n   int
	)
	rows, err := db.db.QueryContext(
		ctx,
		`
SELECT binsize, packet_binsize, rollover FROM calibrations
WHERE serial=?
ORDER BY datetime DESC LIMIT 1
`,
		serial,
	)
	if err != nil {
		return cal, fmt.Errorf("conddb: could not query calibration: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		err = rows.Scan(&cal.BinSize, &cal.PacketBinSize, &cal.RolloverPeriod)
		if err != nil {
			return cal, fmt.Errorf("conddb: could not get calibration value: %w", err)
		}
		n++
	}

	if err := rows.Err(); err != nil {
		return cal, fmt.Errorf("conddb: could not scan db for calibration: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return cal, fmt.Errorf("conddb: context error while retrieving calibration: %w", err)
	}

	if n == 0 {
		return cal, fmt.Errorf("%w for board 0x%x", ErrNoCalibration, serial)
	}

	err = cal.Validate()
	if err != nil {
		return cal, fmt.Errorf("conddb: invalid calibration for board 0x%x: %w", serial, err)
	}

	return cal, nil
}

// InsertCalibration records a new calibration for the board with the
// provided serial number.
func (db *DB) InsertCalibration(ctx context.Context, serial uint32, cal tdc.Calibration) error {
	err := cal.Validate()
	if err != nil {
		return fmt.Errorf("conddb: refusing invalid calibration: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err = db.db.ExecContext(
		ctx,
		`
INSERT INTO calibrations (serial, binsize, packet_binsize, rollover, datetime)
VALUES (?, ?, ?, ?, ?)
`,
		serial, cal.BinSize, cal.PacketBinSize, cal.RolloverPeriod,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("conddb: could not insert calibration for board 0x%x: %w", serial, err)
	}

	return nil
}
