// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package conddb

import (
	"context"
	"database/sql/driver"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/go-lpc/tt4/internal/fakedb"
	"github.com/go-lpc/tt4/tdc"
)

func init() {
	drvName = "fakedb"
}

func TestOpen(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()
}

func TestDSN(t *testing.T) {
	t.Setenv("TT4_DB_HOST", "db.example.org:3306")
	t.Setenv("TT4_DB_USER", "")

	if got, want := dsn("tt4"), "username:s3cr3t@tcp(db.example.org:3306)/tt4"; got != want {
		t.Fatalf("invalid dsn: got=%q, want=%q", got, want)
	}
}

func TestQueryContext(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	const query = "SELECT serial FROM boards"

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"serial"},
		Values: [][]driver.Value{
			{uint32(139)},
		},
	}, func(ctx context.Context) error {
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			t.Fatalf("could not execute query %q: %+v", query, err)
		}
		defer rows.Close()

		var serial uint32
		for rows.Next() {
			err = rows.Scan(&serial)
			if err != nil {
				t.Fatalf("could not scan serial: %+v", err)
			}
		}

		if err := rows.Err(); err != nil {
			t.Fatalf("could not scan serial: %+v", err)
		}

		if got, want := serial, uint32(139); got != want {
			t.Fatalf("invalid serial: got=%d, want=%d", got, want)
		}
		return nil
	})
}

func TestBoards(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	want := []Board{
		{1, 3<<24 | 42, "TimeTagger4-1G", 1},
		{2, 3<<24 | 43, "TimeTagger4-2G", 2},
	}
	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"identifier", "serial", "name", "firmware"},
		Values: [][]driver.Value{
			{want[0].ID, want[0].Serial, want[0].Name, want[0].Firmware},
			{want[1].ID, want[1].Serial, want[1].Name, want[1].Firmware},
		},
	}, func(ctx context.Context) error {
		boards, err := db.Boards(ctx)
		if err != nil {
			t.Fatalf("could not retrieve boards: %+v", err)
		}

		if got, want := boards, want; !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid boards:\ngot= %#v\nwant=%#v", got, want)
		}
		return nil
	})
}

func TestLastCalibration(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	for _, tc := range []struct {
		name string
		rows [][]driver.Value
		want tdc.Calibration
		err  string
	}{
		{
			name: "ok",
			rows: [][]driver.Value{
				{13.0208, 500.0, uint64(1 << 24)},
			},
			want: tdc.Calibration{
				BinSize:        13.0208,
				PacketBinSize:  500,
				RolloverPeriod: 1 << 24,
			},
		},
		{
			name: "no-calibration",
			err:  "conddb: no calibration for board 0x300002a",
		},
		{
			name: "invalid",
			rows: [][]driver.Value{
				{13.0208, 500.0, uint64(1000)},
			},
			err: "conddb: invalid calibration for board 0x300002a: tdc: rollover period 1000 is not a power of two",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_ = fakedb.Run(context.Background(), fakedb.Rows{
				Names:  []string{"binsize", "packet_binsize", "rollover"},
				Values: tc.rows,
			}, func(ctx context.Context) error {
				cal, err := db.LastCalibration(ctx, 3<<24|42)
				switch {
				case err == nil && tc.err == "":
					// ok
				case err == nil && tc.err != "":
					t.Fatalf("expected an error (%s)", tc.err)
				case err != nil && tc.err == "":
					t.Fatalf("could not retrieve calibration: %+v", err)
				default:
					if got, want := err.Error(), tc.err; got != want {
						t.Fatalf("invalid error:\ngot= %q\nwant=%q", got, want)
					}
					return nil
				}

				if got, want := cal, tc.want; got != want {
					t.Fatalf("invalid calibration:\ngot= %+v\nwant=%+v", got, want)
				}
				return nil
			})
		})
	}
}

func TestLastCalibrationNotFound(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"binsize", "packet_binsize", "rollover"},
	}, func(ctx context.Context) error {
		_, err := db.LastCalibration(ctx, 42)
		if !errors.Is(err, ErrNoCalibration) {
			t.Fatalf("invalid error: %+v", err)
		}
		return nil
	})
}

func TestInsertCalibration(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	cal := tdc.Calibration{
		BinSize:        13.0208,
		PacketBinSize:  500,
		RolloverPeriod: 1 << 24,
	}

	err = db.InsertCalibration(context.Background(), 42, tdc.Calibration{})
	if err == nil {
		t.Fatalf("expected an error")
	}

	_ = fakedb.Run(context.Background(), fakedb.Rows{}, func(ctx context.Context) error {
		err := db.InsertCalibration(ctx, 3<<24|42, cal)
		if err != nil {
			t.Fatalf("could not insert calibration: %+v", err)
		}

		execs := fakedb.Execs()
		if got, want := len(execs), 1; got != want {
			t.Fatalf("invalid number of statements: got=%d, want=%d", got, want)
		}
		exec := execs[0]
		if !strings.Contains(exec.Query, "INSERT INTO calibrations") {
			t.Fatalf("invalid statement: %q", exec.Query)
		}
		if got, want := len(exec.Args), 5; got != want {
			t.Fatalf("invalid number of arguments: got=%d, want=%d", got, want)
		}
		want := []driver.Value{int64(3<<24 | 42), 13.0208, 500.0, int64(1 << 24)}
		if got := exec.Args[:4]; !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid arguments:\ngot= %#v\nwant=%#v", got, want)
		}
		return nil
	})
}
