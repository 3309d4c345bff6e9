// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rundb keeps track of the acquisition runs in a bbolt database.
package rundb // import "github.com/go-lpc/tt4/internal/rundb"

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucket = []byte("runs")

// ErrNotFound is returned when a run is not registered.
var ErrNotFound = errors.New("rundb: run not found")

// Run describes an acquisition run.
type Run struct {
	Number uint32    `json:"number"`
	Source string    `json:"source"` // ring or capture file
	Serial uint32    `json:"serial"` // board serial number
	Start  time.Time `json:"start"`
	Stop   time.Time `json:"stop,omitempty"`

	Groups    uint64 `json:"groups"`
	Hits      uint64 `json:"hits"`
	Rollovers uint64 `json:"rollovers"`
	Malformed uint64 `json:"malformed"`

	Err string `json:"error,omitempty"` // error that ended the run, if any
}

// DB is a run registry.
type DB struct {
	db *bbolt.DB
}

// Open opens (and creates if needed) the run registry at path.
func Open(path string) (*DB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("rundb: could not open %q: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rundb: could not create runs bucket: %w", err)
	}

	return &DB{db: db}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func key(run uint32) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, run)
	return k
}

// NextRun reserves and returns the next run number.
// Run numbers start at 1 and are never reused.
func (db *DB) NextRun(src string, start time.Time) (uint32, error) {
	var run uint32
	err := db.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		run = 1
		if k, _ := b.Cursor().Last(); k != nil {
			run = binary.BigEndian.Uint32(k) + 1
		}
		return put(b, Run{Number: run, Source: src, Start: start.UTC()})
	})
	if err != nil {
		return 0, fmt.Errorf("rundb: could not reserve run number: %w", err)
	}
	return run, nil
}

// Put records run, replacing any previous record with the same number.
func (db *DB) Put(run Run) error {
	err := db.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucket), run)
	})
	if err != nil {
		return fmt.Errorf("rundb: could not store run %d: %w", run.Number, err)
	}
	return nil
}

func put(b *bbolt.Bucket, run Run) error {
	v, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return b.Put(key(run.Number), v)
}

// Get returns the record of the provided run.
func (db *DB) Get(run uint32) (Run, error) {
	var v Run
	err := db.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucket).Get(key(run))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &v)
	})
	if err != nil {
		return v, fmt.Errorf("rundb: could not get run %d: %w", run, err)
	}
	return v, nil
}

// Runs returns all the registered runs, by increasing run number.
func (db *DB) Runs() ([]Run, error) {
	var runs []Run
	err := db.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, raw []byte) error {
			var v Run
			err := json.Unmarshal(raw, &v)
			if err != nil {
				return fmt.Errorf("could not decode run %d: %w", binary.BigEndian.Uint32(k), err)
			}
			runs = append(runs, v)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("rundb: could not list runs: %w", err)
	}
	return runs, nil
}
