// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package snapshot persists connectome snapshots to a local SQLite
database. A snapshot is written as four BLOB buckets in a single
key/value table, all inside one transaction, so a crash mid-save leaves
the previous snapshot intact. Payloads use a versioned little-endian
binary encoding; float arrays round-trip bit for bit.
*/
package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/spikeforge/npu/connectome"
)

const (
	bucketHeader   = "header"
	bucketAreas    = "areas"
	bucketNeurons  = "neurons"
	bucketSynapses = "synapses"
)

// Store is a single-snapshot SQLite store. Each Save overwrites the
// previous snapshot; history is not kept.
type Store struct {
	db *sql.DB
}

// Open opens or creates the snapshot database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Save validates snap and writes all four buckets in one transaction.
func (s *Store) Save(ctx context.Context, snap *connectome.Snapshot) (retErr error) {
	if err := snap.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	buckets := []struct {
		name    string
		payload []byte
	}{
		{bucketHeader, encodeHeader(snap.BurstCount)},
		{bucketAreas, encodeAreas(snap.Areas)},
		{bucketNeurons, encodeNeurons(snap.Neurons)},
		{bucketSynapses, encodeSynapses(&snap.Synapses)},
	}
	for _, b := range buckets {
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket, payload) VALUES(?, ?)
			ON CONFLICT(bucket) DO UPDATE SET payload = excluded.payload`,
			b.name, b.payload); err != nil {
			return fmt.Errorf("write bucket %s: %w", b.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// Load reads the stored snapshot. The second return is false when the
// database holds no snapshot yet.
func (s *Store) Load(ctx context.Context) (*connectome.Snapshot, bool, error) {
	header, err := s.bucket(ctx, bucketHeader)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	burst, err := decodeHeader(header)
	if err != nil {
		return nil, false, err
	}
	snap := &connectome.Snapshot{BurstCount: burst}
	ab, err := s.bucket(ctx, bucketAreas)
	if err != nil {
		return nil, false, err
	}
	if snap.Areas, err = decodeAreas(ab); err != nil {
		return nil, false, err
	}
	nb, err := s.bucket(ctx, bucketNeurons)
	if err != nil {
		return nil, false, err
	}
	if snap.Neurons, err = decodeNeurons(nb); err != nil {
		return nil, false, err
	}
	sb, err := s.bucket(ctx, bucketSynapses)
	if err != nil {
		return nil, false, err
	}
	if snap.Synapses, err = decodeSynapses(sb); err != nil {
		return nil, false, err
	}
	if err := snap.Validate(); err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

func (s *Store) bucket(ctx context.Context, name string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM state WHERE bucket = ?`, name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		if name == bucketHeader {
			return nil, err
		}
		return nil, corrupt(fmt.Sprintf("bucket %s missing", name))
	}
	if err != nil {
		return nil, fmt.Errorf("read bucket %s: %w", name, err)
	}
	return payload, nil
}
