// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint persists run snapshots for resumable execution.
//
// A checkpoint is a durable copy of a run's resolution table and loop
// cursors. Records are keyed by run id and snapshot sequence number,
// so replays order naturally and Latest is a reverse scan. Every
// record carries a sha256 checksum verified on load; a corrupt
// checkpoint is an error, never silently partial state.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/inferplan/services/planrun/engine"
	"github.com/AleutianAI/inferplan/services/planrun/storage/badger"
)

// FormatVersion is the checkpoint record format version.
const FormatVersion = 1

var (
	// ErrNotFound indicates no checkpoint exists for the requested run.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrChecksumMismatch indicates a stored checkpoint failed
	// verification.
	ErrChecksumMismatch = errors.New("checkpoint checksum mismatch")

	// ErrVersionMismatch indicates a stored checkpoint uses an
	// unsupported format version.
	ErrVersionMismatch = errors.New("checkpoint version mismatch")

	// ErrInvalidInput indicates invalid arguments.
	ErrInvalidInput = errors.New("invalid input")
)

// Handle identifies one saved checkpoint.
type Handle struct {
	// RunID is the run the checkpoint belongs to.
	RunID string `json:"run_id"`

	// Seq is the snapshot sequence number at save time. Higher is
	// newer within a run.
	Seq uint64 `json:"seq"`
}

// record is the stored representation.
type record struct {
	Version  int              `json:"version"`
	SavedAt  time.Time        `json:"saved_at"`
	Checksum string           `json:"checksum"`
	Snapshot *engine.Snapshot `json:"snapshot"`
}

// Store persists and restores run snapshots in BadgerDB.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewStore creates a checkpoint store over an open database.
func NewStore(db *badger.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: db must not be nil", ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// key builds the storage key for one checkpoint. The sequence number
// is fixed-width so lexicographic key order matches numeric order.
func key(runID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("run/%s/ckpt/%020d", runID, seq))
}

// runPrefix is the key prefix covering all of a run's checkpoints.
func runPrefix(runID string) []byte {
	return []byte(fmt.Sprintf("run/%s/ckpt/", runID))
}

// computeChecksum hashes the snapshot's canonical JSON encoding.
func computeChecksum(snap *engine.Snapshot) (string, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Save persists a snapshot and returns its handle.
//
// Description:
//
//	Writes one durable record keyed by (run id, snapshot sequence).
//	Saving the same sequence twice overwrites with identical content,
//	so periodic checkpointing of a quiet run is idempotent.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	snap - The snapshot to persist. Must carry a run id.
//
// Outputs:
//
//	Handle - Identifies the saved checkpoint.
//	error - Non-nil on marshalling or storage failure.
func (s *Store) Save(ctx context.Context, snap *engine.Snapshot) (Handle, error) {
	if snap == nil || snap.RunID == "" {
		return Handle{}, fmt.Errorf("%w: snapshot with run id required", ErrInvalidInput)
	}

	checksum, err := computeChecksum(snap)
	if err != nil {
		return Handle{}, err
	}
	rec := record{
		Version:  FormatVersion,
		SavedAt:  time.Now().UTC(),
		Checksum: checksum,
		Snapshot: snap,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Handle{}, fmt.Errorf("marshal checkpoint record: %w", err)
	}

	h := Handle{RunID: snap.RunID, Seq: snap.Seq}
	err = s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Set(key(h.RunID, h.Seq), data)
	})
	if err != nil {
		return Handle{}, fmt.Errorf("save checkpoint %s/%d: %w", h.RunID, h.Seq, err)
	}

	s.logger.Debug("checkpoint saved",
		slog.String("run_id", h.RunID),
		slog.Uint64("seq", h.Seq),
		slog.Int("entries", len(snap.Entries)),
	)
	return h, nil
}

// Load reads and verifies the checkpoint identified by a handle.
//
// Outputs:
//
//	*engine.Snapshot - The verified snapshot.
//	error - ErrNotFound, ErrChecksumMismatch, ErrVersionMismatch, or a
//	        storage error.
func (s *Store) Load(ctx context.Context, h Handle) (*engine.Snapshot, error) {
	if h.RunID == "" {
		return nil, fmt.Errorf("%w: handle with run id required", ErrInvalidInput)
	}

	var data []byte
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key(h.RunID, h.Seq))
		if err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s/%d", ErrNotFound, h.RunID, h.Seq)
			}
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// Latest returns the most recent checkpoint for a run.
//
// Outputs:
//
//	Handle - The newest checkpoint's handle.
//	*engine.Snapshot - The verified snapshot.
//	error - ErrNotFound when the run has no checkpoints.
func (s *Store) Latest(ctx context.Context, runID string) (Handle, *engine.Snapshot, error) {
	if runID == "" {
		return Handle{}, nil, fmt.Errorf("%w: run id required", ErrInvalidInput)
	}

	prefix := runPrefix(runID)
	var data []byte
	var h Handle
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts just past the prefix range.
		seek := append(append([]byte{}, prefix...), 0xff)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return fmt.Errorf("%w: run %s", ErrNotFound, runID)
		}
		item := it.Item()
		var err error
		data, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var seq uint64
		k := item.Key()
		if _, err := fmt.Sscanf(string(k[len(prefix):]), "%d", &seq); err != nil {
			return fmt.Errorf("parse checkpoint key %q: %w", k, err)
		}
		h = Handle{RunID: runID, Seq: seq}
		return nil
	})
	if err != nil {
		return Handle{}, nil, err
	}

	snap, err := decodeRecord(data)
	if err != nil {
		return Handle{}, nil, err
	}
	return h, snap, nil
}

// Delete removes all checkpoints for a run.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if runID == "" {
		return fmt.Errorf("%w: run id required", ErrInvalidInput)
	}
	prefix := runPrefix(runID)
	var keys [][]byte
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// decodeRecord unmarshals and verifies a stored checkpoint.
func decodeRecord(data []byte) (*engine.Snapshot, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint record: %w", err)
	}
	if rec.Version != FormatVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, rec.Version, FormatVersion)
	}
	if rec.Snapshot == nil {
		return nil, fmt.Errorf("%w: record has no snapshot", ErrChecksumMismatch)
	}
	checksum, err := computeChecksum(rec.Snapshot)
	if err != nil {
		return nil, err
	}
	if checksum != rec.Checksum {
		return nil, fmt.Errorf("%w: stored %s, computed %s", ErrChecksumMismatch, rec.Checksum, checksum)
	}
	return rec.Snapshot, nil
}
