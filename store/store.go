// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists encoded snapshot streams in BadgerDB.
//
// The serialization engine produces opaque byte streams; this package is
// the durable home for them between builds. Each snapshot is stored under a
// "snapshot:{build-id}:{entry}" key as [4-byte CRC32][payload], so that a
// later read detects on-disk corruption before handing bytes to the
// engine's decoder.
//
// This is part of the tiered model around the engine:
//
//	Hot (in-memory graph) → Warm (BadgerDB snapshots) → rebuild from source
//
// Cache directory layout policy and invalidation live in the surrounding
// layer; this package only stores, retrieves, and verifies streams.
//
// # Thread Safety
//
// Store is safe for concurrent use. Badger transactions isolate writers.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Sentinel errors for store operations.
var (
	// ErrStoreClosed is returned when operations are called on a closed store.
	ErrStoreClosed = errors.New("snapshot store is closed")

	// ErrSnapshotNotFound is returned when no snapshot exists under a key.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSnapshotCorrupted is returned when a stored payload fails its
	// integrity check.
	ErrSnapshotCorrupted = errors.New("snapshot corrupted (CRC mismatch)")

	// ErrInvalidKey is returned for keys with empty components.
	ErrInvalidKey = errors.New("invalid snapshot key")
)

const keyPrefix = "snapshot:"

// Key identifies one stored snapshot stream.
type Key struct {
	// BuildID groups the snapshots of one persisted build.
	BuildID string

	// Entry names the serialized unit within the build (e.g. a task path).
	Entry string
}

// NewBuildID returns a fresh build identifier.
func NewBuildID() string {
	return uuid.NewString()
}

// Validate checks both components are present and free of the separator.
func (k Key) Validate() error {
	if k.BuildID == "" || k.Entry == "" {
		return fmt.Errorf("%w: build id and entry must be non-empty", ErrInvalidKey)
	}
	if strings.Contains(k.BuildID, ":") {
		return fmt.Errorf("%w: build id must not contain ':'", ErrInvalidKey)
	}
	return nil
}

// String renders the on-disk key form.
func (k Key) String() string {
	return keyPrefix + k.BuildID + ":" + k.Entry
}

func (k Key) bytes() []byte {
	return []byte(k.String())
}

func parseKey(raw []byte) (Key, bool) {
	s := string(raw)
	if !strings.HasPrefix(s, keyPrefix) {
		return Key{}, false
	}
	rest := s[len(keyPrefix):]
	idx := strings.Index(rest, ":")
	if idx <= 0 || idx == len(rest)-1 {
		return Key{}, false
	}
	return Key{BuildID: rest[:idx], Entry: rest[idx+1:]}, true
}

// Config holds snapshot store configuration.
type Config struct {
	// Path is the directory for store files. Required unless InMemory.
	Path string

	// InMemory enables in-memory mode (testing).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// GCInterval is how often value log GC runs for persistent stores.
	// Zero disables GC.
	GCInterval time.Duration

	// Logger for store operations. Default: slog.Default().
	Logger *slog.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return errors.New("path is required for persistent store")
	}
	return nil
}

// DefaultConfig returns production defaults: sync writes on, five-minute
// GC interval.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		GCInterval: 5 * time.Minute,
	}
}

// InMemoryConfig returns a configuration for testing: no disk, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Stats summarizes store contents.
type Stats struct {
	// Snapshots is the number of stored snapshot streams.
	Snapshots int64

	// TotalBytes is the framed size of all payloads.
	TotalBytes int64
}

// VerifyReport is the outcome of VerifyAll.
type VerifyReport struct {
	// Checked is the number of snapshots verified.
	Checked int64

	// Corrupted lists keys whose payload failed the integrity check.
	Corrupted []Key
}

// Store is a BadgerDB-backed snapshot store.
type Store struct {
	db     *badger.DB
	gc     *gcRunner
	logger *slog.Logger
	closed atomic.Bool
}

// Open opens a snapshot store with the given configuration.
//
// Outputs:
//   - *Store: Ready store. Call Close when done.
//   - error: Non-nil if the configuration is invalid or badger fails to open.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With(slog.String("component", "snapshot-store"))

	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = newGCRunner(db, cfg.GCInterval, logger)
		s.gc.start()
	}

	logger.Info("snapshot store opened",
		slog.String("path", cfg.Path),
		slog.Bool("in_memory", cfg.InMemory),
		slog.Bool("sync_writes", cfg.SyncWrites))
	return s, nil
}

// Put stores a snapshot payload under key, framed with a CRC32 checksum.
func (s *Store) Put(ctx context.Context, key Key, payload []byte) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := key.Validate(); err != nil {
		return err
	}

	ctx, span := otel.Tracer("stategraph.store").Start(ctx, "store.Put",
		trace.WithAttributes(
			attribute.String("build_id", key.BuildID),
			attribute.String("entry", key.Entry),
			attribute.Int("payload_bytes", len(payload)),
		))
	defer span.End()

	framed := frame(payload)
	err := withTxn(ctx, s.db, func(txn *badger.Txn) error {
		return txn.Set(key.bytes(), framed)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return fmt.Errorf("put snapshot %s: %w", key, err)
	}

	s.logger.Debug("snapshot stored",
		slog.String("key", key.String()),
		slog.Int("bytes", len(framed)))
	return nil
}

// Get retrieves and integrity-checks the snapshot under key.
func (s *Store) Get(ctx context.Context, key Key) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("stategraph.store").Start(ctx, "store.Get",
		trace.WithAttributes(
			attribute.String("build_id", key.BuildID),
			attribute.String("entry", key.Entry),
		))
	defer span.End()

	var payload []byte
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		item, err := txn.Get(key.bytes())
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrSnapshotNotFound, key)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			payload, err = unframe(val)
			return err
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return nil, err
	}
	return payload, nil
}

// Delete removes the snapshot under key. Deleting a missing key is a no-op.
func (s *Store) Delete(ctx context.Context, key Key) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := key.Validate(); err != nil {
		return err
	}
	err := withTxn(ctx, s.db, func(txn *badger.Txn) error {
		return txn.Delete(key.bytes())
	})
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", key, err)
	}
	return nil
}

// List returns the keys of all stored snapshots.
func (s *Store) List(ctx context.Context) ([]Key, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	var keys []Key
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(keyPrefix)); it.ValidForPrefix([]byte(keyPrefix)); it.Next() {
			if key, ok := parseKey(it.Item().KeyCopy(nil)); ok {
				keys = append(keys, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return keys, nil
}

// Stats summarizes store contents.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if s.closed.Load() {
		return Stats{}, ErrStoreClosed
	}
	var stats Stats
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(keyPrefix)); it.ValidForPrefix([]byte(keyPrefix)); it.Next() {
			stats.Snapshots++
			stats.TotalBytes += it.Item().EstimatedSize()
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("store stats: %w", err)
	}
	return stats, nil
}

// VerifyAll integrity-checks every stored snapshot concurrently.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - parallelism: Maximum concurrent checks. Values < 1 mean 4.
//
// Outputs:
//   - VerifyReport: Counts and the keys of corrupted snapshots.
//   - error: Non-nil on store-level failure; corruption alone is reported,
//     not returned as an error.
func (s *Store) VerifyAll(ctx context.Context, parallelism int) (VerifyReport, error) {
	if s.closed.Load() {
		return VerifyReport{}, ErrStoreClosed
	}
	if parallelism < 1 {
		parallelism = 4
	}

	ctx, span := otel.Tracer("stategraph.store").Start(ctx, "store.VerifyAll")
	defer span.End()

	keys, err := s.List(ctx)
	if err != nil {
		return VerifyReport{}, err
	}

	var (
		checked   atomic.Int64
		corrupted = make([]Key, 0)
		corruptCh = make(chan Key, len(keys))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			_, err := s.Get(gctx, key)
			switch {
			case errors.Is(err, ErrSnapshotCorrupted):
				corruptCh <- key
			case err != nil:
				return err
			}
			checked.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "verify failed")
		return VerifyReport{}, fmt.Errorf("verify snapshots: %w", err)
	}
	close(corruptCh)
	for key := range corruptCh {
		corrupted = append(corrupted, key)
	}

	span.SetAttributes(
		attribute.Int64("checked", checked.Load()),
		attribute.Int("corrupted", len(corrupted)),
	)
	return VerifyReport{Checked: checked.Load(), Corrupted: corrupted}, nil
}

// Close stops background GC and closes the database. Safe to call once.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.gc != nil {
		s.gc.stop()
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	s.logger.Info("snapshot store closed")
	return nil
}

// frame prepends a CRC32 checksum: [4-byte CRC][payload].
func frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(payload))
	copy(out[4:], payload)
	return out
}

// unframe verifies and strips the checksum.
func unframe(framed []byte) ([]byte, error) {
	if len(framed) < 4 {
		return nil, fmt.Errorf("%w: frame too short", ErrSnapshotCorrupted)
	}
	stored := binary.BigEndian.Uint32(framed[:4])
	payload := framed[4:]
	if computed := crc32.ChecksumIEEE(payload); computed != stored {
		return nil, fmt.Errorf("%w: stored=%08x computed=%08x", ErrSnapshotCorrupted, stored, computed)
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}
