// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestKey_String(t *testing.T) {
	k := Key{BuildID: "b-1", Entry: "task:compile"}
	assert.Equal(t, "snapshot:b-1:task:compile", k.String())
}

func TestKey_Validate(t *testing.T) {
	assert.NoError(t, Key{BuildID: "b", Entry: "e"}.Validate())
	assert.ErrorIs(t, Key{Entry: "e"}.Validate(), ErrInvalidKey)
	assert.ErrorIs(t, Key{BuildID: "b"}.Validate(), ErrInvalidKey)
	assert.ErrorIs(t, Key{BuildID: "a:b", Entry: "e"}.Validate(), ErrInvalidKey)
}

func TestParseKey(t *testing.T) {
	k, ok := parseKey([]byte("snapshot:build-7:task:compile"))
	require.True(t, ok)
	assert.Equal(t, "build-7", k.BuildID)
	// Entries may contain separators; only the first one splits
	assert.Equal(t, "task:compile", k.Entry)

	_, ok = parseKey([]byte("other:build:entry"))
	assert.False(t, ok)
	_, ok = parseKey([]byte("snapshot:noentry"))
	assert.False(t, ok)
}

func TestNewBuildID_Unique(t *testing.T) {
	assert.NotEqual(t, NewBuildID(), NewBuildID())
}

func TestStore_PutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := Key{BuildID: NewBuildID(), Entry: "task:compile"}
	payload := []byte("serialized graph bytes")

	require.NoError(t, s.Put(ctx, key, payload))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), Key{BuildID: "nope", Entry: "task:x"})
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := Key{BuildID: "b", Entry: "e"}

	require.NoError(t, s.Put(ctx, key, []byte("x")))
	require.NoError(t, s.Delete(ctx, key))

	_, err := s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	// Deleting a missing key is a no-op
	assert.NoError(t, s.Delete(ctx, key))
}

func TestStore_List(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	build := NewBuildID()
	for _, entry := range []string{"task:a", "task:b", "task:c"} {
		require.NoError(t, s.Put(ctx, Key{BuildID: build, Entry: entry}, []byte(entry)))
	}

	keys, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	for _, k := range keys {
		assert.Equal(t, build, k.BuildID)
	}
}

func TestStore_Stats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Snapshots)

	require.NoError(t, s.Put(ctx, Key{BuildID: "b", Entry: "e1"}, []byte("one")))
	require.NoError(t, s.Put(ctx, Key{BuildID: "b", Entry: "e2"}, []byte("two")))

	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Snapshots)
	assert.Greater(t, stats.TotalBytes, int64(0))
}

func TestStore_CorruptionDetected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := Key{BuildID: "b", Entry: "e"}

	require.NoError(t, s.Put(ctx, key, []byte("intact payload")))

	// Flip a payload byte underneath the framing
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key.bytes())
		if err != nil {
			return err
		}
		framed, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		framed[len(framed)-1] ^= 0xff
		return txn.Set(key.bytes(), framed)
	})
	require.NoError(t, err)

	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrSnapshotCorrupted)
}

func TestStore_VerifyAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	good := Key{BuildID: "b", Entry: "good"}
	bad := Key{BuildID: "b", Entry: "bad"}
	require.NoError(t, s.Put(ctx, good, []byte("fine")))
	require.NoError(t, s.Put(ctx, bad, []byte("doomed")))

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(bad.bytes())
		if err != nil {
			return err
		}
		framed, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		framed[0] ^= 0xff
		return txn.Set(bad.bytes(), framed)
	})
	require.NoError(t, err)

	report, err := s.VerifyAll(ctx, 2)
	require.NoError(t, err)
	require.Len(t, report.Corrupted, 1)
	assert.Equal(t, bad, report.Corrupted[0])
}

func TestStore_ClosedOperations(t *testing.T) {
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	ctx := context.Background()
	key := Key{BuildID: "b", Entry: "e"}

	assert.ErrorIs(t, s.Put(ctx, key, nil), ErrStoreClosed)
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.List(ctx)
	assert.ErrorIs(t, err, ErrStoreClosed)

	// Idempotent
	assert.NoError(t, s.Close())
}

func TestFraming(t *testing.T) {
	payload := []byte("payload")
	framed := frame(payload)
	require.Len(t, framed, len(payload)+4)

	got, err := unframe(framed)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = unframe([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrSnapshotCorrupted)

	framed[5] ^= 0x01
	_, err = unframe(framed)
	assert.ErrorIs(t, err, ErrSnapshotCorrupted)
}

func TestOpen_InvalidConfig(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
