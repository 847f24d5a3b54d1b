// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package treedb

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// newTestDB returns a block tree database rooted in a temporary directory that
// is automatically cleaned up with the test.
func newTestDB(t *testing.T) *BlockTreeDB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "blocktree"))
	if err != nil {
		t.Fatalf("Open: unexpected error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// testHash returns a deterministic hash derived from the provided seed byte.
func testHash(seed byte) chainhash.Hash {
	var hash chainhash.Hash
	for i := range hash {
		hash[i] = seed ^ byte(i)
	}
	return hash
}

// TestReindexingMarker ensures the reindexing marker is absent by default and
// round trips through set and clear.
func TestReindexingMarker(t *testing.T) {
	db := newTestDB(t)

	reindexing, err := db.ReadReindexing()
	if err != nil {
		t.Fatalf("ReadReindexing: unexpected error: %v", err)
	}
	if reindexing {
		t.Fatal("fresh database reports reindexing in progress")
	}

	if err := db.WriteReindexing(true); err != nil {
		t.Fatalf("WriteReindexing: unexpected error: %v", err)
	}
	reindexing, err = db.ReadReindexing()
	if err != nil {
		t.Fatalf("ReadReindexing: unexpected error: %v", err)
	}
	if !reindexing {
		t.Fatal("reindexing marker not set after write")
	}

	if err := db.WriteReindexing(false); err != nil {
		t.Fatalf("WriteReindexing clear: unexpected error: %v", err)
	}
	reindexing, err = db.ReadReindexing()
	if err != nil {
		t.Fatalf("ReadReindexing: unexpected error: %v", err)
	}
	if reindexing {
		t.Fatal("reindexing marker still set after clear")
	}
}

// TestFlags ensures named flags read as false when absent and round trip
// through writes.
func TestFlags(t *testing.T) {
	db := newTestDB(t)

	pruned, err := db.ReadFlag(FlagPruned)
	if err != nil {
		t.Fatalf("ReadFlag: unexpected error: %v", err)
	}
	if pruned {
		t.Fatal("fresh database reports pruned flag set")
	}

	if err := db.WriteFlag(FlagPruned, true); err != nil {
		t.Fatalf("WriteFlag: unexpected error: %v", err)
	}
	pruned, err = db.ReadFlag(FlagPruned)
	if err != nil {
		t.Fatalf("ReadFlag: unexpected error: %v", err)
	}
	if !pruned {
		t.Fatal("pruned flag not set after write")
	}
}

// TestWriteBatchIterate ensures a batched flush lands atomically and the index
// iterator yields rows in ascending height order regardless of insert order.
func TestWriteBatchIterate(t *testing.T) {
	db := newTestDB(t)

	// Insert rows deliberately out of height order.
	rows := []IndexRow{
		{Height: 2, Hash: testHash(2), Value: []byte("row two")},
		{Height: 0, Hash: testHash(0), Value: []byte("row zero")},
		{Height: 1, Hash: testHash(1), Value: []byte("row one")},
	}
	files := map[int32][]byte{
		0: []byte("file zero record"),
		1: []byte("file one record"),
	}
	if err := db.WriteBatchSync(files, 1, rows); err != nil {
		t.Fatalf("WriteBatchSync: unexpected error: %v", err)
	}

	lastFile, ok, err := db.ReadLastBlockFile()
	if err != nil {
		t.Fatalf("ReadLastBlockFile: unexpected error: %v", err)
	}
	if !ok || lastFile != 1 {
		t.Fatalf("unexpected last block file: got (%d, %v), want (1, true)",
			lastFile, ok)
	}

	for file, want := range files {
		got, err := db.ReadFileInfo(file)
		if err != nil {
			t.Fatalf("ReadFileInfo(%d): unexpected error: %v", file, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("ReadFileInfo(%d): got %q, want %q", file, got, want)
		}
	}
	missing, err := db.ReadFileInfo(7)
	if err != nil {
		t.Fatalf("ReadFileInfo(7): unexpected error: %v", err)
	}
	if missing != nil {
		t.Fatalf("ReadFileInfo(7): got %q, want nil", missing)
	}

	// Iterate and require ascending height order with matching hashes.
	iter := db.IndexIterator()
	defer iter.Release()
	var heights []uint32
	for iter.Next() {
		height := iter.Height()
		wantHash := testHash(byte(height))
		if gotHash := iter.Hash(); gotHash != wantHash {
			t.Fatalf("iterator hash mismatch at height %d: got %v, want %v",
				height, gotHash, wantHash)
		}
		heights = append(heights, height)
	}
	if err := iter.Error(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	wantHeights := []uint32{0, 1, 2}
	if len(heights) != len(wantHeights) {
		t.Fatalf("unexpected row count: got %d, want %d", len(heights),
			len(wantHeights))
	}
	for i, want := range wantHeights {
		if heights[i] != want {
			t.Fatalf("unexpected iteration order: got %v, want %v", heights,
				wantHeights)
		}
	}
}

// TestReadLastBlockFileMissing ensures a fresh database reports no last block
// file record.
func TestReadLastBlockFileMissing(t *testing.T) {
	db := newTestDB(t)
	_, ok, err := db.ReadLastBlockFile()
	if err != nil {
		t.Fatalf("ReadLastBlockFile: unexpected error: %v", err)
	}
	if ok {
		t.Fatal("fresh database reports a last block file record")
	}
}
