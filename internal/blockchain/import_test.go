// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/jamesob/bitcoin/internal/flatfile"
)

// reindexManager stores a padded chain through one manager, then returns a
// second manager over the same blocks directory with a fresh block tree
// database and a pending reindex, as if the index had been lost.
func reindexManager(t *testing.T, blockCount int) (*ChainManager, []*wire.MsgBlock) {
	t.Helper()

	m, dirs := newTestManager(t, fastPruneConfig)
	blocks := buildTestChain(t, m, blockCount, testPadding)
	if err := m.store.db.Close(); err != nil {
		t.Fatalf("Close: unexpected error: %v", err)
	}

	dirs.dbPath = filepath.Join(filepath.Dir(dirs.dbPath), "blocktree2")
	store, db := openTestStore(t, dirs, fastPruneConfig)
	if err := db.WriteReindexing(true); err != nil {
		t.Fatalf("WriteReindexing: unexpected error: %v", err)
	}
	m2 := NewChainManager(&ChainManagerConfig{
		Params: &chaincfg.SimNetParams,
		Store:  store,
	})
	m2.reindexing = true
	return m2, blocks
}

// TestImportBlocksReindex ensures a reindex scan rebuilds the block index from
// the block files alone, with positions that read back, and clears the
// durable reindex marker.
func TestImportBlocksReindex(t *testing.T) {
	m, blocks := reindexManager(t, 20)

	err := m.ImportBlocks(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("ImportBlocks: unexpected error: %v", err)
	}

	if m.Reindexing() {
		t.Fatal("manager still reports a reindex in progress")
	}
	marker, err := m.store.db.ReadReindexing()
	if err != nil {
		t.Fatalf("ReadReindexing: unexpected error: %v", err)
	}
	if marker {
		t.Fatal("durable reindex marker not cleared")
	}

	for height, block := range blocks {
		node := nodeByBlock(t, m, block)
		if node.height != int32(height) {
			t.Fatalf("height %d rebuilt at height %d", height, node.height)
		}
		if !m.store.index.NodeStatus(node).HaveData() {
			t.Fatalf("height %d rebuilt without its data flag", height)
		}
		got, err := m.store.ReadBlock(node)
		if err != nil {
			t.Fatalf("ReadBlock(%d): unexpected error: %v", height, err)
		}
		if got.BlockHash() != node.hash {
			t.Fatalf("height %d read back as %s", height, got.BlockHash())
		}
		if node.chainTxCount != uint64(height+1) {
			t.Fatalf("height %d: got chainTxCount %d, want %d", height,
				node.chainTxCount, height+1)
		}
	}
}

// TestImportBlocksStopsAtGap ensures the reindex scan stops at the first
// missing block file since files past a gap cannot connect.
func TestImportBlocksStopsAtGap(t *testing.T) {
	m, blocks := reindexManager(t, 20)

	// Remove the middle file.  The rebuild must cover exactly the blocks of
	// file 0, even though later files survive on disk.
	gapPos := flatfile.NewFlatFilePos(1, 0)
	if err := os.Remove(m.store.blockSeq.FileName(gapPos)); err != nil {
		t.Fatalf("Remove: unexpected error: %v", err)
	}

	if err := m.ImportBlocks(context.Background(), nil, nil); err != nil {
		t.Fatalf("ImportBlocks: unexpected error: %v", err)
	}

	var indexed int
	for _, block := range blocks {
		hash := block.BlockHash()
		if m.store.index.HaveBlock(&hash) {
			indexed++
		}
	}
	if indexed == len(blocks) {
		t.Fatal("blocks past the missing file were rebuilt")
	}
	if indexed == 0 {
		t.Fatal("no blocks rebuilt from the surviving first file")
	}

	// The surviving prefix must be contiguous from genesis.
	for height := 0; height < indexed; height++ {
		hash := blocks[height].BlockHash()
		if !m.store.index.HaveBlock(&hash) {
			t.Fatalf("rebuilt range is not contiguous at height %d", height)
		}
	}
}

// writeExternalBlockFile writes the provided blocks as magic-framed records
// to a standalone file, separated by the provided garbage bytes, and returns
// its path.
func writeExternalBlockFile(t *testing.T, dir string, blocks []*wire.MsgBlock, garbage []byte) string {
	t.Helper()

	path := filepath.Join(dir, "bootstrap.dat")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: unexpected error: %v", err)
	}
	defer f.Close()

	for _, block := range blocks {
		if _, err := f.Write(garbage); err != nil {
			t.Fatalf("Write: unexpected error: %v", err)
		}
		var hdr [blockRecordHeaderSize]byte
		byteOrder.PutUint32(hdr[0:], uint32(chaincfg.SimNetParams.Net))
		byteOrder.PutUint32(hdr[4:], uint32(block.SerializeSize()))
		if _, err := f.Write(hdr[:]); err != nil {
			t.Fatalf("Write: unexpected error: %v", err)
		}
		if err := block.Serialize(f); err != nil {
			t.Fatalf("Serialize: unexpected error: %v", err)
		}
	}
	return path
}

// TestImportBlocksExternalFile ensures blocks imported from an external file
// are stored into the managed block files, with out-of-order blocks buffered
// until their parent arrives and garbage between records skipped.
func TestImportBlocksExternalFile(t *testing.T) {
	m, _ := newTestManager(t, nil)

	genesis := chaincfg.SimNetParams.GenesisBlock
	block1 := newTestBlock(genesis, 1, 0)
	block2 := newTestBlock(block1, 2, 0)
	block3 := newTestBlock(block2, 3, 0)

	// Deliver the chain out of order with junk between records.
	path := writeExternalBlockFile(t, t.TempDir(),
		[]*wire.MsgBlock{block2, block3, block1},
		[]byte{0x00, 0x00, 0xde, 0xad, 0xbe, 0xef})

	err := m.ImportBlocks(context.Background(), nil, []string{path})
	if err != nil {
		t.Fatalf("ImportBlocks: unexpected error: %v", err)
	}

	for height, block := range []*wire.MsgBlock{block1, block2, block3} {
		node := nodeByBlock(t, m, block)
		if node.height != int32(height+1) {
			t.Fatalf("imported block indexed at height %d, want %d",
				node.height, height+1)
		}
		if !m.store.index.NodeStatus(node).HaveData() {
			t.Fatalf("imported block at height %d has no data", height+1)
		}
		got, err := m.store.ReadBlock(node)
		if err != nil {
			t.Fatalf("ReadBlock(%d): unexpected error: %v", height+1, err)
		}
		if got.BlockHash() != node.hash {
			t.Fatalf("imported block at height %d read back as %s", height+1,
				got.BlockHash())
		}
	}

	// A missing extra file is skipped without failing the import.
	missing := filepath.Join(t.TempDir(), "missing.dat")
	if err := m.ImportBlocks(context.Background(), nil, []string{missing}); err != nil {
		t.Fatalf("ImportBlocks with missing file: unexpected error: %v", err)
	}
}

// TestImportBlocksCanceled ensures a canceled context stops a file scan.
func TestImportBlocksCanceled(t *testing.T) {
	m, _ := reindexManager(t, 8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.ImportBlocks(ctx, nil, nil); err != context.Canceled {
		t.Fatalf("got error %v, want %v", err, context.Canceled)
	}
}
