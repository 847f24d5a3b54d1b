// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/jamesob/bitcoin/internal/flatfile"
	"github.com/jamesob/bitcoin/internal/treedb"
)

// testDirs houses the on-disk locations shared by a test store so the same
// data can be reopened by a second store within a test.
type testDirs struct {
	dbPath    string
	blocksDir string
}

// newTestDirs returns store locations rooted in a temporary directory that is
// automatically cleaned up with the test.
func newTestDirs(t *testing.T) testDirs {
	t.Helper()
	dir := t.TempDir()
	return testDirs{
		dbPath:    filepath.Join(dir, "blocktree"),
		blocksDir: filepath.Join(dir, "blocks"),
	}
}

// openTestStore returns a block store over the provided locations along with
// its block tree database.  The mutate callback, when non-nil, may adjust the
// store configuration before the store is created.
func openTestStore(t *testing.T, dirs testDirs, mutate func(*BlockStoreConfig)) (*BlockStore, *treedb.BlockTreeDB) {
	t.Helper()

	db, err := treedb.Open(dirs.dbPath)
	if err != nil {
		t.Fatalf("treedb.Open: unexpected error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &BlockStoreConfig{
		Params:    &chaincfg.SimNetParams,
		DB:        db,
		BlocksDir: dirs.blocksDir,
	}
	if mutate != nil {
		mutate(cfg)
	}
	store, err := NewBlockStore(cfg)
	if err != nil {
		t.Fatalf("NewBlockStore: unexpected error: %v", err)
	}
	return store, db
}

// newTestManager returns a chain manager over a fresh store with the genesis
// block already stored.
func newTestManager(t *testing.T, mutate func(*BlockStoreConfig)) (*ChainManager, testDirs) {
	t.Helper()

	dirs := newTestDirs(t)
	store, _ := openTestStore(t, dirs, mutate)
	m := NewChainManager(&ChainManagerConfig{
		Params: &chaincfg.SimNetParams,
		Store:  store,
	})
	if err := m.LoadGenesisBlock(); err != nil {
		t.Fatalf("LoadGenesisBlock: unexpected error: %v", err)
	}
	return m, dirs
}

// newTestBlock returns a block that connects to the provided parent block.
// The nonce must be unique per block so sibling blocks hash differently, and
// padding grows the block's serialized size via the coinbase signature script
// so tests can force block file rollovers without thousands of blocks.
func newTestBlock(parent *wire.MsgBlock, nonce uint32, padding int) *wire.MsgBlock {
	script := make([]byte, 5+padding)
	script[0] = 0x04
	script[1] = byte(nonce)
	script[2] = byte(nonce >> 8)
	script[3] = byte(nonce >> 16)
	script[4] = byte(nonce >> 24)
	coinbase := &wire.MsgTx{
		Version: 1,
		TxIn: []*wire.TxIn{{
			PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
			SignatureScript:  script,
			Sequence:         wire.MaxTxInSequenceNum,
		}},
		TxOut: []*wire.TxOut{{Value: 50e8, PkScript: []byte{0x51}}},
	}

	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:    1,
			PrevBlock:  parent.BlockHash(),
			MerkleRoot: coinbase.TxHash(),
			Timestamp:  parent.Header.Timestamp.Add(time.Minute),
			Bits:       parent.Header.Bits,
			Nonce:      nonce,
		},
		Transactions: []*wire.MsgTx{coinbase},
	}
	return block
}

// buildTestChain stores count generated blocks on top of the genesis block
// through the provided manager and returns them, genesis first.
func buildTestChain(t *testing.T, m *ChainManager, count, padding int) []*wire.MsgBlock {
	t.Helper()

	blocks := []*wire.MsgBlock{m.params.GenesisBlock}
	for i := 0; i < count; i++ {
		block := newTestBlock(blocks[len(blocks)-1], uint32(i+1), padding)
		if err := m.AcceptDiskBlock(block, flatfile.NullPos()); err != nil {
			t.Fatalf("AcceptDiskBlock(%d): unexpected error: %v", i+1, err)
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// nodeByBlock returns the index node of the provided block, failing the test
// when the block is not indexed.
func nodeByBlock(t *testing.T, m *ChainManager, block *wire.MsgBlock) *blockNode {
	t.Helper()

	hash := block.BlockHash()
	node := m.store.index.LookupNode(&hash)
	if node == nil {
		t.Fatalf("block %s is not in the index", hash)
	}
	return node
}
