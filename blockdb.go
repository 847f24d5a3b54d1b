// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jamesob/bitcoin/internal/blockchain"
	"github.com/jamesob/bitcoin/internal/coinsdb"
	"github.com/jamesob/bitcoin/internal/treedb"
)

const (
	// blockTreeDbName is the directory under the data directory that houses
	// the durable block index.
	blockTreeDbName = "blocktree"

	// blocksDirname is the directory under the data directory that houses
	// the flat block and undo files.
	blocksDirname = "blocks"

	// chainstateDbName is the directory under the data directory that
	// houses the coins view for the normal chainstate.  The assumed-valid
	// chainstate, when one exists, appends a suffix to it.
	chainstateDbName = "chainstate"
)

// loadBlockTreeDB opens (or creates when needed) the block tree database and
// returns a handle to it.  A requested full reindex discards the existing
// index first since it will be rebuilt from the block files on disk.
func loadBlockTreeDB() (*treedb.BlockTreeDB, error) {
	dbPath := filepath.Join(cfg.DataDir, blockTreeDbName)
	if cfg.Reindex && fileExists(dbPath) {
		btcdLog.Infof("Removing stale block index at %s for reindex", dbPath)
		if err := os.RemoveAll(dbPath); err != nil {
			return nil, fmt.Errorf("unable to remove stale block index: %w",
				err)
		}
	}

	btcdLog.Infof("Loading block index database from '%s'", dbPath)
	db, err := treedb.Open(dbPath)
	if err != nil {
		return nil, err
	}

	btcdLog.Info("Block index database loaded")
	return db, nil
}

// chainstateDbPath returns the coins view database path for a chainstate
// role.
func chainstateDbPath(role blockchain.ChainstateRole) string {
	dbName := chainstateDbName
	if role == blockchain.RoleAssumedValid {
		dbName += "_snapshot"
	}
	return filepath.Join(cfg.DataDir, dbName)
}

// openCoinsView opens (or creates when needed) the coins view database for a
// chainstate role.  A requested reindex of either flavor discards the
// existing view first since its contents will be rebuilt from block data.
func openCoinsView(role blockchain.ChainstateRole) (blockchain.CoinsView, error) {
	dbPath := chainstateDbPath(role)
	if (cfg.Reindex || cfg.ReindexChainstate) && fileExists(dbPath) {
		btcdLog.Infof("Removing stale %v chainstate at %s for reindex", role,
			dbPath)
		if err := os.RemoveAll(dbPath); err != nil {
			return nil, fmt.Errorf("unable to remove stale chainstate: %w",
				err)
		}
	}

	return coinsdb.Open(dbPath)
}
