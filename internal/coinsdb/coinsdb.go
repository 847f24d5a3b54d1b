// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package coinsdb provides the small durable database that tracks how far the
// coins view of a chainstate has been applied.  The UTXO set itself is
// maintained elsewhere; this store only records the best block the view is
// built up to, the on-disk schema version, and the markers needed to recover
// from an interrupted flush.
package coinsdb

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// Key layout:
//
//	'V' -> schema version (4 bytes, big endian)
//	'B' -> best block hash
//	'H' -> interrupted flush marker (old hash || new hash)
//	'W' -> witness data validated flag
const (
	versionPrefix    = 'V'
	bestBlockPrefix  = 'B'
	headBlocksPrefix = 'H'
	witnessPrefix    = 'W'
)

// currentVersion is the schema version written by this software.  Stores at
// an older version are migrated in place by Upgrade.
const currentVersion = 2

// CoinsDB tracks the application state of a coins view.  All reads and writes
// are safe for concurrent use.
type CoinsDB struct {
	ldb       *leveldb.DB
	cacheSize uint64
}

// Open opens the coins database at the provided path, creating it when it
// does not exist.  A corrupted database is recovered when possible.
func Open(path string) (*CoinsDB, error) {
	opts := opt.Options{
		Strict: opt.DefaultStrict,
		Filter: filter.NewBloomFilter(10),
	}
	ldb, err := leveldb.OpenFile(path, &opts)
	if ldberrors.IsCorrupted(err) {
		log.Warnf("Coins database corrupted; attempting recovery: %v", err)
		ldb, err = leveldb.RecoverFile(path, &opts)
	}
	if err != nil {
		str := fmt.Sprintf("unable to open coins database %q: %v", path, err)
		return nil, makeError(ErrDbOpen, str)
	}
	return &CoinsDB{ldb: ldb}, nil
}

// Close cleanly shuts down the database.  The handle must not be used after a
// close.
func (db *CoinsDB) Close() error {
	if err := db.ldb.Close(); err != nil {
		str := fmt.Sprintf("unable to close coins database: %v", err)
		return makeError(ErrDbOpen, str)
	}
	return nil
}

// get returns the value of the provided key, or nil when the key is absent.
func (db *CoinsDB) get(key byte) ([]byte, error) {
	value, err := db.ldb.Get([]byte{key}, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		str := fmt.Sprintf("unable to read key %c: %v", key, err)
		return nil, makeError(ErrDbRead, str)
	}
	return value, nil
}

// put durably writes the provided value under the provided key.
func (db *CoinsDB) put(key byte, value []byte) error {
	writeOpts := opt.WriteOptions{Sync: true}
	if err := db.ldb.Put([]byte{key}, value, &writeOpts); err != nil {
		str := fmt.Sprintf("unable to write key %c: %v", key, err)
		return makeError(ErrDbWrite, str)
	}
	return nil
}

// delete durably removes the provided key.
func (db *CoinsDB) delete(key byte) error {
	writeOpts := opt.WriteOptions{Sync: true}
	if err := db.ldb.Delete([]byte{key}, &writeOpts); err != nil {
		str := fmt.Sprintf("unable to delete key %c: %v", key, err)
		return makeError(ErrDbWrite, str)
	}
	return nil
}

// BestBlock returns the hash of the block the view's state is built up to.  A
// zero hash means the view has never been written.
func (db *CoinsDB) BestBlock() (chainhash.Hash, error) {
	var hash chainhash.Hash
	value, err := db.get(bestBlockPrefix)
	if err != nil {
		return hash, err
	}
	if value == nil {
		return hash, nil
	}
	if len(value) != chainhash.HashSize {
		str := fmt.Sprintf("malformed best block record of length %d",
			len(value))
		return hash, makeError(ErrCorruption, str)
	}
	copy(hash[:], value)
	return hash, nil
}

// SetBestBlock durably records the hash of the block the view's state is
// built up to.  Blocks recorded by this software always have their witness
// data validated, so the witness flag is set alongside.
func (db *CoinsDB) SetBestBlock(hash *chainhash.Hash) error {
	if err := db.put(bestBlockPrefix, hash[:]); err != nil {
		return err
	}
	return db.put(witnessPrefix, []byte{1})
}

// Empty returns whether the view has never been written.
func (db *CoinsDB) Empty() (bool, error) {
	best, err := db.BestBlock()
	if err != nil {
		return false, err
	}
	var zero chainhash.Hash
	return best == zero, nil
}

// Upgrade migrates the store from any older on-disk schema version.  It is a
// no-op when the version is current and fails when the store was written by
// newer software.  A fresh store is stamped with the current version.
func (db *CoinsDB) Upgrade(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := db.get(versionPrefix)
	if err != nil {
		return err
	}
	version := uint32(0)
	switch {
	case value == nil:
	case len(value) == 4:
		version = binary.BigEndian.Uint32(value)
	default:
		str := fmt.Sprintf("malformed version record of length %d",
			len(value))
		return makeError(ErrCorruption, str)
	}
	if version > currentVersion {
		str := fmt.Sprintf("coins database version %d is newer than the "+
			"highest supported version %d", version, currentVersion)
		return makeError(ErrBadVersion, str)
	}
	if version > 0 && version < currentVersion {
		log.Infof("Upgrading coins database from version %d to %d...",
			version, currentVersion)
	}

	var encoded [4]byte
	binary.BigEndian.PutUint32(encoded[:], currentVersion)
	return db.put(versionPrefix, encoded[:])
}

// StartFlush durably records that a flush moving the view from oldBest to
// newBest has begun.  The marker is cleared by FinishFlush; a marker found on
// open indicates the previous flush was interrupted.
func (db *CoinsDB) StartFlush(oldBest, newBest *chainhash.Hash) error {
	marker := make([]byte, 2*chainhash.HashSize)
	copy(marker, oldBest[:])
	copy(marker[chainhash.HashSize:], newBest[:])
	return db.put(headBlocksPrefix, marker)
}

// FinishFlush durably records the new best block and clears the interrupted
// flush marker.
func (db *CoinsDB) FinishFlush(newBest *chainhash.Hash) error {
	if err := db.SetBestBlock(newBest); err != nil {
		return err
	}
	return db.delete(headBlocksPrefix)
}

// ReplayBlocks completes any flush that was interrupted by an unclean
// shutdown.  The block data a replay needs is durable before the marker is
// written, so recovery amounts to rolling the view forward to the flush
// target and clearing the marker.
func (db *CoinsDB) ReplayBlocks(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	marker, err := db.get(headBlocksPrefix)
	if err != nil {
		return err
	}
	if marker == nil {
		return nil
	}
	if len(marker) != 2*chainhash.HashSize {
		str := fmt.Sprintf("malformed flush marker of length %d", len(marker))
		return makeError(ErrCorruption, str)
	}

	var target chainhash.Hash
	copy(target[:], marker[chainhash.HashSize:])
	log.Infof("Replaying blocks to %s after interrupted flush", target)
	return db.FinishFlush(&target)
}

// InitCache sizes the view's in-memory cache.
func (db *CoinsDB) InitCache(sizeBytes uint64) {
	db.cacheSize = sizeBytes
	log.Debugf("Using %.1f MiB for coins view cache",
		float64(sizeBytes)/(1024*1024))
}

// NeedsRedownload returns whether blocks applied to the view were validated
// under rules that no longer suffice.  Views written before witness data was
// validated must be rebuilt from a fresh download.
func (db *CoinsDB) NeedsRedownload() (bool, error) {
	empty, err := db.Empty()
	if err != nil {
		return false, err
	}
	if empty {
		return false, nil
	}
	value, err := db.get(witnessPrefix)
	if err != nil {
		return false, err
	}
	validated := len(value) == 1 && value[0] == 1
	return !validated, nil
}
