// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package treedb provides the durable store that backs the in-memory block
// index.  It houses one row per known block header keyed so that a single
// ordered pass yields parents before children, per-file metadata for the block
// and undo flat files, and a handful of whole-database flags.
//
// The store intentionally treats row values as opaque bytes.  Serialization of
// the index entries and file records belongs to the blockchain package, which
// owns the types being persisted.
package treedb

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	'b' || height (4 bytes, big endian) || block hash   -> index row
//	'f' || file number (4 bytes, big endian)            -> file record
//	'l'                                                 -> last block file
//	'R'                                                 -> reindexing marker
//	'F' || flag name                                    -> boolean flag
//
// Big endian heights make the index rows iterate in height order, which lets
// the loader link each node to an already-loaded parent in one pass.
const (
	indexRowPrefix = 'b'
	fileInfoPrefix = 'f'
	lastFilePrefix = 'l'
	reindexPrefix  = 'R'
	flagPrefix     = 'F'
)

// FlagPruned is the name of the flag recording that block files have been
// pruned at some point in the store's life.
const FlagPruned = "prunedblockfiles"

// BlockTreeDB provides durable storage for the block index and block file
// metadata.  All reads and writes are safe for concurrent use.
type BlockTreeDB struct {
	ldb *leveldb.DB
}

// Open opens the block tree database at the provided path, creating it when it
// does not exist.  A corrupted database is recovered when possible so a crash
// during a batched write does not permanently wedge the node.
func Open(path string) (*BlockTreeDB, error) {
	opts := opt.Options{
		Strict: opt.DefaultStrict,
		Filter: filter.NewBloomFilter(10),
	}
	ldb, err := leveldb.OpenFile(path, &opts)
	if ldberrors.IsCorrupted(err) {
		log.Warnf("Block tree database corrupted; attempting recovery: %v", err)
		ldb, err = leveldb.RecoverFile(path, &opts)
	}
	if err != nil {
		str := fmt.Sprintf("unable to open block tree database %q: %v", path,
			err)
		return nil, makeError(ErrDbOpen, str)
	}
	return &BlockTreeDB{ldb: ldb}, nil
}

// Close cleanly shuts down the database.  The handle must not be used after a
// close, and reopening the same path while a handle remains open corrupts the
// backing store.
func (db *BlockTreeDB) Close() error {
	if err := db.ldb.Close(); err != nil {
		str := fmt.Sprintf("unable to close block tree database: %v", err)
		return makeError(ErrDbOpen, str)
	}
	return nil
}

// indexRowKey returns the key of the index row for the provided height and
// block hash.
func indexRowKey(height uint32, hash *chainhash.Hash) []byte {
	key := make([]byte, 1+4+chainhash.HashSize)
	key[0] = indexRowPrefix
	binary.BigEndian.PutUint32(key[1:5], height)
	copy(key[5:], hash[:])
	return key
}

// fileInfoKey returns the key of the metadata record for the provided file
// number.
func fileInfoKey(file int32) []byte {
	key := make([]byte, 5)
	key[0] = fileInfoPrefix
	binary.BigEndian.PutUint32(key[1:], uint32(file))
	return key
}

// flagKey returns the key of the provided named flag.
func flagKey(name string) []byte {
	return append([]byte{flagPrefix}, name...)
}

// get returns the value of the provided key, or nil when the key is absent.
func (db *BlockTreeDB) get(key []byte) ([]byte, error) {
	value, err := db.ldb.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		str := fmt.Sprintf("unable to read key %x: %v", key, err)
		return nil, makeError(ErrDbRead, str)
	}
	return value, nil
}

// WriteReindexing marks or clears the persistent reindexing-in-progress
// marker.  The marker survives a crash mid-reindex so the next start resumes
// the reindex rather than trusting a half-rebuilt index.
func (db *BlockTreeDB) WriteReindexing(reindexing bool) error {
	var err error
	if reindexing {
		err = db.ldb.Put([]byte{reindexPrefix}, []byte{1}, nil)
	} else {
		err = db.ldb.Delete([]byte{reindexPrefix}, nil)
	}
	if err != nil {
		str := fmt.Sprintf("unable to update reindexing marker: %v", err)
		return makeError(ErrDbWrite, str)
	}
	return nil
}

// ReadReindexing returns whether the persistent reindexing marker is set.
func (db *BlockTreeDB) ReadReindexing() (bool, error) {
	value, err := db.get([]byte{reindexPrefix})
	if err != nil {
		return false, err
	}
	return len(value) == 1 && value[0] == 1, nil
}

// WriteFlag sets or clears the provided named boolean flag.
func (db *BlockTreeDB) WriteFlag(name string, value bool) error {
	encoded := []byte{0}
	if value {
		encoded[0] = 1
	}
	if err := db.ldb.Put(flagKey(name), encoded, nil); err != nil {
		str := fmt.Sprintf("unable to write flag %q: %v", name, err)
		return makeError(ErrDbWrite, str)
	}
	return nil
}

// ReadFlag returns the value of the provided named boolean flag.  An absent
// flag reads as false.
func (db *BlockTreeDB) ReadFlag(name string) (bool, error) {
	value, err := db.get(flagKey(name))
	if err != nil {
		return false, err
	}
	return len(value) == 1 && value[0] == 1, nil
}

// ReadLastBlockFile returns the highest block file number recorded by the most
// recent batched flush along with whether the record exists at all, which it
// will not for a freshly created store.
func (db *BlockTreeDB) ReadLastBlockFile() (int32, bool, error) {
	value, err := db.get([]byte{lastFilePrefix})
	if err != nil {
		return 0, false, err
	}
	if value == nil {
		return 0, false, nil
	}
	if len(value) != 4 {
		str := fmt.Sprintf("malformed last block file record of length %d",
			len(value))
		return 0, false, makeError(ErrCorruption, str)
	}
	return int32(binary.BigEndian.Uint32(value)), true, nil
}

// ReadFileInfo returns the serialized metadata record for the provided file
// number, or nil when no record exists.
func (db *BlockTreeDB) ReadFileInfo(file int32) ([]byte, error) {
	return db.get(fileInfoKey(file))
}

// IndexRow is one block index row to be written by a batched flush.
type IndexRow struct {
	Height uint32
	Hash   chainhash.Hash
	Value  []byte
}

// WriteBatchSync atomically writes the provided dirty file records, the
// highest in-use file number, and the provided dirty index rows, then syncs
// the write ahead log so the batch survives a crash.
//
// The ordering constraint this upholds is that index rows claiming a block has
// data on disk are never durable before the file metadata that bounds them.
func (db *BlockTreeDB) WriteBatchSync(files map[int32][]byte, lastFile int32, rows []IndexRow) error {
	batch := new(leveldb.Batch)
	for file, value := range files {
		batch.Put(fileInfoKey(file), value)
	}
	var lastFileValue [4]byte
	binary.BigEndian.PutUint32(lastFileValue[:], uint32(lastFile))
	batch.Put([]byte{lastFilePrefix}, lastFileValue[:])
	for i := range rows {
		row := &rows[i]
		batch.Put(indexRowKey(row.Height, &row.Hash), row.Value)
	}

	writeOpts := opt.WriteOptions{Sync: true}
	if err := db.ldb.Write(batch, &writeOpts); err != nil {
		str := fmt.Sprintf("unable to write index batch of %d rows: %v",
			len(rows), err)
		return makeError(ErrDbWrite, str)
	}
	return nil
}

// IndexIterator iterates the stored block index rows in height order.
//
// The iteration contract is intentionally a plain pull-style iterator rather
// than a per-entry callback so the loader controls the pass and can abandon it
// on error or interrupt without unwinding through the store.
type IndexIterator struct {
	iter iterator.Iterator
}

// IndexIterator returns an iterator over every stored block index row ordered
// by ascending height.  The caller must release the iterator when done.
func (db *BlockTreeDB) IndexIterator() *IndexIterator {
	prefixRange := util.BytesPrefix([]byte{indexRowPrefix})
	return &IndexIterator{iter: db.ldb.NewIterator(prefixRange, nil)}
}

// Next advances the iterator to the next row.  It returns false when the
// iterator is exhausted.
func (it *IndexIterator) Next() bool {
	return it.iter.Next()
}

// Height returns the block height encoded in the current row's key.
func (it *IndexIterator) Height() uint32 {
	return binary.BigEndian.Uint32(it.iter.Key()[1:5])
}

// Hash returns the block hash encoded in the current row's key.
func (it *IndexIterator) Hash() chainhash.Hash {
	var hash chainhash.Hash
	copy(hash[:], it.iter.Key()[5:])
	return hash
}

// Value returns a copy of the current row's opaque value bytes.
func (it *IndexIterator) Value() []byte {
	value := it.iter.Value()
	result := make([]byte, len(value))
	copy(result, value)
	return result
}

// Error returns any accumulated iteration error.
func (it *IndexIterator) Error() error {
	if err := it.iter.Error(); err != nil {
		str := fmt.Sprintf("index iteration failed: %v", err)
		return makeError(ErrDbRead, str)
	}
	return nil
}

// Release releases the iterator's underlying resources.
func (it *IndexIterator) Release() {
	it.iter.Release()
}
