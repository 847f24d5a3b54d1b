// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/jamesob/bitcoin/internal/flatfile"
	"github.com/jamesob/bitcoin/internal/treedb"
)

const (
	// blockfileChunkSize is the pre-allocation chunk size for block files.
	blockfileChunkSize = 0x1000000 // 16 MiB

	// undofileChunkSize is the pre-allocation chunk size for undo files.
	undofileChunkSize = 0x100000 // 1 MiB

	// maxBlockfileSize is the maximum size a block file is allowed to grow
	// to before new blocks roll over into the next numbered file.
	maxBlockfileSize = 0x8000000 // 128 MiB

	// fastPruneChunkSize and fastPruneMaxBlockfileSize replace the normal
	// chunk and rollover sizes when fast prune mode is enabled so pruning
	// behavior can be exercised without writing gigabytes of data.
	fastPruneChunkSize        = 0x4000  // 16 KiB
	fastPruneMaxBlockfileSize = 0x10000 // 64 KiB

	// blockRecordHeaderSize is the size of the header that precedes every
	// record in a block or undo file.  It consists of the network magic
	// followed by the record payload length.
	blockRecordHeaderSize = 8

	// undoChecksumSize is the size of the integrity checksum that trails
	// every undo record.
	undoChecksumSize = chainhash.HashSize

	// MinBlocksToKeep is the number of most recent blocks whose data is
	// never eligible for pruning so that reorganizations of reasonable
	// depth remain possible.
	MinBlocksToKeep = 288

	// pruneLockBuffer is the number of additional blocks retained below
	// every prune lock to give the lock's owner room to move backwards.
	pruneLockBuffer = 10
)

// BlockfileType distinguishes the flat file cursor used by the fully-validated
// chainstate from the one used by a chainstate syncing ahead of background
// validation, so that their blocks are never interleaved within a file.
type BlockfileType int

// The available block file cursor types.
const (
	BlockfileNormal BlockfileType = iota
	BlockfileAssumed
	numBlockfileTypes
)

// String returns the block file type as a human-readable string.
func (t BlockfileType) String() string {
	switch t {
	case BlockfileNormal:
		return "normal"
	case BlockfileAssumed:
		return "assumed"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// blockfileCursor tracks the file a chainstate type is currently appending to
// along with the greatest height for which undo data has been written to that
// file.
type blockfileCursor struct {
	fileNum    int32
	undoHeight int32
}

// Notifications delivers storage failures to the node frontend.  Flush errors
// are advisory, while fatal errors indicate the node cannot safely continue
// accepting blocks.
type Notifications interface {
	FlushError(msg string)
	FatalError(msg string)
}

// noopNotifications discards all notifications and is used when the caller
// does not provide a sink.
type noopNotifications struct{}

func (noopNotifications) FlushError(msg string) {}
func (noopNotifications) FatalError(msg string) {}

// SnapshotMeta describes the UTXO snapshot an assumed-valid chainstate was
// bootstrapped from.
type SnapshotMeta struct {
	// BlockHash is the hash of the snapshot base block.
	BlockHash chainhash.Hash

	// BaseHeight is the height of the snapshot base block.
	BaseHeight int32

	// ChainTxCount is the total number of transactions in the chain up to
	// and including the base block, as committed to by the snapshot.
	ChainTxCount uint64
}

// PruneLockInfo describes a named constraint that prevents block data at or
// above a height from being pruned while some component still needs it.
type PruneLockInfo struct {
	// HeightFirst is the lowest height the lock's owner still requires.
	HeightFirst int32
}

// BlockStoreConfig houses the configuration for a block store.
type BlockStoreConfig struct {
	// Params identifies the network the store belongs to.  The network
	// magic frames every stored record and the genesis hash anchors the
	// block index.
	Params *chaincfg.Params

	// DB is the block tree database used for the durable block index.
	DB *treedb.BlockTreeDB

	// BlocksDir is the directory that houses the flat block and undo files.
	BlocksDir string

	// PruneTarget is the total disk usage in bytes to aim for when pruning.
	// Zero disables automatic pruning.
	PruneTarget uint64

	// FastPrune dramatically shrinks the block file rollover size so that
	// pruning can be exercised with small amounts of data.  It is only
	// useful for testing.
	FastPrune bool

	// Notifications receives storage failure notifications.  It may be nil.
	Notifications Notifications
}

// BlockStore manages the flat block and undo files along with the durable
// block index that describes them.  It owns all bookkeeping about which blocks
// live in which numbered file and coordinates pruning of old files.
type BlockStore struct {
	params           *chaincfg.Params
	db               *treedb.BlockTreeDB
	blocksDir        string
	blockSeq         *flatfile.Seq
	undoSeq          *flatfile.Seq
	ntfns            Notifications
	pruneTarget      uint64
	fastPrune        bool
	maxBlockfileSize uint32

	// index is the in-memory block tree.
	index *blockIndex

	// fileMtx protects the remaining fields.  It is deliberately separate
	// from the block index lock so that file bookkeeping during block
	// writes does not block readers of the index.
	//
	// fileRecords tracks the bookkeeping for every numbered block file.
	//
	// dirtyFiles tracks the file records modified since the last flush of
	// the index database.
	//
	// cursors tracks the file each chainstate type appends to.  An entry
	// is nil until the first block of that type is written or the cursor
	// is seeded while loading the index.
	//
	// havePruned indicates block files have been pruned at any point in the
	// past, even on a prior run.
	//
	// checkForPruning is set when file growth indicates the prune target
	// may have been exceeded and is consumed by the periodic flush.
	//
	// pruneLocks constrains how far pruning may advance on behalf of
	// components that still need older block data.
	//
	// snapshotBase is the height of the active snapshot base block, or -1
	// when no snapshot is in use.
	fileMtx         sync.Mutex
	fileRecords     []*blockFileRecord
	dirtyFiles      map[int32]struct{}
	cursors         [numBlockfileTypes]*blockfileCursor
	havePruned      bool
	checkForPruning bool
	pruneLocks      map[string]PruneLockInfo
	snapshotBase    int32
}

// NewBlockStore returns a block store rooted at the configured blocks
// directory.  The directory is created if needed and the directory-wide
// obfuscation key is loaded or generated.
func NewBlockStore(cfg *BlockStoreConfig) (*BlockStore, error) {
	if err := os.MkdirAll(cfg.BlocksDir, 0700); err != nil {
		str := fmt.Sprintf("unable to create blocks directory %q: %v",
			cfg.BlocksDir, err)
		return nil, makeError(ErrBlockFileOpen, str)
	}

	xorKey, err := flatfile.LoadObfuscationKey(cfg.BlocksDir)
	if err != nil {
		return nil, err
	}

	blockChunk := uint32(blockfileChunkSize)
	maxFileSize := uint32(maxBlockfileSize)
	if cfg.FastPrune {
		blockChunk = fastPruneChunkSize
		maxFileSize = fastPruneMaxBlockfileSize
	}
	blockSeq := flatfile.NewSeq(cfg.BlocksDir, "blk", blockChunk)
	blockSeq.SetObfuscationKey(xorKey)
	undoSeq := flatfile.NewSeq(cfg.BlocksDir, "rev", undofileChunkSize)
	undoSeq.SetObfuscationKey(xorKey)

	ntfns := cfg.Notifications
	if ntfns == nil {
		ntfns = noopNotifications{}
	}

	store := &BlockStore{
		params:           cfg.Params,
		db:               cfg.DB,
		blocksDir:        cfg.BlocksDir,
		blockSeq:         blockSeq,
		undoSeq:          undoSeq,
		ntfns:            ntfns,
		pruneTarget:      cfg.PruneTarget,
		fastPrune:        cfg.FastPrune,
		maxBlockfileSize: maxFileSize,
		index:            newBlockIndex(),
		dirtyFiles:       make(map[int32]struct{}),
		pruneLocks:       make(map[string]PruneLockInfo),
		snapshotBase:     -1,
	}

	// The normal chainstate always appends to file 0 until the index is
	// loaded or the first rollover happens.
	store.cursors[BlockfileNormal] = &blockfileCursor{}
	return store, nil
}

// IsPruneMode returns whether automatic pruning is enabled.
func (s *BlockStore) IsPruneMode() bool {
	return s.pruneTarget != 0
}

// fileRecord returns the bookkeeping record for the given file number, growing
// the tracked set of files as needed.
//
// This function MUST be called with the file mutex held.
func (s *BlockStore) fileRecord(fileNum int32) *blockFileRecord {
	for int(fileNum) >= len(s.fileRecords) {
		s.fileRecords = append(s.fileRecords, &blockFileRecord{})
	}
	return s.fileRecords[fileNum]
}

// maxBlockfileNum returns the greatest file number any chainstate type is
// currently appending to.
//
// This function MUST be called with the file mutex held.
func (s *BlockStore) maxBlockfileNum() int32 {
	var maxNum int32
	for _, cursor := range s.cursors {
		if cursor != nil && cursor.fileNum > maxNum {
			maxNum = cursor.fileNum
		}
	}
	return maxNum
}

// findBlockPos determines the position a block of the given serialized size
// should be written to for the given chainstate type and reserves the space,
// rolling over to a new numbered file when the active one is full.  When known
// is true, the position is taken from the provided pos instead, which is used
// while rebuilding the index from files already on disk, and only the
// bookkeeping is updated.
func (s *BlockStore) findBlockPos(pos *flatfile.FlatFilePos, addSize uint32, height uint32, typ BlockfileType, blockTime uint32, known bool) error {
	s.fileMtx.Lock()
	defer s.fileMtx.Unlock()

	cursor := s.cursors[typ]
	if cursor == nil {
		// The first block written for a fresh chainstate type starts a
		// brand new file so its blocks never share a file with another
		// chainstate's.
		cursor = &blockfileCursor{fileNum: s.maxBlockfileNum() + 1}
		s.cursors[typ] = cursor
	}

	fileNum := cursor.fileNum
	lastFileNum := fileNum
	if known {
		fileNum = pos.File
	}

	finalizeUndo := false
	if !known {
		maxFileSize := s.maxBlockfileSize
		if s.fastPrune && addSize >= maxFileSize {
			// A single record larger than the shrunken rollover size
			// must still fit somewhere.
			maxFileSize = addSize + 1
		}
		for uint64(s.fileRecord(fileNum).size)+uint64(addSize) >=
			uint64(maxFileSize) {

			// When undo data has kept up with the block file being left
			// behind it can be finalized along with it.  When it is
			// lagging behind, the undo write path finalizes it once the
			// final undo record arrives.
			finalizeUndo = int32(s.fileRecord(fileNum).heightLast) ==
				cursor.undoHeight
			fileNum++
		}
		pos.File = fileNum
		pos.Offset = s.fileRecord(fileNum).size
	}

	if fileNum != lastFileNum {
		if !known {
			log.Debugf("Leaving block file %d: %s (onto %d) (height %d)",
				lastFileNum, s.fileRecord(lastFileNum).String(), fileNum,
				height)
		}

		// Flush errors for the file being left behind concern records that
		// were already written and accepted, so they are reported through
		// the notification sink rather than failing this write.
		s.flushBlockFileLocked(lastFileNum, !known, finalizeUndo)
		cursor.fileNum = fileNum
		cursor.undoHeight = 0
	}

	rec := s.fileRecord(fileNum)
	rec.addBlock(height, blockTime)
	if known {
		if pos.Offset+addSize > rec.size {
			rec.size = pos.Offset + addSize
		}
	} else {
		rec.size += addSize

		allocated, err := s.blockSeq.Allocate(*pos, addSize)
		if err != nil {
			s.ntfns.FatalError("Disk space is too low!")
			return err
		}
		if allocated != 0 && s.IsPruneMode() {
			s.checkForPruning = true
		}
	}
	s.dirtyFiles[fileNum] = struct{}{}
	return nil
}

// writeBlockToDisk writes the serialized block prefixed with the record header
// to the position reserved for it and updates the position to refer to the
// block payload rather than the record header.
func (s *BlockStore) writeBlockToDisk(block *wire.MsgBlock, pos *flatfile.FlatFilePos, blockSize uint32) error {
	file, err := s.blockSeq.Open(*pos, false)
	if err != nil {
		return err
	}
	defer file.Close()

	var hdr [blockRecordHeaderSize]byte
	byteOrder.PutUint32(hdr[0:], uint32(s.params.Net))
	byteOrder.PutUint32(hdr[4:], blockSize)
	if _, err := file.Write(hdr[:]); err != nil {
		str := fmt.Sprintf("unable to write block record header at %v: %v",
			*pos, err)
		return makeError(ErrBlockWrite, str)
	}

	pos.Offset = uint32(file.Offset())
	if err := block.Serialize(file); err != nil {
		str := fmt.Sprintf("unable to write block at %v: %v", *pos, err)
		return makeError(ErrBlockWrite, str)
	}
	return nil
}

// SaveBlockToDisk stores the provided block in the flat block files for the
// given chainstate type and returns the position of the serialized block
// payload.  When knownPos is non-nil the block already exists on disk at the
// provided payload position, which happens while rebuilding the index from
// existing files, and only the file bookkeeping is updated.
func (s *BlockStore) SaveBlockToDisk(block *wire.MsgBlock, height int32, typ BlockfileType, knownPos *flatfile.FlatFilePos) (flatfile.FlatFilePos, error) {
	blockSize := uint32(block.SerializeSize())
	addSize := blockSize
	known := knownPos != nil

	var pos flatfile.FlatFilePos
	if known {
		pos = *knownPos
	} else {
		// Reserve space for the record header in addition to the payload.
		addSize += blockRecordHeaderSize
	}

	blockTime := uint32(block.Header.Timestamp.Unix())
	err := s.findBlockPos(&pos, addSize, uint32(height), typ, blockTime, known)
	if err != nil {
		return flatfile.NullPos(), err
	}
	if !known {
		if err := s.writeBlockToDisk(block, &pos, blockSize); err != nil {
			s.ntfns.FatalError("Failed to write block")
			return flatfile.NullPos(), err
		}
	}
	return pos, nil
}

// readBlockAt reads and deserializes the block whose payload starts at the
// provided position.
func (s *BlockStore) readBlockAt(pos flatfile.FlatFilePos) (*wire.MsgBlock, error) {
	file, err := s.blockSeq.Open(pos, true)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var block wire.MsgBlock
	if err := block.Deserialize(file); err != nil {
		str := fmt.Sprintf("unable to deserialize block at %v: %v", pos, err)
		return nil, makeError(ErrDataCorruption, str)
	}
	return &block, nil
}

// ReadBlock reads the full block data for the provided node from disk and
// verifies the bytes on disk actually describe the claimed block.
func (s *BlockStore) ReadBlock(node *blockNode) (*wire.MsgBlock, error) {
	s.index.RLock()
	pos := node.dataPos
	haveData := node.status.HaveData()
	s.index.RUnlock()

	if !haveData || pos.IsNull() {
		str := fmt.Sprintf("no block data available for block %s", node.hash)
		return nil, makeError(ErrNoBlockData, str)
	}

	block, err := s.readBlockAt(pos)
	if err != nil {
		return nil, err
	}
	if hash := block.BlockHash(); hash != node.hash {
		str := fmt.Sprintf("block at %v hashes to %s while the index claims "+
			"%s", pos, hash, node.hash)
		return nil, makeError(ErrDataCorruption, str)
	}
	return block, nil
}

// ReadBlockByHash reads the full block data for the block identified by the
// provided hash from disk.
func (s *BlockStore) ReadBlockByHash(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	node := s.index.LookupNode(hash)
	if node == nil {
		str := fmt.Sprintf("block %s is not known", hash)
		return nil, makeError(ErrNoBlockData, str)
	}
	return s.ReadBlock(node)
}

// ReadRawBlock returns the raw serialized bytes of the block whose payload
// starts at the provided position without deserializing them.  The record
// header preceding the payload is used to frame and sanity check the read.
func (s *BlockStore) ReadRawBlock(pos flatfile.FlatFilePos) ([]byte, error) {
	if pos.Offset < blockRecordHeaderSize {
		str := fmt.Sprintf("block position %v is inside the record header",
			pos)
		return nil, makeError(ErrDataCorruption, str)
	}
	hdrPos := pos
	hdrPos.Offset -= blockRecordHeaderSize

	file, err := s.blockSeq.Open(hdrPos, true)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var hdr [blockRecordHeaderSize]byte
	if _, err := io.ReadFull(file, hdr[:]); err != nil {
		str := fmt.Sprintf("unable to read block record header at %v: %v",
			hdrPos, err)
		return nil, makeError(ErrDataCorruption, str)
	}
	if magic := byteOrder.Uint32(hdr[0:]); magic != uint32(s.params.Net) {
		str := fmt.Sprintf("block record at %v has magic %08x instead of "+
			"%08x", hdrPos, magic, uint32(s.params.Net))
		return nil, makeError(ErrDataCorruption, str)
	}
	blockLen := byteOrder.Uint32(hdr[4:])
	if blockLen > wire.MaxBlockPayload {
		str := fmt.Sprintf("block record at %v claims %d bytes which exceeds "+
			"the max block payload", hdrPos, blockLen)
		return nil, makeError(ErrDataCorruption, str)
	}

	raw := make([]byte, blockLen)
	if _, err := io.ReadFull(file, raw); err != nil {
		str := fmt.Sprintf("unable to read %d block bytes at %v: %v", blockLen,
			pos, err)
		return nil, makeError(ErrDataCorruption, str)
	}
	return raw, nil
}

// findUndoPos reserves space for an undo record of the given size in the undo
// file paired with the provided block file number.
func (s *BlockStore) findUndoPos(fileNum int32, pos *flatfile.FlatFilePos, addSize uint32) error {
	s.fileMtx.Lock()
	rec := s.fileRecord(fileNum)
	pos.File = fileNum
	pos.Offset = rec.undoSize
	rec.undoSize += addSize
	s.dirtyFiles[fileNum] = struct{}{}
	s.fileMtx.Unlock()

	allocated, err := s.undoSeq.Allocate(*pos, addSize)
	if err != nil {
		s.ntfns.FatalError("Disk space is too low!")
		return err
	}
	if allocated != 0 && s.IsPruneMode() {
		s.fileMtx.Lock()
		s.checkForPruning = true
		s.fileMtx.Unlock()
	}
	return nil
}

// undoWriteToDisk writes the undo record prefixed with the record header and
// trailed by its integrity checksum to the position reserved for it and
// updates the position to refer to the undo payload rather than the record
// header.  The checksum covers the hash of the parent block followed by the
// undo payload so a record that gets associated with the wrong block is
// detected as corrupt.
func (s *BlockStore) undoWriteToDisk(undo *UndoData, pos *flatfile.FlatFilePos, prevHash *chainhash.Hash) error {
	var payload bytes.Buffer
	payload.Grow(undo.SerializeSize())
	if err := undo.Serialize(&payload); err != nil {
		str := fmt.Sprintf("unable to serialize undo data: %v", err)
		return makeError(ErrBlockWrite, str)
	}

	file, err := s.undoSeq.Open(*pos, false)
	if err != nil {
		return err
	}
	defer file.Close()

	var hdr [blockRecordHeaderSize]byte
	byteOrder.PutUint32(hdr[0:], uint32(s.params.Net))
	byteOrder.PutUint32(hdr[4:], uint32(payload.Len()))
	if _, err := file.Write(hdr[:]); err != nil {
		str := fmt.Sprintf("unable to write undo record header at %v: %v",
			*pos, err)
		return makeError(ErrBlockWrite, str)
	}

	pos.Offset = uint32(file.Offset())
	if _, err := file.Write(payload.Bytes()); err != nil {
		str := fmt.Sprintf("unable to write undo data at %v: %v", *pos, err)
		return makeError(ErrBlockWrite, str)
	}

	hasher := sha256.New()
	hasher.Write(prevHash[:])
	hasher.Write(payload.Bytes())
	first := hasher.Sum(nil)
	checksum := sha256.Sum256(first)
	if _, err := file.Write(checksum[:]); err != nil {
		str := fmt.Sprintf("unable to write undo checksum at %v: %v", *pos,
			err)
		return makeError(ErrBlockWrite, str)
	}
	return nil
}

// WriteUndoData stores the undo data for the provided block node unless it has
// already been stored.  Undo data always lives in the undo file paired with
// the file that houses the block itself.
func (s *BlockStore) WriteUndoData(undo *UndoData, typ BlockfileType, node *blockNode) error {
	s.index.RLock()
	alreadyStored := !node.undoPos.IsNull()
	dataFile := node.dataPos.File
	height := node.height
	var prevHash chainhash.Hash
	if node.parent != nil {
		prevHash = node.parent.hash
	}
	s.index.RUnlock()

	if alreadyStored {
		return nil
	}

	addSize := uint32(undo.SerializeSize()) + blockRecordHeaderSize +
		undoChecksumSize
	var pos flatfile.FlatFilePos
	if err := s.findUndoPos(dataFile, &pos, addSize); err != nil {
		return err
	}
	if err := s.undoWriteToDisk(undo, &pos, &prevHash); err != nil {
		s.ntfns.FatalError("Failed to write undo data")
		return err
	}

	s.fileMtx.Lock()
	cursor := s.cursors[typ]
	if cursor != nil && pos.File < cursor.fileNum &&
		int32(s.fileRecord(pos.File).heightLast) == height {

		// This undo record completes an undo file that was lagging behind
		// its already-full block file, so it can now be finalized.
		s.flushUndoFileLocked(pos.File, true)
	} else if cursor != nil && pos.File == cursor.fileNum &&
		height > cursor.undoHeight {

		cursor.undoHeight = height
	}
	s.fileMtx.Unlock()

	s.index.Lock()
	node.undoPos = pos
	s.index.setStatusFlags(node, statusUndoStored)
	s.index.modified[node] = struct{}{}
	s.index.Unlock()
	return nil
}

// UndoReadFromDisk reads the undo data for the provided block node from disk
// and verifies its integrity checksum.
func (s *BlockStore) UndoReadFromDisk(node *blockNode) (*UndoData, error) {
	s.index.RLock()
	pos := node.undoPos
	var prevHash chainhash.Hash
	if node.parent != nil {
		prevHash = node.parent.hash
	}
	s.index.RUnlock()

	if pos.IsNull() {
		str := fmt.Sprintf("no undo data available for block %s", node.hash)
		return nil, makeError(ErrNoBlockData, str)
	}

	file, err := s.undoSeq.Open(pos, true)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	// Hash the payload while it is being deserialized so the checksum can be
	// verified without buffering or re-serializing the record.
	hasher := sha256.New()
	hasher.Write(prevHash[:])
	var undo UndoData
	if err := undo.Deserialize(io.TeeReader(file, hasher)); err != nil {
		str := fmt.Sprintf("unable to deserialize undo data at %v: %v", pos,
			err)
		return nil, makeError(ErrDataCorruption, str)
	}

	var stored [undoChecksumSize]byte
	if _, err := io.ReadFull(file, stored[:]); err != nil {
		str := fmt.Sprintf("unable to read undo checksum at %v: %v", pos, err)
		return nil, makeError(ErrDataCorruption, str)
	}
	first := hasher.Sum(nil)
	want := sha256.Sum256(first)
	if stored != want {
		str := fmt.Sprintf("undo data at %v fails its checksum", pos)
		return nil, makeError(ErrChecksumMismatch, str)
	}
	return &undo, nil
}

// flushUndoFileLocked commits the undo file with the given number to durable
// storage.  Failures are reported through the notification sink since the
// records involved were already accepted.
//
// This function MUST be called with the file mutex held.
func (s *BlockStore) flushUndoFileLocked(fileNum int32, finalize bool) {
	undoPos := flatfile.NewFlatFilePos(fileNum, s.fileRecord(fileNum).undoSize)
	if err := s.undoSeq.Flush(undoPos, finalize); err != nil {
		log.Errorf("Unable to flush undo file %d: %v", fileNum, err)
		s.ntfns.FlushError("Flushing undo file to disk failed. This is " +
			"likely the result of an I/O error.")
	}
}

// flushBlockFileLocked commits the block file with the given number to durable
// storage, optionally truncating it to its logical size when it will receive
// no further writes.  Failures are reported through the notification sink
// since the records involved were already accepted.
//
// This function MUST be called with the file mutex held.
func (s *BlockStore) flushBlockFileLocked(fileNum int32, finalize, finalizeUndo bool) {
	blockPos := flatfile.NewFlatFilePos(fileNum, s.fileRecord(fileNum).size)
	if err := s.blockSeq.Flush(blockPos, finalize); err != nil {
		log.Errorf("Unable to flush block file %d: %v", fileNum, err)
		s.ntfns.FlushError("Flushing block file to disk failed. This is " +
			"likely the result of an I/O error.")
	}

	// The undo file is not finalized along with its block file unless undo
	// data has kept up, since the chain tip may be lagging behind incoming
	// blocks.
	if !finalize || finalizeUndo {
		s.flushUndoFileLocked(fileNum, finalizeUndo)
	}
}

// FlushBlockFiles commits the active block and undo files of every chainstate
// type to durable storage.
func (s *BlockStore) FlushBlockFiles() {
	s.fileMtx.Lock()
	for _, cursor := range s.cursors {
		if cursor != nil {
			s.flushBlockFileLocked(cursor.fileNum, false, false)
		}
	}
	s.fileMtx.Unlock()
}

// WriteIndexDB atomically persists all dirty file records, the greatest active
// file number, and all modified block index entries to the block tree
// database.  The block and undo files are flushed first so the metadata never
// references data that has not reached disk.
func (s *BlockStore) WriteIndexDB() error {
	s.FlushBlockFiles()

	s.fileMtx.Lock()
	defer s.fileMtx.Unlock()
	s.index.Lock()
	defer s.index.Unlock()

	files := make(map[int32][]byte, len(s.dirtyFiles))
	for fileNum := range s.dirtyFiles {
		files[fileNum] = serializeBlockFileRecord(s.fileRecord(fileNum))
	}
	lastFile := s.maxBlockfileNum()

	rows := make([]treedb.IndexRow, 0, len(s.index.modified))
	for node := range s.index.modified {
		header := node.Header()
		serialized, err := serializeBlockIndexRow(&blockIndexRow{
			header:  header,
			status:  node.status,
			numTx:   node.numTx,
			dataPos: node.dataPos,
			undoPos: node.undoPos,
		})
		if err != nil {
			return err
		}
		rows = append(rows, treedb.IndexRow{
			Height: uint32(node.height),
			Hash:   node.hash,
			Value:  serialized,
		})
	}

	if err := s.db.WriteBatchSync(files, lastFile, rows); err != nil {
		return err
	}

	// Only forget the dirty entries once they are durably stored.
	for fileNum := range files {
		delete(s.dirtyFiles, fileNum)
	}
	s.index.modified = make(map[*blockNode]struct{})
	return nil
}

// CalculateCurrentUsage returns the total number of bytes the block and undo
// files currently occupy, as tracked by the file bookkeeping.
func (s *BlockStore) CalculateCurrentUsage() uint64 {
	s.fileMtx.Lock()
	defer s.fileMtx.Unlock()

	var total uint64
	for _, rec := range s.fileRecords {
		total += uint64(rec.size) + uint64(rec.undoSize)
	}
	return total
}

// loadBlockIndex loads the entire block index from the block tree database
// into memory.  Rows are stored ordered by height, so a single pass suffices
// to link every node to its already-loaded parent and to propagate derived
// state such as cumulative work and chain transaction counts.
func (s *BlockStore) loadBlockIndex(snapshot *SnapshotMeta) error {
	bi := s.index
	iter := s.db.IndexIterator()
	defer iter.Release()

	var loaded int
	for iter.Next() {
		row, err := deserializeBlockIndexRow(iter.Value())
		if err != nil {
			return err
		}
		hash := iter.Hash()

		var parent *blockNode
		if row.header.PrevBlock != *zeroHash {
			parent = bi.index[row.header.PrevBlock]
			if parent == nil {
				str := fmt.Sprintf("block %s references unknown parent %s",
					hash, row.header.PrevBlock)
				return makeError(ErrCorruptedBlockIndex, str)
			}
		}

		node := newBlockNode(&row.header, parent)
		if node.hash != hash {
			str := fmt.Sprintf("block index row keyed by %s houses a header "+
				"that hashes to %s", hash, node.hash)
			return makeError(ErrCorruptedBlockIndex, str)
		}
		if uint32(node.height) != iter.Height() {
			str := fmt.Sprintf("block %s is keyed at height %d but connects "+
				"at height %d", hash, iter.Height(), node.height)
			return makeError(ErrCorruptedBlockIndex, str)
		}
		node.status = row.status
		node.numTx = row.numTx
		node.dataPos = row.dataPos
		node.undoPos = row.undoPos

		// Propagate the cumulative transaction count when it can be derived.
		// A snapshot base block gets the count committed to by its snapshot
		// since the data below it might not be available.
		if node.numTx > 0 {
			switch {
			case parent == nil:
				node.chainTxCount = uint64(node.numTx)
			case snapshot != nil && node.hash == snapshot.BlockHash:
				node.chainTxCount = snapshot.ChainTxCount
			case parent.chainTxCount > 0:
				node.chainTxCount = parent.chainTxCount + uint64(node.numTx)
			}
		}

		// Blocks descending from a block that failed validation inherit the
		// invalid ancestor flag.  The flag is only tracked in memory, so it
		// is recomputed on every load.
		if !node.status.KnownInvalid() && parent != nil &&
			parent.status.KnownInvalid() {

			node.status |= statusInvalidAncestor
		}

		bi.addNodeFromDB(node)
		loaded++
	}
	if err := iter.Error(); err != nil {
		return err
	}

	log.Infof("Loaded %d block index entries", loaded)
	return nil
}

// LoadBlockIndexDB loads the block index, file bookkeeping, and prune state
// from the block tree database and verifies every block file the index refers
// to can actually be opened.  The provided snapshot metadata, when non-nil,
// describes the UTXO snapshot the assumed-valid chainstate was created from
// and determines which files belong to which chainstate type.
func (s *BlockStore) LoadBlockIndexDB(snapshot *SnapshotMeta) error {
	if err := s.loadBlockIndex(snapshot); err != nil {
		return err
	}

	s.fileMtx.Lock()
	defer s.fileMtx.Unlock()

	if snapshot != nil {
		s.snapshotBase = snapshot.BaseHeight
	}

	// Load the file bookkeeping for every file up to the recorded last file.
	lastFile, haveLastFile, err := s.db.ReadLastBlockFile()
	if err != nil {
		return err
	}
	s.fileRecords = s.fileRecords[:0]
	if haveLastFile {
		for fileNum := int32(0); fileNum <= lastFile; fileNum++ {
			serialized, err := s.db.ReadFileInfo(fileNum)
			if err != nil {
				return err
			}
			rec := &blockFileRecord{}
			if serialized != nil {
				rec, err = deserializeBlockFileRecord(serialized)
				if err != nil {
					return err
				}
			}
			s.fileRecords = append(s.fileRecords, rec)
		}
		log.Infof("Last block file info: file=%d, %s", lastFile,
			s.fileRecords[lastFile].String())

		// Probe for any file records beyond the recorded last file in case
		// the last file number failed to be written out during a crash.
		for fileNum := lastFile + 1; ; fileNum++ {
			serialized, err := s.db.ReadFileInfo(fileNum)
			if err != nil {
				return err
			}
			if serialized == nil {
				break
			}
			rec, err := deserializeBlockFileRecord(serialized)
			if err != nil {
				return err
			}
			s.fileRecords = append(s.fileRecords, rec)
		}
	}

	// Verify every block file the index claims houses block data can be
	// opened.  Probing for missing data lazily instead would push the
	// failure into block relay.
	s.index.RLock()
	filesWithData := make(map[int32]struct{})
	for _, node := range s.index.index {
		if node.status.HaveData() {
			filesWithData[node.dataPos.File] = struct{}{}
		}
	}
	s.index.RUnlock()
	log.Infof("Checking all blk files are present...")
	for fileNum := range filesWithData {
		file, err := s.blockSeq.Open(flatfile.NewFlatFilePos(fileNum, 0), true)
		if err != nil {
			return err
		}
		file.Close()
	}

	// Seed the append cursors from the loaded file records.  A file whose
	// greatest height is strictly past the snapshot base belongs to the
	// assumed-valid chainstate; the file that ends at the base itself is
	// still normal-chain data.  When a snapshot is in use but no file holds
	// its blocks yet, the assumed-valid chainstate starts a fresh file
	// after all existing ones so the two chainstates never share a file.
	s.cursors = [numBlockfileTypes]*blockfileCursor{}
	s.cursors[BlockfileNormal] = &blockfileCursor{}
	for fileNum, rec := range s.fileRecords {
		if rec.numBlocks == 0 {
			continue
		}
		typ := BlockfileNormal
		if snapshot != nil && int32(rec.heightLast) > snapshot.BaseHeight {
			typ = BlockfileAssumed
		}
		s.cursors[typ] = &blockfileCursor{fileNum: int32(fileNum)}
	}
	if snapshot != nil && s.cursors[BlockfileAssumed] == nil {
		s.cursors[BlockfileAssumed] = &blockfileCursor{
			fileNum: s.maxBlockfileNum() + 1,
		}
	}

	havePruned, err := s.db.ReadFlag(treedb.FlagPruned)
	if err != nil {
		return err
	}
	s.havePruned = havePruned
	if havePruned {
		log.Infof("Block files have previously been pruned")
	}
	return nil
}

// GetLastCheckpoint returns the block node of the most recent checkpoint from
// the network parameters that is present in the block index, or nil when none
// of them are.
func (s *BlockStore) GetLastCheckpoint() *blockNode {
	checkpoints := s.params.Checkpoints
	for i := len(checkpoints) - 1; i >= 0; i-- {
		if node := s.index.LookupNode(checkpoints[i].Hash); node != nil {
			return node
		}
	}
	return nil
}

// GetFirstStoredBlock walks backwards from the provided block and returns the
// earliest ancestor such that it and every block between it and the provided
// block have their data stored, stopping early when the optional lower bound
// is reached.  The provided block must itself have its data stored.
func (s *BlockStore) GetFirstStoredBlock(upper, lower *blockNode) *blockNode {
	s.index.RLock()
	defer s.index.RUnlock()

	node := upper
	for node != lower && node.parent != nil && node.parent.status.HaveData() {
		node = node.parent
	}
	return node
}

// CheckBlockDataAvailability returns whether the data for every block between
// the provided lower and upper blocks, inclusive, is stored on disk.  The
// lower block must be an ancestor of the upper one.
func (s *BlockStore) CheckBlockDataAvailability(upper, lower *blockNode) bool {
	s.index.RLock()
	upperHasData := upper.status.HaveData()
	s.index.RUnlock()
	if !upperHasData {
		return false
	}
	return s.GetFirstStoredBlock(upper, lower).height <= lower.height
}

// IsBlockPruned returns whether the data for the provided block was stored at
// some point but has since been removed by pruning.
func (s *BlockStore) IsBlockPruned(node *blockNode) bool {
	s.fileMtx.Lock()
	havePruned := s.havePruned
	s.fileMtx.Unlock()

	status := s.index.NodeStatus(node)
	s.index.RLock()
	numTx := node.numTx
	s.index.RUnlock()
	return havePruned && !status.HaveData() && numTx > 0
}

// UpdatePruneLock adds or replaces the named prune lock.  Pruning will not
// remove any file containing blocks at or above the lock's first height, less
// a small buffer.
func (s *BlockStore) UpdatePruneLock(name string, lock PruneLockInfo) {
	s.fileMtx.Lock()
	s.pruneLocks[name] = lock
	s.fileMtx.Unlock()
}
