// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/jamesob/bitcoin/internal/flatfile"
	"github.com/jamesob/bitcoin/internal/progresslog"
)

// BlockProcessor consumes blocks discovered on disk during a reindex or an
// external file import.  Blocks are delivered parents first.  The position
// refers to the block payload within the managed block files and is null for
// blocks read from external files, which have not been stored yet.
type BlockProcessor interface {
	ProcessBlock(block *wire.MsgBlock, pos flatfile.FlatFilePos) error
}

// BlockProcessorFunc adapts a plain function to the BlockProcessor interface.
type BlockProcessorFunc func(block *wire.MsgBlock, pos flatfile.FlatFilePos) error

// ProcessBlock calls the adapted function.
func (f BlockProcessorFunc) ProcessBlock(block *wire.MsgBlock, pos flatfile.FlatFilePos) error {
	return f(block, pos)
}

// AcceptDiskBlock is the default block processor used during import.  It
// records the block in the block index and file bookkeeping without consensus
// validation, which rebuilds the index to the same state incremental syncing
// would have produced.  Blocks read from external files, indicated by a null
// position, are written into the managed block files first.
func (m *ChainManager) AcceptDiskBlock(block *wire.MsgBlock, pos flatfile.FlatFilePos) error {
	header := &block.Header
	hash := header.BlockHash()
	bi := m.store.index
	if header.PrevBlock != *zeroHash &&
		bi.LookupNode(&header.PrevBlock) == nil {

		str := fmt.Sprintf("block %s references unknown parent %s", hash,
			header.PrevBlock)
		return makeError(ErrCorruptedBlockIndex, str)
	}

	node, _ := bi.AddHeader(header)
	if bi.NodeStatus(node).HaveData() {
		return nil
	}

	if pos.IsNull() {
		savedPos, err := m.store.SaveBlockToDisk(block, node.height,
			BlockfileNormal, nil)
		if err != nil {
			return err
		}
		pos = savedPos
	} else {
		_, err := m.store.SaveBlockToDisk(block, node.height, BlockfileNormal,
			&pos)
		if err != nil {
			return err
		}
	}
	m.receivedBlockTransactions(block, node, pos)
	return nil
}

// ImportBlocks drives both halves of the block import path.  When a reindex
// is pending, the managed block files are scanned in order starting at file
// zero and every block found is handed to the processor, stopping at the
// first missing file; the durable reindex marker is then cleared.  Any extra
// files are imported afterwards.  A nil processor defaults to AcceptDiskBlock.
func (m *ChainManager) ImportBlocks(ctx context.Context, processor BlockProcessor, extraFiles []string) error {
	if processor == nil {
		processor = BlockProcessorFunc(m.AcceptDiskBlock)
	}

	if m.reindexing {
		for fileNum := int32(0); ; fileNum++ {
			pos := flatfile.NewFlatFilePos(fileNum, 0)
			if _, err := os.Stat(m.store.blockSeq.FileName(pos)); err != nil {
				// No more files to scan.  Files beyond a gap are
				// unreachable since the scan rebuilds strictly in file
				// order.
				break
			}

			log.Infof("Reindexing block file blk%05d.dat...", fileNum)
			file, err := m.store.blockSeq.Open(pos, true)
			if err != nil {
				return err
			}
			err = m.loadBlockFile(ctx, file, fileNum, processor)
			file.Close()
			if err != nil {
				return err
			}
		}

		if err := m.store.db.WriteReindexing(false); err != nil {
			return err
		}
		m.reindexing = false
		log.Infof("Reindexing finished")

		// The scan might not have recovered the genesis block, such as when
		// the blocks directory was emptied.
		if err := m.LoadGenesisBlock(); err != nil {
			str := fmt.Sprintf("unable to load genesis block: %v", err)
			return makeError(ErrLoadGenesisBlockFailed, str)
		}
	}

	for _, path := range extraFiles {
		f, err := os.Open(path)
		if err != nil {
			log.Warnf("Unable to open block file %q: %v", path, err)
			continue
		}
		log.Infof("Importing blocks file %q...", path)
		err = m.loadBlockFile(ctx, f, -1, processor)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// orphanBlock is a block whose parent had not been seen yet at the time it
// was encountered during a file scan.
type orphanBlock struct {
	block *wire.MsgBlock
	pos   flatfile.FlatFilePos
}

// scanToMagic consumes bytes from the reader until the provided network magic
// has been read in full and returns the number of bytes consumed.  It returns
// false without an error when the reader is exhausted first, which is the
// normal end of a scan since block files carry zero padding after the last
// record.
func scanToMagic(br *bufio.Reader, magic []byte) (int64, bool, error) {
	var consumed int64
	matched := 0
	for matched < len(magic) {
		b, err := br.ReadByte()
		if err == io.EOF {
			return consumed, false, nil
		}
		if err != nil {
			return consumed, false, err
		}
		consumed++
		switch {
		case b == magic[matched]:
			matched++
		case b == magic[0]:
			matched = 1
		default:
			matched = 0
		}
	}
	return consumed, true, nil
}

// loadBlockFile scans a single block file for records framed by the network
// magic and hands every block found to the processor, buffering blocks whose
// parents have not been seen yet until they have.  A fileNum of -1 indicates
// an external file whose contents are not part of the managed block files.
func (m *ChainManager) loadBlockFile(ctx context.Context, r io.Reader, fileNum int32, processor BlockProcessor) error {
	var magic [4]byte
	byteOrder.PutUint32(magic[:], uint32(m.params.Net))

	// Blocks that arrived before their parent, keyed by the parent hash.
	// The map only lives for the duration of a single file, so a branch
	// whose parent is in a later file is dropped rather than connected out
	// of file order.
	unknownParents := make(map[chainhash.Hash][]orphanBlock)

	progress := progresslog.New("Imported", log)
	br := bufio.NewReader(r)
	var offset int64
	var imported int
	start := time.Now()

	process := func(block *wire.MsgBlock, pos flatfile.FlatFilePos) error {
		if err := processor.ProcessBlock(block, pos); err != nil {
			return err
		}
		imported++

		height := int32(-1)
		hash := block.BlockHash()
		if node := m.store.index.LookupNode(&hash); node != nil {
			height = node.height
		}
		progress.LogProgress(block, height, false)
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Skip any garbage or zero padding to the start of the next record.
		skipped, found, err := scanToMagic(br, magic[:])
		offset += skipped
		if err != nil {
			return err
		}
		if !found {
			break
		}

		var lenBuf [4]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			break
		}
		offset += 4
		blockLen := byteOrder.Uint32(lenBuf[:])
		if blockLen > wire.MaxBlockPayload {
			// Bogus length, most likely a magic match inside record data.
			// Resume scanning from here.
			continue
		}

		payloadOffset := offset
		raw := make([]byte, blockLen)
		if _, err := io.ReadFull(br, raw); err != nil {
			break
		}
		offset += int64(blockLen)

		block := &wire.MsgBlock{}
		if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
			log.Warnf("Unable to deserialize block at offset %d: %v",
				payloadOffset, err)
			continue
		}

		pos := flatfile.NullPos()
		if fileNum >= 0 {
			pos = flatfile.NewFlatFilePos(fileNum, uint32(payloadOffset))
		}

		hash := block.BlockHash()
		header := &block.Header
		if header.PrevBlock != *zeroHash &&
			m.store.index.LookupNode(&header.PrevBlock) == nil {

			log.Debugf("Block %s is out of order, waiting for parent %s",
				hash, header.PrevBlock)
			unknownParents[header.PrevBlock] =
				append(unknownParents[header.PrevBlock],
					orphanBlock{block: block, pos: pos})
			continue
		}

		// Skip blocks whose data is already indexed, such as when a partial
		// reindex scan is re-run after an interruption.
		if node := m.store.index.LookupNode(&hash); node != nil &&
			m.store.index.NodeStatus(node).HaveData() {

			continue
		}

		if err := process(block, pos); err != nil {
			return err
		}

		// Connect any buffered descendants of the block, recursively.
		queue := []chainhash.Hash{hash}
		for len(queue) > 0 {
			parentHash := queue[0]
			queue = queue[1:]
			children := unknownParents[parentHash]
			if len(children) == 0 {
				continue
			}
			delete(unknownParents, parentHash)
			for _, child := range children {
				childHash := child.block.BlockHash()
				log.Debugf("Processing deferred child %s of %s", childHash,
					parentHash)
				if err := process(child.block, child.pos); err != nil {
					return err
				}
				queue = append(queue, childHash)
			}
		}
	}

	if orphans := len(unknownParents); orphans > 0 {
		log.Warnf("%d out-of-order blocks never connected to a parent",
			orphans)
	}
	log.Infof("Loaded %d blocks in %0.2fs", imported,
		time.Since(start).Seconds())
	return nil
}
