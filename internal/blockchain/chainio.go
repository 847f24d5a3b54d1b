// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/jamesob/bitcoin/internal/flatfile"
)

// byteOrder is the preferred byte order used for serializing numeric fields
// for storage in the database.
var byteOrder = binary.LittleEndian

const (
	// blockHdrSize is the size of a serialized block header.
	blockHdrSize = 80

	// blockIndexRowSize is the size of a serialized block index row.  It
	// consists of the serialized header followed by the status, transaction
	// count, and the data and undo file positions.
	blockIndexRowSize = blockHdrSize + 4 + 4 + 16

	// blockFileRecordSize is the size of a serialized block file record.
	blockFileRecordSize = 28
)

// blockIndexRow is the durable form of a block index entry.  The height is not
// part of the row itself since it is encoded into the database key in order to
// make a single ordered pass over the rows sufficient to link every entry to
// its parent.
type blockIndexRow struct {
	header  wire.BlockHeader
	status  blockStatus
	numTx   uint32
	dataPos flatfile.FlatFilePos
	undoPos flatfile.FlatFilePos
}

// putFlatFilePos serializes the passed flat file position into the target byte
// slice, which must be at least 8 bytes, and returns the number of bytes
// written.  A null position is encoded with an all-ones file number.
func putFlatFilePos(target []byte, pos flatfile.FlatFilePos) int {
	byteOrder.PutUint32(target, uint32(pos.File))
	byteOrder.PutUint32(target[4:], pos.Offset)
	return 8
}

// decodeFlatFilePos decodes a flat file position from the passed byte slice,
// which must be at least 8 bytes.
func decodeFlatFilePos(serialized []byte) flatfile.FlatFilePos {
	return flatfile.FlatFilePos{
		File:   int32(byteOrder.Uint32(serialized)),
		Offset: byteOrder.Uint32(serialized[4:]),
	}
}

// serializeBlockIndexRow returns the serialization of the passed block index
// row suitable for storage into the block tree database.
func serializeBlockIndexRow(row *blockIndexRow) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, blockIndexRowSize))
	if err := row.header.Serialize(buf); err != nil {
		return nil, err
	}

	var trailer [blockIndexRowSize - blockHdrSize]byte
	byteOrder.PutUint32(trailer[0:], uint32(row.status))
	byteOrder.PutUint32(trailer[4:], row.numTx)
	offset := 8
	offset += putFlatFilePos(trailer[offset:], row.dataPos)
	putFlatFilePos(trailer[offset:], row.undoPos)
	buf.Write(trailer[:])
	return buf.Bytes(), nil
}

// deserializeBlockIndexRow decodes the passed serialized block index row into
// a structured form.
func deserializeBlockIndexRow(serialized []byte) (*blockIndexRow, error) {
	if len(serialized) < blockIndexRowSize {
		str := fmt.Sprintf("unexpected end of data while reading block index "+
			"row (have %d bytes, need %d)", len(serialized), blockIndexRowSize)
		return nil, makeError(ErrDeserialize, str)
	}

	var row blockIndexRow
	err := row.header.Deserialize(bytes.NewReader(serialized[:blockHdrSize]))
	if err != nil {
		str := fmt.Sprintf("malformed header in block index row: %v", err)
		return nil, makeError(ErrDeserialize, str)
	}

	trailer := serialized[blockHdrSize:]
	row.status = blockStatus(byteOrder.Uint32(trailer[0:]))
	row.numTx = byteOrder.Uint32(trailer[4:])
	row.dataPos = decodeFlatFilePos(trailer[8:])
	row.undoPos = decodeFlatFilePos(trailer[16:])
	return &row, nil
}

// blockFileRecord houses the bookkeeping for a single numbered block file,
// covering both the blk data file and its companion rev undo file.
type blockFileRecord struct {
	numBlocks   uint32
	size        uint32
	undoSize    uint32
	heightFirst uint32
	heightLast  uint32
	timeFirst   uint32
	timeLast    uint32
}

// addBlock widens the height and time coverage of the record to include a
// block with the given height and timestamp and bumps the block count.  The
// size fields are tracked separately since the caller knows the allocation
// that was made.
func (rec *blockFileRecord) addBlock(height uint32, timestamp uint32) {
	if rec.numBlocks == 0 || height < rec.heightFirst {
		rec.heightFirst = height
	}
	if rec.numBlocks == 0 || timestamp < rec.timeFirst {
		rec.timeFirst = timestamp
	}
	rec.numBlocks++
	if height > rec.heightLast {
		rec.heightLast = height
	}
	if timestamp > rec.timeLast {
		rec.timeLast = timestamp
	}
}

// String returns the record in a human-readable form for logging.
func (rec *blockFileRecord) String() string {
	return fmt.Sprintf("blocks=%d, size=%d, heights=%d...%d", rec.numBlocks,
		rec.size, rec.heightFirst, rec.heightLast)
}

// serializeBlockFileRecord returns the serialization of the passed block file
// record suitable for storage into the block tree database.
func serializeBlockFileRecord(rec *blockFileRecord) []byte {
	serialized := make([]byte, blockFileRecordSize)
	byteOrder.PutUint32(serialized[0:], rec.numBlocks)
	byteOrder.PutUint32(serialized[4:], rec.size)
	byteOrder.PutUint32(serialized[8:], rec.undoSize)
	byteOrder.PutUint32(serialized[12:], rec.heightFirst)
	byteOrder.PutUint32(serialized[16:], rec.heightLast)
	byteOrder.PutUint32(serialized[20:], rec.timeFirst)
	byteOrder.PutUint32(serialized[24:], rec.timeLast)
	return serialized
}

// deserializeBlockFileRecord decodes the passed serialized block file record
// into a structured form.
func deserializeBlockFileRecord(serialized []byte) (*blockFileRecord, error) {
	if len(serialized) < blockFileRecordSize {
		str := fmt.Sprintf("unexpected end of data while reading block file "+
			"record (have %d bytes, need %d)", len(serialized),
			blockFileRecordSize)
		return nil, makeError(ErrDeserialize, str)
	}

	return &blockFileRecord{
		numBlocks:   byteOrder.Uint32(serialized[0:]),
		size:        byteOrder.Uint32(serialized[4:]),
		undoSize:    byteOrder.Uint32(serialized[8:]),
		heightFirst: byteOrder.Uint32(serialized[12:]),
		heightLast:  byteOrder.Uint32(serialized[16:]),
		timeFirst:   byteOrder.Uint32(serialized[20:]),
		timeLast:    byteOrder.Uint32(serialized[24:]),
	}, nil
}
