// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"errors"
	"reflect"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/jamesob/bitcoin/internal/flatfile"
)

// TestBlockIndexRowSerialize ensures block index rows round trip through their
// serialized form, including null file positions, and that truncated rows are
// rejected.
func TestBlockIndexRowSerialize(t *testing.T) {
	tests := []struct {
		name string
		row  blockIndexRow
	}{{
		name: "stored block",
		row: blockIndexRow{
			header:  chaincfg.SimNetParams.GenesisBlock.Header,
			status:  statusValidTransactions | statusDataStored,
			numTx:   1,
			dataPos: flatfile.NewFlatFilePos(3, 1234),
			undoPos: flatfile.NewFlatFilePos(3, 56),
		},
	}, {
		name: "header only",
		row: blockIndexRow{
			header:  chaincfg.SimNetParams.GenesisBlock.Header,
			status:  statusValidTree,
			dataPos: flatfile.NullPos(),
			undoPos: flatfile.NullPos(),
		},
	}}
	for _, test := range tests {
		serialized, err := serializeBlockIndexRow(&test.row)
		if err != nil {
			t.Fatalf("%s: serialize: unexpected error: %v", test.name, err)
		}
		if len(serialized) != blockIndexRowSize {
			t.Fatalf("%s: serialized to %d bytes, want %d", test.name,
				len(serialized), blockIndexRowSize)
		}
		row, err := deserializeBlockIndexRow(serialized)
		if err != nil {
			t.Fatalf("%s: deserialize: unexpected error: %v", test.name, err)
		}
		if !reflect.DeepEqual(*row, test.row) {
			t.Fatalf("%s: round trip mismatch: got %+v, want %+v", test.name,
				*row, test.row)
		}
	}

	// Null positions must still read back as null.
	serialized, err := serializeBlockIndexRow(&tests[1].row)
	if err != nil {
		t.Fatalf("serialize: unexpected error: %v", err)
	}
	row, err := deserializeBlockIndexRow(serialized)
	if err != nil {
		t.Fatalf("deserialize: unexpected error: %v", err)
	}
	if !row.dataPos.IsNull() || !row.undoPos.IsNull() {
		t.Fatalf("null positions did not survive the round trip: %+v, %+v",
			row.dataPos, row.undoPos)
	}

	_, err = deserializeBlockIndexRow(serialized[:blockIndexRowSize-1])
	if !errors.Is(err, ErrDeserialize) {
		t.Fatalf("truncated row: got error %v, want kind %v", err,
			ErrDeserialize)
	}
}

// TestBlockFileRecordAddBlock ensures the height and time coverage of a file
// record widens correctly as blocks are added in any order.
func TestBlockFileRecordAddBlock(t *testing.T) {
	var rec blockFileRecord
	rec.addBlock(10, 5000)
	rec.addBlock(12, 5100)
	rec.addBlock(11, 4900)

	want := blockFileRecord{
		numBlocks:   3,
		heightFirst: 10,
		heightLast:  12,
		timeFirst:   4900,
		timeLast:    5100,
	}
	if rec != want {
		t.Fatalf("addBlock: got %+v, want %+v", rec, want)
	}
}

// TestBlockFileRecordSerialize ensures block file records round trip through
// their serialized form and that truncated records are rejected.
func TestBlockFileRecordSerialize(t *testing.T) {
	rec := blockFileRecord{
		numBlocks:   17,
		size:        0x123456,
		undoSize:    0x4321,
		heightFirst: 100,
		heightLast:  116,
		timeFirst:   1296688602,
		timeLast:    1296692202,
	}

	serialized := serializeBlockFileRecord(&rec)
	if len(serialized) != blockFileRecordSize {
		t.Fatalf("serialized to %d bytes, want %d", len(serialized),
			blockFileRecordSize)
	}
	decoded, err := deserializeBlockFileRecord(serialized)
	if err != nil {
		t.Fatalf("deserialize: unexpected error: %v", err)
	}
	if *decoded != rec {
		t.Fatalf("round trip mismatch: got %+v, want %+v", *decoded, rec)
	}

	_, err = deserializeBlockFileRecord(serialized[:blockFileRecordSize-1])
	if !errors.Is(err, ErrDeserialize) {
		t.Fatalf("truncated record: got error %v, want kind %v", err,
			ErrDeserialize)
	}
}
