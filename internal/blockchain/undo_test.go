// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/btcsuite/btcd/wire"
)

// TestUndoDataSerialize ensures undo data round trips through its serialized
// form and that the reported serialize size matches the bytes produced.
func TestUndoDataSerialize(t *testing.T) {
	tests := []struct {
		name string
		undo UndoData
	}{{
		name: "no spent outputs",
		undo: UndoData{Spent: []SpentTxOut{}},
	}, {
		name: "coinbase and regular spends",
		undo: UndoData{Spent: []SpentTxOut{{
			Amount:     50e8,
			PkScript:   []byte{0x76, 0xa9, 0x14, 0x01, 0x02, 0x88, 0xac},
			Height:     9,
			IsCoinBase: true,
		}, {
			Amount:   1234567,
			PkScript: []byte{0x51},
			Height:   100000,
		}}},
	}}
	for _, test := range tests {
		var buf bytes.Buffer
		if err := test.undo.Serialize(&buf); err != nil {
			t.Fatalf("%s: serialize: unexpected error: %v", test.name, err)
		}
		if buf.Len() != test.undo.SerializeSize() {
			t.Fatalf("%s: serialized to %d bytes, want %d", test.name,
				buf.Len(), test.undo.SerializeSize())
		}

		var decoded UndoData
		if err := decoded.Deserialize(&buf); err != nil {
			t.Fatalf("%s: deserialize: unexpected error: %v", test.name, err)
		}
		if !reflect.DeepEqual(decoded, test.undo) {
			t.Fatalf("%s: round trip mismatch: got %+v, want %+v", test.name,
				decoded, test.undo)
		}
	}
}

// TestUndoDataDeserializeCorrupt ensures corrupt undo payloads are rejected
// rather than causing huge allocations.
func TestUndoDataDeserializeCorrupt(t *testing.T) {
	// A count beyond the sanity bound must be rejected up front.
	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, maxUndoSpentTxOuts+1); err != nil {
		t.Fatalf("WriteVarInt: unexpected error: %v", err)
	}
	var undo UndoData
	err := undo.Deserialize(&buf)
	if !errors.Is(err, ErrDeserialize) {
		t.Fatalf("excessive count: got error %v, want kind %v", err,
			ErrDeserialize)
	}

	// A script claiming to be larger than the sanity bound must be rejected.
	buf.Reset()
	if err := wire.WriteVarInt(&buf, 0, 1); err != nil {
		t.Fatalf("WriteVarInt: unexpected error: %v", err)
	}
	if err := wire.WriteVarInt(&buf, 0, 9<<1); err != nil {
		t.Fatalf("WriteVarInt: unexpected error: %v", err)
	}
	if err := wire.WriteVarInt(&buf, 0, 50e8); err != nil {
		t.Fatalf("WriteVarInt: unexpected error: %v", err)
	}
	if err := wire.WriteVarInt(&buf, 0, maxUndoScriptSize+1); err != nil {
		t.Fatalf("WriteVarInt: unexpected error: %v", err)
	}
	if err := undo.Deserialize(&buf); err == nil {
		t.Fatal("oversized script accepted")
	}

	// Truncated payloads surface a read error.
	buf.Reset()
	if err := wire.WriteVarInt(&buf, 0, 2); err != nil {
		t.Fatalf("WriteVarInt: unexpected error: %v", err)
	}
	if err := undo.Deserialize(&buf); err == nil {
		t.Fatal("truncated payload accepted")
	}
}
