// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
)

const (
	// maxUndoSpentTxOuts is a sanity bound on the number of spent outputs a
	// single undo payload may claim to contain.  It exists purely to prevent
	// memory exhaustion when deserializing corrupt data and is far beyond
	// what any valid block can produce.
	maxUndoSpentTxOuts = 1 << 24

	// maxUndoScriptSize is a sanity bound on the size of a single previous
	// output script in an undo payload.
	maxUndoScriptSize = 1 << 16
)

// SpentTxOut houses the data needed to resurrect a single transaction output
// that was spent by a block, so that disconnecting the block can restore it.
type SpentTxOut struct {
	// Amount is the value of the spent output in atomic units.
	Amount int64

	// PkScript is the public key script of the spent output.
	PkScript []byte

	// Height is the height of the block that created the spent output.
	Height uint32

	// IsCoinBase indicates the spent output was created by a coinbase
	// transaction.
	IsCoinBase bool
}

// UndoData houses everything needed to disconnect a block from the chain
// state, namely the outputs the block spent.  The entries appear in the order
// the block spent them.
type UndoData struct {
	Spent []SpentTxOut
}

// SerializeSize returns the number of bytes it would take to serialize the
// undo data.
func (undo *UndoData) SerializeSize() int {
	size := wire.VarIntSerializeSize(uint64(len(undo.Spent)))
	for i := range undo.Spent {
		stxo := &undo.Spent[i]
		headerCode := uint64(stxo.Height) << 1
		size += wire.VarIntSerializeSize(headerCode)
		size += wire.VarIntSerializeSize(uint64(stxo.Amount))
		size += wire.VarIntSerializeSize(uint64(len(stxo.PkScript)))
		size += len(stxo.PkScript)
	}
	return size
}

// Serialize writes the undo data to the given writer.  The encoding is a
// count of entries followed by each entry as a header code that packs the
// height of the creating block with the coinbase flag, the amount, and the
// previous output script.
func (undo *UndoData) Serialize(w io.Writer) error {
	count := uint64(len(undo.Spent))
	if err := wire.WriteVarInt(w, 0, count); err != nil {
		return err
	}
	for i := range undo.Spent {
		stxo := &undo.Spent[i]
		headerCode := uint64(stxo.Height) << 1
		if stxo.IsCoinBase {
			headerCode |= 1
		}
		if err := wire.WriteVarInt(w, 0, headerCode); err != nil {
			return err
		}
		if err := wire.WriteVarInt(w, 0, uint64(stxo.Amount)); err != nil {
			return err
		}
		err := wire.WriteVarBytes(w, 0, stxo.PkScript)
		if err != nil {
			return err
		}
	}
	return nil
}

// Deserialize reads undo data from the given reader.  The encoding is
// self-delimiting, so the reader is left positioned immediately after the
// final entry.
func (undo *UndoData) Deserialize(r io.Reader) error {
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return err
	}
	if count > maxUndoSpentTxOuts {
		str := fmt.Sprintf("undo data claims %d spent outputs which exceeds "+
			"the max allowed of %d", count, maxUndoSpentTxOuts)
		return makeError(ErrDeserialize, str)
	}

	spent := make([]SpentTxOut, count)
	for i := uint64(0); i < count; i++ {
		stxo := &spent[i]
		headerCode, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return err
		}
		stxo.IsCoinBase = headerCode&1 != 0
		stxo.Height = uint32(headerCode >> 1)

		amount, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return err
		}
		stxo.Amount = int64(amount)

		script, err := wire.ReadVarBytes(r, 0, maxUndoScriptSize,
			"previous output script")
		if err != nil {
			return err
		}
		stxo.PkScript = script
	}
	undo.Spent = spent
	return nil
}
