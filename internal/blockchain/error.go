// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

// AssertError identifies an error that indicates an internal code consistency
// issue and should be treated as a critical and unrecoverable error.
type AssertError string

// Error returns the assertion error as a human-readable string and satisfies
// the error interface.
func (e AssertError) Error() string {
	return "assertion failed: " + string(e)
}

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific ErrorKind.
//
// The first group identifies fatal storage errors.  They are reported through
// the notifications sink by the block store and are unrecoverable for the
// operation in progress.
const (
	// ErrDiskSpace indicates pre-allocating flat file space failed because
	// the underlying volume is out of space.
	ErrDiskSpace = ErrorKind("ErrDiskSpace")

	// ErrBlockFileOpen indicates a block or undo file could not be opened.
	ErrBlockFileOpen = ErrorKind("ErrBlockFileOpen")

	// ErrBlockWrite indicates serializing a block or undo record to disk
	// failed.
	ErrBlockWrite = ErrorKind("ErrBlockWrite")

	// ErrNoBlockData indicates an attempt to read block or undo data for a
	// block whose data is not available, either because only the header is
	// known or because the data has been pruned.
	ErrNoBlockData = ErrorKind("ErrNoBlockData")

	// ErrChecksumMismatch indicates the checksum stored with an undo record
	// does not cover the bytes that were read back.  The record is unusable,
	// exactly as if the read itself had failed.
	ErrChecksumMismatch = ErrorKind("ErrChecksumMismatch")

	// ErrDataCorruption indicates bytes read from a block file do not
	// deserialize to the block the index claims lives at that position.
	ErrDataCorruption = ErrorKind("ErrDataCorruption")

	// ErrDeserialize indicates a stored index row or file record is
	// malformed.
	ErrDeserialize = ErrorKind("ErrDeserialize")

	// ErrCorruptedBlockIndex indicates the loaded block index is not
	// internally consistent, such as an entry whose claimed parent cannot
	// be found.  It is never silently repaired.
	ErrCorruptedBlockIndex = ErrorKind("ErrCorruptedBlockIndex")
)

// The second group identifies the failure of a specific chainstate bootstrap
// stage.  Each kind maps to a targeted remedy that only the caller may offer
// to the user, such as prompting for a reindex.
const (
	// ErrLoadingBlockDB indicates the block tree store could not be loaded
	// into the in-memory block index.
	ErrLoadingBlockDB = ErrorKind("ErrLoadingBlockDB")

	// ErrBadGenesisBlock indicates the block index contains headers but
	// none of them is the configured genesis block, which most commonly
	// means a data directory for a different network.
	ErrBadGenesisBlock = ErrorKind("ErrBadGenesisBlock")

	// ErrPrunedNeedsReindex indicates the node pruned block files at some
	// point in the past but is now being started with pruning disabled.
	// The deleted history is irrecoverable without an explicit reindex.
	ErrPrunedNeedsReindex = ErrorKind("ErrPrunedNeedsReindex")

	// ErrLoadGenesisBlockFailed indicates the genesis block could not be
	// written to or confirmed present in the block files.
	ErrLoadGenesisBlockFailed = ErrorKind("ErrLoadGenesisBlockFailed")

	// ErrBlockDBOpenFailed indicates a chainstate's coins view could not be
	// opened.
	ErrBlockDBOpenFailed = ErrorKind("ErrBlockDBOpenFailed")

	// ErrChainstateUpgradeFailed indicates upgrading a coins view from a
	// stale on-disk format failed.
	ErrChainstateUpgradeFailed = ErrorKind("ErrChainstateUpgradeFailed")

	// ErrReplayBlocksFailed indicates replaying partially-applied blocks
	// left over from an unclean shutdown failed.
	ErrReplayBlocksFailed = ErrorKind("ErrReplayBlocksFailed")

	// ErrLoadChainTipFailed indicates the block recorded as best by a coins
	// view could not be located in the block index.
	ErrLoadChainTipFailed = ErrorKind("ErrLoadChainTipFailed")

	// ErrBlocksWitnessInsufficientlyValidated indicates blocks on disk were
	// validated under rules that no longer suffice and must be downloaded
	// again.
	ErrBlocksWitnessInsufficientlyValidated = ErrorKind("ErrBlocksWitnessInsufficientlyValidated")

	// ErrBlockFromFuture indicates a chainstate's recorded tip carries a
	// timestamp implausibly far in the future.
	ErrBlockFromFuture = ErrorKind("ErrBlockFromFuture")

	// ErrCorruptedBlockDB indicates the bounded historical integrity check
	// over recent blocks failed.
	ErrCorruptedBlockDB = ErrorKind("ErrCorruptedBlockDB")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies an error related to block storage or chainstate
// bootstrapping.  It has full support for errors.Is and errors.As, so the
// caller can ascertain the specific reason for the error by checking the
// underlying error.
type Error struct {
	Err         error
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// makeError creates an Error given a set of arguments.
func makeError(kind ErrorKind, desc string) Error {
	return Error{Err: kind, Description: desc}
}
