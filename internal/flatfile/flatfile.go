// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package flatfile provides an append-oriented sequence of fixed-format binary
// files addressed by (file number, byte offset) rather than a filesystem path
// per record.
//
// A sequence grows its files in fixed-size chunks to reduce fragmentation and
// truncates a file back to its logical size once the caller indicates it will
// receive no further writes.  An optional per-directory obfuscation key may be
// applied to file contents.  The obfuscation is not a security boundary and
// only serves to deter casual inspection and naive content scanners.
package flatfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// FlatFilePos identifies the position of a record within a flat file sequence
// by file number and byte offset within that file.  It is the only on-disk
// addressing primitive used by the block storage code.
type FlatFilePos struct {
	File   int32
	Offset uint32
}

// NewFlatFilePos returns a flat file position for the provided file number and
// byte offset.
func NewFlatFilePos(file int32, offset uint32) FlatFilePos {
	return FlatFilePos{File: file, Offset: offset}
}

// IsNull returns whether the position does not refer to any file.
func (p FlatFilePos) IsNull() bool {
	return p.File == -1
}

// String returns the position as a human-readable string.
func (p FlatFilePos) String() string {
	if p.IsNull() {
		return "(null)"
	}
	return fmt.Sprintf("(file=%d, offset=%d)", p.File, p.Offset)
}

// nullPos is the canonical position that does not refer to any file.
var nullPos = FlatFilePos{File: -1, Offset: 0}

// NullPos returns the canonical position that does not refer to any file.
func NullPos() FlatFilePos {
	return nullPos
}

// Seq represents a sequence of numbered files of the same logical stream.
// Files are named by a short stream prefix and a zero-padded file number and
// are pre-allocated in fixed-size chunks.
//
// The methods of Seq do not perform any internal serialization, so it is the
// caller's responsibility to prevent concurrent writes to the same file.
// Concurrent readers of distinct files are safe.
type Seq struct {
	dir       string
	prefix    string
	chunkSize uint32
	xorKey    [ObfuscationKeyLen]byte
	obfuscate bool
}

// NewSeq returns a flat file sequence rooted at the provided directory with
// the given filename prefix and pre-allocation chunk size.
func NewSeq(dir, prefix string, chunkSize uint32) *Seq {
	return &Seq{dir: dir, prefix: prefix, chunkSize: chunkSize}
}

// SetObfuscationKey configures the sequence to XOR all file contents with the
// provided key.  An all-zero key disables obfuscation.
func (s *Seq) SetObfuscationKey(key [ObfuscationKeyLen]byte) {
	s.xorKey = key
	s.obfuscate = key != [ObfuscationKeyLen]byte{}
}

// FileName returns the path of the file that houses the provided position.
func (s *Seq) FileName(pos FlatFilePos) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%05d.dat", s.prefix, pos.File))
}

// Open opens the file that houses the provided position and seeks to the
// position's byte offset.  When readOnly is false, the file is created if it
// does not already exist.
func (s *Seq) Open(pos FlatFilePos, readOnly bool) (*File, error) {
	if pos.IsNull() {
		str := "open requested for null position"
		return nil, makeError(ErrOpenFailed, str)
	}

	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	path := s.FileName(pos)
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		str := fmt.Sprintf("unable to open flat file %q: %v", path, err)
		return nil, makeError(ErrOpenFailed, str)
	}
	file := &File{f: f, key: s.xorKey, obfuscate: s.obfuscate}
	if pos.Offset != 0 {
		if _, err := file.Seek(int64(pos.Offset), 0); err != nil {
			f.Close()
			str := fmt.Sprintf("unable to seek flat file %q to %d: %v",
				path, pos.Offset, err)
			return nil, makeError(ErrOpenFailed, str)
		}
	}
	return file, nil
}

// Allocate ensures at least addBytes of space exists in the file that houses
// the provided position by pre-growing the file in whole chunks as needed.  It
// returns the number of additional bytes that were physically allocated, which
// is zero when the current chunk already covers the requested space.
//
// A failure to grow the file is reported as an ErrDiskSpace error and must be
// treated by the caller as fatal for the write in progress.
func (s *Seq) Allocate(pos FlatFilePos, addBytes uint32) (uint64, error) {
	oldChunks := (uint64(pos.Offset) + uint64(s.chunkSize) - 1) /
		uint64(s.chunkSize)
	newChunks := (uint64(pos.Offset) + uint64(addBytes) +
		uint64(s.chunkSize) - 1) / uint64(s.chunkSize)
	if newChunks <= oldChunks {
		return 0, nil
	}

	file, err := s.Open(pos, false)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	newSize := newChunks * uint64(s.chunkSize)
	allocated := newSize - uint64(pos.Offset)

	// Only grow the file, never shrink it, since the caller may have
	// already written past the old chunk boundary.
	fi, err := file.f.Stat()
	if err != nil {
		str := fmt.Sprintf("unable to stat flat file %q: %v",
			s.FileName(pos), err)
		return 0, makeError(ErrOpenFailed, str)
	}
	if uint64(fi.Size()) >= newSize {
		return allocated, nil
	}

	// Physically write zeroed chunks rather than truncating so the space is
	// actually reserved and a full volume is detected here rather than in
	// the middle of a record write.
	if err := writeZeros(file.f, fi.Size(), int64(newSize)); err != nil {
		str := fmt.Sprintf("unable to pre-allocate %d bytes in flat "+
			"file %q: %v", newSize-uint64(fi.Size()), s.FileName(pos), err)
		return 0, makeError(ErrDiskSpace, str)
	}
	return allocated, nil
}

// writeZeros appends zero bytes to the file from offset 'from' up to offset
// 'to'.
func writeZeros(f *os.File, from, to int64) error {
	var zeros [65536]byte
	if _, err := f.Seek(from, 0); err != nil {
		return err
	}
	for from < to {
		n := to - from
		if n > int64(len(zeros)) {
			n = int64(len(zeros))
		}
		if _, err := f.Write(zeros[:n]); err != nil {
			return err
		}
		from += n
	}
	return nil
}

// Flush commits any buffered modifications of the file that houses the
// provided position to durable storage.  When finalize is true, the file is
// first truncated to the position's byte offset, which represents the file's
// logical size.  Finalize should only be requested once a file is known to
// receive no further writes.
func (s *Seq) Flush(pos FlatFilePos, finalize bool) error {
	file, err := s.Open(FlatFilePos{File: pos.File}, false)
	if err != nil {
		return err
	}
	defer file.Close()

	if finalize {
		if err := file.f.Truncate(int64(pos.Offset)); err != nil {
			str := fmt.Sprintf("unable to truncate flat file %q to %d: %v",
				s.FileName(pos), pos.Offset, err)
			return makeError(ErrFlushFailed, str)
		}
	}
	if err := file.f.Sync(); err != nil {
		str := fmt.Sprintf("unable to sync flat file %q: %v",
			s.FileName(pos), err)
		return makeError(ErrFlushFailed, str)
	}

	// Also sync the owning directory so the file's metadata survives a
	// crash that happens immediately after a finalize.
	dir, err := os.Open(s.dir)
	if err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}
