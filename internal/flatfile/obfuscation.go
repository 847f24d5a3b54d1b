// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package flatfile

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	// ObfuscationKeyLen is the length in bytes of the rolling XOR key
	// optionally applied to flat file contents.
	ObfuscationKeyLen = 8

	// obfuscationKeyFilename is the name of the file within a flat file
	// directory that stores the obfuscation key for that directory.
	obfuscationKeyFilename = "xor.dat"
)

// LoadObfuscationKey returns the obfuscation key for the provided flat file
// directory, creating a random key on first use.  The same key applies to
// every sequence rooted at the directory so records can be relocated between
// streams without re-obfuscation.
func LoadObfuscationKey(dir string) ([ObfuscationKeyLen]byte, error) {
	var key [ObfuscationKeyLen]byte
	path := filepath.Join(dir, obfuscationKeyFilename)
	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		if _, err := io.ReadFull(f, key[:]); err != nil {
			str := fmt.Sprintf("unable to read obfuscation key %q: %v",
				path, err)
			return key, makeError(ErrObfuscationKey, str)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		str := fmt.Sprintf("unable to open obfuscation key %q: %v", path, err)
		return key, makeError(ErrObfuscationKey, str)
	}

	if _, err := rand.Read(key[:]); err != nil {
		str := fmt.Sprintf("unable to generate obfuscation key: %v", err)
		return key, makeError(ErrObfuscationKey, str)
	}
	if err := os.WriteFile(path, key[:], 0644); err != nil {
		str := fmt.Sprintf("unable to write obfuscation key %q: %v", path, err)
		return key, makeError(ErrObfuscationKey, str)
	}
	return key, nil
}

// xorBytes applies the rolling XOR key to the provided buffer in place.  The
// key phase is determined by the absolute file offset of the first byte so
// records may be read back starting from any position.
func xorBytes(buf []byte, key *[ObfuscationKeyLen]byte, offset int64) {
	for i := range buf {
		buf[i] ^= key[(offset+int64(i))%ObfuscationKeyLen]
	}
}

// File is an open file within a flat file sequence.  It transparently applies
// the sequence's obfuscation key, if any, to all reads and writes.
type File struct {
	f         *os.File
	key       [ObfuscationKeyLen]byte
	obfuscate bool
	offset    int64
}

// Read reads from the file at its current offset, removing obfuscation.
func (f *File) Read(p []byte) (int, error) {
	n, err := f.f.Read(p)
	if n > 0 && f.obfuscate {
		xorBytes(p[:n], &f.key, f.offset)
	}
	f.offset += int64(n)
	return n, err
}

// Write writes to the file at its current offset, applying obfuscation.  The
// caller's buffer is not modified.
func (f *File) Write(p []byte) (int, error) {
	if f.obfuscate {
		obfuscated := make([]byte, len(p))
		copy(obfuscated, p)
		xorBytes(obfuscated, &f.key, f.offset)
		p = obfuscated
	}
	n, err := f.f.Write(p)
	f.offset += int64(n)
	return n, err
}

// Seek sets the offset for the next read or write.  Only io.SeekStart and
// io.SeekCurrent are supported since the obfuscation phase must track the
// absolute offset.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	abs, err := f.f.Seek(offset, whence)
	if err == nil {
		f.offset = abs
	}
	return abs, err
}

// Offset returns the current absolute byte offset within the file.
func (f *File) Offset() int64 {
	return f.offset
}

// Sync commits the current contents of the file to durable storage.
func (f *File) Sync() error {
	return f.f.Sync()
}

// Close closes the underlying file handle.
func (f *File) Close() error {
	return f.f.Close()
}
