// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package treedb

// ErrorKind identifies a kind of error.  It has full support for errors.Is
// and errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific ErrorKind.
const (
	// ErrDbOpen indicates the backing store could not be opened, recovered,
	// or closed.
	ErrDbOpen = ErrorKind("ErrDbOpen")

	// ErrDbRead indicates a read from the backing store failed.
	ErrDbRead = ErrorKind("ErrDbRead")

	// ErrDbWrite indicates a write to the backing store failed.
	ErrDbWrite = ErrorKind("ErrDbWrite")

	// ErrCorruption indicates a stored record is malformed.
	ErrCorruption = ErrorKind("ErrCorruption")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies an error related to the block tree database.  It has full
// support for errors.Is and errors.As, so the caller can ascertain the
// specific reason for the error by checking the underlying error.
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
