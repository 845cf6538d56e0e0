// Package store persists capture sessions as chunked columnar
// recordings with a flush discipline bounding data loss.
package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for store failure classification.
var (
	// ErrFinalized indicates a write to a recording already finalized.
	ErrFinalized = errors.New("recording finalized")

	// ErrClosed indicates a write to a closed recording.
	ErrClosed = errors.New("recording closed")

	// ErrExists indicates the output path is already occupied. Existing
	// recordings are never overwritten.
	ErrExists = errors.New("recording file exists")

	// ErrCorrupt indicates a recording file that cannot be decoded.
	ErrCorrupt = errors.New("recording corrupt")
)

// Kind classifies a store failure for retry and shutdown decisions.
type Kind int

const (
	// KindIO covers filesystem failures (open, write, sync).
	KindIO Kind = iota
	// KindEncode covers serialization failures.
	KindEncode
	// KindState covers misuse of the store lifecycle.
	KindState
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindEncode:
		return "encode"
	case KindState:
		return "state"
	default:
		return "io"
	}
}

// StoreError wraps a store failure with its classification and the
// operation and path it occurred on.
type StoreError struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s (%s): %v", e.Op, e.Path, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Err
}

func ioErr(op, path string, err error) *StoreError {
	return &StoreError{Kind: KindIO, Op: op, Path: path, Err: err}
}

func encodeErr(op, path string, err error) *StoreError {
	return &StoreError{Kind: KindEncode, Op: op, Path: path, Err: err}
}

func stateErr(op, path string, err error) *StoreError {
	return &StoreError{Kind: KindState, Op: op, Path: path, Err: err}
}
