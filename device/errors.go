// Package device implements the serial link to the dual-LED illuminator
// and the high-level controller that drives it.
//
// This file defines sentinel errors and error wrappers for classifying
// device failures. These enable callers to use errors.Is/errors.As for
// typed assertions rather than string matching.
package device

import (
	"errors"
	"fmt"
)

// Sentinel errors for device failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrTimeout indicates a read did not complete within its deadline.
	// No partial data is ever returned alongside it.
	ErrTimeout = errors.New("read timed out")

	// ErrNotConnected indicates an operation on a disconnected controller.
	ErrNotConnected = errors.New("device not connected")

	// ErrClosed indicates the underlying port has been closed.
	ErrClosed = errors.New("link closed")

	// ErrUnexpectedHeader indicates a response with an unrecognized first
	// byte, typically firmware op-sequencing desynchronization.
	ErrUnexpectedHeader = errors.New("unexpected response header")

	// ErrDeviceFault indicates the firmware replied with its error byte.
	ErrDeviceFault = errors.New("device reported error")

	// ErrVerifyFailed indicates a mutating command was acknowledged but
	// the state read back afterwards did not match the request.
	ErrVerifyFailed = errors.New("post-command verification failed")

	// ErrConnectionLost indicates the controller gave up after repeated
	// consecutive command failures and dropped to Disconnected.
	ErrConnectionLost = errors.New("connection lost")
)

// LinkError wraps a transport-level failure (open, write, read, timeout).
// Link errors are recoverable by reconnecting.
type LinkError struct {
	// Op is the operation that failed (e.g. "open", "write", "read").
	Op string
	// Err is the underlying error.
	Err error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *LinkError) Unwrap() error {
	return e.Err
}

// NewLinkError creates a classified link error.
func NewLinkError(op string, err error) *LinkError {
	return &LinkError{Op: op, Err: err}
}

// ProtocolError wraps a semantic failure in a response (wrong header,
// wrong length). Recoverable by clearing buffers and retrying; escalates
// to connection loss after repeated occurrence.
type ProtocolError struct {
	// Op is the command being exchanged (e.g. "status", "select_led").
	Op string
	// Want is the expected header byte.
	Want byte
	// Got is the header byte actually received.
	Got byte
	// Err is the sentinel classification.
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %v: want header 0x%02X, got 0x%02X", e.Op, e.Err, e.Want, e.Got)
}

// Unwrap returns the sentinel classification.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsLinkError reports whether err is transport-level.
func IsLinkError(err error) bool {
	var le *LinkError
	return errors.As(err, &le)
}

// IsProtocolError reports whether err is a semantic response failure.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
