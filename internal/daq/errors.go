package daq

import (
	"errors"
	"fmt"
)

var (
	// ErrNotOpen is returned when an operation requires an open session.
	ErrNotOpen = errors.New("session not open")
	// ErrNotConnected is returned for any operation after the physical
	// device has been disconnected.
	ErrNotConnected = errors.New("device not connected")
)

// TransportError wraps a failure reported by the USB layer during open,
// close, control transfer or interface release.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ChecksumError reports one record whose checksum byte does not match the
// channel sum. Non-fatal: the decoder keeps scanning and the session keeps
// running.
type ChecksumError struct {
	Record int // record index within the delivered buffer
	Got    byte
	Want   byte
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("record %d: checksum 0x%02x, want 0x%02x", e.Record, e.Got, e.Want)
}
