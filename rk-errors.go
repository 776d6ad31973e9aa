package main

import (
	"errors"
	"fmt"
)

// ErrNoDevice is wrapped by USB backends when the device went away
// underneath an open handle.
var ErrNoDevice = errors.New("usb device disappeared")

// FormatError rejects a loader container. No partial result accompanies it.
type FormatError struct {
	Offset int64
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid loader file at offset 0x%x: %s", e.Offset, e.Reason)
}

// DeviceError reports a missing device or an unusable device response.
type DeviceError struct {
	Reason string
}

func (e *DeviceError) Error() string {
	return "device error: " + e.Reason
}

// TransferError aborts a download.
type TransferError struct {
	Index  uint16
	Chunk  int
	Reason string
	Err    error
}

func (e *TransferError) Error() string {
	msg := fmt.Sprintf("transfer 0x%x failed at chunk %d: %s", e.Index, e.Chunk, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// DisconnectError is returned when the device vanished during an operation.
type DisconnectError struct {
	Op  string
	Err error
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("device disconnected during %s", e.Op)
}

func (e *DisconnectError) Unwrap() error {
	return e.Err
}

// CommandError is returned when a CBW cannot be encoded.
type CommandError struct {
	Opcode Opcode
	Reason string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("cbw 0x%02x: %s", byte(e.Opcode), e.Reason)
}

// IsDisconnect reports whether err (or anything it wraps) means the device went away.
func IsDisconnect(err error) bool {
	var de *DisconnectError
	return errors.As(err, &de) || errors.Is(err, ErrNoDevice)
}
