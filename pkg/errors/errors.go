// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the gateway.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrNotRunning indicates a stop for a device with no live bridge.
	ErrNotRunning = errors.New("not running")

	// ErrInvalidInput indicates invalid input data.
	ErrInvalidInput = errors.New("invalid input")

	// ErrBackendInit indicates the backend could not be constructed.
	ErrBackendInit = errors.New("backend initialization failed")

	// ErrTransport indicates a virtual-bus transport failure.
	ErrTransport = errors.New("transport failure")

	// ErrAborted indicates a bridge was force-terminated after the grace
	// period.
	ErrAborted = errors.New("bridge aborted")
)

// BridgeError wraps an error with bridge context.
type BridgeError struct {
	Op     string // Operation that failed
	Device string // Logical device id
	Err    error  // Underlying error
}

// Error implements the error interface.
func (e *BridgeError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Device, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *BridgeError) Unwrap() error {
	return e.Err
}

// New creates a new BridgeError.
func New(op, device string, err error) error {
	if err == nil {
		return nil
	}
	return &BridgeError{
		Op:     op,
		Device: device,
		Err:    err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
