// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

// Package backend defines the capability contract between the bridge engine
// and any bus backend (hardware driver, simulator, or otherwise). This is
// the sole extension point for new backends; the engine has no other
// coupling to a concrete implementation.
package backend

import "github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/frame"

// FrameReader is the base capability every backend provides.
type FrameReader interface {
	// Name returns a friendly label for log output.
	Name() string

	// TryRead polls the backend for a frame without blocking. The second
	// return value reports whether a frame was available.
	TryRead() (frame.Frame, bool)

	// Close releases the backend's bus resources. It runs on every exit
	// path of the owning bridge, including forced abort, and must be safe
	// to call more than once.
	Close() error
}

// Slave is a backend representing the slave side of the bus exchange.
type Slave interface {
	FrameReader

	// Update replaces the payload the backend serves for the frame's id.
	Update(f frame.Frame) error
}

// Master is a backend representing the master side of the bus exchange.
type Master interface {
	FrameReader

	// Write puts the frame's id and payload on the bus.
	Write(f frame.Frame) error

	// RequestUpdate schedules a header for id so its owner publishes a
	// fresh payload.
	RequestUpdate(id uint32) error
}
