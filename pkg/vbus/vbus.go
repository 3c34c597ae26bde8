// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

// Package vbus connects a bridge to the network-carried virtual bus. The
// engine consumes the Bus interface only; the concrete transport is
// resolved once per bridge by a Dialer.
package vbus

import (
	"context"

	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/frame"
)

// Bus is one bidirectional virtual-bus channel. Reads and writes suspend;
// Close unblocks any in-flight read.
type Bus interface {
	// ReadPacket returns the next raw wire packet. The packet may carry
	// trailing padding from fixed-size carriers; interpreting its bytes
	// is the frame codec's job, not the transport's.
	ReadPacket(ctx context.Context) ([]byte, error)

	// WriteFrame transmits the frame's id and payload as one native
	// transport frame.
	WriteFrame(ctx context.Context, f frame.Frame) error

	// Close releases the channel. Safe to call more than once.
	Close() error
}

// Dialer opens the virtual-bus channel for one logical device.
type Dialer func(ctx context.Context, device string) (Bus, error)
