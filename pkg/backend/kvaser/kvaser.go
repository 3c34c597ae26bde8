// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

// Package kvaser binds the Kvaser LIN hardware behind the backend
// capability interfaces. The vendor library is reached through the Library
// seam so that the rest of the gateway never touches the native API.
package kvaser

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/backend"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/backend/noecho"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/frame"
)

// Mode selects which side of the LIN exchange a channel performs.
type Mode int

const (
	ModeSlave Mode = iota
	ModeMaster
)

// String returns the mode's wire name.
func (m Mode) String() string {
	if m == ModeMaster {
		return "master"
	}
	return "slave"
}

// ErrDeviceNotFound is returned when the requested device id is not among
// the channels the library enumerated.
var ErrDeviceNotFound = errors.New("kvaser device not found")

// Library is the seam to the vendor runtime.
type Library interface {
	// Initialize loads the library once and enumerates the attached
	// devices, returning a device-id ("serial:channel") to channel-number
	// map. Called at most once per process; its outcome is cached.
	Initialize() (map[string]int, error)

	// Open opens a channel in the given mode at the given baudrate.
	Open(channel int, mode Mode, baudrate uint32) (Channel, error)
}

// Channel is one open LIN channel.
type Channel interface {
	// ReadMessage polls for a received frame without blocking.
	ReadMessage() (frame.Frame, bool)

	// UpdateMessage replaces the payload served for the frame's id.
	UpdateMessage(f frame.Frame) error

	// WriteMessage transmits the frame on the bus.
	WriteMessage(f frame.Frame) error

	// RequestMessage schedules a header for id.
	RequestMessage(id uint32) error

	// Close releases the channel handle.
	Close() error
}

// Driver owns the process-scoped library state: initialization runs once,
// and its result, success or failure, is cached for every later open. A
// cached failure is re-surfaced, never silently retried.
type Driver struct {
	lib    Library
	logger *slog.Logger

	once    sync.Once
	devices map[string]int
	initErr error
}

// NewDriver builds a driver on top of lib.
func NewDriver(lib Library, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{lib: lib, logger: logger}
}

var defaultDriver = NewDriver(systemLibrary{}, nil)

// Default returns the process-wide driver backed by the system library.
func Default() *Driver {
	return defaultDriver
}

func (d *Driver) deviceMap() (map[string]int, error) {
	d.once.Do(func() {
		d.logger.Info("initializing kvaser library")
		d.devices, d.initErr = d.lib.Initialize()
		if d.initErr == nil {
			d.logger.Info("kvaser devices enumerated", slog.Int("count", len(d.devices)))
		}
	})
	return d.devices, d.initErr
}

// NewSlave opens deviceID as a LIN slave, wrapped in echo suppression so
// payloads pushed from the network are not re-reported as bus traffic.
func (d *Driver) NewSlave(name, deviceID string, baudrate uint32) (backend.Slave, error) {
	lin, err := d.open(name, deviceID, ModeSlave, baudrate)
	if err != nil {
		return nil, err
	}
	return noecho.New(lin), nil
}

// NewMaster opens deviceID as a LIN master.
func (d *Driver) NewMaster(name, deviceID string, baudrate uint32) (backend.Master, error) {
	return d.open(name, deviceID, ModeMaster, baudrate)
}

func (d *Driver) open(name, deviceID string, mode Mode, baudrate uint32) (*LIN, error) {
	devices, err := d.deviceMap()
	if err != nil {
		return nil, fmt.Errorf("kvaser library init: %w", err)
	}

	channel, ok := devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: device_id %s", ErrDeviceNotFound, deviceID)
	}

	d.logger.Info("opening kvaser channel",
		slog.String("name", name),
		slog.String("device_id", deviceID),
		slog.Int("channel", channel),
		slog.String("mode", mode.String()))

	ch, err := d.lib.Open(channel, mode, baudrate)
	if err != nil {
		return nil, fmt.Errorf("open channel %d (%s): %w", channel, name, err)
	}

	return &LIN{name: name, ch: ch, logger: d.logger}, nil
}

// LIN is an open hardware channel exposed through the capability
// interfaces. The handle is single-owner: it belongs to the bridge task
// that constructed it and is never shared.
type LIN struct {
	name   string
	ch     Channel
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

var (
	_ backend.Slave  = (*LIN)(nil)
	_ backend.Master = (*LIN)(nil)
)

// Name returns the channel's label.
func (l *LIN) Name() string {
	return l.name
}

// TryRead polls the channel for a received frame.
func (l *LIN) TryRead() (frame.Frame, bool) {
	return l.ch.ReadMessage()
}

// Update replaces the payload served for the frame's id.
func (l *LIN) Update(f frame.Frame) error {
	l.logger.Debug("updating frame",
		slog.String("name", l.name),
		slog.String("frame", f.String()))

	if err := l.ch.UpdateMessage(f); err != nil {
		return fmt.Errorf("update frame %s: %w", f, err)
	}
	return nil
}

// Write transmits the frame on the bus.
func (l *LIN) Write(f frame.Frame) error {
	if err := l.ch.WriteMessage(f); err != nil {
		return fmt.Errorf("write frame %s: %w", f, err)
	}
	return nil
}

// RequestUpdate schedules a header for id.
func (l *LIN) RequestUpdate(id uint32) error {
	if err := l.ch.RequestMessage(id); err != nil {
		return fmt.Errorf("request update for id %#x: %w", id, err)
	}
	return nil
}

// Close releases the channel handle. Idempotent: the bridge closes the
// backend on every exit path, and a forced abort may close it again.
func (l *LIN) Close() error {
	l.closeOnce.Do(func() {
		l.logger.Info("closing kvaser channel", slog.String("name", l.name))
		l.closeErr = l.ch.Close()
	})
	return l.closeErr
}
