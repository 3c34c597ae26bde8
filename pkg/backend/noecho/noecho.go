// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

// Package noecho wraps a Slave backend so that values freshly written via
// Update are not re-observed as bus traffic. Some drivers report a written
// value back on the next read as if it were new data; the decorator blanks
// that one echo per id.
package noecho

import (
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/backend"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/frame"
)

// Slave decorates a backend.Slave with echo suppression.
type Slave struct {
	target backend.Slave

	// ids updated via Update whose next read-back should be blanked.
	updated map[uint32]struct{}
}

var _ backend.Slave = (*Slave)(nil)

// New wraps target with echo suppression. Suppression state lives exactly
// as long as the decorator, i.e. as long as the owning bridge.
func New(target backend.Slave) *Slave {
	return &Slave{
		target:  target,
		updated: make(map[uint32]struct{}),
	}
}

// Name delegates to the wrapped backend.
func (s *Slave) Name() string {
	return s.target.Name()
}

// TryRead delegates to the wrapped backend. If the returned frame's id was
// recently updated, its payload is cleared before it is returned; the
// suppression record itself stays armed until the next Update for that id.
func (s *Slave) TryRead() (frame.Frame, bool) {
	f, ok := s.target.TryRead()
	if !ok {
		return f, false
	}

	if _, suppressed := s.updated[f.ID]; suppressed {
		f.Data = nil
	}

	return f, true
}

// Update records the frame's id in the suppression set and forwards the
// frame unchanged to the wrapped backend.
func (s *Slave) Update(f frame.Frame) error {
	s.updated[f.ID] = struct{}{}

	return s.target.Update(f)
}

// Close delegates to the wrapped backend.
func (s *Slave) Close() error {
	return s.target.Close()
}
