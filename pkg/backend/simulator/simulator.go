// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

// Package simulator provides schedule-driven backends for hardware-free
// operation. ScheduleEmitter replays a schedule table from a loaded LDF
// model; PassiveStub accepts traffic without ever producing any.
package simulator

import (
	"fmt"
	"log/slog"

	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/backend"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/frame"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/ldf"
)

// ScheduleEmitter emits frames at the slot boundaries of one schedule
// table, advancing by the model's base tick on every poll. The sequence is
// infinite and restartable: a fresh emitter starts at the first slot.
type ScheduleEmitter struct {
	name   string
	model  *ldf.LDF
	table  ldf.ScheduleTable
	logger *slog.Logger

	tableIndex    int
	elapsedInSlot uint32
}

var _ backend.Slave = (*ScheduleEmitter)(nil)

// NewScheduleEmitter builds an emitter for the named schedule table. The
// table must exist in the model.
func NewScheduleEmitter(name string, model *ldf.LDF, tableName string, logger *slog.Logger) (*ScheduleEmitter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	table, ok := model.ScheduleTables[tableName]
	if !ok {
		return nil, fmt.Errorf("schedule table %q not found in ldf model", tableName)
	}
	if len(table.Items) == 0 {
		return nil, fmt.Errorf("schedule table %q is empty", tableName)
	}

	logger.Info("schedule emitter created",
		slog.String("name", name),
		slog.String("table", tableName))

	return &ScheduleEmitter{
		name:   name,
		model:  model,
		table:  table,
		logger: logger,
	}, nil
}

// Name returns the emitter's label.
func (e *ScheduleEmitter) Name() string {
	return e.name
}

// TryRead advances the schedule by one base tick and returns a frame when
// the current slot begins. Frames owned by the master node carry the
// deterministic filler payload 0..size-1; frames owned by other nodes are
// emitted empty, since slave-originated data is never fabricated.
func (e *ScheduleEmitter) TryRead() (frame.Frame, bool) {
	entry := e.table.Items[e.tableIndex]

	desc, ok := e.model.Frames[entry.Name]
	if !ok {
		return frame.Frame{}, false
	}

	due := e.elapsedInSlot == 0

	e.elapsedInSlot += e.model.Nodes.BaseTickMs
	if float64(e.elapsedInSlot) >= entry.DelayMs {
		e.tableIndex = (e.tableIndex + 1) % len(e.table.Items)
		e.elapsedInSlot = 0
	}

	if !due {
		return frame.Frame{}, false
	}

	var data []byte
	if desc.Owner == e.model.Nodes.Master {
		data = make([]byte, desc.Size)
		for i := range data {
			data[i] = byte(i)
		}
	}

	return frame.Frame{ID: desc.ID, Data: data}, true
}

// Update accepts and discards the payload; the emitter's traffic is fully
// determined by the schedule.
func (e *ScheduleEmitter) Update(frame.Frame) error {
	return nil
}

// Close releases the emitter.
func (e *ScheduleEmitter) Close() error {
	e.logger.Info("schedule emitter closed", slog.String("name", e.name))
	return nil
}

// PassiveStub never produces a frame and discards writes. It lets a remote
// peer address a bus that has no physically simulated owner present.
type PassiveStub struct {
	name   string
	logger *slog.Logger
}

var _ backend.Master = (*PassiveStub)(nil)

// NewPassiveStub builds a stub backend.
func NewPassiveStub(name string, logger *slog.Logger) *PassiveStub {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("passive stub created", slog.String("name", name))

	return &PassiveStub{name: name, logger: logger}
}

// Name returns the stub's label.
func (p *PassiveStub) Name() string {
	return p.name
}

// TryRead never yields a frame.
func (p *PassiveStub) TryRead() (frame.Frame, bool) {
	return frame.Frame{}, false
}

// Write accepts and discards the frame.
func (p *PassiveStub) Write(frame.Frame) error {
	return nil
}

// RequestUpdate accepts and discards the request.
func (p *PassiveStub) RequestUpdate(uint32) error {
	return nil
}

// Close releases the stub.
func (p *PassiveStub) Close() error {
	p.logger.Info("passive stub closed", slog.String("name", p.name))
	return nil
}
