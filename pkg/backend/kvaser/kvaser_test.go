// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

package kvaser

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/frame"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChannel records every call made against an open channel.
type fakeChannel struct {
	received  []frame.Frame
	updates   []frame.Frame
	writes    []frame.Frame
	requests  []uint32
	closed    int
	updateErr error
}

func (c *fakeChannel) ReadMessage() (frame.Frame, bool) {
	if len(c.received) == 0 {
		return frame.Frame{}, false
	}
	f := c.received[0]
	c.received = c.received[1:]
	return f, true
}

func (c *fakeChannel) UpdateMessage(f frame.Frame) error {
	if c.updateErr != nil {
		return c.updateErr
	}
	c.updates = append(c.updates, f)
	return nil
}

func (c *fakeChannel) WriteMessage(f frame.Frame) error {
	c.writes = append(c.writes, f)
	return nil
}

func (c *fakeChannel) RequestMessage(id uint32) error {
	c.requests = append(c.requests, id)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed++
	return nil
}

// fakeLibrary counts initializations and hands out fake channels.
type fakeLibrary struct {
	devices  map[string]int
	initErr  error
	initRuns int
	channels map[int]*fakeChannel
}

func (l *fakeLibrary) Initialize() (map[string]int, error) {
	l.initRuns++
	return l.devices, l.initErr
}

func (l *fakeLibrary) Open(channel int, mode Mode, baudrate uint32) (Channel, error) {
	ch, ok := l.channels[channel]
	if !ok {
		return nil, errors.New("channel not found")
	}
	return ch, nil
}

func TestInitializeRunsOnce(t *testing.T) {
	lib := &fakeLibrary{
		devices:  map[string]int{"011121:1": 0},
		channels: map[int]*fakeChannel{0: {}},
	}
	d := NewDriver(lib, discardLogger())

	for i := 0; i < 3; i++ {
		if _, err := d.NewMaster("vlin0", "011121:1", 19200); err != nil {
			t.Fatalf("NewMaster() #%d error: %v", i, err)
		}
	}

	if lib.initRuns != 1 {
		t.Errorf("Initialize ran %d times, want 1", lib.initRuns)
	}
}

func TestInitFailureIsCachedAndResurfaced(t *testing.T) {
	lib := &fakeLibrary{initErr: errors.New("no mhydra devices")}
	d := NewDriver(lib, discardLogger())

	for i := 0; i < 2; i++ {
		if _, err := d.NewMaster("vlin0", "011121:1", 19200); err == nil {
			t.Fatalf("NewMaster() #%d succeeded despite init failure", i)
		}
	}

	if lib.initRuns != 1 {
		t.Errorf("Initialize ran %d times after a failure, want 1", lib.initRuns)
	}
}

func TestUnknownDeviceID(t *testing.T) {
	lib := &fakeLibrary{devices: map[string]int{"011121:1": 0}}
	d := NewDriver(lib, discardLogger())

	_, err := d.NewMaster("vlin0", "999999:9", 19200)
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("NewMaster() = %v, want ErrDeviceNotFound", err)
	}
}

func TestMasterOperations(t *testing.T) {
	ch := &fakeChannel{received: []frame.Frame{{ID: 0x31, Data: []byte{7}}}}
	lib := &fakeLibrary{
		devices:  map[string]int{"011121:1": 2},
		channels: map[int]*fakeChannel{2: ch},
	}
	d := NewDriver(lib, discardLogger())

	m, err := d.NewMaster("vlin0", "011121:1", 19200)
	if err != nil {
		t.Fatalf("NewMaster() error: %v", err)
	}

	if f, ok := m.TryRead(); !ok || f.ID != 0x31 {
		t.Errorf("TryRead() = (%v, %v), want frame 0x31", f, ok)
	}
	if err := m.Write(frame.Frame{ID: 0x32, Data: []byte{1, 2}}); err != nil {
		t.Errorf("Write() error: %v", err)
	}
	if err := m.RequestUpdate(0x31); err != nil {
		t.Errorf("RequestUpdate() error: %v", err)
	}
	if len(ch.writes) != 1 || len(ch.requests) != 1 {
		t.Errorf("channel calls = %d writes, %d requests, want 1 and 1", len(ch.writes), len(ch.requests))
	}
}

func TestSlaveIsEchoSuppressed(t *testing.T) {
	ch := &fakeChannel{}
	lib := &fakeLibrary{
		devices:  map[string]int{"011121:2": 1},
		channels: map[int]*fakeChannel{1: ch},
	}
	d := NewDriver(lib, discardLogger())

	s, err := d.NewSlave("vlin1", "011121:2", 19200)
	if err != nil {
		t.Fatalf("NewSlave() error: %v", err)
	}

	if err := s.Update(frame.Frame{ID: 0x31, Data: []byte{5, 6}}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if len(ch.updates) != 1 || !bytes.Equal(ch.updates[0].Data, []byte{5, 6}) {
		t.Fatalf("update not forwarded to channel: %v", ch.updates)
	}

	// The hardware reports the just-written value back; the decorator
	// must blank it.
	ch.received = append(ch.received, frame.Frame{ID: 0x31, Data: []byte{5, 6}})
	f, ok := s.TryRead()
	if !ok || len(f.Data) != 0 {
		t.Errorf("echo not suppressed: (%v, %v)", f, ok)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ch := &fakeChannel{}
	lib := &fakeLibrary{
		devices:  map[string]int{"011121:1": 0},
		channels: map[int]*fakeChannel{0: ch},
	}
	d := NewDriver(lib, discardLogger())

	m, err := d.NewMaster("vlin0", "011121:1", 19200)
	if err != nil {
		t.Fatalf("NewMaster() error: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
	if ch.closed != 1 {
		t.Errorf("channel closed %d times, want 1", ch.closed)
	}
}
