// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

package noecho

import (
	"bytes"
	"testing"

	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/frame"
)

// fakeSlave queues frames for TryRead and records Update calls.
type fakeSlave struct {
	queued  []frame.Frame
	updates []frame.Frame
	closed  bool
}

func (f *fakeSlave) Name() string { return "fake" }

func (f *fakeSlave) TryRead() (frame.Frame, bool) {
	if len(f.queued) == 0 {
		return frame.Frame{}, false
	}
	fr := f.queued[0]
	f.queued = f.queued[1:]
	return fr, true
}

func (f *fakeSlave) Update(fr frame.Frame) error {
	f.updates = append(f.updates, fr)
	return nil
}

func (f *fakeSlave) Close() error {
	f.closed = true
	return nil
}

func TestSuppressesEchoAfterUpdate(t *testing.T) {
	target := &fakeSlave{}
	s := New(target)

	if err := s.Update(frame.Frame{ID: 0x31, Data: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if len(target.updates) != 1 || !bytes.Equal(target.updates[0].Data, []byte{1, 2, 3}) {
		t.Fatalf("update not forwarded unchanged: %v", target.updates)
	}

	target.queued = append(target.queued, frame.Frame{ID: 0x31, Data: []byte{1, 2, 3}})

	f, ok := s.TryRead()
	if !ok {
		t.Fatal("TryRead() returned no frame")
	}
	if f.ID != 0x31 || len(f.Data) != 0 {
		t.Errorf("echoed frame not blanked: %v", f)
	}
}

func TestOtherIDsPassThrough(t *testing.T) {
	target := &fakeSlave{}
	s := New(target)

	if err := s.Update(frame.Frame{ID: 0x31, Data: []byte{1}}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	target.queued = append(target.queued, frame.Frame{ID: 0x32, Data: []byte{9, 9}})

	f, ok := s.TryRead()
	if !ok {
		t.Fatal("TryRead() returned no frame")
	}
	if !bytes.Equal(f.Data, []byte{9, 9}) {
		t.Errorf("unrelated id was blanked: %v", f)
	}
}

func TestUpdateReArmsSuppression(t *testing.T) {
	target := &fakeSlave{}
	s := New(target)

	if err := s.Update(frame.Frame{ID: 0x31, Data: []byte{1}}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	target.queued = append(target.queued, frame.Frame{ID: 0x31, Data: []byte{1}})
	if f, _ := s.TryRead(); len(f.Data) != 0 {
		t.Fatalf("first echo not blanked: %v", f)
	}

	if err := s.Update(frame.Frame{ID: 0x31, Data: []byte{2}}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	target.queued = append(target.queued, frame.Frame{ID: 0x31, Data: []byte{2}})
	if f, _ := s.TryRead(); len(f.Data) != 0 {
		t.Fatalf("re-armed echo not blanked: %v", f)
	}
}

func TestEmptyReadPassesThrough(t *testing.T) {
	target := &fakeSlave{}
	s := New(target)

	if _, ok := s.TryRead(); ok {
		t.Error("TryRead() produced a frame from an empty target")
	}
}

func TestCloseDelegates(t *testing.T) {
	target := &fakeSlave{}
	s := New(target)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !target.closed {
		t.Error("Close() did not reach the wrapped backend")
	}
}
