// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/control"
	gwerrors "github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/errors"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/frame"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBus is an in-memory virtual-bus channel driven by the test.
type fakeBus struct {
	inbound chan []byte
	written chan frame.Frame

	mu       sync.Mutex
	writeErr error

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		inbound: make(chan []byte, 16),
		written: make(chan frame.Frame, 16),
		closed:  make(chan struct{}),
	}
}

func (b *fakeBus) ReadPacket(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-b.inbound:
		return pkt, nil
	case <-b.closed:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *fakeBus) WriteFrame(ctx context.Context, f frame.Frame) error {
	b.mu.Lock()
	err := b.writeErr
	b.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case b.written <- f:
		return nil
	case <-b.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *fakeBus) failWrites(err error) {
	b.mu.Lock()
	b.writeErr = err
	b.mu.Unlock()
}

func (b *fakeBus) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

func (b *fakeBus) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// fakeSlaveBackend queues frames for TryRead and records updates.
type fakeSlaveBackend struct {
	mu        sync.Mutex
	queue     []frame.Frame
	updates   []frame.Frame
	updateErr error
	closed    bool
}

func (s *fakeSlaveBackend) Name() string { return "fake-slave" }

func (s *fakeSlaveBackend) TryRead() (frame.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return frame.Frame{}, false
	}
	f := s.queue[0]
	s.queue = s.queue[1:]
	return f, true
}

func (s *fakeSlaveBackend) Update(f frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, f)
	return s.updateErr
}

func (s *fakeSlaveBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSlaveBackend) enqueue(f frame.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, f)
}

func (s *fakeSlaveBackend) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func (s *fakeSlaveBackend) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeMasterBackend records writes and update requests.
type fakeMasterBackend struct {
	mu       sync.Mutex
	writes   []frame.Frame
	requests []uint32
	writeErr error
	closed   bool
}

func (m *fakeMasterBackend) Name() string { return "fake-master" }

func (m *fakeMasterBackend) TryRead() (frame.Frame, bool) {
	return frame.Frame{}, false
}

func (m *fakeMasterBackend) Write(f frame.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, f)
	return m.writeErr
}

func (m *fakeMasterBackend) RequestUpdate(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, id)
	return nil
}

func (m *fakeMasterBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMasterBackend) requestedIDs() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.requests...)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func slaveEngine(t *testing.T, slave *fakeSlaveBackend, bus *fakeBus) *Engine {
	t.Helper()
	eng, err := NewEngine(EngineConfig{
		Device: "vlin0",
		Role:   control.HostModeSlave,
		Slave:  slave,
		Bus:    bus,
		Tick:   time.Millisecond,
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	return eng
}

func masterEngine(t *testing.T, master *fakeMasterBackend, bus *fakeBus) *Engine {
	t.Helper()
	eng, err := NewEngine(EngineConfig{
		Device: "vlin0",
		Role:   control.HostModeMaster,
		Master: master,
		Bus:    bus,
		Tick:   time.Millisecond,
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	return eng
}

func TestEngineForwardsBackendFrames(t *testing.T) {
	slave := &fakeSlaveBackend{}
	bus := newFakeBus()
	slave.enqueue(frame.Frame{ID: 0x31, Data: []byte{1, 2, 3}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- slaveEngine(t, slave, bus).Run(ctx) }()

	select {
	case f := <-bus.written:
		if f.ID != 0x31 || len(f.Data) != 3 {
			t.Errorf("forwarded frame = %v, want id 0x31 with 3 bytes", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backend frame never reached the bus")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error: %v", err)
	}
	if !slave.isClosed() {
		t.Error("backend not closed on exit")
	}
	if !bus.isClosed() {
		t.Error("bus not closed on exit")
	}
}

func TestEngineAppliesNetworkFramesToSlave(t *testing.T) {
	slave := &fakeSlaveBackend{}
	bus := newFakeBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go slaveEngine(t, slave, bus).Run(ctx)

	bus.inbound <- frame.Marshal(frame.Frame{ID: 0x20, Data: []byte{9, 8}})

	waitUntil(t, func() bool { return slave.updateCount() == 1 })
	slave.mu.Lock()
	got := slave.updates[0]
	slave.mu.Unlock()
	if got.ID != 0x20 || len(got.Data) != 2 {
		t.Errorf("update = %v, want id 0x20 with 2 bytes", got)
	}
}

func TestEngineMasterEmptyPayloadRequestsUpdate(t *testing.T) {
	master := &fakeMasterBackend{}
	bus := newFakeBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go masterEngine(t, master, bus).Run(ctx)

	bus.inbound <- frame.Marshal(frame.Frame{ID: 0x31})

	waitUntil(t, func() bool { return len(master.requestedIDs()) == 1 })
	if ids := master.requestedIDs(); ids[0] != 0x31 {
		t.Errorf("requested id = %#x, want 0x31", ids[0])
	}
	master.mu.Lock()
	writes := len(master.writes)
	master.mu.Unlock()
	if writes != 0 {
		t.Errorf("empty payload must not reach Write, got %d writes", writes)
	}
}

func TestEngineMasterWritesNonEmptyPayload(t *testing.T) {
	master := &fakeMasterBackend{}
	bus := newFakeBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go masterEngine(t, master, bus).Run(ctx)

	bus.inbound <- frame.Marshal(frame.Frame{ID: 0x32, Data: []byte{0xAA}})

	waitUntil(t, func() bool {
		master.mu.Lock()
		defer master.mu.Unlock()
		return len(master.writes) == 1
	})
	if ids := master.requestedIDs(); len(ids) != 0 {
		t.Errorf("non-empty payload must not request an update, got %v", ids)
	}
}

func TestEngineSurvivesMalformedPackets(t *testing.T) {
	slave := &fakeSlaveBackend{}
	bus := newFakeBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go slaveEngine(t, slave, bus).Run(ctx)

	bus.inbound <- []byte{0x01, 0x02}                            // short header
	bus.inbound <- []byte{0x31, 0, 0, 0, 200, 0, 0, 0, 1, 2, 3} // declared > available
	bus.inbound <- frame.Marshal(frame.Frame{ID: 0x20, Data: []byte{7}})

	// The valid frame behind the garbage still lands.
	waitUntil(t, func() bool { return slave.updateCount() == 1 })
}

func TestEngineBackendWriteFailureIsFatal(t *testing.T) {
	master := &fakeMasterBackend{writeErr: errors.New("bus off")}
	bus := newFakeBus()

	done := make(chan error, 1)
	go func() { done <- masterEngine(t, master, bus).Run(context.Background()) }()

	bus.inbound <- frame.Marshal(frame.Frame{ID: 0x32, Data: []byte{1}})

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run() returned nil after a backend write failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine kept running after a backend write failure")
	}
}

func TestEngineTransportFailureIsFatal(t *testing.T) {
	slave := &fakeSlaveBackend{}
	bus := newFakeBus()
	bus.failWrites(errors.New("connection reset"))
	slave.enqueue(frame.Frame{ID: 0x31, Data: []byte{1}})

	done := make(chan error, 1)
	go func() { done <- slaveEngine(t, slave, bus).Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, gwerrors.ErrTransport) {
			t.Errorf("Run() error = %v, want ErrTransport", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine kept running after a transport failure")
	}
	if !slave.isClosed() {
		t.Error("backend not closed after fatal exit")
	}
}

func TestEngineReadFailureIsFatal(t *testing.T) {
	slave := &fakeSlaveBackend{}
	bus := newFakeBus()

	done := make(chan error, 1)
	go func() { done <- slaveEngine(t, slave, bus).Run(context.Background()) }()

	// Closing the transport underneath the engine unblocks the pending
	// read with an error.
	bus.Close()

	select {
	case err := <-done:
		if !errors.Is(err, gwerrors.ErrTransport) {
			t.Errorf("Run() error = %v, want ErrTransport", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine kept running after the transport was closed")
	}
}

func TestNewEngineValidation(t *testing.T) {
	bus := newFakeBus()

	cases := []struct {
		name string
		cfg  EngineConfig
	}{
		{"zero tick", EngineConfig{Role: control.HostModeSlave, Slave: &fakeSlaveBackend{}, Bus: bus}},
		{"nil bus", EngineConfig{Role: control.HostModeSlave, Slave: &fakeSlaveBackend{}, Tick: time.Millisecond}},
		{"slave role without slave", EngineConfig{Role: control.HostModeSlave, Bus: bus, Tick: time.Millisecond}},
		{"master role without master", EngineConfig{Role: control.HostModeMaster, Bus: bus, Tick: time.Millisecond}},
		{"unknown role", EngineConfig{Role: "observer", Slave: &fakeSlaveBackend{}, Bus: bus, Tick: time.Millisecond}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewEngine(tc.cfg); !errors.Is(err, gwerrors.ErrInvalidInput) {
				t.Errorf("NewEngine() error = %v, want ErrInvalidInput", err)
			}
		})
	}
}
