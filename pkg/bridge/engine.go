// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

// Package bridge contains the per-bridge forwarding engine and the
// registry that owns the set of live bridges.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/backend"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/control"
	gwerrors "github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/errors"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/frame"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/metrics"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/ratelimit"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/vbus"
)

// decodeLogRate caps malformed-packet log lines per second. The counter
// still sees every drop.
const decodeLogRate = 10

// EngineConfig wires one bridge together. Exactly one of Slave or Master
// is set, matching Role.
type EngineConfig struct {
	// Device is the logical id the bridge runs under.
	Device string

	// Role is the side of the bus exchange the backend represents.
	Role control.HostMode

	// Slave is the backend for RoleSlave bridges.
	Slave backend.Slave

	// Master is the backend for RoleMaster bridges.
	Master backend.Master

	// Bus is the virtual-bus channel.
	Bus vbus.Bus

	// Tick is the backend poll interval.
	Tick time.Duration

	// Logger for bridge events
	Logger *slog.Logger

	// Metrics for bridge instrumentation
	Metrics *metrics.Metrics
}

// Engine is one bridge's forwarding loop. It exclusively owns its backend
// and bus handles; nothing else touches them after construction.
type Engine struct {
	config    EngineConfig
	reader    backend.FrameReader
	logBudget *ratelimit.TokenBucket
}

// NewEngine validates the configuration and builds an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("", prometheus.NewRegistry())
	}
	if cfg.Tick <= 0 {
		return nil, fmt.Errorf("%w: poll tick must be positive", gwerrors.ErrInvalidInput)
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("%w: bus is required", gwerrors.ErrInvalidInput)
	}

	var reader backend.FrameReader
	switch cfg.Role {
	case control.HostModeSlave:
		if cfg.Slave == nil {
			return nil, fmt.Errorf("%w: slave role needs a slave backend", gwerrors.ErrInvalidInput)
		}
		reader = cfg.Slave
	case control.HostModeMaster:
		if cfg.Master == nil {
			return nil, fmt.Errorf("%w: master role needs a master backend", gwerrors.ErrInvalidInput)
		}
		reader = cfg.Master
	default:
		return nil, fmt.Errorf("%w: unknown role %q", gwerrors.ErrInvalidInput, cfg.Role)
	}

	return &Engine{
		config:    cfg,
		reader:    reader,
		logBudget: ratelimit.NewTokenBucket(decodeLogRate, decodeLogRate),
	}, nil
}

type inboundPacket struct {
	pkt []byte
	err error
}

// Run drives the bridge until cancellation or a fatal error. The loop
// services exactly one ready event per iteration with no fixed priority:
// a poll tick, an inbound wire packet, or cancellation. The backend and
// bus are released on every exit path.
func (e *Engine) Run(ctx context.Context) error {
	defer func() {
		if err := e.reader.Close(); err != nil {
			e.config.Logger.Error("backend close failed",
				slog.String("device", e.config.Device),
				slog.String("error", err.Error()))
		}
		if err := e.config.Bus.Close(); err != nil {
			e.config.Logger.Debug("bus close",
				slog.String("device", e.config.Device),
				slog.String("error", err.Error()))
		}
	}()

	readCtx, stopRead := context.WithCancel(ctx)
	defer stopRead()

	inbound := make(chan inboundPacket)
	go func() {
		for {
			pkt, err := e.config.Bus.ReadPacket(readCtx)
			select {
			case inbound <- inboundPacket{pkt: pkt, err: err}:
			case <-readCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(e.config.Tick)
	defer ticker.Stop()

	e.config.Logger.Info("bridge running",
		slog.String("device", e.config.Device),
		slog.String("backend", e.reader.Name()),
		slog.String("role", string(e.config.Role)),
		slog.Duration("tick", e.config.Tick))

	for {
		select {
		case <-ctx.Done():
			e.config.Logger.Info("requested to stop",
				slog.String("device", e.config.Device))
			return nil

		case <-ticker.C:
			if err := e.pollAndForward(ctx); err != nil {
				return err
			}

		case in := <-inbound:
			if in.err != nil {
				return gwerrors.New("vbus read", e.config.Device,
					fmt.Errorf("%w: %v", gwerrors.ErrTransport, in.err))
			}
			if err := e.dispatch(in.pkt); err != nil {
				return err
			}
		}
	}
}

// pollAndForward moves one backend frame, if any is ready, onto the bus.
// A transport write failure is fatal to the bridge.
func (e *Engine) pollAndForward(ctx context.Context) error {
	f, ok := e.reader.TryRead()
	if !ok {
		return nil
	}

	e.config.Logger.Debug("read bus frame",
		slog.String("backend", e.reader.Name()),
		slog.String("frame", f.String()))

	if err := e.config.Bus.WriteFrame(ctx, f); err != nil {
		return gwerrors.New("vbus write", e.config.Device,
			fmt.Errorf("%w: %v", gwerrors.ErrTransport, err))
	}

	e.config.Metrics.FramesForwarded.WithLabelValues(e.config.Device, "to_network").Inc()
	return nil
}

// dispatch decodes one inbound wire packet and applies it to the backend
// according to the bridge's role. Decode failures are dropped without
// killing the bridge; bad network data must never take a bridge down.
func (e *Engine) dispatch(pkt []byte) error {
	name := e.reader.Name()

	f, err := frame.Unmarshal(pkt)
	if err != nil {
		e.config.Metrics.FrameDecodeErrors.WithLabelValues(e.config.Device).Inc()
		if e.logBudget.Allow() {
			e.config.Logger.Error("failed to decode network frame",
				slog.String("backend", name),
				slog.String("error", err.Error()))
		}
		return nil
	}

	e.config.Metrics.FramesForwarded.WithLabelValues(e.config.Device, "from_network").Inc()

	switch e.config.Role {
	case control.HostModeMaster:
		if len(f.Data) == 0 {
			e.config.Logger.Debug("master requests update",
				slog.String("backend", name),
				slog.Uint64("id", uint64(f.ID)))

			if err := e.config.Master.RequestUpdate(f.ID); err != nil {
				e.config.Metrics.BackendErrors.WithLabelValues(e.config.Device, "request_update").Inc()
				e.config.Logger.Error("request update failed",
					slog.String("backend", name),
					slog.String("error", err.Error()))
			}
			return nil
		}

		e.config.Logger.Debug("master writes frame",
			slog.String("backend", name),
			slog.String("frame", f.String()))

		if err := e.config.Master.Write(f); err != nil {
			e.config.Metrics.BackendErrors.WithLabelValues(e.config.Device, "write").Inc()
			return gwerrors.New("backend write", e.config.Device, err)
		}
		return nil

	default:
		e.config.Logger.Debug("slave update of frame",
			slog.String("backend", name),
			slog.String("frame", f.String()))

		if err := e.config.Slave.Update(f); err != nil {
			e.config.Metrics.BackendErrors.WithLabelValues(e.config.Device, "update").Inc()
			e.config.Logger.Error("failed to update frame",
				slog.String("backend", name),
				slog.String("error", err.Error()))
		}
		return nil
	}
}
