// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/backend"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/backend/kvaser"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/backend/simulator"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/control"
	gwerrors "github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/errors"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/ldf"
)

// Endpoint is a constructed backend ready to be driven by an engine.
type Endpoint struct {
	Role   control.HostMode
	Slave  backend.Slave
	Master backend.Master
	Tick   time.Duration
}

// Close releases whichever backend the endpoint carries. Used when bridge
// setup fails after backend construction.
func (ep *Endpoint) Close() error {
	if ep.Slave != nil {
		return ep.Slave.Close()
	}
	if ep.Master != nil {
		return ep.Master.Close()
	}
	return nil
}

// BackendResolver turns a bus configuration into a live backend. The
// registry holds one; tests substitute their own.
type BackendResolver func(cfg control.BusConfig, logger *slog.Logger) (*Endpoint, error)

// NewResolver builds the production resolver over the given hardware
// driver. Hardware buses open a channel in the configured host_mode; on a
// simulated bus a slave-mode host gets a schedule emitter and a
// master-mode host gets a passive stub.
func NewResolver(driver *kvaser.Driver) BackendResolver {
	return func(cfg control.BusConfig, logger *slog.Logger) (*Endpoint, error) {
		switch {
		case cfg.Plugin.Simulator != nil:
			return resolveSimulator(cfg.Plugin.Simulator, logger)
		case cfg.Plugin.Lin != nil:
			return resolveLin(driver, cfg, cfg.Plugin.Lin)
		default:
			return nil, fmt.Errorf("%w: no plugin configured", gwerrors.ErrInvalidInput)
		}
	}
}

func resolveSimulator(sim *control.Simulator, logger *slog.Logger) (*Endpoint, error) {
	model, err := ldf.ParseFile(sim.Database)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gwerrors.ErrBackendInit, err)
	}
	if model.Nodes.BaseTickMs == 0 {
		return nil, fmt.Errorf("%w: ldf model %q has no master base tick", gwerrors.ErrBackendInit, sim.Database)
	}
	tick := time.Duration(model.Nodes.BaseTickMs) * time.Millisecond

	switch sim.HostMode {
	case control.HostModeSlave:
		emitter, err := simulator.NewScheduleEmitter(sim.Name, model, sim.ScheduleTableName, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gwerrors.ErrBackendInit, err)
		}
		return &Endpoint{Role: control.HostModeSlave, Slave: emitter, Tick: tick}, nil
	case control.HostModeMaster:
		return &Endpoint{
			Role:   control.HostModeMaster,
			Master: simulator.NewPassiveStub(sim.Name, logger),
			Tick:   tick,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown host_mode %q", gwerrors.ErrInvalidInput, sim.HostMode)
	}
}

func resolveLin(driver *kvaser.Driver, cfg control.BusConfig, lin *control.Lin) (*Endpoint, error) {
	name := lin.InterfaceName(cfg.HostDevice)
	tick := time.Duration(lin.BaseTickMs) * time.Millisecond

	switch lin.HostMode {
	case control.HostModeSlave:
		slave, err := driver.NewSlave(name, lin.DeviceID, cfg.Baudrate)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gwerrors.ErrBackendInit, err)
		}
		return &Endpoint{Role: control.HostModeSlave, Slave: slave, Tick: tick}, nil
	case control.HostModeMaster:
		master, err := driver.NewMaster(name, lin.DeviceID, cfg.Baudrate)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gwerrors.ErrBackendInit, err)
		}
		return &Endpoint{Role: control.HostModeMaster, Master: master, Tick: tick}, nil
	default:
		return nil, fmt.Errorf("%w: unknown host_mode %q", gwerrors.ErrInvalidInput, lin.HostMode)
	}
}
