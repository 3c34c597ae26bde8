// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/control"
	gwerrors "github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/errors"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/metrics"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/vbus"
)

// DefaultGracePeriod is how long a stop waits for a bridge to wind down
// before its transport is forcibly released.
const DefaultGracePeriod = time.Second

const completionBuffer = 128

// Config carries the registry's collaborators.
type Config struct {
	// Dial opens the virtual-bus channel for a device.
	Dial vbus.Dialer

	// Resolve turns a bus configuration into a backend.
	Resolve BackendResolver

	// GracePeriod bounds graceful bridge shutdown. Zero means
	// DefaultGracePeriod.
	GracePeriod time.Duration

	// Logger for registry events
	Logger *slog.Logger

	// Metrics for registry instrumentation
	Metrics *metrics.Metrics
}

// handle is the registry's view of one running bridge.
type handle struct {
	session string
	driver  string
	bus     vbus.Bus
	cancel  context.CancelFunc
	done    chan error
}

// completion is posted by a bridge goroutine when its engine returns.
type completion struct {
	device  string
	session string
	err     error
}

type command struct {
	action control.Action
	cfg    control.BusConfig
	reply  chan error
}

// Registry owns every live bridge. All bridge bookkeeping happens on the
// Run goroutine; Start and Stop are thin channel sends, which makes them
// safe from any goroutine and keeps start/stop ordering strict per device.
type Registry struct {
	config  Config
	cmds    chan command
	results chan completion
	bridges map[string]*handle
	active  atomic.Int64
}

// New builds a registry. Dial and Resolve are required.
func New(cfg Config) (*Registry, error) {
	if cfg.Dial == nil {
		return nil, fmt.Errorf("%w: dialer is required", gwerrors.ErrInvalidInput)
	}
	if cfg.Resolve == nil {
		return nil, fmt.Errorf("%w: resolver is required", gwerrors.ErrInvalidInput)
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("", prometheus.NewRegistry())
	}

	return &Registry{
		config:  cfg,
		cmds:    make(chan command),
		results: make(chan completion, completionBuffer),
		bridges: make(map[string]*handle),
	}, nil
}

// Start launches a bridge for the configuration's host device, replacing
// any bridge already running under that id.
func (r *Registry) Start(ctx context.Context, cfg control.BusConfig) error {
	return r.submit(ctx, command{action: control.ActionStart, cfg: cfg, reply: make(chan error, 1)})
}

// Stop winds down the bridge running under the configuration's host
// device. Returns ErrNotRunning when no such bridge exists.
func (r *Registry) Stop(ctx context.Context, cfg control.BusConfig) error {
	return r.submit(ctx, command{action: control.ActionStop, cfg: cfg, reply: make(chan error, 1)})
}

func (r *Registry) submit(ctx context.Context, cmd command) error {
	select {
	case r.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Count reports how many bridges are currently live.
func (r *Registry) Count() int {
	return int(r.active.Load())
}

// Run processes commands and bridge completions until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	r.config.Logger.Info("bridge registry running")

	for {
		select {
		case <-ctx.Done():
			// Still-running bridges are not drained here: they are torn
			// down by process exit, exactly like a bridge interrupted by
			// forced abort.
			if len(r.bridges) > 0 {
				r.config.Logger.Info("registry stopping with bridges still running",
					slog.Int("count", len(r.bridges)))
			}
			r.config.Logger.Info("bridge registry stopped")
			return nil

		case res := <-r.results:
			r.reap(res)

		case cmd := <-r.cmds:
			switch cmd.action {
			case control.ActionStart:
				cmd.reply <- r.handleStart(ctx, cmd.cfg)
			case control.ActionStop:
				cmd.reply <- r.handleStop(cmd.cfg)
			default:
				cmd.reply <- fmt.Errorf("%w: unknown action %q", gwerrors.ErrInvalidInput, cmd.action)
			}
		}
	}
}

func (r *Registry) handleStart(ctx context.Context, cfg control.BusConfig) error {
	device := cfg.HostDevice
	driver := cfg.Plugin.Driver()

	if prev, ok := r.bridges[device]; ok {
		r.config.Logger.Info("replacing running bridge",
			slog.String("device", device))
		delete(r.bridges, device)
		r.stopHandle(device, prev)
	}

	ep, err := r.config.Resolve(cfg, r.config.Logger)
	if err != nil {
		r.config.Metrics.BridgesStarted.WithLabelValues(driver, "error").Inc()
		return gwerrors.New("start", device, err)
	}

	bus, err := r.config.Dial(ctx, device)
	if err != nil {
		ep.Close()
		r.config.Metrics.BridgesStarted.WithLabelValues(driver, "error").Inc()
		return gwerrors.New("start", device,
			fmt.Errorf("%w: %v", gwerrors.ErrTransport, err))
	}

	engine, err := NewEngine(EngineConfig{
		Device:  device,
		Role:    ep.Role,
		Slave:   ep.Slave,
		Master:  ep.Master,
		Bus:     bus,
		Tick:    ep.Tick,
		Logger:  r.config.Logger,
		Metrics: r.config.Metrics,
	})
	if err != nil {
		ep.Close()
		bus.Close()
		r.config.Metrics.BridgesStarted.WithLabelValues(driver, "error").Inc()
		return gwerrors.New("start", device, err)
	}

	session := uuid.NewString()
	bctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	h := &handle{
		session: session,
		driver:  driver,
		bus:     bus,
		cancel:  cancel,
		done:    done,
	}
	r.bridges[device] = h
	r.active.Add(1)

	go func() {
		err := engine.Run(bctx)
		done <- err
		select {
		case r.results <- completion{device: device, session: session, err: err}:
		default:
			r.config.Logger.Warn("completion queue full, dropping result",
				slog.String("device", device))
		}
	}()

	r.config.Logger.Info("bridge task launched",
		slog.String("device", device),
		slog.String("session", session),
		slog.String("driver", driver))
	r.config.Metrics.BridgesStarted.WithLabelValues(driver, "success").Inc()
	r.config.Metrics.BridgesActive.WithLabelValues(driver).Inc()
	return nil
}

func (r *Registry) handleStop(cfg control.BusConfig) error {
	device := cfg.HostDevice

	h, ok := r.bridges[device]
	if !ok {
		r.config.Logger.Warn("stop for unknown device",
			slog.String("device", device))
		return gwerrors.New("stop", device, gwerrors.ErrNotRunning)
	}

	delete(r.bridges, device)
	r.stopHandle(device, h)
	return nil
}

// stopHandle cancels a bridge and waits up to the grace period for it to
// finish. A bridge stuck past the grace period has its transport closed
// underneath it, which unblocks any pending bus I/O; the task itself is
// then reaped in the background.
func (r *Registry) stopHandle(device string, h *handle) {
	h.cancel()

	select {
	case err := <-h.done:
		r.finish(device, h.driver, err)

	case <-time.After(r.config.GracePeriod):
		r.config.Logger.Warn("bridge did not stop in time, releasing transport",
			slog.String("device", device),
			slog.Duration("grace", r.config.GracePeriod))
		h.bus.Close()
		r.config.Metrics.BridgeStops.WithLabelValues(h.driver, "aborted").Inc()
		r.config.Metrics.BridgesActive.WithLabelValues(h.driver).Dec()
		r.active.Add(-1)

		logger := r.config.Logger
		go func() {
			err := <-h.done
			logger.Debug("aborted bridge task finished",
				slog.String("device", device),
				slog.Any("error", err))
		}()
	}
}

// finish accounts for a bridge that has fully returned.
func (r *Registry) finish(device, driver string, err error) {
	if err != nil {
		r.config.Logger.Error("bridge exited with error",
			slog.String("device", device),
			slog.String("error", err.Error()))
		r.config.Metrics.BridgeStops.WithLabelValues(driver, "error").Inc()
	} else {
		r.config.Logger.Info("bridge stopped",
			slog.String("device", device))
		r.config.Metrics.BridgeStops.WithLabelValues(driver, "graceful").Inc()
	}
	r.config.Metrics.BridgesActive.WithLabelValues(driver).Dec()
	r.active.Add(-1)
}

// reap handles a bridge that exited on its own, typically after a fatal
// transport or backend error. Stale completions from sessions already
// stopped are ignored.
func (r *Registry) reap(res completion) {
	h, ok := r.bridges[res.device]
	if !ok || h.session != res.session {
		r.config.Logger.Debug("completion for retired session",
			slog.String("device", res.device),
			slog.String("session", res.session))
		return
	}

	delete(r.bridges, res.device)
	<-h.done
	r.finish(res.device, h.driver, res.err)
}
