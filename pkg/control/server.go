// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	gwerrors "github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/errors"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/metrics"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/ratelimit"
)

// MaxCommandSize is the largest accepted command, in bytes, per read.
const MaxCommandSize = 2048

// Commander receives validated commands. The bridge registry implements it.
type Commander interface {
	// Start spawns a bridge for the configuration.
	Start(ctx context.Context, cfg BusConfig) error

	// Stop stops the bridge for the configuration's host device.
	Stop(ctx context.Context, cfg BusConfig) error
}

// Config holds the control server configuration.
type Config struct {
	// SocketPath is the Unix domain socket the server listens on. A
	// stale socket file from a previous run is removed first.
	SocketPath string

	// CommandRate caps accepted commands per second; bursts beyond the
	// bucket are dropped with a warning. Zero uses a generous default.
	CommandRate int64

	// Logger for server events
	Logger *slog.Logger

	// Metrics for command instrumentation
	Metrics *metrics.Metrics
}

// Server listens on a Unix domain socket for one JSON command per
// connection and dispatches it to the commander.
type Server struct {
	config    Config
	commander Commander
	limiter   *ratelimit.TokenBucket
	wg        sync.WaitGroup
}

// NewServer creates a control server.
func NewServer(cfg Config, commander Commander) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CommandRate == 0 {
		cfg.CommandRate = 32
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("", prometheus.NewRegistry())
	}

	return &Server{
		config:    cfg,
		commander: commander,
		limiter:   ratelimit.NewTokenBucket(cfg.CommandRate, cfg.CommandRate),
	}
}

// Listen starts the control server and blocks until the context is
// cancelled.
func (s *Server) Listen(ctx context.Context) error {
	// A previous run may have left its socket file behind.
	_ = os.Remove(s.config.SocketPath)

	listener, err := net.Listen("unix", s.config.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.SocketPath, err)
	}

	s.config.Logger.Info("control server started",
		slog.String("socket", s.config.SocketPath))

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
					s.config.Logger.Error("failed to accept connection",
						slog.String("error", err.Error()))
					continue
				}
			}

			if !s.limiter.Allow() {
				s.config.Logger.Warn("command rate exceeded, dropping connection")
				conn.Close()
				continue
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer conn.Close()
				s.handleConn(ctx, conn)
			}()
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing control socket")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone
	s.wg.Wait()
	_ = os.Remove(s.config.SocketPath)

	return nil
}

// handleConn reads one command from the connection and dispatches it.
// Command errors never propagate: a bad command affects nothing but its
// own connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	buf := make([]byte, MaxCommandSize)

	n, err := conn.Read(buf)
	if err != nil {
		s.config.Logger.Error("failed to read command",
			slog.String("error", err.Error()))
		return
	}

	msg, err := ParseMessage(buf[:n])
	if err != nil {
		s.config.Metrics.CommandsTotal.WithLabelValues("invalid", "error").Inc()
		s.config.Logger.Error("failed to parse command",
			slog.String("error", err.Error()))
		return
	}

	s.config.Logger.Debug("received command",
		slog.String("action", string(msg.Action)),
		slog.String("device", msg.Bus.HostDevice))

	switch msg.Action {
	case ActionStart:
		if err := s.commander.Start(ctx, msg.Bus); err != nil {
			s.config.Metrics.CommandsTotal.WithLabelValues(string(ActionStart), "error").Inc()
			s.config.Logger.Error("start failed",
				slog.String("device", msg.Bus.HostDevice),
				slog.String("error", err.Error()))
			return
		}
		s.config.Metrics.CommandsTotal.WithLabelValues(string(ActionStart), "success").Inc()
	case ActionStop:
		err := s.commander.Stop(ctx, msg.Bus)
		switch {
		case errors.Is(err, gwerrors.ErrNotRunning):
			s.config.Metrics.CommandsTotal.WithLabelValues(string(ActionStop), "not_running").Inc()
			s.config.Logger.Warn("bridge is not running",
				slog.String("device", msg.Bus.HostDevice))
		case err != nil:
			s.config.Metrics.CommandsTotal.WithLabelValues(string(ActionStop), "error").Inc()
			s.config.Logger.Error("stop failed",
				slog.String("device", msg.Bus.HostDevice),
				slog.String("error", err.Error()))
		default:
			s.config.Metrics.CommandsTotal.WithLabelValues(string(ActionStop), "success").Inc()
		}
	}
}
