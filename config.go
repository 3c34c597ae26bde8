// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

// Package linbridge holds the service-level configuration shared by the
// gateway binaries.
package linbridge

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the gateway service configuration, loaded from the
// environment.
type Config struct {
	// SocketPath is the control socket the gateway listens on.
	SocketPath string `env:"SOCKET_PATH" envDefault:"/run/remotivebus/plugins/kvaser.sock"`

	// HTTPAddress serves metrics and health probes.
	HTTPAddress string `env:"HTTP_ADDRESS" envDefault:":8080"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// VBusURL is the base WebSocket URL of the virtual-bus hub.
	VBusURL string `env:"VBUS_URL" envDefault:"ws://localhost:9900"`

	// CommandRate caps accepted control commands per second.
	CommandRate int64 `env:"COMMAND_RATE" envDefault:"32"`

	// GracePeriod bounds graceful bridge shutdown.
	GracePeriod time.Duration `env:"GRACE_PERIOD" envDefault:"1s"`
}

// NewConfig loads the configuration with the given env options.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	return c, nil
}
