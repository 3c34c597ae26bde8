// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

// Command sendmsg sends one JSON control command to a running gateway:
//
//	sendmsg -p /run/remotivebus/plugins/kvaser.sock -m start.json
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/spf13/pflag"

	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/control"
)

func main() {
	socket := pflag.StringP("plugin-socket-path", "p", "/run/remotivebus/plugins/kvaser.sock", "Path to the gateway's control socket")
	msgPath := pflag.StringP("msg", "m", "", "Path to message JSON to be sent to the gateway")
	pflag.Parse()

	if *msgPath == "" {
		fmt.Fprintln(os.Stderr, "missing required flag: -m <message.json>")
		pflag.Usage()
		os.Exit(2)
	}

	if err := run(*socket, *msgPath); err != nil {
		fmt.Fprintf(os.Stderr, "sendmsg: %s\n", err)
		os.Exit(1)
	}
}

// run validates the message locally before sending, so typos fail here
// instead of silently on the server side.
func run(socketPath, msgPath string) error {
	raw, err := os.ReadFile(msgPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", msgPath, err)
	}

	msg, err := control.ParseMessage(raw)
	if err != nil {
		return fmt.Errorf("failed to parse message json: %w", err)
	}

	bytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to connect, is the gateway running? %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(bytes); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}
