// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

// Package control implements the command surface of the gateway: the JSON
// message model and the Unix-domain-socket server that feeds validated
// commands to the bridge registry.
package control

import (
	"encoding/json"
	"fmt"
)

// Defaults applied when optional command fields are omitted.
const (
	// DefaultBaudrate is the LIN baudrate in bits per second.
	DefaultBaudrate uint32 = 19200

	// DefaultBaseTickMs is the LIN base tick in milliseconds.
	DefaultBaseTickMs uint32 = 5

	// DefaultSimulatorName labels simulator backends with no explicit name.
	DefaultSimulatorName = "simulator"
)

// Action selects what a command does with its bus configuration.
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// HostMode is the role the local side performs on the bus.
type HostMode string

const (
	HostModeMaster HostMode = "master"
	HostModeSlave  HostMode = "slave"
)

// UnmarshalJSON validates the role value.
func (m *HostMode) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch HostMode(raw) {
	case HostModeMaster, HostModeSlave:
		*m = HostMode(raw)
		return nil
	default:
		return fmt.Errorf("unknown host_mode: %s", raw)
	}
}

// Message is one control command.
type Message struct {
	Action Action    `json:"action"`
	Bus    BusConfig `json:"bus"`
}

// UnmarshalJSON validates the action value.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	switch a.Action {
	case ActionStart, ActionStop:
	default:
		return fmt.Errorf("unknown action: %s", a.Action)
	}
	*m = Message(a)
	return nil
}

// BusConfig describes the bus a command addresses. It is immutable once a
// bridge starts.
type BusConfig struct {
	// HostDevice is the LIN host device name, e.g. "hostlin0". It is the
	// logical id the registry keys bridges by.
	HostDevice string `json:"host_device"`

	// Baudrate for the LIN device in bits per second. Defaults to 19200.
	Baudrate uint32 `json:"baudrate,omitempty"`

	// Plugin selects and configures the backend.
	Plugin Plugin `json:"plugin"`
}

// UnmarshalJSON applies the baudrate default.
func (c *BusConfig) UnmarshalJSON(data []byte) error {
	type alias BusConfig
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.Baudrate == 0 {
		a.Baudrate = DefaultBaudrate
	}
	*c = BusConfig(a)
	return nil
}

// Plugin is the tagged backend selector: exactly one variant is set.
// The set of variants is closed; backends are resolved once at bridge
// start, never loaded at runtime.
type Plugin struct {
	Lin       *Lin
	Simulator *Simulator
}

// Driver returns the variant label for logs and metrics.
func (p Plugin) Driver() string {
	if p.Simulator != nil {
		return "simulator"
	}
	return "lin"
}

// UnmarshalJSON dispatches on the "type" field. A missing type defaults to
// the lin shape for backward compatibility; an unrecognized value is a
// hard error.
func (p *Plugin) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	switch probe.Type {
	case "", "lin":
		var lin Lin
		if err := json.Unmarshal(data, &lin); err != nil {
			return err
		}
		if lin.BaseTickMs == 0 {
			lin.BaseTickMs = DefaultBaseTickMs
		}
		*p = Plugin{Lin: &lin}
		return nil

	case "simulator":
		var sim Simulator
		if err := json.Unmarshal(data, &sim); err != nil {
			return err
		}
		if sim.Name == "" {
			sim.Name = DefaultSimulatorName
		}
		*p = Plugin{Simulator: &sim}
		return nil

	default:
		return fmt.Errorf("unknown plugin type: %s", probe.Type)
	}
}

// MarshalJSON emits the active variant with its type tag.
func (p Plugin) MarshalJSON() ([]byte, error) {
	switch {
	case p.Lin != nil:
		type tagged struct {
			Type string `json:"type"`
			Lin
		}
		return json.Marshal(tagged{Type: "lin", Lin: *p.Lin})
	case p.Simulator != nil:
		type tagged struct {
			Type string `json:"type"`
			Simulator
		}
		return json.Marshal(tagged{Type: "simulator", Simulator: *p.Simulator})
	default:
		return nil, fmt.Errorf("plugin has no variant set")
	}
}

// Lin configures a hardware-backed bridge.
type Lin struct {
	// Driver is the LIN driver name ("kvaser").
	Driver string `json:"driver"`

	// Name optionally labels the interface. Defaults to the host device.
	Name string `json:"name,omitempty"`

	// HostMode is the role the local side performs.
	HostMode HostMode `json:"host_mode"`

	// DeviceID identifies the hardware channel, e.g. "011121:1".
	DeviceID string `json:"device_id"`

	// BaseTickMs is the poll interval in milliseconds. Defaults to 5.
	BaseTickMs uint32 `json:"base_tick_ms,omitempty"`
}

// InterfaceName resolves the label used in logs: the explicit name if
// set, else the host device.
func (l Lin) InterfaceName(hostDevice string) string {
	if l.Name != "" {
		return l.Name
	}
	return hostDevice
}

// Simulator configures a schedule-driven bridge with no hardware.
type Simulator struct {
	// Driver is the simulator driver name ("simulator").
	Driver string `json:"driver"`

	// Name optionally labels the interface. Defaults to "simulator".
	Name string `json:"name,omitempty"`

	// HostMode is the role the local side performs.
	HostMode HostMode `json:"host_mode"`

	// ScheduleTableName selects the schedule table from the LDF file.
	ScheduleTableName string `json:"schedule_table_name"`

	// Database is the path to the LDF database file.
	Database string `json:"database"`
}

// ParseMessage decodes and validates one command.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("parse command (%s): %w", string(data), err)
	}
	return msg, nil
}
