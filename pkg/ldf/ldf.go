// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

// Package ldf loads the subset of the LIN description file format the
// simulator needs: bus speed, the master node and its base tick, frame
// descriptors, and schedule tables.
//
// The loader is a single forward pass over lines and fails fast: an opened
// section that never sees its closing brace is an error, and no partial
// model is ever returned. Lines inside a section that match no known
// pattern are skipped, so richer LDF files still load.
package ldf

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Header carries the file-level directives.
type Header struct {
	// Baudrate in bits per second, from the kbps speed directive.
	Baudrate uint32
}

// Nodes describes the bus topology: the master node and its base tick.
type Nodes struct {
	Master     string
	BaseTickMs uint32
}

// Frame is one frame descriptor: wire id, publishing node, payload size.
type Frame struct {
	Name  string
	ID    uint32
	Owner string
	Size  uint8
}

// ScheduleTableItem is one slot in a schedule table: the frame to address
// and how long the slot lasts.
type ScheduleTableItem struct {
	Name    string
	DelayMs float64
}

// ScheduleTable is an ordered, timed sequence of frame slots.
type ScheduleTable struct {
	Name  string
	Items []ScheduleTableItem
}

// LDF is the immutable in-memory model of a loaded description file.
type LDF struct {
	Header         Header
	Nodes          Nodes
	Frames         map[string]Frame
	ScheduleTables map[string]ScheduleTable
}

var (
	baudrateRe   = regexp.MustCompile(`^LIN_speed = ([0-9]+\.[0-9]+) kbps;`)
	masterRe     = regexp.MustCompile(`^\s*Master: ([A-Za-z0-9]+), ([0-9]+\.[0-9]+) ms`)
	frameRe      = regexp.MustCompile(`^\s*([A-Za-z0-9]+):\s+0x([0-9A-Fa-f]+),\s+(\w+),\s+(\d+)\s*\{`)
	tableNameRe  = regexp.MustCompile(`^\s*([A-Za-z0-9]+)\s\{`)
	tableEntryRe = regexp.MustCompile(`^\s*([A-Za-z0-9]+)\sdelay\s([0-9]+\.[0-9]+) ms;`)
)

// ParseFile loads and parses the description file at path.
func ParseFile(path string) (*LDF, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ldf: %w", err)
	}
	defer f.Close()

	model, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return model, nil
}

// Parse reads a description file from r and returns the model.
func Parse(r io.Reader) (*LDF, error) {
	sc := bufio.NewScanner(r)

	model := &LDF{
		Frames:         make(map[string]Frame),
		ScheduleTables: make(map[string]ScheduleTable),
	}

	for sc.Scan() {
		line := sc.Text()

		switch line {
		case "Nodes {":
			nodes, err := parseNodes(sc)
			if err != nil {
				return nil, err
			}
			model.Nodes = nodes
		case "Frames {":
			frames, err := parseFrames(sc)
			if err != nil {
				return nil, err
			}
			model.Frames = frames
		case "Schedule_tables {":
			tables, err := parseScheduleTables(sc)
			if err != nil {
				return nil, err
			}
			model.ScheduleTables = tables
		default:
			if m := baudrateRe.FindStringSubmatch(line); m != nil {
				kbps, err := strconv.ParseFloat(m[1], 64)
				if err != nil {
					return nil, fmt.Errorf("bad LIN_speed value %q: %w", m[1], err)
				}
				model.Header.Baudrate = uint32(kbps * 1000.0)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ldf: %w", err)
	}

	return model, nil
}

func parseNodes(sc *bufio.Scanner) (Nodes, error) {
	var nodes Nodes

	for sc.Scan() {
		line := sc.Text()

		if line == "}" {
			return nodes, nil
		}
		if m := masterRe.FindStringSubmatch(line); m != nil {
			tick, err := strconv.ParseFloat(m[2], 64)
			if err != nil {
				return Nodes{}, fmt.Errorf("bad base tick %q: %w", m[2], err)
			}
			nodes.Master = m[1]
			nodes.BaseTickMs = uint32(tick)
		}
	}

	return Nodes{}, fmt.Errorf("Nodes section never ended")
}

func parseFrames(sc *bufio.Scanner) (map[string]Frame, error) {
	frames := make(map[string]Frame)

	for sc.Scan() {
		line := sc.Text()

		if m := frameRe.FindStringSubmatch(line); m != nil {
			id, err := strconv.ParseUint(m[2], 16, 32)
			if err != nil {
				return nil, fmt.Errorf("bad frame id %q: %w", m[2], err)
			}
			size, err := strconv.ParseUint(m[4], 10, 8)
			if err != nil {
				return nil, fmt.Errorf("bad frame size %q: %w", m[4], err)
			}
			frames[m[1]] = Frame{
				Name:  m[1],
				ID:    uint32(id),
				Owner: m[3],
				Size:  uint8(size),
			}
		} else if line == "}" {
			return frames, nil
		}
	}

	return nil, fmt.Errorf("Frames section never ended")
}

func parseScheduleTables(sc *bufio.Scanner) (map[string]ScheduleTable, error) {
	tables := make(map[string]ScheduleTable)

	for sc.Scan() {
		line := sc.Text()

		if strings.HasSuffix(line, "{") {
			table, err := parseScheduleTable(sc, line)
			if err != nil {
				return nil, err
			}
			tables[table.Name] = table
		} else if line == "}" {
			return tables, nil
		}
	}

	return nil, fmt.Errorf("Schedule_tables section never ended")
}

func parseScheduleTable(sc *bufio.Scanner, header string) (ScheduleTable, error) {
	m := tableNameRe.FindStringSubmatch(header)
	if m == nil {
		return ScheduleTable{}, fmt.Errorf("schedule table name is missing in %q", header)
	}

	table := ScheduleTable{Name: m[1]}

	for sc.Scan() {
		line := sc.Text()

		if strings.HasSuffix(line, "}") {
			return table, nil
		}
		if m := tableEntryRe.FindStringSubmatch(line); m != nil {
			delay, err := strconv.ParseFloat(m[2], 64)
			if err != nil {
				return ScheduleTable{}, fmt.Errorf("bad slot delay %q: %w", m[2], err)
			}
			table.Items = append(table.Items, ScheduleTableItem{
				Name:    m[1],
				DelayMs: delay,
			})
		}
	}

	return ScheduleTable{}, fmt.Errorf("schedule table %s never ended", table.Name)
}
