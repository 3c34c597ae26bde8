// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

package kvaser

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrCanlibUnavailable is returned when the vendor canlib runtime is not
// linked into this build. Builds without the vendor SDK still run the
// simulator backends.
var ErrCanlibUnavailable = errors.New("canlib runtime not available in this build")

// systemLibrary fronts the vendor canlib. It first checks for the mhydra
// kernel driver, which is a hard prerequisite for any Kvaser USB device.
type systemLibrary struct{}

func (systemLibrary) Initialize() (map[string]int, error) {
	ok, err := hasMhydraDevice()
	if err != nil {
		return nil, fmt.Errorf("probe /dev: %w", err)
	}
	if !ok {
		return nil, errors.New("no mhydra devices found in /dev. Is the mhydra driver installed and hw connected?")
	}

	return nil, ErrCanlibUnavailable
}

func (systemLibrary) Open(channel int, mode Mode, baudrate uint32) (Channel, error) {
	return nil, ErrCanlibUnavailable
}

func hasMhydraDevice() (bool, error) {
	entries, err := os.ReadDir("/dev")
	if err != nil {
		return false, err
	}

	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "mhydra") {
			return true, nil
		}
	}

	return false, nil
}
