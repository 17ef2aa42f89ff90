// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// PCIAddress is a parsed domain:bus:slot.function PCI address.
type PCIAddress struct {
	Domain   uint16
	Bus      uint8
	Slot     uint8
	Function uint8
}

// ParsePCIAddress parses "[domain:]bus:slot.func" with all components in
// hex, as they are printed under /sys/bus/pci/devices. The domain defaults
// to 0 when omitted.
func ParsePCIAddress(s string) (PCIAddress, error) {
	orig := s
	domain := uint64(0)

	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
		// bus:slot.func
	case 3:
		d, err := strconv.ParseUint(parts[0], 16, 16)
		if err != nil {
			return PCIAddress{}, errors.Wrapf(err, "invalid PCI domain in %q", orig)
		}
		domain = d
		parts = parts[1:]
	default:
		return PCIAddress{}, errors.Errorf("invalid PCI address %q", orig)
	}

	bus, err := strconv.ParseUint(parts[0], 16, 8)
	if err != nil {
		return PCIAddress{}, errors.Wrapf(err, "invalid PCI bus in %q", orig)
	}

	slotFunc := strings.SplitN(parts[1], ".", 2)
	if len(slotFunc) != 2 {
		return PCIAddress{}, errors.Errorf("invalid PCI slot.function in %q", orig)
	}

	slot, err := strconv.ParseUint(slotFunc[0], 16, 8)
	if err != nil {
		return PCIAddress{}, errors.Wrapf(err, "invalid PCI slot in %q", orig)
	}

	function, err := strconv.ParseUint(slotFunc[1], 16, 8)
	if err != nil {
		return PCIAddress{}, errors.Wrapf(err, "invalid PCI function in %q", orig)
	}

	return PCIAddress{
		Domain:   uint16(domain),
		Bus:      uint8(bus),
		Slot:     uint8(slot),
		Function: uint8(function),
	}, nil
}

// String renders the address back in the canonical 0000:00:01.0 form.
func (a PCIAddress) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%01x", a.Domain, a.Bus, a.Slot, a.Function)
}
