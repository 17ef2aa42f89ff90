// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import "github.com/pkg/errors"

// CPUConfig describes the vCPU topology of an instance. The zero value is
// not meaningful on its own; start from DefaultCPUConfig.
type CPUConfig struct {
	Amount  uint64 `toml:"amount"`
	Sockets uint64 `toml:"sockets"`
	Dies    uint64 `toml:"dies"`
	Cores   uint64 `toml:"cores"`
	Threads uint64 `toml:"threads"`
}

// DefaultCPUConfig mirrors the original implementation's defaults: two
// vCPUs split across one socket, one die, one core and two threads.
func DefaultCPUConfig() CPUConfig {
	return CPUConfig{
		Amount:  2,
		Sockets: 1,
		Dies:    1,
		Cores:   1,
		Threads: 2,
	}
}

// applyTable reconciles the topology sub-fields seen in the TOML table
// against the amount field, per spec.md §4.1:
//
//   - amount omitted: amount = sockets*dies*cores*threads
//   - amount given with any sub-field: amount must equal the product
//   - amount given alone: cores=amount/2, threads=2 for even amount,
//     else cores=amount, threads=1
func (c *CPUConfig) applyTable(seen map[string]bool) error {
	product := c.Sockets * c.Dies * c.Cores * c.Threads

	if !seen["amount"] {
		c.Amount = product
		return nil
	}

	if seen["sockets"] || seen["dies"] || seen["cores"] || seen["threads"] {
		if c.Amount != product {
			return errors.Errorf("amount of cpus (%d) from sockets (%d), dies (%d), cores (%d) and threads (%d) differs from specified (%d) cpus",
				product, c.Sockets, c.Dies, c.Cores, c.Threads, c.Amount)
		}
		return nil
	}

	if c.Amount%2 == 0 {
		c.Cores = c.Amount / 2
		c.Threads = 2
	} else {
		c.Cores = c.Amount
		c.Threads = 1
	}
	c.Sockets = 1
	c.Dies = 1

	return nil
}
