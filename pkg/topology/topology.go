// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package topology enumerates the host's CPU topology from
// /sys/devices/system/cpu, the way vore-core's cpu_list module does, so the
// VM supervisor can hand QEMU a contiguous, cache-local run of host CPUs to
// pin vCPU threads to.
package topology

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CPU describes one host logical CPU and the topology/cache groups it
// belongs to, as read from /sys/devices/system/cpu/cpuN/topology and
// .../cache/indexN/id.
type CPU struct {
	ID      int
	Package int
	Die     int
	Core    int
	Layer0  *int
	Layer1  *int
	Layer2  *int
	Layer3  *int
}

var cpuDirPattern = regexp.MustCompile(`^cpu(\d+)$`)

// Probe reads the full host CPU topology, sorted by (package, die, L3, L2,
// L1, L0, core, id) so that CPUs sharing caches sort adjacent to each other.
// A CPU with a cache level absent entirely (some virtualized hosts don't
// expose an L3) sorts before any CPU that has that level, mirroring Rust's
// Option<usize>: None < Some(_) ordering.
func Probe() ([]CPU, error) {
	return probe("/sys/devices/system/cpu")
}

func probe(root string) ([]CPU, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s, is /sys mounted?", root)
	}

	var cpus []CPU
	for _, entry := range entries {
		m := cpuDirPattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}

		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}

		dir := filepath.Join(root, entry.Name())
		pkg, ok := readID(dir, "topology/physical_package_id")
		if !ok {
			continue
		}
		die, ok := readID(dir, "topology/die_id")
		if !ok {
			die = 0
		}
		core, ok := readID(dir, "topology/core_id")
		if !ok {
			continue
		}

		var layers [4]*int
		for i := range layers {
			if v, ok := readID(dir, "cache/index"+strconv.Itoa(i)+"/id"); ok {
				layers[i] = asPtr(v)
			}
		}

		cpus = append(cpus, CPU{
			ID:      id,
			Package: pkg,
			Die:     die,
			Core:    core,
			Layer0:  layers[0],
			Layer1:  layers[1],
			Layer2:  layers[2],
			Layer3:  layers[3],
		})
	}

	sort.Slice(cpus, func(i, j int) bool {
		return less(cpus[i], cpus[j])
	})

	return cpus, nil
}

func readID(dir, rel string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(dir, rel))
	if err != nil {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return v, true
}

func asPtr(v int) *int {
	x := v
	return &x
}

// compareOptional orders absent (nil) values before present ones, matching
// Rust's derived Ord for Option<usize>.
func compareOptional(a, b *int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	default:
		return 0
	}
}

func less(a, b CPU) bool {
	if a.Package != b.Package {
		return a.Package < b.Package
	}
	if a.Die != b.Die {
		return a.Die < b.Die
	}
	if c := compareOptional(a.Layer3, b.Layer3); c != 0 {
		return c < 0
	}
	if c := compareOptional(a.Layer2, b.Layer2); c != 0 {
		return c < 0
	}
	if c := compareOptional(a.Layer1, b.Layer1); c != 0 {
		return c < 0
	}
	if c := compareOptional(a.Layer0, b.Layer0); c != 0 {
		return c < 0
	}
	if a.Core != b.Core {
		return a.Core < b.Core
	}
	return a.ID < b.ID
}

// List is a probed, already-sorted view of the host's CPUs.
type List struct {
	cpus []CPU
}

// Load probes the host once and returns a reusable List.
func Load() (*List, error) {
	cpus, err := Probe()
	if err != nil {
		return nil, err
	}
	return &List{cpus: cpus}, nil
}

// Len returns the number of host CPUs.
func (l *List) Len() int {
	return len(l.cpus)
}

// Adjacent returns the first amount CPUs in topology order, or an error if
// the host doesn't have that many, per spec.md's "fail, don't silently
// clamp" rule for over-provisioned vCPU counts.
func (l *List) Adjacent(amount int) ([]CPU, error) {
	if amount > len(l.cpus) {
		return nil, errors.Errorf("requested %d adjacent cpus but the host only has %d", amount, len(l.cpus))
	}
	return l.cpus[:amount], nil
}
