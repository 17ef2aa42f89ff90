// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vm

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/the-eater/vore/pkg/topology"
)

// procRoot is overridden in tests.
var procRoot = "/proc"

var vcpuCommPattern = regexp.MustCompile(`^CPU (\d+)`)

// pinVCPUThreads walks pid's task directory, finds the kernel threads QEMU
// named "CPU <n>[/KVM]" and pins each to the n-th host CPU in cpus, the way
// kata's resourcecontrol.SetThreadAffinity pins container threads to a
// cpuset, except the mapping here is by vCPU index rather than "all
// threads to one set".
func pinVCPUThreads(pid int, cpus []topology.CPU) error {
	taskDir := filepath.Join(procRoot, strconv.Itoa(pid), "task")
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return errors.Wrapf(err, "failed to list tasks for pid %d", pid)
	}

	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		comm, err := os.ReadFile(filepath.Join(taskDir, entry.Name(), "comm"))
		if err != nil {
			continue
		}

		m := vcpuCommPattern.FindStringSubmatch(strings.TrimSpace(string(comm)))
		if m == nil {
			continue
		}

		idx, err := strconv.Atoi(m[1])
		if err != nil || idx >= len(cpus) {
			continue
		}

		if err := setThreadAffinityFunc(tid, cpus[idx].ID); err != nil {
			return errors.Wrapf(err, "failed to pin vCPU %d (tid %d) to host cpu %d", idx, tid, cpus[idx].ID)
		}
	}

	return nil
}

// setThreadAffinityFunc is overridden in tests; the real implementation
// needs CAP_SYS_NICE against another process's threads.
var setThreadAffinityFunc = func(tid, hostCPU int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(hostCPU)
	return unix.SchedSetaffinity(tid, &set)
}
