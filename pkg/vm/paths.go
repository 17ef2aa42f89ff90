// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vm

import (
	"path/filepath"

	"github.com/the-eater/vore/pkg/config"
)

// shmRoot is overridden in tests. Production default is spec.md §4.4's
// /dev/shm/vore/<name>/<feature>.
var shmRoot = "/dev/shm/vore"

// resolvePaths fills in the shared-memory and socket paths a feature needs
// when the instance definition didn't pin one down explicitly, rooting them
// under the machine's name (shm) or working directory (sockets).
func resolvePaths(cfg *config.InstanceConfig, workingDir string) {
	if cfg.LookingGlass.Enabled && cfg.LookingGlass.MemPath == "" {
		cfg.LookingGlass.MemPath = filepath.Join(shmRoot, cfg.Name, "looking-glass")
	}
	if cfg.Scream.Enabled && cfg.Scream.MemPath == "" {
		cfg.Scream.MemPath = filepath.Join(shmRoot, cfg.Name, "scream")
	}
	if cfg.Spice.Enabled && cfg.Spice.SocketPath == "" {
		cfg.Spice.SocketPath = filepath.Join(workingDir, "spice.sock")
	}
	if cfg.Pulse.Enabled && cfg.Pulse.Socket == "" {
		cfg.Pulse.Socket = filepath.Join(workingDir, "pulse.sock")
	}
}

// controlSocketPath is where vored opens the QMP monitor for a running
// instance, per the -chardev socket argument Machine.Start appends after the
// script's output.
func controlSocketPath(workingDir string) string {
	return filepath.Join(workingDir, "qemu.sock")
}
