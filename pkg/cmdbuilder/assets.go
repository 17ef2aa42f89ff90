// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package cmdbuilder

import (
	"os"

	"github.com/pkg/errors"

	"github.com/the-eater/vore/assets"
)

// LoadHost opens the daemon-configured script at scriptPath, falling back to
// the embedded default when scriptPath is empty, matching spec.md's
// GlobalConfig.Qemu.Script/"daemon-side qemu script path".
func LoadHost(scriptPath string) (*Host, error) {
	source := assets.DefaultQemuScript

	if scriptPath != "" {
		data, err := os.ReadFile(scriptPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read qemu script %q", scriptPath)
		}
		source = string(data)
	}

	return NewHost(source)
}
