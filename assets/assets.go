// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package assets embeds vored's default qemu command-building script.
package assets

import _ "embed"

// DefaultQemuScript is the fallback command-building script used when no
// GlobalConfig.Qemu.Script is configured.
//
//go:embed qemu.lua
var DefaultQemuScript string
