// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import (
	"os/user"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// GlobalConfig is the daemon-wide configuration loaded from
// /etc/vore/vored.toml (see spec.md §6).
type GlobalConfig struct {
	Vore    VoreConfig
	Qemu    QemuConfig
	Metrics MetricsConfig
	UEFI    map[string]UEFITemplate
}

// MetricsConfig is the [metrics] table: an optional Prometheus exposition
// listener. An empty Listen leaves metrics collection running in-process
// (counters and gauges are always updated) but serves nothing, matching
// the "off unless configured" posture of the rest of vored's optional
// surfaces (spice, looking-glass, scream).
type MetricsConfig struct {
	Listen string
}

// VoreConfig is the [vore] table: socket ownership.
type VoreConfig struct {
	Group       string
	UnixGroupID *uint32
}

// QemuConfig is the [qemu] table: the command-builder script path.
type QemuConfig struct {
	Script string
}

// UEFITemplate is one [uefi.<name>] table.
type UEFITemplate struct {
	Template string
	BootCode string
}

type rawGlobalConfig struct {
	Vore struct {
		Group       string  `toml:"group"`
		UnixGroupID *uint32 `toml:"unix-group-id"`
	} `toml:"vore"`
	Qemu struct {
		Script string `toml:"script"`
	} `toml:"qemu"`
	Metrics struct {
		Listen string `toml:"listen"`
	} `toml:"metrics"`
	UEFI map[string]struct {
		Template string `toml:"template"`
		BootCode string `toml:"boot-code"`
	} `toml:"uefi"`
}

// ParseGlobalConfig parses the daemon-wide TOML configuration.
func ParseGlobalConfig(text string) (GlobalConfig, error) {
	var raw rawGlobalConfig
	if _, err := toml.Decode(text, &raw); err != nil {
		return GlobalConfig{}, errors.Wrap(err, "failed to parse global config")
	}

	cfg := GlobalConfig{
		Vore: VoreConfig{
			Group:       raw.Vore.Group,
			UnixGroupID: raw.Vore.UnixGroupID,
		},
		Qemu:    QemuConfig{Script: raw.Qemu.Script},
		Metrics: MetricsConfig{Listen: raw.Metrics.Listen},
		UEFI:    map[string]UEFITemplate{},
	}

	for name, t := range raw.UEFI {
		cfg.UEFI[name] = UEFITemplate{Template: t.Template, BootCode: t.BootCode}
	}

	return cfg, nil
}

// ResolveGroupID resolves the configured Unix group to a numeric gid,
// caching the result the way GlobalVoreConfig::get_gid does in the original.
func (v *VoreConfig) ResolveGroupID() (*uint32, error) {
	if v.UnixGroupID != nil {
		return v.UnixGroupID, nil
	}
	if v.Group == "" {
		return nil, nil
	}

	g, err := user.LookupGroup(v.Group)
	if err != nil {
		return nil, errors.Wrapf(err, "no group found with the name %q", v.Group)
	}

	gid64, err := strconv.ParseUint(g.Gid, 10, 32)
	if err != nil {
		return nil, errors.Wrapf(err, "group %q has a non-numeric gid %q", v.Group, g.Gid)
	}

	gid := uint32(gid64)
	v.UnixGroupID = &gid
	return v.UnixGroupID, nil
}
