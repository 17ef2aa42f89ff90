// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import (
	"strings"
	"testing"
)

func TestParseInstanceConfigDefaults(t *testing.T) {
	cfg, err := ParseInstanceConfig("")
	if err != nil {
		t.Fatalf("ParseInstanceConfig: %v", err)
	}
	if cfg.Name != "vore" || cfg.Arch != "x86_64" || cfg.Chipset != "q35" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.KVM {
		t.Fatal("KVM should default to true")
	}
	if cfg.Memory != 2*1024*1024*1024 {
		t.Fatalf("Memory = %d, want 2GiB", cfg.Memory)
	}
}

func TestParseInstanceConfigInvalidName(t *testing.T) {
	_, err := ParseInstanceConfig(`
[machine]
name = "../evil"
`)
	if err == nil || !strings.Contains(err.Error(), "not filesystem-safe") {
		t.Fatalf("expected a filesystem-safe error, got %v", err)
	}
}

func TestParseInstanceConfigMemoryAsString(t *testing.T) {
	cfg, err := ParseInstanceConfig(`
[machine]
memory = "4g"
`)
	if err != nil {
		t.Fatalf("ParseInstanceConfig: %v", err)
	}
	if cfg.Memory != 4*1024*1024*1024 {
		t.Fatalf("Memory = %d, want 4GiB", cfg.Memory)
	}
}

func TestParseInstanceConfigInvalidMemory(t *testing.T) {
	_, err := ParseInstanceConfig(`
[machine]
memory = "2kb"
`)
	if err == nil || !strings.Contains(err.Error(), "size can only be specified in megabytes or larger") {
		t.Fatalf("expected the megabytes-or-larger error, got %v", err)
	}
}

func TestParseInstanceConfigCPUMismatch(t *testing.T) {
	_, err := ParseInstanceConfig(`
[cpu]
amount = 4
sockets = 1
dies = 1
cores = 2
threads = 3
`)
	if err == nil {
		t.Fatal("expected a CPU topology mismatch error")
	}
	if !strings.Contains(err.Error(), "4") || !strings.Contains(err.Error(), "6") {
		t.Fatalf("error %q should mention both 4 and 6", err.Error())
	}
}

func TestParseInstanceConfigDiskDriverAutoDetect(t *testing.T) {
	cfg, err := ParseInstanceConfig(`
[[disk]]
path = "/var/lib/vore/disk.qcow2"
preset = "main"

[[disk]]
path = "/dev/sdb"
preset = "scratch"
`)
	if err != nil {
		t.Fatalf("ParseInstanceConfig: %v", err)
	}
	if len(cfg.Disks) != 2 {
		t.Fatalf("expected 2 disks, got %d", len(cfg.Disks))
	}
	if cfg.Disks[0].Driver != DiskDriverQcow2 {
		t.Fatalf("disk[0].Driver = %q, want qcow2", cfg.Disks[0].Driver)
	}
	if cfg.Disks[1].Driver != DiskDriverRaw {
		t.Fatalf("disk[1].Driver = %q, want raw", cfg.Disks[1].Driver)
	}
}

func TestParseInstanceConfigDiskAmbiguousType(t *testing.T) {
	_, err := ParseInstanceConfig(`
[[disk]]
path = "/var/lib/vore/disk.img"
preset = "main"
`)
	if err == nil || !strings.Contains(err.Error(), "can't figure out") {
		t.Fatalf("expected an ambiguous-driver error, got %v", err)
	}
}

func TestParseInstanceConfigVFIOAddress(t *testing.T) {
	cfg, err := ParseInstanceConfig(`
[[vfio]]
address = "0000:01:00.0"
index = 2
graphics = true
`)
	if err != nil {
		t.Fatalf("ParseInstanceConfig: %v", err)
	}
	if len(cfg.VFIO) != 1 {
		t.Fatalf("expected 1 vfio device, got %d", len(cfg.VFIO))
	}
	dev := cfg.VFIO[0]
	if dev.Address == nil || dev.Address.String() != "0000:01:00.0" {
		t.Fatalf("unexpected address: %+v", dev.Address)
	}
	if dev.Index != 2 || !dev.Graphics {
		t.Fatalf("unexpected device: %+v", dev)
	}
}

func TestParseInstanceConfigVFIOVendorDevice(t *testing.T) {
	cfg, err := ParseInstanceConfig(`
[[vfio]]
vendor = "0x10de"
device = "0x1eb1"
index = 2
`)
	if err != nil {
		t.Fatalf("ParseInstanceConfig: %v", err)
	}
	dev := cfg.VFIO[0]
	if dev.Vendor == nil || *dev.Vendor != 0x10de {
		t.Fatalf("unexpected vendor: %+v", dev.Vendor)
	}
	if dev.Device == nil || *dev.Device != 0x1eb1 {
		t.Fatalf("unexpected device id: %+v", dev.Device)
	}
}

func TestParseInstanceConfigVFIONeedsAddressOrVendorDevice(t *testing.T) {
	_, err := ParseInstanceConfig(`
[[vfio]]
index = 0
`)
	if err == nil || !strings.Contains(err.Error(), "needs either an address or a vendor+device pair") {
		t.Fatalf("expected a missing-identifier error, got %v", err)
	}
}

func TestParseInstanceConfigLookingGlassBufferSizeOnly(t *testing.T) {
	cfg, err := ParseInstanceConfig(`
[looking-glass]
enabled = true
buffer-size = "32m"
`)
	if err != nil {
		t.Fatalf("ParseInstanceConfig: %v", err)
	}
	if cfg.LookingGlass.BufferSize != 32*1024*1024 {
		t.Fatalf("BufferSize = %d, want 32MiB", cfg.LookingGlass.BufferSize)
	}
}

func TestParseInstanceConfigLookingGlassWidthHeight(t *testing.T) {
	cfg, err := ParseInstanceConfig(`
[looking-glass]
enabled = true
width = 1920
height = 1080
`)
	if err != nil {
		t.Fatalf("ParseInstanceConfig: %v", err)
	}
	if cfg.LookingGlass.BufferSize == 0 {
		t.Fatal("expected a derived buffer size")
	}
}

func TestParseInstanceConfigLookingGlassConflict(t *testing.T) {
	_, err := ParseInstanceConfig(`
[looking-glass]
buffer-size = "32m"
width = 1920
height = 1080
`)
	if err == nil || !strings.Contains(err.Error(), "either width and height") {
		t.Fatalf("expected a width/height-vs-buffer-size conflict error, got %v", err)
	}
}

func TestParseInstanceConfigFeatureToggles(t *testing.T) {
	cfg, err := ParseInstanceConfig(`
[machine]
features = ["scream", "spice"]
`)
	if err != nil {
		t.Fatalf("ParseInstanceConfig: %v", err)
	}
	if !cfg.Scream.Enabled || !cfg.Spice.Enabled {
		t.Fatalf("expected scream and spice enabled: %+v / %+v", cfg.Scream, cfg.Spice)
	}
	if cfg.Pulse.Enabled || cfg.LookingGlass.Enabled {
		t.Fatalf("expected pulse and looking-glass to stay disabled: %+v / %+v", cfg.Pulse, cfg.LookingGlass)
	}
}

func TestParseInstanceConfigUnknownFeature(t *testing.T) {
	_, err := ParseInstanceConfig(`
[machine]
features = ["telepathy"]
`)
	if err == nil || !strings.Contains(err.Error(), `unknown feature "telepathy"`) {
		t.Fatalf("expected an unknown-feature error, got %v", err)
	}
}

// TestParseInstanceConfigRoundTrip covers the round-trip invariant from
// spec.md §8 for configs as the parser itself produces them: width/height-
// derived looking-glass state is intentionally out of scope (Serialize only
// ever emits the resolved buffer-size).
func TestParseInstanceConfigRoundTrip(t *testing.T) {
	cfg, err := ParseInstanceConfig(`
[machine]
name = "test-vm"
memory = "4g"

[[disk]]
path = "/var/lib/vore/disk.qcow2"
preset = "main"

[[vfio]]
address = "0000:01:00.0"
index = 1
`)
	if err != nil {
		t.Fatalf("ParseInstanceConfig: %v", err)
	}

	text, err := Serialize(cfg)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	roundTripped, err := ParseInstanceConfig(text)
	if err != nil {
		t.Fatalf("ParseInstanceConfig(Serialize(cfg)): %v", err)
	}

	if roundTripped.Name != cfg.Name || roundTripped.Memory != cfg.Memory {
		t.Fatalf("round trip mismatch: %+v vs %+v", roundTripped, cfg)
	}
	if len(roundTripped.Disks) != len(cfg.Disks) || roundTripped.Disks[0].Path != cfg.Disks[0].Path {
		t.Fatalf("round trip disk mismatch: %+v vs %+v", roundTripped.Disks, cfg.Disks)
	}
	if len(roundTripped.VFIO) != len(cfg.VFIO) || roundTripped.VFIO[0].Address.String() != cfg.VFIO[0].Address.String() {
		t.Fatalf("round trip vfio mismatch: %+v vs %+v", roundTripped.VFIO, cfg.VFIO)
	}
}
