// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package cmdbuilder

import (
	"strings"
	"testing"

	"github.com/the-eater/vore/pkg/config"
)

func TestBuildWithDefaultScript(t *testing.T) {
	host, err := LoadHost("")
	if err != nil {
		t.Fatalf("LoadHost: %v", err)
	}
	defer host.Close()

	cfg, err := config.ParseInstanceConfig(`
[machine]
name = "test-vm"

[[disk]]
path = "/var/lib/vore/test-vm/disk.qcow2"
preset = "main"
`)
	if err != nil {
		t.Fatalf("ParseInstanceConfig: %v", err)
	}

	args, err := host.Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-name guest=test-vm,debug-threads=on") {
		t.Fatalf("missing preamble in args: %v", args)
	}
	if !strings.Contains(joined, "-smp") {
		t.Fatalf("missing -smp in args: %v", args)
	}
	if !strings.Contains(joined, "file=/var/lib/vore/test-vm/disk.qcow2") {
		t.Fatalf("missing disk drive in args: %v", args)
	}
}

func TestListPresets(t *testing.T) {
	host, err := LoadHost("")
	if err != nil {
		t.Fatalf("LoadHost: %v", err)
	}
	defer host.Close()

	presets, err := host.ListPresets()
	if err != nil {
		t.Fatalf("ListPresets: %v", err)
	}
	if len(presets) == 0 {
		t.Fatal("expected at least one preset")
	}

	found := false
	for _, p := range presets {
		if p.Name == "main" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a 'main' preset")
	}
}

func TestDiskPresetsProduceDifferentArgs(t *testing.T) {
	host, err := LoadHost("")
	if err != nil {
		t.Fatalf("LoadHost: %v", err)
	}
	defer host.Close()

	build := func(preset string) string {
		t.Helper()
		cfg, err := config.ParseInstanceConfig(`
[machine]
name = "test-vm"

[[disk]]
path = "/var/lib/vore/test-vm/disk.qcow2"
preset = "` + preset + `"
`)
		if err != nil {
			t.Fatalf("ParseInstanceConfig(%s): %v", preset, err)
		}
		args, err := host.Build(cfg)
		if err != nil {
			t.Fatalf("Build(%s): %v", preset, err)
		}
		return strings.Join(args, " ")
	}

	main := build("main")
	scratch := build("scratch")
	cdrom := build("cdrom")

	if main == scratch || main == cdrom || scratch == cdrom {
		t.Fatalf("expected all three presets to differ:\nmain:    %s\nscratch: %s\ncdrom:   %s", main, scratch, cdrom)
	}

	if !strings.Contains(scratch, "discard=unmap") {
		t.Fatalf("scratch preset should discard on trim: %s", scratch)
	}
	if strings.Contains(main, "discard=unmap") {
		t.Fatalf("main preset should not discard on trim: %s", main)
	}

	if !strings.Contains(cdrom, "scsi-cd") || !strings.Contains(cdrom, "readonly=on") {
		t.Fatalf("cdrom preset should be a read-only scsi-cd device: %s", cdrom)
	}
	if strings.Contains(main, "readonly=on") {
		t.Fatalf("main preset should not be forced read-only: %s", main)
	}
}

func TestUnknownDiskPresetErrors(t *testing.T) {
	host, err := LoadHost("")
	if err != nil {
		t.Fatalf("LoadHost: %v", err)
	}
	defer host.Close()

	cfg, err := config.ParseInstanceConfig(`
[machine]
name = "test-vm"

[[disk]]
path = "/var/lib/vore/test-vm/disk.qcow2"
preset = "nonexistent"
`)
	if err != nil {
		t.Fatalf("ParseInstanceConfig: %v", err)
	}

	if _, err := host.Build(cfg); err == nil {
		t.Fatal("expected Build to fail for an unknown disk preset")
	}
}

func TestDeviceIDTrackingAndCounters(t *testing.T) {
	source := `
function build_command(config, acc)
  acc:arg("-device", "virtio-blk-pci,id=disk0")
  local id = acc:get_device_id("virtio-blk-pci")
  acc:arg("-info", "tracked=" .. id)
  acc:arg("-bus0", acc:get_next_bus("pcie"))
  acc:arg("-bus1", acc:get_next_bus("pcie"))
  acc:arg("-c0", tostring(acc:get_counter("x", 5)))
  acc:arg("-c1", tostring(acc:get_counter("x", 5)))
end
`
	host, err := NewHost(source)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer host.Close()

	args, err := host.Build(config.DefaultInstanceConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-info tracked=disk0") {
		t.Fatalf("get_device_id did not resolve: %v", args)
	}
	if !strings.Contains(joined, "-bus0 pcie.0") || !strings.Contains(joined, "-bus1 pcie.1") {
		t.Fatalf("get_next_bus did not increment: %v", args)
	}
	if !strings.Contains(joined, "-c0 5") || !strings.Contains(joined, "-c1 6") {
		t.Fatalf("get_counter did not increment: %v", args)
	}
}
