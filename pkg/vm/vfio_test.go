// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/the-eater/vore/pkg/config"
)

func withSysfsRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	old := sysfsRoot
	sysfsRoot = dir
	t.Cleanup(func() { sysfsRoot = old })
	return dir
}

func writePCIDevice(t *testing.T, root, bdf, driver string, vendor, device uint16) {
	t.Helper()
	devDir := filepath.Join(root, "bus", "pci", "devices", bdf)
	if err := os.MkdirAll(devDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(devDir, "vendor"), []byte(hex4(vendor)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(devDir, "device"), []byte(hex4(device)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if driver != "" {
		driverDir := filepath.Join(root, "drivers", driver)
		if err := os.MkdirAll(driverDir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.Symlink(driverDir, filepath.Join(devDir, "driver")); err != nil {
			t.Fatal(err)
		}
	}
}

func hex4(v uint16) string {
	const hexdigits = "0123456789abcdef"
	b := [6]byte{'0', 'x', hexdigits[(v>>12)&0xf], hexdigits[(v>>8)&0xf], hexdigits[(v>>4)&0xf], hexdigits[v&0xf]}
	return string(b[:])
}

func TestCurrentDriverUnbound(t *testing.T) {
	root := withSysfsRoot(t)
	writePCIDevice(t, root, "0000:01:00.0", "", 0x10de, 0x1eb1)

	addr, _ := config.ParsePCIAddress("0000:01:00.0")
	driver, err := currentDriver(addr)
	if err != nil {
		t.Fatalf("currentDriver: %v", err)
	}
	if driver != "" {
		t.Fatalf("expected no driver bound, got %q", driver)
	}
}

func TestCurrentDriverBound(t *testing.T) {
	root := withSysfsRoot(t)
	writePCIDevice(t, root, "0000:01:00.0", "vfio-pci", 0x10de, 0x1eb1)

	addr, _ := config.ParsePCIAddress("0000:01:00.0")
	driver, err := currentDriver(addr)
	if err != nil {
		t.Fatalf("currentDriver: %v", err)
	}
	if driver != "vfio-pci" {
		t.Fatalf("expected vfio-pci, got %q", driver)
	}
}

func TestResolveVFIOAddressPicksNthMatch(t *testing.T) {
	root := withSysfsRoot(t)
	writePCIDevice(t, root, "0000:01:00.0", "", 0x10de, 0x1eb1)
	writePCIDevice(t, root, "0000:02:00.0", "", 0x10de, 0x1eb1)
	writePCIDevice(t, root, "0000:03:00.0", "", 0x8086, 0x1234)

	vendor := uint16(0x10de)
	device := uint16(0x1eb1)

	addr, err := resolveVFIOAddress(config.VFIODevice{Vendor: &vendor, Device: &device, Index: 1})
	if err != nil {
		t.Fatalf("resolveVFIOAddress: %v", err)
	}
	if addr.String() != "0000:02:00.0" {
		t.Fatalf("expected second match 0000:02:00.0, got %s", addr)
	}
}

func TestResolveVFIOAddressNoMatch(t *testing.T) {
	root := withSysfsRoot(t)
	writePCIDevice(t, root, "0000:01:00.0", "", 0x8086, 0x1234)

	vendor := uint16(0x10de)
	device := uint16(0x1eb1)
	_, err := resolveVFIOAddress(config.VFIODevice{Vendor: &vendor, Device: &device})
	if err == nil {
		t.Fatal("expected an error for no matching device")
	}
}

func TestPrepareVFIODeviceAlreadyBound(t *testing.T) {
	withSysfsRoot(t)
	root := sysfsRoot
	writePCIDevice(t, root, "0000:01:00.0", "vfio-pci", 0x10de, 0x1eb1)
	oldModprobe := modprobeLookPath
	modprobeLookPath = func() error { return nil }
	t.Cleanup(func() { modprobeLookPath = oldModprobe })

	addr, _ := config.ParsePCIAddress("0000:01:00.0")
	if err := prepareVFIODevice(addr, false, false); err != nil {
		t.Fatalf("prepareVFIODevice: %v", err)
	}
}

func TestPrepareVFIODeviceWithoutExecuteFixesFails(t *testing.T) {
	withSysfsRoot(t)
	root := sysfsRoot
	writePCIDevice(t, root, "0000:01:00.0", "nvidia", 0x10de, 0x1eb1)
	oldModprobe := modprobeLookPath
	modprobeLookPath = func() error { return nil }
	t.Cleanup(func() { modprobeLookPath = oldModprobe })

	addr, _ := config.ParsePCIAddress("0000:01:00.0")
	err := prepareVFIODevice(addr, false, false)
	if err == nil {
		t.Fatal("expected an error when execute_fixes is false and device is bound to another driver")
	}
}

func TestPrepareVFIODeviceBlacklistedWithoutForceFails(t *testing.T) {
	withSysfsRoot(t)
	root := sysfsRoot
	writePCIDevice(t, root, "0000:01:00.0", "nvidia", 0x10de, 0x1eb1)
	oldModprobe := modprobeLookPath
	modprobeLookPath = func() error { return nil }
	t.Cleanup(func() { modprobeLookPath = oldModprobe })

	addr, _ := config.ParsePCIAddress("0000:01:00.0")
	err := prepareVFIODevice(addr, true, false)
	if err == nil {
		t.Fatal("expected an error rebinding a blacklisted driver without force")
	}
}
