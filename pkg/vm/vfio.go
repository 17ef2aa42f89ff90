// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vm

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/the-eater/vore/pkg/config"
)

// sysfsRoot is overridden in tests so the VFIO rebind algorithm can run
// against a fake tree instead of the real /sys.
var sysfsRoot = "/sys"

var blacklistedDrivers = map[string]bool{
	"nvidia": true,
	"amdgpu": true,
}

func pciDeviceDir(addr config.PCIAddress) string {
	return filepath.Join(sysfsRoot, "bus", "pci", "devices", addr.String())
}

func driverUnbindPath(addr config.PCIAddress) string {
	return filepath.Join(pciDeviceDir(addr), "driver", "unbind")
}

func driverOverridePath(addr config.PCIAddress) string {
	return filepath.Join(pciDeviceDir(addr), "driver_override")
}

func driverLinkPath(addr config.PCIAddress) string {
	return filepath.Join(pciDeviceDir(addr), "driver")
}

func driversProbePath() string {
	return filepath.Join(sysfsRoot, "bus", "pci", "drivers_probe")
}

// currentDriver resolves the driver currently bound to addr via the
// driver symlink, the way kata's BindDevicetoVFIO reads iommuGroupPath.
// An unbound device (no symlink) reports the empty string, not an error.
func currentDriver(addr config.PCIAddress) (string, error) {
	target, err := os.Readlink(driverLinkPath(addr))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, "failed to resolve driver for %s", addr)
	}
	return filepath.Base(target), nil
}

// modprobeLookPath is overridden in tests so the rebind algorithm can run
// without an actual modprobe binary or kernel module present.
var modprobeLookPath = func() error {
	cmd := exec.Command("modprobe", "vfio-pci")
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "modprobe vfio-pci: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

// prepareVFIODevice runs the rebind algorithm from spec.md §4.4 for one
// already-address-resolved device.
func prepareVFIODevice(addr config.PCIAddress, executeFixes, force bool) error {
	if err := modprobeLookPath(); err != nil {
		return err
	}

	driver, err := currentDriver(addr)
	if err != nil {
		return err
	}
	if driver == "vfio-pci" {
		return nil
	}

	if !executeFixes {
		return errors.Errorf("device %s is bound to driver %q, not vfio-pci", addr, driverName(driver))
	}

	if blacklistedDrivers[driver] && !force {
		return errors.Errorf("device %s is bound to %q, which is blacklisted for automatic rebind; unbind it manually or pass force", addr, driver)
	}

	if driver != "" {
		if err := writeSysfsFile(driverUnbindPath(addr), addr.String()+"\n"); err != nil {
			return errors.Wrapf(err, "failed to unbind %s from %s", addr, driver)
		}
	}

	if err := writeSysfsFile(driverOverridePath(addr), "vfio-pci\n"); err != nil {
		return errors.Wrapf(err, "failed to set driver_override for %s", addr)
	}

	if err := writeSysfsFile(driversProbePath(), addr.String()+"\n"); err != nil {
		return errors.Wrapf(err, "failed to probe drivers for %s", addr)
	}

	driver, err = currentDriver(addr)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(driver, "vfio-pci") {
		return errors.Errorf("device %s did not bind to vfio-pci, currently bound to %q", addr, driverName(driver))
	}

	return nil
}

func driverName(driver string) string {
	if driver == "" {
		return "(none)"
	}
	return driver
}

func writeSysfsFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o200)
}

// pciCandidate is one enumerated host PCI device, used to resolve a
// vendor+device pair to a concrete address when none is given in the config.
type pciCandidate struct {
	addr   config.PCIAddress
	bdf    string
	vendor uint16
	device uint16
}

func enumeratePCIDevices() ([]pciCandidate, error) {
	root := filepath.Join(sysfsRoot, "bus", "pci", "devices")
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to enumerate %s", root)
	}

	var candidates []pciCandidate
	for _, entry := range entries {
		addr, err := config.ParsePCIAddress(entry.Name())
		if err != nil {
			continue
		}
		vendor, ok := readHexAttr(filepath.Join(root, entry.Name(), "vendor"))
		if !ok {
			continue
		}
		device, ok := readHexAttr(filepath.Join(root, entry.Name(), "device"))
		if !ok {
			continue
		}
		candidates = append(candidates, pciCandidate{addr: addr, bdf: entry.Name(), vendor: vendor, device: device})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].bdf < candidates[j].bdf })
	return candidates, nil
}

func readHexAttr(path string) (uint16, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	s := strings.TrimSpace(string(data))
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}

// resolveVFIOAddress picks the Index-th PCI device matching dev's vendor and
// device ids in sorted enumeration order, per spec.md §3's VfioConfig rule.
func resolveVFIOAddress(dev config.VFIODevice) (config.PCIAddress, error) {
	if dev.Vendor == nil || dev.Device == nil {
		return config.PCIAddress{}, errors.New("vfio device has neither an address nor a vendor+device pair")
	}

	candidates, err := enumeratePCIDevices()
	if err != nil {
		return config.PCIAddress{}, err
	}

	matchIdx := 0
	for _, c := range candidates {
		if c.vendor != *dev.Vendor || c.device != *dev.Device {
			continue
		}
		if matchIdx == dev.Index {
			return c.addr, nil
		}
		matchIdx++
	}

	return config.PCIAddress{}, errors.Errorf("no PCI device matching vendor %04x device %04x at index %d", *dev.Vendor, *dev.Device, dev.Index)
}

// resolveAddress returns dev's address, resolving it from vendor/device if
// not given explicitly.
func resolveAddress(dev config.VFIODevice) (config.PCIAddress, error) {
	if dev.Address != nil {
		return *dev.Address, nil
	}
	return resolveVFIOAddress(dev)
}
