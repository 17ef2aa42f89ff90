// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package config holds the pure, filesystem-free text-to-struct parsing
// surface for vored: instance definitions and the daemon's global
// configuration. Nothing here touches a socket, a process or /sys; that is
// the job of pkg/vm.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// DiskDriver is the QEMU block driver used for a disk.
type DiskDriver string

const (
	DiskDriverRaw   DiskDriver = "raw"
	DiskDriverQcow2 DiskDriver = "qcow2"
)

// DiskConfig describes one guest disk.
type DiskConfig struct {
	Driver   DiskDriver
	Preset   string
	Path     string
	ReadOnly bool
}

// VFIODevice describes one PCI passthrough device.
type VFIODevice struct {
	Address       *PCIAddress
	Vendor        *uint16
	Device        *uint16
	Index         int
	Graphics      bool
	Multifunction bool
}

// UEFIConfig toggles UEFI boot for an instance.
type UEFIConfig struct {
	Enabled bool
}

// LookingGlassConfig is the shared-memory framebuffer viewer feature.
type LookingGlassConfig struct {
	Enabled    bool
	MemPath    string
	BufferSize uint64
	Width      uint64
	Height     uint64
	BitDepth   uint64
}

// DefaultLookingGlassConfig mirrors vore-core's defaults: 1080p8, no path.
func DefaultLookingGlassConfig() LookingGlassConfig {
	return LookingGlassConfig{Width: 1920, Height: 1080, BitDepth: 8}
}

// CalcBufferSize derives the shared-memory size from width/height/bit depth,
// per spec.md §4.1: width*height*ceil(bit_depth*4/8)*2 + 2MiB, rounded up to
// the next power of two.
func (l *LookingGlassConfig) CalcBufferSize() {
	bytesPerPixel := (l.BitDepth*4 + 7) / 8
	needed := l.Width * l.Height * bytesPerPixel * 2
	needed += 2 * 1024 * 1024

	size := uint64(1)
	for size < needed {
		size <<= 1
	}
	l.BufferSize = size
}

// ScreamConfig is the shared-memory audio sink feature.
type ScreamConfig struct {
	Enabled    bool
	MemPath    string
	BufferSize uint64
}

// DefaultScreamConfig mirrors vore-core's 2MiB default ring buffer.
func DefaultScreamConfig() ScreamConfig {
	return ScreamConfig{BufferSize: 2 * 1024 * 1024}
}

// PulseConfig is the USB-audio pass-through feature.
type PulseConfig struct {
	Enabled bool
	Socket  string
}

// SpiceConfig is the control-socket UI bridge feature.
type SpiceConfig struct {
	Enabled    bool
	SocketPath string
}

// InstanceConfig is the fully resolved, validated description of one guest.
type InstanceConfig struct {
	Name         string
	Arch         string
	Chipset      string
	KVM          bool
	Memory       uint64
	CPU          CPUConfig
	Disks        []DiskConfig
	UEFI         UEFIConfig
	VFIO         []VFIODevice
	LookingGlass LookingGlassConfig
	Scream       ScreamConfig
	Spice        SpiceConfig
	Pulse        PulseConfig
	Features     []string
}

// DefaultInstanceConfig mirrors vore-core/src/instance_config.rs's Default.
func DefaultInstanceConfig() InstanceConfig {
	return InstanceConfig{
		Name:         "vore",
		Arch:         "x86_64",
		Chipset:      "q35",
		KVM:          true,
		Memory:       2 * 1024 * 1024 * 1024,
		CPU:          DefaultCPUConfig(),
		UEFI:         UEFIConfig{Enabled: false},
		LookingGlass: DefaultLookingGlassConfig(),
		Scream:       DefaultScreamConfig(),
	}
}

// rawXxx types mirror the TOML schema from spec.md §6 literally; the
// exported InstanceConfig above is what the rest of the daemon consumes.

type rawMachine struct {
	Name     string   `toml:"name"`
	KVM      *bool    `toml:"kvm"`
	Memory   *memory  `toml:"memory"`
	Arch     string   `toml:"arch"`
	Chipset  string   `toml:"chipset"`
	Features []string `toml:"features"`
}

type memory uint64

func (m *memory) UnmarshalTOML(v interface{}) error {
	switch val := v.(type) {
	case int64:
		*m = memory(val)
		return nil
	case string:
		b, err := ParseSize(val)
		if err != nil {
			return err
		}
		*m = memory(b)
		return nil
	default:
		return errors.Errorf("machine.memory should be a string or number, got %T", v)
	}
}

type rawCPU struct {
	Amount  *uint64 `toml:"amount"`
	Sockets *uint64 `toml:"sockets"`
	Dies    *uint64 `toml:"dies"`
	Cores   *uint64 `toml:"cores"`
	Threads *uint64 `toml:"threads"`
}

type rawDisk struct {
	Path     string `toml:"path"`
	Type     string `toml:"type"`
	Preset   string `toml:"preset"`
	ReadOnly bool   `toml:"read-only"`
}

type rawUEFI struct {
	Enabled bool `toml:"enabled"`
}

type rawVFIO struct {
	Address       string `toml:"address"`
	Vendor        string `toml:"vendor"`
	Device        string `toml:"device"`
	Index         *int   `toml:"index"`
	Graphics      bool   `toml:"graphics"`
	Multifunction bool   `toml:"multifunction"`
}

type rawLookingGlass struct {
	Enabled    bool    `toml:"enabled"`
	MemPath    string  `toml:"mem-path"`
	BufferSize *memory `toml:"buffer-size"`
	Width      *uint64 `toml:"width"`
	Height     *uint64 `toml:"height"`
	BitDepth   *uint64 `toml:"bit-depth"`
}

type rawScream struct {
	Enabled    bool    `toml:"enabled"`
	MemPath    string  `toml:"mem-path"`
	BufferSize *uint64 `toml:"buffer-size"`
}

type rawPulse struct {
	Enabled bool   `toml:"enabled"`
	Socket  string `toml:"socket"`
}

type rawSpice struct {
	Enabled    bool   `toml:"enabled"`
	SocketPath string `toml:"socket-path"`
}

type rawInstanceConfig struct {
	Machine      rawMachine      `toml:"machine"`
	CPU          rawCPU          `toml:"cpu"`
	Disk         []rawDisk       `toml:"disk"`
	UEFI         rawUEFI         `toml:"uefi"`
	VFIO         []rawVFIO       `toml:"vfio"`
	LookingGlass rawLookingGlass `toml:"looking-glass"`
	Scream       rawScream       `toml:"scream"`
	Pulse        rawPulse        `toml:"pulse"`
	Spice        rawSpice        `toml:"spice"`
}

// ParseInstanceConfig parses TOML instance-definition text into a validated
// InstanceConfig. It never touches the filesystem.
func ParseInstanceConfig(text string) (InstanceConfig, error) {
	var raw rawInstanceConfig
	meta, err := toml.Decode(text, &raw)
	if err != nil {
		return InstanceConfig{}, errors.Wrap(err, "failed to parse instance TOML")
	}

	cfg := DefaultInstanceConfig()

	if raw.Machine.Name != "" {
		cfg.Name = raw.Machine.Name
	}
	if !isFilesystemSafe(cfg.Name) {
		return InstanceConfig{}, errors.Errorf("machine name %q is not filesystem-safe", cfg.Name)
	}
	if raw.Machine.KVM != nil {
		cfg.KVM = *raw.Machine.KVM
	}
	if raw.Machine.Memory != nil {
		cfg.Memory = uint64(*raw.Machine.Memory)
	}
	if raw.Machine.Arch != "" {
		cfg.Arch = raw.Machine.Arch
	}
	if raw.Machine.Chipset != "" {
		cfg.Chipset = raw.Machine.Chipset
	}
	cfg.Features = raw.Machine.Features

	seen := map[string]bool{
		"amount":  meta.IsDefined("cpu", "amount"),
		"sockets": meta.IsDefined("cpu", "sockets"),
		"dies":    meta.IsDefined("cpu", "dies"),
		"cores":   meta.IsDefined("cpu", "cores"),
		"threads": meta.IsDefined("cpu", "threads"),
	}
	if raw.CPU.Amount != nil {
		cfg.CPU.Amount = *raw.CPU.Amount
	}
	if raw.CPU.Sockets != nil {
		cfg.CPU.Sockets = *raw.CPU.Sockets
	}
	if raw.CPU.Dies != nil {
		cfg.CPU.Dies = *raw.CPU.Dies
	}
	if raw.CPU.Cores != nil {
		cfg.CPU.Cores = *raw.CPU.Cores
	}
	if raw.CPU.Threads != nil {
		cfg.CPU.Threads = *raw.CPU.Threads
	}
	if meta.IsDefined("cpu") {
		if err := cfg.CPU.applyTable(seen); err != nil {
			return InstanceConfig{}, err
		}
	}

	for i, d := range raw.Disk {
		disk, err := parseDisk(i, d)
		if err != nil {
			return InstanceConfig{}, err
		}
		cfg.Disks = append(cfg.Disks, disk)
	}

	if meta.IsDefined("uefi") {
		cfg.UEFI.Enabled = raw.UEFI.Enabled
	}

	for i, v := range raw.VFIO {
		dev, err := parseVFIO(i, v)
		if err != nil {
			return InstanceConfig{}, err
		}
		cfg.VFIO = append(cfg.VFIO, dev)
	}

	if meta.IsDefined("looking-glass") {
		if err := applyLookingGlass(&cfg.LookingGlass, raw.LookingGlass, cfg.Name); err != nil {
			return InstanceConfig{}, err
		}
	}

	if meta.IsDefined("scream") {
		applyScream(&cfg.Scream, raw.Scream, cfg.Name)
	}

	if meta.IsDefined("pulse") {
		cfg.Pulse.Enabled = raw.Pulse.Enabled
		cfg.Pulse.Socket = raw.Pulse.Socket
	}

	if meta.IsDefined("spice") {
		cfg.Spice.Enabled = raw.Spice.Enabled
		if raw.Spice.SocketPath != "" {
			cfg.Spice.SocketPath = raw.Spice.SocketPath
		}
	}

	for _, feature := range cfg.Features {
		switch feature {
		case "looking-glass":
			cfg.LookingGlass.Enabled = true
		case "scream":
			cfg.Scream.Enabled = true
		case "spice":
			cfg.Spice.Enabled = true
		case "pulse":
			cfg.Pulse.Enabled = true
		case "auto-start":
			// Recognized by pkg/daemon at startup; Features is carried
			// through unmodified so no dedicated field is needed here.
		default:
			return InstanceConfig{}, errors.Errorf("unknown feature %q", feature)
		}
	}

	return cfg, nil
}

// Serialize renders an InstanceConfig back to the TOML schema ParseInstanceConfig
// accepts. Every field is written explicitly except looking-glass width,
// height and bit-depth (carried only through the resolved buffer-size), and
// a VFIO device's vendor/device ids are dropped on re-parse when it also has
// an address; apart from those, parse(serialize(cfg)) == cfg.
func Serialize(cfg InstanceConfig) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "[machine]\n")
	fmt.Fprintf(&b, "name = %q\n", cfg.Name)
	fmt.Fprintf(&b, "arch = %q\n", cfg.Arch)
	fmt.Fprintf(&b, "chipset = %q\n", cfg.Chipset)
	fmt.Fprintf(&b, "kvm = %t\n", cfg.KVM)
	fmt.Fprintf(&b, "memory = %d\n", cfg.Memory)
	if len(cfg.Features) > 0 {
		fmt.Fprintf(&b, "features = %s\n", quotedList(cfg.Features))
	}

	fmt.Fprintf(&b, "\n[cpu]\n")
	fmt.Fprintf(&b, "amount = %d\n", cfg.CPU.Amount)
	fmt.Fprintf(&b, "sockets = %d\n", cfg.CPU.Sockets)
	fmt.Fprintf(&b, "dies = %d\n", cfg.CPU.Dies)
	fmt.Fprintf(&b, "cores = %d\n", cfg.CPU.Cores)
	fmt.Fprintf(&b, "threads = %d\n", cfg.CPU.Threads)

	for _, d := range cfg.Disks {
		fmt.Fprintf(&b, "\n[[disk]]\n")
		fmt.Fprintf(&b, "path = %q\n", d.Path)
		fmt.Fprintf(&b, "type = %q\n", string(d.Driver))
		fmt.Fprintf(&b, "preset = %q\n", d.Preset)
		fmt.Fprintf(&b, "read-only = %t\n", d.ReadOnly)
	}

	fmt.Fprintf(&b, "\n[uefi]\n")
	fmt.Fprintf(&b, "enabled = %t\n", cfg.UEFI.Enabled)

	for _, v := range cfg.VFIO {
		fmt.Fprintf(&b, "\n[[vfio]]\n")
		if v.Address != nil {
			fmt.Fprintf(&b, "address = %q\n", v.Address.String())
		}
		if v.Vendor != nil {
			fmt.Fprintf(&b, "vendor = %q\n", fmt.Sprintf("%04x", *v.Vendor))
		}
		if v.Device != nil {
			fmt.Fprintf(&b, "device = %q\n", fmt.Sprintf("%04x", *v.Device))
		}
		fmt.Fprintf(&b, "index = %d\n", v.Index)
		fmt.Fprintf(&b, "graphics = %t\n", v.Graphics)
		fmt.Fprintf(&b, "multifunction = %t\n", v.Multifunction)
	}

	fmt.Fprintf(&b, "\n[looking-glass]\n")
	fmt.Fprintf(&b, "enabled = %t\n", cfg.LookingGlass.Enabled)
	fmt.Fprintf(&b, "mem-path = %q\n", cfg.LookingGlass.MemPath)
	fmt.Fprintf(&b, "buffer-size = %d\n", cfg.LookingGlass.BufferSize)

	fmt.Fprintf(&b, "\n[scream]\n")
	fmt.Fprintf(&b, "enabled = %t\n", cfg.Scream.Enabled)
	fmt.Fprintf(&b, "mem-path = %q\n", cfg.Scream.MemPath)
	fmt.Fprintf(&b, "buffer-size = %d\n", cfg.Scream.BufferSize)

	fmt.Fprintf(&b, "\n[pulse]\n")
	fmt.Fprintf(&b, "enabled = %t\n", cfg.Pulse.Enabled)
	fmt.Fprintf(&b, "socket = %q\n", cfg.Pulse.Socket)

	fmt.Fprintf(&b, "\n[spice]\n")
	fmt.Fprintf(&b, "enabled = %t\n", cfg.Spice.Enabled)
	fmt.Fprintf(&b, "socket-path = %q\n", cfg.Spice.SocketPath)

	return b.String(), nil
}

func quotedList(items []string) string {
	var b strings.Builder
	b.WriteString("[")
	for i, item := range items {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q", item)
	}
	b.WriteString("]")
	return b.String()
}

func parseDisk(index int, d rawDisk) (DiskConfig, error) {
	if d.Path == "" {
		return DiskConfig{}, errors.Errorf("disk[%d] needs a path", index)
	}

	driver := DiskDriver(d.Type)
	if driver == "" {
		switch {
		case strings.HasPrefix(d.Path, "/dev/"), strings.HasSuffix(d.Path, ".iso"):
			driver = DiskDriverRaw
		case strings.HasSuffix(d.Path, ".qcow2"):
			driver = DiskDriverQcow2
		default:
			return DiskConfig{}, errors.Errorf("disk[%d]: can't figure out from path %q what type of disk driver should be used", index, d.Path)
		}
	}

	if d.Preset == "" {
		return DiskConfig{}, errors.Errorf("disk[%d] needs a preset", index)
	}

	return DiskConfig{
		Driver:   driver,
		Preset:   d.Preset,
		Path:     d.Path,
		ReadOnly: d.ReadOnly,
	}, nil
}

func parseVFIO(index int, v rawVFIO) (VFIODevice, error) {
	dev := VFIODevice{
		Index:         0,
		Graphics:      v.Graphics,
		Multifunction: v.Multifunction,
	}
	if v.Index != nil {
		dev.Index = *v.Index
	}

	if v.Address != "" {
		addr, err := ParsePCIAddress(v.Address)
		if err != nil {
			return VFIODevice{}, errors.Wrapf(err, "vfio[%d]", index)
		}
		dev.Address = &addr
		return dev, nil
	}

	if v.Vendor == "" || v.Device == "" {
		return VFIODevice{}, errors.Errorf("vfio[%d] needs either an address or a vendor+device pair", index)
	}

	vendor, err := parseHexID(v.Vendor)
	if err != nil {
		return VFIODevice{}, errors.Wrapf(err, "vfio[%d] vendor", index)
	}
	device, err := parseHexID(v.Device)
	if err != nil {
		return VFIODevice{}, errors.Wrapf(err, "vfio[%d] device", index)
	}

	dev.Vendor = &vendor
	dev.Device = &device
	return dev, nil
}

func parseHexID(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func applyLookingGlass(cfg *LookingGlassConfig, raw rawLookingGlass, name string) error {
	cfg.Enabled = raw.Enabled
	if raw.MemPath != "" {
		cfg.MemPath = raw.MemPath
	}

	hasBuffer := raw.BufferSize != nil
	hasScreen := raw.Width != nil || raw.Height != nil

	switch {
	case hasBuffer && !hasScreen:
		cfg.BufferSize = uint64(*raw.BufferSize)
	case !hasBuffer && raw.Width != nil && raw.Height != nil:
		cfg.Width = *raw.Width
		cfg.Height = *raw.Height
		if raw.BitDepth != nil {
			cfg.BitDepth = *raw.BitDepth
		}
		cfg.CalcBufferSize()
	case !hasBuffer && !hasScreen:
		cfg.CalcBufferSize()
	default:
		return errors.New("for looking-glass either width and height need to be set or buffer-size should be set")
	}

	_ = name
	return nil
}

func applyScream(cfg *ScreamConfig, raw rawScream, name string) {
	cfg.Enabled = raw.Enabled
	if raw.MemPath != "" {
		cfg.MemPath = raw.MemPath
	}
	if raw.BufferSize != nil {
		cfg.BufferSize = *raw.BufferSize
	}
	_ = name
}

func isFilesystemSafe(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\x00")
}
