// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package cmdbuilder evaluates the embedded QEMU command-building script
// against an instance configuration, the way vore-core's qemu.rs drives its
// Lua script via mlua. Here the host is yuin/gopher-lua instead of mlua, and
// the accumulator the script writes argv fragments into is exposed as a Lua
// userdata with methods (arg, get_device_id, get_next_bus, get_counter)
// rather than mlua's single "add" method on LuaFreeList.
package cmdbuilder

import (
	"fmt"
	"regexp"
	"runtime"
	"weak"

	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"

	"github.com/the-eater/vore/pkg/config"
)

const accumulatorTypeName = "vore.builder"

// Builder accumulates argv fragments and auxiliary bookkeeping (device ids,
// bus slot counters, named counters) as the script runs. One Builder is used
// per Build call; it does not outlive the Lua state that populated it.
type Builder struct {
	args      []string
	deviceIDs map[string]string
	busSeq    map[string]int
	counters  map[string]uint64
}

func newBuilder() *Builder {
	return &Builder{
		deviceIDs: map[string]string{},
		busSeq:    map[string]int{},
		counters:  map[string]uint64{},
	}
}

var deviceIDPattern = regexp.MustCompile(`(?:^|,)id=([^,]+)`)

func (b *Builder) addArgs(vals []string) {
	b.args = append(b.args, vals...)

	for i, v := range vals {
		if v != "-device" || i+1 >= len(vals) {
			continue
		}
		spec := vals[i+1]
		m := deviceIDPattern.FindStringSubmatch(spec)
		if m == nil {
			continue
		}
		deviceType := spec
		if idx := indexOfComma(spec); idx >= 0 {
			deviceType = spec[:idx]
		}
		b.deviceIDs[deviceType] = m[1]
	}
}

func indexOfComma(s string) int {
	for i, c := range s {
		if c == ',' {
			return i
		}
	}
	return -1
}

func (b *Builder) nextBus(name string) string {
	n := b.busSeq[name]
	b.busSeq[name] = n + 1
	return fmt.Sprintf("%s.%d", name, n)
}

func (b *Builder) counter(name string, start uint64) uint64 {
	v, ok := b.counters[name]
	if !ok {
		v = start
	}
	b.counters[name] = v + 1
	return v
}

// Host evaluates a Lua command-builder script and exposes Build/ListPresets
// entry points against it. A Host is not safe for concurrent use; the
// daemon's event loop is single-threaded, so none is needed (see pkg/daemon).
type Host struct {
	state *lua.LState

	// lastBuilder weakly tracks the accumulator handed to the script on the
	// most recent Build call, so Close can prove nothing the script did —
	// stashing the accumulator userdata in a global table, a closure, an
	// upvalue — kept it reachable past the call that owned it.
	lastBuilder weak.Pointer[Builder]
}

// NewHost loads and evaluates source (the script's body is executed once,
// registering its global build_command and list_presets functions).
func NewHost(source string) (*Host, error) {
	L := lua.NewState()
	registerAccumulatorType(L)

	if err := L.DoString(source); err != nil {
		L.Close()
		return nil, errors.Wrap(err, "failed to evaluate qemu command script")
	}

	return &Host{state: L}, nil
}

// Close releases the underlying Lua state, first proving that no stray Lua
// reference kept the last build's accumulator storage alive past its call
// (spec.md's "prove no other references to its storage remain" teardown
// requirement). A forced GC cycle is the only way to make a weak.Pointer's
// liveness observation deterministic rather than advisory.
func (h *Host) Close() error {
	defer h.state.Close()

	runtime.GC()
	if h.lastBuilder.Value() != nil {
		return errors.New("qemu script retained a reference to a build accumulator past its Build call")
	}
	return nil
}

// Build evaluates build_command(config, accumulator) and returns the
// resulting argv, with the fixed daemon-owned preamble
// (-name guest=...,debug-threads=on, -S, -msg timestamp=on, -runas nobody)
// prepended, the
// way vore-core's build_qemu_command wraps the Lua-produced fragment.
func (h *Host) Build(cfg config.InstanceConfig) ([]string, error) {
	fn := h.state.GetGlobal("build_command")
	if fn.Type() != lua.LTFunction {
		return nil, errors.New("qemu script does not define a build_command function")
	}

	b := newBuilder()
	ud := h.state.NewUserData()
	// The userdata only ever holds a weak handle: the script's only
	// legitimate way to reach the accumulator is as the argument it was
	// called with, for the duration of that call, during which b is kept
	// alive by this stack frame's own strong reference below.
	ud.Value = weak.Make(b)
	meta := h.state.GetTypeMetatable(accumulatorTypeName)
	h.state.SetMetatable(ud, meta)
	h.lastBuilder = weak.Make(b)

	table := configToLua(h.state, cfg)

	if err := h.state.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, table, ud); err != nil {
		return nil, errors.Wrap(err, "build_command failed")
	}

	preamble := []string{
		"-name", fmt.Sprintf("guest=%s,debug-threads=on", cfg.Name),
		"-S",
		"-msg", "timestamp=on",
		"-runas", "nobody",
	}

	return append(preamble, b.args...), nil
}

// Preset is one disk preset the script registers, surfaced over the
// DiskPresets RPC.
type Preset struct {
	Name        string
	Description string
}

// ListPresets calls the script's list_presets() function, returning each
// preset's name and human-readable description for the DiskPresets RPC.
func (h *Host) ListPresets() ([]Preset, error) {
	fn := h.state.GetGlobal("list_presets")
	if fn.Type() != lua.LTFunction {
		return nil, errors.New("qemu script does not define a list_presets function")
	}

	if err := h.state.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}); err != nil {
		return nil, errors.Wrap(err, "list_presets failed")
	}

	ret := h.state.Get(-1)
	h.state.Pop(1)

	table, ok := ret.(*lua.LTable)
	if !ok {
		return nil, errors.New("list_presets did not return a table")
	}

	var presets []Preset
	table.ForEach(func(_ lua.LValue, v lua.LValue) {
		entry, ok := v.(*lua.LTable)
		if !ok {
			return
		}
		presets = append(presets, Preset{
			Name:        lua.LVAsString(entry.RawGetString("name")),
			Description: lua.LVAsString(entry.RawGetString("description")),
		})
	})

	return presets, nil
}

func registerAccumulatorType(L *lua.LState) {
	mt := L.NewTypeMetatable(accumulatorTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), accumulatorMethods))
}

var accumulatorMethods = map[string]lua.LGFunction{
	"arg":            accArg,
	"get_device_id":  accGetDeviceID,
	"get_next_bus":   accGetNextBus,
	"get_counter":    accGetCounter,
}

// checkAccumulator upgrades the accumulator argument's weak handle, failing
// cleanly (an ordinary Lua argument error, not a panic) both when the
// argument isn't an accumulator at all and when it is one whose builder has
// already been dropped — e.g. a script calling a captured accumulator
// method after its build_command invocation has returned.
func checkAccumulator(L *lua.LState) *Builder {
	ud := L.CheckUserData(1)
	ptr, ok := ud.Value.(weak.Pointer[Builder])
	if !ok {
		L.ArgError(1, "builder expected")
		return nil
	}
	b := ptr.Value()
	if b == nil {
		L.RaiseError("accumulator used after its build_command call returned")
		return nil
	}
	return b
}

func accArg(L *lua.LState) int {
	b := checkAccumulator(L)
	n := L.GetTop()
	vals := make([]string, 0, n-1)
	for i := 2; i <= n; i++ {
		vals = append(vals, L.CheckString(i))
	}
	b.addArgs(vals)
	return 0
}

func accGetDeviceID(L *lua.LState) int {
	b := checkAccumulator(L)
	deviceType := L.CheckString(2)
	if id, ok := b.deviceIDs[deviceType]; ok {
		L.Push(lua.LString(id))
	} else {
		L.Push(lua.LNil)
	}
	return 1
}

func accGetNextBus(L *lua.LState) int {
	b := checkAccumulator(L)
	name := L.CheckString(2)
	L.Push(lua.LString(b.nextBus(name)))
	return 1
}

func accGetCounter(L *lua.LState) int {
	b := checkAccumulator(L)
	name := L.CheckString(2)
	start := uint64(0)
	if L.GetTop() >= 3 {
		start = uint64(L.CheckInt64(3))
	}
	L.Push(lua.LNumber(b.counter(name, start)))
	return 1
}

func configToLua(L *lua.LState, cfg config.InstanceConfig) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "name", lua.LString(cfg.Name))
	L.SetField(t, "arch", lua.LString(cfg.Arch))
	L.SetField(t, "chipset", lua.LString(cfg.Chipset))
	L.SetField(t, "kvm", lua.LBool(cfg.KVM))
	L.SetField(t, "memory", lua.LNumber(cfg.Memory))

	cpu := L.NewTable()
	L.SetField(cpu, "amount", lua.LNumber(cfg.CPU.Amount))
	L.SetField(cpu, "sockets", lua.LNumber(cfg.CPU.Sockets))
	L.SetField(cpu, "dies", lua.LNumber(cfg.CPU.Dies))
	L.SetField(cpu, "cores", lua.LNumber(cfg.CPU.Cores))
	L.SetField(cpu, "threads", lua.LNumber(cfg.CPU.Threads))
	L.SetField(t, "cpu", cpu)

	disks := L.NewTable()
	for _, d := range cfg.Disks {
		disk := L.NewTable()
		L.SetField(disk, "path", lua.LString(d.Path))
		L.SetField(disk, "type", lua.LString(string(d.Driver)))
		L.SetField(disk, "preset", lua.LString(d.Preset))
		L.SetField(disk, "read_only", lua.LBool(d.ReadOnly))
		disks.Append(disk)
	}
	L.SetField(t, "disks", disks)

	L.SetField(t, "uefi", boolTable(L, cfg.UEFI.Enabled))

	vfios := L.NewTable()
	for _, v := range cfg.VFIO {
		dev := L.NewTable()
		if v.Address != nil {
			L.SetField(dev, "address", lua.LString(v.Address.String()))
		}
		if v.Vendor != nil {
			L.SetField(dev, "vendor", lua.LNumber(*v.Vendor))
		}
		if v.Device != nil {
			L.SetField(dev, "device", lua.LNumber(*v.Device))
		}
		L.SetField(dev, "index", lua.LNumber(v.Index))
		L.SetField(dev, "graphics", lua.LBool(v.Graphics))
		L.SetField(dev, "multifunction", lua.LBool(v.Multifunction))
		vfios.Append(dev)
	}
	L.SetField(t, "vfio", vfios)

	lg := L.NewTable()
	L.SetField(lg, "enabled", lua.LBool(cfg.LookingGlass.Enabled))
	L.SetField(lg, "mem_path", lua.LString(cfg.LookingGlass.MemPath))
	L.SetField(lg, "buffer_size", lua.LNumber(cfg.LookingGlass.BufferSize))
	L.SetField(t, "looking_glass", lg)

	scream := L.NewTable()
	L.SetField(scream, "enabled", lua.LBool(cfg.Scream.Enabled))
	L.SetField(scream, "mem_path", lua.LString(cfg.Scream.MemPath))
	L.SetField(scream, "buffer_size", lua.LNumber(cfg.Scream.BufferSize))
	L.SetField(t, "scream", scream)

	spice := L.NewTable()
	L.SetField(spice, "enabled", lua.LBool(cfg.Spice.Enabled))
	L.SetField(spice, "socket_path", lua.LString(cfg.Spice.SocketPath))
	L.SetField(t, "spice", spice)

	pulse := L.NewTable()
	L.SetField(pulse, "enabled", lua.LBool(cfg.Pulse.Enabled))
	L.SetField(pulse, "socket", lua.LString(cfg.Pulse.Socket))
	L.SetField(t, "pulse", pulse)

	return t
}

func boolTable(L *lua.LState, enabled bool) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "enabled", lua.LBool(enabled))
	return t
}
