// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package daemon

import (
	"encoding/json"

	"github.com/the-eater/vore/internal/version"
	"github.com/the-eater/vore/pkg/cmdbuilder"
	"github.com/the-eater/vore/pkg/config"
	"github.com/the-eater/vore/pkg/rpc"
	"github.com/the-eater/vore/pkg/vm"
)

// dispatch runs one queued command against the machine table and writes a
// single response (or error) line back to its originating connection. Per
// spec.md §4.7, a missing machine name always produces the literal message
// "No machine with the name X exists", and a failed Load surfaces the
// parser's error text verbatim rather than a daemon-wrapped message.
func (d *Daemon) dispatch(cmd command) {
	s := &d.slots[cmd.slotIndex]

	d.Metrics.RPCRequests.WithLabelValues(cmd.envelope.Query).Inc()

	resp, err := d.handle(cmd.envelope.Query, cmd.line)
	if err != nil {
		d.Metrics.RPCErrors.WithLabelValues(cmd.envelope.Query).Inc()
		line, encErr := rpc.EncodeError(cmd.envelope.ID, err.Error())
		d.writeLine(s, line, encErr)
		return
	}

	line, encErr := rpc.EncodeResponse(cmd.envelope.ID, resp)
	d.writeLine(s, line, encErr)
}

func (d *Daemon) writeLine(s *slot, line []byte, err error) {
	if err != nil {
		d.Logger.Errorf("failed to encode rpc response: %v", err)
		return
	}
	line = append(line, '\n')
	if _, werr := s.writer.Write(line); werr != nil {
		d.Logger.Warnf("failed to write rpc response: %v", werr)
		return
	}
	if werr := s.writer.Flush(); werr != nil {
		d.Logger.Warnf("failed to flush rpc response: %v", werr)
	}
}

func (d *Daemon) handle(query string, line []byte) (rpc.Response, error) {
	switch query {
	case "info":
		return d.handleInfo()
	case "list":
		return d.handleList()
	case "load":
		var req rpc.LoadRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, err
		}
		return d.handleLoad(req)
	case "prepare":
		var req rpc.PrepareRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, err
		}
		return d.handlePrepare(req)
	case "start":
		var req rpc.StartRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, err
		}
		return d.handleStart(req)
	case "stop":
		var req rpc.StopRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, err
		}
		return d.handleStop(req)
	case "kill":
		var req rpc.KillRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, err
		}
		return d.handleKill(req)
	case "unload":
		var req rpc.UnloadRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, err
		}
		return d.handleUnload(req)
	case "disk_presets":
		return d.handleDiskPresets()
	default:
		return nil, unknownQueryError(query)
	}
}

type unknownQueryError string

func (e unknownQueryError) Error() string { return "unknown rpc query " + string(e) }

func noSuchMachineError(name string) error {
	return noSuchMachine(name)
}

type noSuchMachine string

func (e noSuchMachine) Error() string {
	return "No machine with the name " + string(e) + " exists"
}

func (d *Daemon) handleInfo() (rpc.Response, error) {
	return rpc.InfoResponse{Name: version.Name, Version: version.Semver}, nil
}

func (d *Daemon) handleList() (rpc.Response, error) {
	items := make([]rpc.VirtualMachineInfo, 0, len(d.machines))
	for _, m := range d.machines {
		items = append(items, toVMInfo(m.Info()))
	}
	return rpc.ListResponse{Items: items}, nil
}

func toVMInfo(info vm.Info) rpc.VirtualMachineInfo {
	return rpc.VirtualMachineInfo{
		Name:             info.Name,
		WorkingDirectory: info.WorkingDirectory,
		Config:           info.Config,
		State:            string(info.State),
	}
}

func (d *Daemon) handleLoad(req rpc.LoadRequest) (rpc.Response, error) {
	cfg, err := config.ParseInstanceConfig(req.TOML)
	if err != nil {
		return nil, err
	}

	workDir := d.Store.InstanceDir(cfg.Name)
	if req.WorkingDirectory != nil {
		workDir = *req.WorkingDirectory
	}

	m := vm.New(cfg.Name, workDir, cfg, &d.Global, d.Logger.WithField("machine", cfg.Name))
	if len(req.CDROMs) > 0 {
		m.SetCDROMs(req.CDROMs)
	}
	d.machines[cfg.Name] = m

	if req.Save {
		if err := d.Store.Save(cfg.Name, m.Config()); err != nil {
			return nil, err
		}
	}

	return rpc.LoadResponse{Info: toVMInfo(m.Info())}, nil
}

func (d *Daemon) handlePrepare(req rpc.PrepareRequest) (rpc.Response, error) {
	m, ok := d.machines[req.Name]
	if !ok {
		return nil, noSuchMachineError(req.Name)
	}
	if err := m.Prepare(true, false); err != nil {
		return nil, err
	}
	return rpc.PrepareResponse{}, nil
}

func (d *Daemon) handleStart(req rpc.StartRequest) (rpc.Response, error) {
	m, ok := d.machines[req.Name]
	if !ok {
		return nil, noSuchMachineError(req.Name)
	}
	if err := m.Start(d.ctx(), req.CDROMs); err != nil {
		return nil, err
	}
	// Run registers the QMP descriptors of machines auto-started before its
	// epoll set existed; an RPC-triggered start needs the same registration
	// done here, into the live set.
	d.registerMachineQMP(req.Name, m)
	return rpc.StartResponse{}, nil
}

func (d *Daemon) handleStop(req rpc.StopRequest) (rpc.Response, error) {
	m, ok := d.machines[req.Name]
	if !ok {
		return nil, noSuchMachineError(req.Name)
	}
	if err := m.Stop(); err != nil {
		return nil, err
	}
	return rpc.StopResponse{}, nil
}

func (d *Daemon) handleKill(req rpc.KillRequest) (rpc.Response, error) {
	m, ok := d.machines[req.Name]
	if !ok {
		return nil, noSuchMachineError(req.Name)
	}
	if err := m.Kill(); err != nil {
		return nil, err
	}
	return rpc.KillResponse{}, nil
}

func (d *Daemon) handleUnload(req rpc.UnloadRequest) (rpc.Response, error) {
	m, ok := d.machines[req.Name]
	if !ok {
		return nil, noSuchMachineError(req.Name)
	}
	if err := m.Unload(); err != nil {
		return nil, err
	}
	delete(d.machines, req.Name)
	return rpc.UnloadResponse{}, nil
}

func (d *Daemon) handleDiskPresets() (rpc.Response, error) {
	host, err := cmdbuilder.LoadHost(d.Global.Qemu.Script)
	if err != nil {
		return nil, err
	}
	defer host.Close()

	presets, err := host.ListPresets()
	if err != nil {
		return nil, err
	}

	out := make([]rpc.DiskPreset, 0, len(presets))
	for _, p := range presets {
		out = append(out, rpc.DiskPreset{Name: p.Name, Description: p.Description})
	}
	return rpc.DiskPresetsResponse{Presets: out}, nil
}
