// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package rpc

import "github.com/the-eater/vore/pkg/config"

// VirtualMachineInfo is the RPC-facing snapshot of one managed machine, per
// spec.md's "info" operation.
type VirtualMachineInfo struct {
	Name             string               `json:"name"`
	WorkingDirectory string               `json:"working_directory"`
	Config           config.InstanceConfig `json:"config"`
	State            string               `json:"state"`
}

// DiskPreset is one entry of the command builder's registered disk presets.
type DiskPreset struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// InfoRequest asks for the daemon's name and version.
type InfoRequest struct{}

func (InfoRequest) Query() string { return "info" }

// InfoResponse carries the daemon's identity.
type InfoResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (InfoResponse) Answer() string { return "info" }

// ListRequest asks for a snapshot of every loaded machine.
type ListRequest struct{}

func (ListRequest) Query() string { return "list" }

// ListResponse carries one VirtualMachineInfo per loaded machine.
type ListResponse struct {
	Items []VirtualMachineInfo `json:"items"`
}

func (ListResponse) Answer() string { return "list" }

// LoadRequest registers a new machine definition with the daemon.
type LoadRequest struct {
	TOML             string   `json:"toml"`
	CDROMs           []string `json:"cdroms,omitempty"`
	Save             bool     `json:"save,omitempty"`
	WorkingDirectory *string  `json:"working_directory,omitempty"`
}

func (LoadRequest) Query() string { return "load" }

// LoadResponse carries the freshly loaded machine's info.
type LoadResponse struct {
	Info VirtualMachineInfo `json:"info"`
}

func (LoadResponse) Answer() string { return "load" }

// PrepareRequest runs host-side preparation for a machine without starting it.
type PrepareRequest struct {
	Name   string   `json:"name"`
	CDROMs []string `json:"cdroms,omitempty"`
}

func (PrepareRequest) Query() string { return "prepare" }

// PrepareResponse is empty on success.
type PrepareResponse struct{}

func (PrepareResponse) Answer() string { return "prepare" }

// StartRequest prepares (if needed) and starts a machine.
type StartRequest struct {
	Name   string   `json:"name"`
	CDROMs []string `json:"cdroms,omitempty"`
}

func (StartRequest) Query() string { return "start" }

// StartResponse is empty on success.
type StartResponse struct{}

func (StartResponse) Answer() string { return "start" }

// StopRequest requests a graceful ACPI shutdown of a running machine.
type StopRequest struct {
	Name string `json:"name"`
}

func (StopRequest) Query() string { return "stop" }

// StopResponse is empty on success.
type StopResponse struct{}

func (StopResponse) Answer() string { return "stop" }

// KillRequest forcibly terminates a machine's hypervisor process.
type KillRequest struct {
	Name string `json:"name"`
}

func (KillRequest) Query() string { return "kill" }

// KillResponse is empty on success.
type KillResponse struct{}

func (KillResponse) Answer() string { return "kill" }

// UnloadRequest removes a non-running machine from the daemon's in-memory
// machine table. A definition saved on disk is left in place.
type UnloadRequest struct {
	Name string `json:"name"`
}

func (UnloadRequest) Query() string { return "unload" }

// UnloadResponse is empty on success.
type UnloadResponse struct{}

func (UnloadResponse) Answer() string { return "unload" }

// DiskPresetsRequest asks the daemon to list the command builder's disk presets.
type DiskPresetsRequest struct{}

func (DiskPresetsRequest) Query() string { return "disk_presets" }

// DiskPresetsResponse carries the registered disk presets.
type DiskPresetsResponse struct {
	Presets []DiskPreset `json:"presets"`
}

func (DiskPresetsResponse) Answer() string { return "disk_presets" }
