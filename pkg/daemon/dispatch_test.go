// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package daemon

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/the-eater/vore/pkg/config"
	"github.com/the-eater/vore/pkg/persist"
	"github.com/the-eater/vore/pkg/rpc"
)

func newTestDaemon(t *testing.T) (*Daemon, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	d := New("", config.GlobalConfig{}, persist.New(t.TempDir()), logrus.New())
	idx := d.allocSlot(slot{
		conn:   server,
		writer: bufio.NewWriter(server),
	})
	if idx != 0 {
		t.Fatalf("expected slot 0, got %d", idx)
	}
	return d, client
}

func roundTrip(t *testing.T, d *Daemon, client net.Conn, query string, payload interface{}) map[string]interface{} {
	t.Helper()

	reqMap := map[string]interface{}{"id": 1, "query": query}
	if m, ok := payload.(map[string]interface{}); ok {
		for k, v := range m {
			reqMap[k] = v
		}
	}
	line, err := json.Marshal(reqMap)
	if err != nil {
		t.Fatal(err)
	}

	env, err := rpc.ParseEnvelope(line)
	if err != nil {
		t.Fatal(err)
	}
	go d.dispatch(command{slotIndex: 0, envelope: env, line: line})

	respLine, err := bufio.NewReader(client).ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(respLine)), &out); err != nil {
		t.Fatalf("Unmarshal response: %v", err)
	}
	return out
}

func TestHandleInfo(t *testing.T) {
	d, client := newTestDaemon(t)
	out := roundTrip(t, d, client, "info", nil)
	if out["answer"] != "info" {
		t.Fatalf("unexpected response: %v", out)
	}
	if out["name"] != "vored" {
		t.Fatalf("expected daemon name vored, got %v", out["name"])
	}
}

func TestHandleStartNoSuchMachine(t *testing.T) {
	d, client := newTestDaemon(t)
	out := roundTrip(t, d, client, "start", map[string]interface{}{"name": "ghost"})
	if out["error"] != "No machine with the name ghost exists" {
		t.Fatalf("unexpected error message: %v", out)
	}
}

func TestHandleLoadThenList(t *testing.T) {
	d, client := newTestDaemon(t)

	toml := `
[machine]
name = "test-vm"
`
	out := roundTrip(t, d, client, "load", map[string]interface{}{"toml": toml})
	if out["answer"] != "load" {
		t.Fatalf("unexpected load response: %v", out)
	}

	if _, ok := d.machines["test-vm"]; !ok {
		t.Fatal("expected test-vm to be registered")
	}

	out = roundTrip(t, d, client, "list", nil)
	if out["answer"] != "list" {
		t.Fatalf("unexpected list response: %v", out)
	}
	items, ok := out["items"].([]interface{})
	if !ok || len(items) != 1 {
		t.Fatalf("expected exactly one listed machine: %v", out)
	}
	item, _ := items[0].(map[string]interface{})
	if item["name"] != "test-vm" || item["state"] != "loaded" {
		t.Fatalf("unexpected listed machine: %v", items[0])
	}
}

func TestHandleLoadSurfacesParserErrorVerbatim(t *testing.T) {
	d, client := newTestDaemon(t)
	out := roundTrip(t, d, client, "load", map[string]interface{}{"toml": "not valid toml [[["})
	errMsg, ok := out["error"].(string)
	if !ok || errMsg == "" {
		t.Fatalf("expected a parser error, got %v", out)
	}
}

func TestHandleDiskPresets(t *testing.T) {
	d, client := newTestDaemon(t)
	out := roundTrip(t, d, client, "disk_presets", nil)
	if out["answer"] != "disk_presets" {
		t.Fatalf("unexpected response: %v", out)
	}
	presets, ok := out["presets"].([]interface{})
	if !ok || len(presets) == 0 {
		t.Fatalf("expected at least one preset: %v", out)
	}
}
