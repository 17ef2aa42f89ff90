// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package qmp

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"
)

const testGreeting = `{"QMP": {"version": {"qemu": {"micro": 0, "minor": 2, "major": 8}, "package": ""}, "capabilities": ["oob"]}}` + "\n"

// fakeServer plays the QEMU side of the wire: it replies "return":{} to
// qmp_capabilities and defers everything else to a handler.
func fakeServer(t *testing.T, conn net.Conn, handle func(r *bufio.Reader, w net.Conn)) {
	t.Helper()
	go func() {
		if _, err := conn.Write([]byte(testGreeting)); err != nil {
			return
		}
		r := bufio.NewReader(conn)

		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		var cmd map[string]interface{}
		_ = json.Unmarshal(line, &cmd)
		if cmd["execute"] != "qmp_capabilities" {
			t.Errorf("expected qmp_capabilities first, got %v", cmd["execute"])
		}
		conn.Write([]byte(`{"return": {}}` + "\n"))

		if handle != nil {
			handle(r, conn)
		}
	}()
}

func dialClient(t *testing.T, handle func(r *bufio.Reader, w net.Conn), onEvent EventHandler) *Client {
	t.Helper()
	client, server := net.Pipe()
	fakeServer(t, server, handle)

	c, err := Connect(client, nil, onEvent)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c
}

func TestConnectNegotiatesCapabilities(t *testing.T) {
	c := dialClient(t, nil, nil)
	defer c.Close()

	v := c.Version()
	if v.Major != 8 || v.Minor != 2 {
		t.Fatalf("unexpected version: %+v", v)
	}
}

func TestExecuteReturnsResult(t *testing.T) {
	c := dialClient(t, func(r *bufio.Reader, w net.Conn) {
		line, _ := r.ReadBytes('\n')
		var cmd map[string]interface{}
		_ = json.Unmarshal(line, &cmd)
		if cmd["execute"] != "query-status" {
			t.Errorf("expected query-status, got %v", cmd["execute"])
		}
		w.Write([]byte(`{"return": {"running": true, "status": "running"}}` + "\n"))
	}, nil)
	defer c.Close()

	result, err := c.Execute("query-status", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var status struct {
		Running bool   `json:"running"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(result, &status); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !status.Running || status.Status != "running" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestExecuteSurfacesError(t *testing.T) {
	c := dialClient(t, func(r *bufio.Reader, w net.Conn) {
		r.ReadBytes('\n')
		w.Write([]byte(`{"error": {"class": "GenericError", "desc": "boom"}}` + "\n"))
	}, nil)
	defer c.Close()

	_, err := c.Execute("cont", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestEventsAreDispatchedWhileWaitingForAResponse(t *testing.T) {
	events := make(chan Event, 1)
	c := dialClient(t, func(r *bufio.Reader, w net.Conn) {
		r.ReadBytes('\n')
		w.Write([]byte(`{"event": "STOP", "timestamp": {"seconds": 1, "microseconds": 0}}` + "\n"))
		w.Write([]byte(`{"return": {}}` + "\n"))
	}, func(ev Event) {
		events <- ev
	})
	defer c.Close()

	if _, err := c.Execute("stop", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Name != "STOP" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the STOP event")
	}
}

func TestQuitTreatsConnectionCloseAsSuccess(t *testing.T) {
	c := dialClient(t, func(r *bufio.Reader, w net.Conn) {
		r.ReadBytes('\n')
		w.Close()
	}, nil)
	defer c.Close()

	if err := c.Quit(); err != nil {
		t.Fatalf("Quit: %v", err)
	}
}
