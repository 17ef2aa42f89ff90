// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package qmp is a small, synchronous client for QEMU's QMP control socket.
//
// Unlike govmm/qemu's QMP type, which runs a dedicated goroutine per
// connection and ferries commands and events across channels, vored only
// ever has one in-flight command per machine at a time: the daemon's event
// loop is itself single-threaded (see pkg/daemon), so a mutex-guarded,
// request/response client is sufficient and avoids a second goroutine (and
// its shutdown dance) per running instance.
package qmp

import (
	"bufio"
	"encoding/json"
	stderrors "errors"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/the-eater/vore/pkg/rpc"
)

// Event is a QMP event line, e.g. STOP, RESUME or SHUTDOWN.
type Event struct {
	Name      string
	Data      map[string]interface{}
	Timestamp time.Time
}

// EventHandler is invoked synchronously, under the client's lock, whenever
// an event line is read off the wire while waiting for a command's reply.
type EventHandler func(Event)

// Version is the greeting banner QEMU sends on connect.
type Version struct {
	Major        int
	Minor        int
	Micro        int
	Capabilities []string
}

// Client is a synchronous QMP client for a single QEMU instance.
type Client struct {
	mu      sync.Mutex
	conn    io.ReadWriteCloser
	reader  *bufio.Reader
	pollBuf rpc.LineReader
	logger  logrus.FieldLogger
	onEvent EventHandler
	version Version
	closed  bool
}

type greeting struct {
	QMP struct {
		Version struct {
			Qemu struct {
				Major int `json:"major"`
				Minor int `json:"minor"`
				Micro int `json:"micro"`
			} `json:"qemu"`
		} `json:"version"`
		Capabilities []string `json:"capabilities"`
	} `json:"QMP"`
}

// Connect performs the QMP handshake over conn: reading the greeting banner
// and issuing qmp_capabilities, per the protocol documented in QEMU's
// docs/interop/qmp-spec.txt and exercised by govmm/qemu's qmpStart.
func Connect(conn io.ReadWriteCloser, logger logrus.FieldLogger, onEvent EventHandler) (*Client, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	c := &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		logger:  logger,
		onEvent: onEvent,
	}

	line, err := c.readLine()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read QMP greeting")
	}

	var g greeting
	if err := json.Unmarshal(line, &g); err != nil {
		return nil, errors.Wrap(err, "failed to decode QMP greeting")
	}

	c.version = Version{
		Major:        g.QMP.Version.Qemu.Major,
		Minor:        g.QMP.Version.Qemu.Minor,
		Micro:        g.QMP.Version.Qemu.Micro,
		Capabilities: g.QMP.Capabilities,
	}

	if _, err := c.Execute("qmp_capabilities", nil); err != nil {
		return nil, errors.Wrap(err, "qmp_capabilities negotiation failed")
	}

	return c, nil
}

// Version returns the QEMU version reported in the greeting banner.
func (c *Client) Version() Version {
	return c.version
}

func (c *Client) readLine() ([]byte, error) {
	line, err := c.reader.ReadBytes('\n')
	if len(line) == 0 {
		return nil, err
	}
	return line, nil
}

// Execute sends a single QMP command and blocks for its response, dispatching
// any events observed in the meantime to the client's EventHandler.
func (c *Client) Execute(name string, args map[string]interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.New("qmp: client is closed")
	}

	cmd := map[string]interface{}{"execute": name}
	if args != nil {
		cmd["arguments"] = args
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode QMP command %q", name)
	}
	payload = append(payload, '\n')

	if _, err := c.conn.Write(payload); err != nil {
		return nil, errors.Wrapf(err, "failed to send QMP command %q", name)
	}

	for {
		line, err := c.readLine()
		if err != nil {
			return nil, errors.Wrapf(err, "failed waiting for a response to %q", name)
		}

		var msg map[string]json.RawMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warnf("qmp: ignoring unparsable line: %s", line)
			continue
		}

		if rawEvent, ok := msg["event"]; ok {
			c.dispatchEvent(rawEvent, msg)
			continue
		}

		if result, ok := msg["return"]; ok {
			return result, nil
		}

		if errData, ok := msg["error"]; ok {
			return nil, errors.Errorf("QMP command %q failed: %s", name, errData)
		}
	}
}

// Poll processes data as raw bytes already read off the wire by a caller
// doing its own non-blocking read of the underlying descriptor (see
// pkg/vm.Machine.Boop): it splits them into lines and dispatches any event
// objects found via the client's EventHandler. It never touches the wire
// itself and sends no command, matching spec.md's description of the
// daemon's "Machine control" poll target as a non-blocking nop. Under
// vored's single-threaded event loop this only ever runs between Execute
// calls, so any bytes sitting on the socket at poll time are necessarily
// spontaneous events rather than a response Execute is still waiting on.
func (c *Client) Poll(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("qmp: client is closed")
	}

	for _, line := range c.pollBuf.Feed(data) {
		var msg map[string]json.RawMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warnf("qmp: ignoring unparsable line during poll: %s", line)
			continue
		}
		if rawEvent, ok := msg["event"]; ok {
			c.dispatchEvent(rawEvent, msg)
		}
	}
	return nil
}

func (c *Client) dispatchEvent(rawName json.RawMessage, msg map[string]json.RawMessage) {
	if c.onEvent == nil {
		return
	}

	var name string
	if err := json.Unmarshal(rawName, &name); err != nil {
		return
	}

	ev := Event{Name: name}
	if rawData, ok := msg["data"]; ok {
		_ = json.Unmarshal(rawData, &ev.Data)
	}
	if rawTimestamp, ok := msg["timestamp"]; ok {
		var ts struct {
			Seconds      int64 `json:"seconds"`
			Microseconds int64 `json:"microseconds"`
		}
		if err := json.Unmarshal(rawTimestamp, &ts); err == nil {
			ev.Timestamp = time.Unix(ts.Seconds, ts.Microseconds*1000)
		}
	}

	c.onEvent(ev)
}

// Cont resumes a stopped guest (the QMP "cont" command).
func (c *Client) Cont() error {
	_, err := c.Execute("cont", nil)
	return err
}

// Stop pauses a running guest (the QMP "stop" command).
func (c *Client) Stop() error {
	_, err := c.Execute("stop", nil)
	return err
}

// SystemPowerdown requests an ACPI shutdown of the guest.
func (c *Client) SystemPowerdown() error {
	_, err := c.Execute("system_powerdown", nil)
	return err
}

// Quit asks QEMU to exit immediately. QEMU typically closes the connection
// before writing a reply, so an EOF here is the expected, successful case:
// the alternative would be to race a process-exit waitpid against a QMP read
// that will never complete.
func (c *Client) Quit() error {
	_, err := c.Execute("quit", nil)
	if err != nil && isConnClosed(err) {
		return nil
	}
	return err
}

func isConnClosed(err error) bool {
	return stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrClosedPipe)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
