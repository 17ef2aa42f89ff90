// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package rpc

import (
	"bufio"
	"encoding/json"
	"net"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Client is a synchronous RPC client over a single control-socket
// connection, used by cmd/vore.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	nextID uint64
}

// NewClient wraps an already-dialed connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, reader: bufio.NewReader(conn)}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends req and blocks for its statically paired response, per
// vore-core's Request::Response associated-type pairing, expressed here via
// a type parameter instead of a trait.
func Call[Req Request, Resp Response](c *Client, req Req) (Resp, error) {
	var zero Resp

	id := atomic.AddUint64(&c.nextID, 1) - 1
	line, err := EncodeRequest(id, req)
	if err != nil {
		return zero, err
	}
	line = append(line, '\n')

	if _, err := c.conn.Write(line); err != nil {
		return zero, errors.Wrapf(err, "failed to send %q request", req.Query())
	}

	respLine, err := ReadLine(c.reader)
	if err != nil {
		return zero, errors.Wrapf(err, "failed waiting for a response to %q", req.Query())
	}

	env, err := ParseEnvelope(respLine)
	if err != nil {
		return zero, err
	}
	if env.ID != id {
		return zero, errors.Errorf("rpc: response id %d does not match request id %d", env.ID, id)
	}
	if env.Error != "" {
		return zero, errors.New(env.Error)
	}

	if err := json.Unmarshal(respLine, &zero); err != nil {
		return zero, errors.Wrapf(err, "failed to decode %q response", req.Query())
	}

	return zero, nil
}
