// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"grimm.is/bricks/internal/errors"
	"grimm.is/bricks/internal/filter"
	"grimm.is/bricks/internal/protocol"
)

// DefaultTimeout bounds a request when the context carries no deadline.
const DefaultTimeout = 10 * time.Second

// Client speaks the control protocol over one connection. Requests are
// serialised; a Client is safe for concurrent use.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	br   *bufio.Reader
}

// Dial connects to a control-plane listener at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "failed to connect to control plane at %s", addr)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, br: bufio.NewReader(conn)}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// Do sends req and returns the response. A non-OK status is returned as
// an error of the matching kind alongside the response.
func (c *Client) Do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	frame, err := protocol.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	if _, err := c.conn.Write(frame); err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "send request")
	}
	resp, err := protocol.ReadResponse(c.br)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "read response")
	}
	return resp, resp.Err()
}

// Insert installs rec and returns its ID.
func (c *Client) Insert(ctx context.Context, rec *filter.Record) (uint64, error) {
	resp, err := c.Do(ctx, protocol.NewRequest(protocol.OpInsert, rec))
	if err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// Modify replaces filter id with rec. With id 0 the filter is addressed
// by rec's key.
func (c *Client) Modify(ctx context.Context, id uint64, rec *filter.Record) (uint64, error) {
	req := protocol.NewRequest(protocol.OpModify, rec)
	req.Params.ID = id
	resp, err := c.Do(ctx, req)
	if err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// Delete removes filter id.
func (c *Client) Delete(ctx context.Context, id uint64) error {
	_, err := c.Do(ctx, idRequest(protocol.OpDelete, id))
	return err
}

// DeleteKey removes the filter with rec's key and returns its ID.
func (c *Client) DeleteKey(ctx context.Context, rec *filter.Record) (uint64, error) {
	resp, err := c.Do(ctx, protocol.NewRequest(protocol.OpDelete, rec))
	if err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// Stats returns the counters of filter id.
func (c *Client) Stats(ctx context.Context, id uint64) (filter.Counters, error) {
	resp, err := c.Do(ctx, idRequest(protocol.OpStats, id))
	if err != nil {
		return filter.Counters{}, err
	}
	if resp.Stats == nil {
		return filter.Counters{}, errors.New(errors.KindMalformed, "stats response without counters")
	}
	return *resp.Stats, nil
}

// idRequest addresses a filter by ID only. Header fields still have to
// decode, so the catch-all variant is sent.
func idRequest(op protocol.Op, id uint64) *protocol.Request {
	return &protocol.Request{
		Op:     op,
		Type:   filter.TypeNone,
		Target: filter.TargetDrop,
		Params: protocol.Params{ID: id},
	}
}
