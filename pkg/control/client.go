package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/butter-bot-machines/corral/pkg/errors"
)

// DefaultDialTimeout bounds connecting to the daemon
const DefaultDialTimeout = 2 * time.Second

// Client talks to a daemon over its control socket. One connection is
// opened lazily and reused for every request.
type Client struct {
	path string

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewClient creates a client for the socket at path
func NewClient(path string) *Client {
	return &Client{path: path}
}

// Do implements Doer
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.dial(ctx); err != nil {
			return Response{}, err
		}
	}

	// A zero deadline clears the previous one
	deadline, _ := ctx.Deadline()
	c.conn.SetDeadline(deadline)

	resp, err := c.roundTrip(req)
	if err != nil {
		c.closeLocked()
		return Response{}, errors.Unavailable.Wrap(err, "talking to daemon at %s", c.path)
	}
	return resp, nil
}

func (c *Client) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "unix", c.path)
	if err != nil {
		return errors.Unavailable.Wrap(err, "daemon not reachable at %s", c.path)
	}
	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, 64*1024)
	return nil
}

func (c *Client) roundTrip(req Request) (Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return Response{}, err
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// Close releases the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}
