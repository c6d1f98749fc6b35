// Package rpcclient implements the one-shot request/reply call used to
// talk to the scheduler and to peers: a message is written on a new or
// pooled connection and the next frame-group read back is treated as the
// reply.
package rpcclient

import (
	"fmt"

	"github.com/jabolina/dask-worker/address"
	"github.com/jabolina/dask-worker/pool"
	"github.com/jabolina/dask-worker/transport"
)

// Client issues request/reply RPCs, reusing connections through a Pool
// when one is supplied.
type Client struct {
	pool *pool.Pool
}

// New builds a Client. p may be nil, in which case every call dials a
// fresh connection and closes it afterward.
func New(p *pool.Pool) *Client {
	return &Client{pool: p}
}

// Call sends req to addr and returns the first message of the reply
// frame-group.
func (c *Client) Call(addr address.Address, req transport.Message) (transport.Message, error) {
	conn, fromPool, err := c.acquire(addr)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial %s: %w", addr, err)
	}

	broken := true
	defer func() {
		c.release(addr, conn, fromPool, broken)
	}()

	if err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("rpcclient: write to %s: %w", addr, err)
	}

	reply, err := conn.ReadBatch()
	if err != nil {
		return nil, fmt.Errorf("rpcclient: read from %s: %w", addr, err)
	}
	if len(reply) == 0 {
		return nil, fmt.Errorf("rpcclient: empty reply from %s", addr)
	}

	broken = false
	return reply[0], nil
}

func (c *Client) acquire(addr address.Address) (*transport.Conn, bool, error) {
	if c.pool == nil {
		conn, err := transport.Dial(addr.HostPort())
		return conn, false, err
	}
	conn, err := c.pool.Acquire(addr)
	return conn, true, err
}

func (c *Client) release(addr address.Address, conn *transport.Conn, fromPool, broken bool) {
	if c.pool == nil || !fromPool {
		_ = conn.Close()
		return
	}
	c.pool.Release(addr, conn, broken)
}
