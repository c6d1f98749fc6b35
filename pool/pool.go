// Package pool implements a bounded, address-keyed connection pool.
package pool

import (
	"fmt"
	"sync"

	"github.com/jabolina/dask-worker/address"
	"github.com/jabolina/dask-worker/transport"
)

// DefaultMaxTotal and DefaultMaxPerAddress are conservative defaults; the
// worker itself bounds concurrent fetches with total_connections
// separately, this pool only bounds idle-connection reuse.
const (
	DefaultMaxTotal      = 50
	DefaultMaxPerAddress = 8
)

// Pool caches idle connections per peer address.
type Pool struct {
	maxTotal      int
	maxPerAddress int

	mu    sync.Mutex
	idle  map[address.Address][]*transport.Conn
	total int
	closed bool
}

// New builds a Pool. Zero limits fall back to the package defaults.
func New(maxTotal, maxPerAddress int) *Pool {
	if maxTotal <= 0 {
		maxTotal = DefaultMaxTotal
	}
	if maxPerAddress <= 0 {
		maxPerAddress = DefaultMaxPerAddress
	}
	return &Pool{
		maxTotal:      maxTotal,
		maxPerAddress: maxPerAddress,
		idle:          make(map[address.Address][]*transport.Conn),
	}
}

// Acquire returns an idle connection to addr if one exists, else dials a
// new one.
func (p *Pool) Acquire(addr address.Address) (*transport.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: closed")
	}
	bucket := p.idle[addr]
	if len(bucket) > 0 {
		conn := bucket[len(bucket)-1]
		p.idle[addr] = bucket[:len(bucket)-1]
		p.total--
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	return transport.Dial(addr.HostPort())
}

// Release returns conn to the idle set for addr, or closes it if the pool
// is at or over capacity for that address or in aggregate, or if broken is
// true (a connection that errored must never be handed back out).
func (p *Pool) Release(addr address.Address, conn *transport.Conn, broken bool) {
	if broken {
		_ = conn.Close()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = conn.Close()
		return
	}

	bucket := p.idle[addr]
	if len(bucket) >= p.maxPerAddress || p.total >= p.maxTotal {
		_ = conn.Close()
		return
	}

	p.idle[addr] = append(bucket, conn)
	p.total++
}

// Close closes every idle connection and rejects further Acquire calls.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var firstErr error
	for addr, bucket := range p.idle {
		for _, conn := range bucket {
			if err := conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(p.idle, addr)
	}
	p.total = 0
	return firstErr
}
