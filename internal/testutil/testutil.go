// Package testutil provides the in-process fake scheduler and worker
// cluster helpers used by worker package tests.
package testutil

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jabolina/dask-worker/address"
	"github.com/jabolina/dask-worker/transport"
)

// FakeScheduler answers register/unregister/who_has and records every
// message pushed over a worker's compute-stream connection, standing in
// for the real Dask scheduler in tests.
type FakeScheduler struct {
	ln net.Listener

	mu       sync.Mutex
	whoHas   map[string][]string
	pushed   []transport.Message
	notify   chan transport.Message
	closed   bool
}

// NewFakeScheduler starts listening on an ephemeral port.
func NewFakeScheduler() (*FakeScheduler, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &FakeScheduler{
		ln:     ln,
		whoHas: make(map[string][]string),
		notify: make(chan transport.Message, 64),
	}
	go s.acceptLoop()
	return s, nil
}

// Addr is the address workers should register against.
func (s *FakeScheduler) Addr() address.Address {
	tcpAddr := s.ln.Addr().(*net.TCPAddr)
	return address.Address{Scheme: address.DefaultScheme, Host: tcpAddr.IP.String(), Port: tcpAddr.Port}
}

// SetWhoHas seeds the reply this scheduler gives for a who_has lookup.
func (s *FakeScheduler) SetWhoHas(key string, addrs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.whoHas[key] = addrs
}

// Pushed returns every message a worker has pushed over its compute-stream
// so far (task-finished, task-erred, ...), plus every unregister request.
func (s *FakeScheduler) Pushed() []transport.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.Message, len(s.pushed))
	copy(out, s.pushed)
	return out
}

// WaitFor blocks until a pushed message with the given op arrives or the
// timeout elapses, returning the message and whether it was found.
func (s *FakeScheduler) WaitFor(op string, timeout time.Duration) (transport.Message, bool) {
	deadline := time.After(timeout)
	for _, m := range s.Pushed() {
		if m.Op() == op {
			return m, true
		}
	}
	for {
		select {
		case m := <-s.notify:
			if m.Op() == op {
				return m, true
			}
		case <-deadline:
			return nil, false
		}
	}
}

func (s *FakeScheduler) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(transport.NewConn(conn))
	}
}

func (s *FakeScheduler) handle(conn *transport.Conn) {
	defer conn.Close()
	streaming := false
	for {
		batch, err := conn.ReadBatch()
		if err != nil {
			return
		}
		for _, msg := range batch {
			if streaming {
				s.record(msg)
				continue
			}
			switch msg.Op() {
			case "register":
				_ = conn.Write(transport.Message{"status": "OK"})
			case "unregister":
				s.record(msg)
				_ = conn.Write(transport.Message{"status": "OK"})
			case "who_has":
				s.mu.Lock()
				reply := transport.Message{}
				if keys, ok := msg["keys"].([]interface{}); ok {
					for _, k := range keys {
						key, _ := k.(string)
						addrs := s.whoHas[key]
						ifaces := make([]interface{}, len(addrs))
						for i, a := range addrs {
							ifaces[i] = a
						}
						reply[key] = ifaces
					}
				}
				s.mu.Unlock()
				_ = conn.Write(reply)
			case "compute-stream":
				streaming = true
			default:
				_ = conn.Write(transport.Message{"status": "OK"})
			}
		}
	}
}

func (s *FakeScheduler) record(m transport.Message) {
	s.mu.Lock()
	s.pushed = append(s.pushed, m)
	s.mu.Unlock()
	select {
	case s.notify <- m:
	default:
	}
}

// Close stops accepting new connections.
func (s *FakeScheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.ln.Close()
}

// FreeAddr returns a loopback address.Address bound to an ephemeral port,
// released immediately for a worker to bind instead.
func FreeAddr() (address.Address, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return address.Address{}, err
	}
	defer ln.Close()
	tcpAddr := ln.Addr().(*net.TCPAddr)
	return address.Address{Scheme: address.DefaultScheme, Host: tcpAddr.IP.String(), Port: tcpAddr.Port}, nil
}

// WaitThisOrTimeout runs cb in its own goroutine, reporting whether it
// finished before duration elapsed.
func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan bool, 1)
	go func() {
		cb()
		done <- true
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}

// DialTimeout is a small retry helper for connecting to a worker's
// listener right after Start, since the accept loop spins up
// asynchronously.
func DialTimeout(addr address.Address, timeout time.Duration) (*transport.Conn, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := transport.Dial(addr.HostPort())
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(5 * time.Millisecond)
	}
	return nil, fmt.Errorf("testutil: dial %s: %w", addr, lastErr)
}
