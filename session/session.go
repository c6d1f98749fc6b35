// Package session implements the scheduler session: register on startup,
// hold the batched compute-stream, and unregister on close. It sends no
// periodic heartbeat.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/jabolina/dask-worker/address"
	"github.com/jabolina/dask-worker/logging"
	"github.com/jabolina/dask-worker/rpcclient"
	"github.com/jabolina/dask-worker/sender"
	"github.com/jabolina/dask-worker/transport"
)

// Status tracks the session's own lifecycle, distinct from any task or
// dependency state.
type Status int

const (
	Starting Status = iota
	Running
	Failed
)

// RegisterPayload is the register RPC request body.
type RegisterPayload struct {
	Address      string
	NCores       int
	Keys         []string
	MemoryLimit  int64
	Now          float64
	Executing    []string
	InMemory     []string
	Ready        []string
	InFlight     []string
	Services     map[string]int
}

// Session owns the scheduler connection's registration lifecycle and the
// lazily-opened batched stream used to push compute-stream updates back.
type Session struct {
	workerAddr    address.Address
	schedulerAddr address.Address
	client        *rpcclient.Client
	log           logging.Logger

	mu     sync.Mutex
	status Status
	stream *sender.BatchedSender
}

// New builds a Session bound to the given scheduler address.
func New(workerAddr, schedulerAddr address.Address, client *rpcclient.Client, log logging.Logger) *Session {
	return &Session{
		workerAddr:    workerAddr,
		schedulerAddr: schedulerAddr,
		client:        client,
		log:           log,
		status:        Starting,
	}
}

// Register sends the register RPC. Status becomes Running on an OK reply,
// Failed otherwise, a hard failure for the caller to surface.
func (s *Session) Register(payload RegisterPayload) error {
	req := transport.WithOp("register", map[string]interface{}{
		"address":      payload.Address,
		"ncores":       payload.NCores,
		"keys":         payload.Keys,
		"memory_limit": payload.MemoryLimit,
		"now":          payload.Now,
		"executing":    payload.Executing,
		"in_memory":    payload.InMemory,
		"ready":        payload.Ready,
		"in_flight":    payload.InFlight,
		"services":     payload.Services,
	})

	reply, err := s.client.Call(s.schedulerAddr, req)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.status = Failed
		return fmt.Errorf("session: register: %w", err)
	}
	if status, _ := reply["status"].(string); status != "OK" {
		s.status = Failed
		return fmt.Errorf("session: register rejected: %v", reply["status"])
	}
	s.status = Running
	return nil
}

// Status returns the session's current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// OpenStream lazily opens the batched stream over conn on first use; it is
// a programmer error to send before this has been called once.
func (s *Session) OpenStream(conn *transport.Conn, interval time.Duration) *sender.BatchedSender {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		s.stream = sender.New(conn, interval, s.log)
	}
	return s.stream
}

// Stream returns the already-opened batched stream, or nil if OpenStream
// has not been called yet.
func (s *Session) Stream() *sender.BatchedSender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// Close sends unregister unless report is false, then closes the batched
// stream.
func (s *Session) Close(report bool) error {
	if report {
		req := transport.WithOp("unregister", map[string]interface{}{
			"address": s.workerAddr.String(),
		})
		if _, err := s.client.Call(s.schedulerAddr, req); err != nil {
			s.log.Warnf("session: unregister failed: %v", err)
		}
	}

	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream != nil {
		return stream.Close()
	}
	return nil
}
