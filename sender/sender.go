// Package sender implements the batched outbound sender: messages queued
// from many goroutines are coalesced and flushed to one connection at most
// every interval, preserving FIFO order within a batch.
package sender

import (
	"sync"
	"time"

	"github.com/jabolina/dask-worker/logging"
	"github.com/jabolina/dask-worker/transport"
)

// DefaultInterval is the batching window.
const DefaultInterval = 2 * time.Millisecond

// ErrClosed is returned by Send after Close.
var ErrClosed = transport.ErrSenderClosed

// BatchedSender wraps one outbound connection and coalesces sends.
type BatchedSender struct {
	conn     *transport.Conn
	interval time.Duration
	log      logging.Logger

	mu      sync.Mutex
	pending []transport.Message
	closed  bool
	done    chan struct{}
	flushed chan struct{}
	onError func(error)
}

// New starts a BatchedSender over conn, flushing pending messages every
// interval (DefaultInterval if zero).
func New(conn *transport.Conn, interval time.Duration, log logging.Logger) *BatchedSender {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &BatchedSender{
		conn:     conn,
		interval: interval,
		log:      log,
		done:     make(chan struct{}),
		flushed:  make(chan struct{}),
	}
	go s.run()
	return s
}

// OnError registers fn to be called each time a flush fails to write to
// the underlying connection, so the owner can react to the connection
// being lost (the scheduler compute-stream, for this sender's one caller).
func (s *BatchedSender) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// Send enqueues a message for the next flush. Returns ErrClosed if the
// sender has already been closed.
func (s *BatchedSender) Send(m transport.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.pending = append(s.pending, m)
	return nil
}

func (s *BatchedSender) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.done:
			s.flush()
			close(s.flushed)
			return
		}
	}
}

func (s *BatchedSender) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := s.conn.WriteBatch(batch); err != nil {
		s.log.Errorf("batched sender: flush of %d messages failed: %v", len(batch), err)
		s.mu.Lock()
		onError := s.onError
		s.mu.Unlock()
		if onError != nil {
			onError(err)
		}
	}
}

// Close flushes any pending messages, stops the flush timer, and releases
// the underlying connection. Sends after Close fail with ErrClosed.
func (s *BatchedSender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	<-s.flushed
	return s.conn.Close()
}
