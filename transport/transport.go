// Package transport implements framed, length-prefixed message I/O: a
// 4-byte big-endian frame count followed by that many
// 8-byte-length-prefixed frames, each frame a MessagePack-encoded
// Message.
package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrTransportTruncated is returned when the stream ends mid-message
// (after at least one byte of the frame-count or a frame has been read).
var ErrTransportTruncated = errors.New("transport: truncated mid-message")

// ErrSenderClosed is returned by Write after Close.
var ErrSenderClosed = errors.New("transport: write on closed connection")

// Conn wraps a single net.Conn with the worker's frame codec. One batch of
// messages, a frame-group, is the atomic unit of a Write/Read call; the
// batched sender (package sender) is what decides how many Messages land
// in one batch.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader

	mu     sync.Mutex
	closed bool
}

// NewConn wraps an already-established net.Conn.
func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c, r: bufio.NewReader(c)}
}

// Dial opens a new TCP connection to hostPort and wraps it.
func Dial(hostPort string) (*Conn, error) {
	c, err := net.Dial("tcp", hostPort)
	if err != nil {
		return nil, err
	}
	return NewConn(c), nil
}

// WriteBatch encodes each message as one frame and writes the frame-group
// atomically: count, then length+bytes per frame.
func (c *Conn) WriteBatch(messages []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSenderClosed
	}

	frames := make([][]byte, len(messages))
	for i, m := range messages {
		data, err := msgpack.Marshal(map[string]interface{}(m))
		if err != nil {
			return fmt.Errorf("transport: encode frame %d: %w", i, err)
		}
		frames[i] = data
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frames)))
	if _, err := c.conn.Write(header[:]); err != nil {
		return err
	}

	for _, f := range frames {
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(f)))
		if _, err := c.conn.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := c.conn.Write(f); err != nil {
			return err
		}
	}
	return nil
}

// Write is a convenience for sending a single message as its own
// frame-group.
func (c *Conn) Write(m Message) error {
	return c.WriteBatch([]Message{m})
}

// ReadBatch reads one full frame-group and decodes every frame. A clean
// EOF before any byte of the group is read returns io.EOF; any later EOF
// returns ErrTransportTruncated.
func (c *Conn) ReadBatch() ([]Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, ErrTransportTruncated
	}
	count := binary.BigEndian.Uint32(header[:])

	messages := make([]Message, 0, count)
	for i := uint32(0); i < count; i++ {
		var lenBuf [8]byte
		if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
			return nil, ErrTransportTruncated
		}
		size := binary.BigEndian.Uint64(lenBuf[:])
		payload := make([]byte, size)
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return nil, ErrTransportTruncated
		}

		decoded, err := decodeFrame(payload)
		if err != nil {
			return nil, fmt.Errorf("transport: decode frame %d: %w", i, err)
		}
		messages = append(messages, decoded)
	}
	return messages, nil
}

// decodeFrame unmarshals a MessagePack payload into a Message. Nested maps
// decode recursively into map[string]interface{} by the codec itself, so a
// frame whose payload is itself a binary-map is transparently available as
// a nested Message-shaped value without a second pass.
func decodeFrame(payload []byte) (Message, error) {
	var out map[string]interface{}
	if err := msgpack.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return Message(out), nil
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// RemoteAddr exposes the underlying connection's remote address, used by
// the connection pool and peer index.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
