// Package channel provides the byte-oriented duplex channel shared by the
// handshake, the connection workers and the client.
//
// A Channel is deliberately smaller than net.Conn: higher layers only ever send
// a chunk, receive up to a chunk, or close. Everything else (deadlines,
// encryption, addresses) is decided when the channel is built.
//
// Error contract:
//   - Receive returns io.EOF when the peer closed the connection.
//   - A send or receive that exceeds its timeout returns ErrTimeout.
//   - Every operation on a closed channel returns ErrClosed.
//   - Close is idempotent.
package channel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrClosed is returned by operations on a channel that has been closed.
	ErrClosed = errors.New("channel closed")

	// ErrTimeout is returned when a send or receive exceeds its timeout.
	ErrTimeout = errors.New("operation timed out")
)

// Channel is a duplex byte channel.
type Channel interface {
	// Send writes all of p.
	Send(p []byte) error

	// Receive returns at most max bytes. It never returns an empty slice
	// with a nil error.
	Receive(max int) ([]byte, error)

	// Close releases the channel. Subsequent calls are no-ops.
	Close() error
}

// Deadliner is implemented by channels that accept an absolute cutoff
// capping every per-operation timeout. The zero time clears it.
type Deadliner interface {
	SetDeadline(t time.Time) error
}

// Options configures a socket-backed channel.
type Options struct {
	// ReadTimeout bounds each Receive. Zero means no timeout.
	ReadTimeout time.Duration

	// WriteTimeout bounds each Send. Zero means no timeout.
	WriteTimeout time.Duration
}

// Stats reports the bytes moved through a channel.
type Stats struct {
	BytesSent     uint64
	BytesReceived uint64
}

// Conn is the socket-backed Channel. It works the same over a raw TCP
// connection and over a *tls.Conn.
type Conn struct {
	conn net.Conn
	opts Options

	mu       sync.Mutex
	closed   bool
	deadline time.Time

	sent     atomic.Uint64
	received atomic.Uint64
}

// New wraps conn. The returned channel owns conn and closes it on Close.
func New(conn net.Conn, opts Options) *Conn {
	return &Conn{
		conn: conn,
		opts: opts,
	}
}

// Send writes p to the peer.
func (c *Conn) Send(p []byte) error {
	deadline, err := c.operationDeadline(c.opts.WriteTimeout)
	if err != nil {
		return err
	}

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return c.mapError(fmt.Errorf("failed to set write deadline: %w", err))
	}

	n, err := c.conn.Write(p)
	c.sent.Add(uint64(n))
	if err != nil {
		return c.mapError(err)
	}
	return nil
}

// Receive reads up to max bytes from the peer.
func (c *Conn) Receive(max int) ([]byte, error) {
	if max <= 0 {
		return nil, fmt.Errorf("invalid receive size %d", max)
	}

	deadline, err := c.operationDeadline(c.opts.ReadTimeout)
	if err != nil {
		return nil, err
	}

	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, c.mapError(fmt.Errorf("failed to set read deadline: %w", err))
	}

	buf := make([]byte, max)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.received.Add(uint64(n))
			return buf[:n], nil
		}
		if err != nil {
			return nil, c.mapError(err)
		}
	}
}

// Close closes the underlying connection once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	return c.conn.Close()
}

// SetDeadline caps every subsequent operation at t until cleared with the
// zero time.
func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.deadline = t
	return nil
}

// Stats returns the byte counters.
func (c *Conn) Stats() Stats {
	return Stats{
		BytesSent:     c.sent.Load(),
		BytesReceived: c.received.Load(),
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// NetConn returns the wrapped connection.
func (c *Conn) NetConn() net.Conn {
	return c.conn
}

// operationDeadline computes the cutoff for one operation: now+timeout,
// capped by the channel deadline. It fails with ErrClosed on a closed channel.
func (c *Conn) operationDeadline(timeout time.Duration) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return time.Time{}, ErrClosed
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if !c.deadline.IsZero() && (deadline.IsZero() || c.deadline.Before(deadline)) {
		deadline = c.deadline
	}
	return deadline, nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// mapError translates socket errors into the channel error contract.
func (c *Conn) mapError(err error) error {
	if c.isClosed() || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	// In-memory pipes report a closed peer as io.ErrClosedPipe, including
	// from SetReadDeadline and SetWriteDeadline.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return io.EOF
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return err
}

// ReceiveFull receives exactly n bytes. It returns io.EOF if the peer closed
// before sending anything and io.ErrUnexpectedEOF if it closed part way.
func ReceiveFull(ch Channel, n int) ([]byte, error) {
	buf := make([]byte, 0, n)
	for len(buf) < n {
		chunk, err := ch.Receive(n - len(buf))
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return buf, io.ErrUnexpectedEOF
			}
			return buf, err
		}
		buf = append(buf, chunk...)
	}
	return buf, nil
}
