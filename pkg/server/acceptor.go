package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// AcceptorOptions configures the listening socket and accepted connections.
type AcceptorOptions struct {
	// ReuseAddr sets SO_REUSEADDR before binding so a restarted server can
	// bind a port still in TIME_WAIT.
	ReuseAddr bool

	// KeepAlive is the TCP keepalive period. Zero disables keepalive.
	KeepAlive time.Duration

	// NoDelay disables Nagle's algorithm on accepted connections.
	NoDelay bool
}

// Acceptor owns the listening socket and yields accepted connections.
type Acceptor struct {
	listener net.Listener
	opts     AcceptorOptions

	stopped  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// Listen binds addr. Bind failures are returned as *BindError and are not
// retried.
func Listen(ctx context.Context, addr string, opts AcceptorOptions) (*Acceptor, error) {
	lc := net.ListenConfig{
		// Keepalive is applied per connection in Next.
		KeepAlive: -1,
	}
	if opts.ReuseAddr {
		lc.Control = reuseAddrControl
	}

	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}

	return &Acceptor{
		listener: listener,
		opts:     opts,
	}, nil
}

// Next blocks until a connection arrives. After Stop it returns
// ErrAcceptorStopped. Any other failure is an *AcceptError.
func (a *Acceptor) Next() (net.Conn, error) {
	conn, err := a.listener.Accept()
	if err != nil {
		if a.stopped.Load() || errors.Is(err, net.ErrClosed) {
			return nil, ErrAcceptorStopped
		}
		return nil, &AcceptError{Err: err}
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		if a.opts.KeepAlive > 0 {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(a.opts.KeepAlive)
		}
		if a.opts.NoDelay {
			_ = tc.SetNoDelay(true)
		}
	}

	return conn, nil
}

// Stop closes the listening socket and unblocks Next. It is idempotent.
func (a *Acceptor) Stop() error {
	a.stopOnce.Do(func() {
		a.stopped.Store(true)
		a.stopErr = a.listener.Close()
	})
	return a.stopErr
}

// Addr returns the bound address. With port 0 it reports the actual port.
func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}
