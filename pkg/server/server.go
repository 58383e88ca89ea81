// Package server implements the authenticated connection server.
//
// The server is built from small parts:
//   - Acceptor: owns the listening socket and yields raw connections.
//   - pool.Pool: bounds the number of live workers.
//   - worker: per connection, optional TLS upgrade, then the shared-secret
//     handshake, then the application Handler, then teardown.
//
// Lifecycle:
//
//	srv, err := server.New(cfg)
//	err = srv.Start(ctx)       // binds; *BindError is the only fatal error
//	...
//	err = srv.Stop(ctx)        // stop accepting, drain, force-close stragglers
//
// Per-connection failures (TLS, handshake, I/O) are contained in the worker
// that owns the connection. They are counted and logged, never returned to the
// accept loop, and the rejected peer is never told why.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/h1dd3n01/authecho/pkg/channel"
	"github.com/h1dd3n01/authecho/pkg/handshake"
	"github.com/h1dd3n01/authecho/pkg/pool"
	"github.com/h1dd3n01/authecho/pkg/transport"
)

// Policy decides what happens to a connection that arrives while every
// worker slot is taken.
type Policy string

const (
	// PolicyReject closes the connection immediately.
	PolicyReject Policy = "reject"
	// PolicyQueue parks the connection in a bounded backlog until a slot
	// frees up or the queue timeout passes.
	PolicyQueue Policy = "queue"
)

// Default timeouts.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReadTimeout      = 30 * time.Second
	DefaultWriteTimeout     = 30 * time.Second
	DefaultDrainTimeout     = 10 * time.Second
	DefaultQueueTimeout     = 5 * time.Second
	DefaultKeepAlive        = 30 * time.Second

	// forceCloseGrace bounds the wait for workers after their connections
	// were closed forcibly.
	forceCloseGrace = time.Second
)

// Config holds everything a Server needs. Secret and TLS are read-only once
// the server is created.
type Config struct {
	// Addr is the listen address, e.g. ":20000".
	Addr string

	// Secret is the shared handshake key. Required.
	Secret handshake.Secret

	// TLS upgrades every connection before the handshake. Nil means plaintext.
	TLS *transport.ServerWrapper

	// Capacity is the maximum number of concurrently live workers. Required.
	Capacity int

	// Policy applies when the pool is saturated. Defaults to PolicyReject.
	Policy Policy

	// QueueSize and QueueTimeout bound the backlog under PolicyQueue.
	QueueSize    int
	QueueTimeout time.Duration

	// HandshakeTimeout bounds the TLS setup and the challenge-response as a whole.
	HandshakeTimeout time.Duration

	// ReadTimeout and WriteTimeout bound each receive and send while serving.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// DrainTimeout bounds how long Stop waits for live workers.
	DrainTimeout time.Duration

	// KeepAlive is the TCP keepalive period; NoDelay disables Nagle.
	KeepAlive time.Duration
	NoDelay   bool

	// Handler runs after authentication. Defaults to EchoHandler.
	Handler Handler

	// Logger defaults to a discard logger.
	Logger *slog.Logger

	// OnStateChange, if set, is called synchronously on every session state
	// transition. It must be safe for concurrent use.
	OnStateChange func(id string, state State)
}

// Stats is a snapshot of server activity.
type Stats struct {
	StartTime       time.Time `json:"start_time"`
	Accepted        uint64    `json:"accepted"`
	Rejected        uint64    `json:"rejected"`
	AuthFailures    uint64    `json:"auth_failures"`
	ProtocolErrors  uint64    `json:"protocol_errors"`
	TransportErrors uint64    `json:"transport_errors"`
	IOErrors        uint64    `json:"io_errors"`
	Completed       uint64    `json:"completed"`
	BytesIn         uint64    `json:"bytes_in"`
	BytesOut        uint64    `json:"bytes_out"`
	Active          int       `json:"active"`
	Queued          int       `json:"queued"`
	Peak            int       `json:"peak"`
}

type counters struct {
	accepted        atomic.Uint64
	rejected        atomic.Uint64
	authFailures    atomic.Uint64
	protocolErrors  atomic.Uint64
	transportErrors atomic.Uint64
	ioErrors        atomic.Uint64
	completed       atomic.Uint64
	bytesIn         atomic.Uint64
	bytesOut        atomic.Uint64
}

// Server accepts connections and runs one worker per connection.
type Server struct {
	cfg     Config
	workers *workerConfig
	logger  *slog.Logger
	pool    *pool.Pool
	backlog *pool.Backlog[net.Conn]

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	acceptor *Acceptor
	started  bool
	stopped  bool
	conns    map[string]net.Conn

	wg        sync.WaitGroup
	done      chan struct{}
	startTime time.Time
	stats     counters
}

// New validates cfg and builds a server. Nothing is bound until Start.
func New(cfg Config) (*Server, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("secret is required")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	p, err := pool.New(cfg.Capacity)
	if err != nil {
		return nil, err
	}

	if cfg.Policy == "" {
		cfg.Policy = PolicyReject
	}
	if cfg.Policy != PolicyReject && cfg.Policy != PolicyQueue {
		return nil, fmt.Errorf("invalid saturation policy: %q", cfg.Policy)
	}
	if cfg.Policy == PolicyQueue && cfg.QueueSize <= 0 {
		return nil, fmt.Errorf("queue policy requires a positive queue size")
	}

	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = DefaultQueueTimeout
	}
	if cfg.Handler == nil {
		cfg.Handler = EchoHandler{BufferSize: DefaultBufferSize}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "server")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		logger: logger,
		pool:   p,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]net.Conn),
		done:   make(chan struct{}),
		workers: &workerConfig{
			secret:  append(handshake.Secret(nil), cfg.Secret...),
			wrapper: cfg.TLS,
			handler: cfg.Handler,
			channelOpts: channel.Options{
				ReadTimeout:  cfg.ReadTimeout,
				WriteTimeout: cfg.WriteTimeout,
			},
			handshakeTimeout: cfg.HandshakeTimeout,
			observe:          cfg.OnStateChange,
		},
	}

	queueSize := cfg.QueueSize
	if cfg.Policy == PolicyReject {
		queueSize = 0
	}
	s.backlog = pool.NewBacklog(queueSize, cfg.QueueTimeout, s.expireQueued)

	return s, nil
}

// Start binds the listen address and starts the accept loop. A *BindError
// is returned if the address cannot be bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrServerClosed
	}
	if s.started {
		return fmt.Errorf("server already started")
	}

	acceptor, err := Listen(ctx, s.cfg.Addr, AcceptorOptions{
		ReuseAddr: true,
		KeepAlive: s.cfg.KeepAlive,
		NoDelay:   s.cfg.NoDelay,
	})
	if err != nil {
		return err
	}

	s.acceptor = acceptor
	s.started = true
	s.startTime = time.Now()

	s.logger.Info("server listening",
		"addr", acceptor.Addr(),
		"tls", s.cfg.TLS != nil,
		"capacity", s.cfg.Capacity,
		"policy", s.cfg.Policy,
	)

	s.wg.Add(1)
	go s.acceptLoop(acceptor)

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.acceptor == nil {
		return nil
	}
	return s.acceptor.Addr()
}

// Stop shuts the server down gracefully. It stops accepting, closes queued
// connections and waits for live workers until the drain timeout or ctx
// expires. Workers still running then are closed forcibly and
// ErrDrainTimeout is returned. Concurrent or repeated calls all wait for the
// same drain.
func (s *Server) Stop(ctx context.Context) error {
	s.beginStop()

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()

	if err := s.AwaitDrain(drainCtx); err == nil {
		s.logger.Info("server stopped")
		return nil
	}

	s.logger.Error("drain deadline exceeded, closing connections", "active", s.pool.InUse())
	s.forceClose()

	graceCtx, graceCancel := context.WithTimeout(context.Background(), forceCloseGrace)
	defer graceCancel()
	_ = s.AwaitDrain(graceCtx)

	return ErrDrainTimeout
}

// Close stops the server immediately, closing every live connection, and
// waits for the workers to exit.
func (s *Server) Close() error {
	s.beginStop()
	s.forceClose()
	s.wg.Wait()
	return nil
}

// AwaitDrain blocks until every worker has finished or ctx is done. It only
// returns nil after the server was stopped.
func (s *Server) AwaitDrain(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	start := s.startTime
	s.mu.Unlock()

	return Stats{
		StartTime:       start,
		Accepted:        s.stats.accepted.Load(),
		Rejected:        s.stats.rejected.Load(),
		AuthFailures:    s.stats.authFailures.Load(),
		ProtocolErrors:  s.stats.protocolErrors.Load(),
		TransportErrors: s.stats.transportErrors.Load(),
		IOErrors:        s.stats.ioErrors.Load(),
		Completed:       s.stats.completed.Load(),
		BytesIn:         s.stats.bytesIn.Load(),
		BytesOut:        s.stats.bytesOut.Load(),
		Active:          s.pool.InUse(),
		Queued:          s.backlog.Len(),
		Peak:            s.pool.Peak(),
	}
}

// Capacity returns the worker pool capacity.
func (s *Server) Capacity() int {
	return s.pool.Capacity()
}

// Policy returns the saturation policy.
func (s *Server) Policy() Policy {
	return s.cfg.Policy
}

// TLSEnabled reports whether connections are encrypted.
func (s *Server) TLSEnabled() bool {
	return s.cfg.TLS != nil
}

// beginStop stops the acceptor and drains the backlog. Only the first call
// has any effect.
func (s *Server) beginStop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	acceptor := s.acceptor
	started := s.started
	s.mu.Unlock()

	if acceptor != nil {
		if err := acceptor.Stop(); err != nil {
			s.logger.Debug("failed to close listener", "error", err)
		}
	}

	for _, conn := range s.backlog.Close() {
		s.stats.rejected.Add(1)
		_ = conn.Close()
	}

	if !started {
		close(s.done)
		return
	}

	go func() {
		s.wg.Wait()
		close(s.done)
	}()
}

// forceClose cancels handlers and closes every live connection.
func (s *Server) forceClose() {
	s.cancel()

	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (s *Server) acceptLoop(acceptor *Acceptor) {
	defer s.wg.Done()

	retry := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second}

	for {
		conn, err := acceptor.Next()
		if err != nil {
			if errors.Is(err, ErrAcceptorStopped) {
				return
			}

			delay := retry.Duration()
			s.logger.Error("accept failed", "error", err, "retry_in", delay)
			select {
			case <-time.After(delay):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		retry.Reset()

		s.stats.accepted.Add(1)
		s.dispatch(conn)
	}
}

// dispatch hands conn to a worker, or applies the saturation policy. Under
// the queue policy a non-empty backlog is served first, so conn never takes
// a freed slot ahead of older queued connections.
func (s *Server) dispatch(conn net.Conn) {
	if s.cfg.Policy == PolicyQueue && s.backlog.Len() > 0 {
		s.enqueue(conn)
		return
	}

	if s.pool.TryAcquire() {
		s.spawn(conn)
		return
	}

	if s.cfg.Policy == PolicyQueue {
		s.enqueue(conn)
		return
	}

	s.reject(conn)
}

func (s *Server) enqueue(conn net.Conn) {
	if !s.backlog.Push(conn) {
		s.reject(conn)
		return
	}
	s.logger.Debug("connection queued", "remote", conn.RemoteAddr(), "queued", s.backlog.Len())
	s.dispatchBacklog()
}

// dispatchBacklog starts workers for queued connections while slots are
// free. Both the accept loop (after queueing) and finishing workers (after
// releasing) call it, so a queued connection cannot miss a freed slot.
func (s *Server) dispatchBacklog() {
	for s.backlog.Len() > 0 && s.pool.TryAcquire() {
		conn, waited, ok := s.backlog.Pop()
		if !ok {
			s.pool.Release()
			return
		}
		s.logger.Debug("dequeued connection", "remote", conn.RemoteAddr(), "waited", waited)
		s.spawn(conn)
	}
}

func (s *Server) reject(conn net.Conn) {
	s.stats.rejected.Add(1)
	s.logger.Debug("connection rejected", "remote", conn.RemoteAddr(), "reason", ErrPoolExhausted)
	_ = conn.Close()
}

func (s *Server) expireQueued(conn net.Conn) {
	s.stats.rejected.Add(1)
	s.logger.Debug("queued connection expired", "remote", conn.RemoteAddr(), "reason", ErrPoolExhausted)
	_ = conn.Close()
}

// spawn runs a worker for conn. The caller has acquired a slot for it; the
// slot is released when the worker finishes. After Stop, conn is rejected.
func (s *Server) spawn(conn net.Conn) {
	id := uuid.NewString()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.pool.Release()
		s.reject(conn)
		return
	}
	s.conns[id] = conn
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.dispatchBacklog()
		defer s.pool.Release()
		defer func() {
			s.mu.Lock()
			delete(s.conns, id)
			s.mu.Unlock()
		}()

		w := newWorker(s.workers, id, conn.RemoteAddr(), s.logger)
		err := w.run(s.ctx, conn)
		s.record(w, err)
	}()
}

// record classifies a finished session into the counters.
func (s *Server) record(w *worker, err error) {
	s.stats.bytesIn.Add(w.stats.BytesReceived)
	s.stats.bytesOut.Add(w.stats.BytesSent)

	switch {
	case err == nil:
		s.stats.completed.Add(1)
	case errors.Is(err, transport.ErrTransport):
		s.stats.transportErrors.Add(1)
	case errors.Is(err, ErrAuthFailed):
		s.stats.authFailures.Add(1)
		s.logger.Info("authentication failed", "session", w.id, "remote", w.remote)
	case errors.Is(err, handshake.ErrProtocol):
		s.stats.protocolErrors.Add(1)
		s.logger.Info("handshake failed", "session", w.id, "remote", w.remote, "error", err)
	default:
		s.stats.ioErrors.Add(1)
		s.logger.Debug("session ended with error", "session", w.id, "error", err)
	}
}
