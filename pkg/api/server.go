package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/h1dd3n01/authecho/pkg/server"
)

// StatusSource is the part of a running server the API reports on.
type StatusSource interface {
	Stats() server.Stats
	Addr() net.Addr
	Capacity() int
	Policy() server.Policy
	TLSEnabled() bool
}

// Server implements the local Unix socket API.
type Server struct {
	uptime     time.Time
	source     StatusSource
	listener   net.Listener
	ctx        context.Context
	logger     *slog.Logger
	cancel     context.CancelFunc
	socketPath string
	version    string
	wg         sync.WaitGroup
	mu         sync.RWMutex
}

// ServerConfig contains configuration for the API server.
type ServerConfig struct {
	Source     StatusSource
	Logger     *slog.Logger
	SocketPath string
	Version    string
}

// NewServer creates a new API server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("socket path is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("status source is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: cfg.SocketPath,
		source:     cfg.Source,
		version:    cfg.Version,
		logger:     logger.With("component", "api"),
		uptime:     time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins listening on the Unix domain socket.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Create socket directory with proper permissions
	socketDir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove old socket if it exists
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", s.socketPath, err)
	}

	// Set socket permissions (user read/write only)
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.listener = listener
	s.logger.Debug("api listening", "socket", s.socketPath)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop shuts the API server down and removes the socket file.
func (s *Server) Stop() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	s.cancel()

	if listener != nil {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("failed to close listener: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("server shutdown timeout")
	}

	_ = os.Remove(s.socketPath)

	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error("failed to accept connection", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection processes a single client request.
func (s *Server) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		s.sendError(conn, "failed to set deadline")
		return
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		s.sendError(conn, fmt.Sprintf("failed to read command: %v", err))
		return
	}

	req, parseErr := ParseRequest(strings.TrimSpace(line))
	if parseErr != nil {
		s.sendError(conn, parseErr.Error())
		return
	}

	switch req.Command {
	case CommandPing:
		s.sendOK(conn, nil)
	case CommandStatus:
		s.sendOK(conn, s.Status())
	default:
		s.sendError(conn, fmt.Sprintf("unknown command: %s", req.Command))
	}
}

// Status builds the current status report.
func (s *Server) Status() *StatusResponse {
	s.mu.RLock()
	uptime := s.uptime
	s.mu.RUnlock()

	stats := s.source.Stats()
	status := &StatusResponse{
		Uptime:   uptime,
		Version:  s.version,
		TLS:      s.source.TLSEnabled(),
		Policy:   string(s.source.Policy()),
		Capacity: s.source.Capacity(),
		Stats: ServerStats{
			Accepted:        stats.Accepted,
			Rejected:        stats.Rejected,
			AuthFailures:    stats.AuthFailures,
			ProtocolErrors:  stats.ProtocolErrors,
			TransportErrors: stats.TransportErrors,
			IOErrors:        stats.IOErrors,
			Completed:       stats.Completed,
			BytesIn:         stats.BytesIn,
			BytesOut:        stats.BytesOut,
			Active:          stats.Active,
			Queued:          stats.Queued,
			Peak:            stats.Peak,
		},
	}
	if !stats.StartTime.IsZero() {
		status.Uptime = stats.StartTime
	}
	if addr := s.source.Addr(); addr != nil {
		status.ListenAddr = addr.String()
	}
	return status
}

func (s *Server) sendOK(conn net.Conn, data any) {
	resp, err := FormatResponse(ResponseOK, data)
	if err != nil {
		s.sendError(conn, err.Error())
		return
	}
	_, _ = conn.Write(resp)
}

func (s *Server) sendError(conn net.Conn, msg string) {
	resp, _ := FormatResponse(ResponseError, msg)
	_, _ = conn.Write(resp)
}
