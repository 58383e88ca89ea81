// Package client connects to an authecho server: it dials, optionally
// upgrades to TLS, answers the shared-secret challenge and then exchanges
// raw bytes with the server.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/jpillora/backoff"

	"github.com/h1dd3n01/authecho/pkg/channel"
	"github.com/h1dd3n01/authecho/pkg/handshake"
	"github.com/h1dd3n01/authecho/pkg/transport"
)

// ErrRejected indicates the server closed the connection instead of
// answering, which is how it signals a failed handshake.
var ErrRejected = errors.New("connection rejected by server")

// Default client settings.
const (
	DefaultDialTimeout = 5 * time.Second
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 1
)

// Config contains configuration for the client.
type Config struct {
	// Secret is the shared handshake key. Required.
	Secret handshake.Secret

	// TLS upgrades the connection before the handshake when set.
	TLS *transport.ClientWrapper

	// DialTimeout bounds each connection attempt including the handshake.
	DialTimeout time.Duration

	// ReadTimeout and WriteTimeout bound each receive and send.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxAttempts is the number of dial attempts. Failed attempts are
	// retried with exponential backoff.
	MaxAttempts int

	// Backoff overrides the retry delays. Nil uses 100ms to 5s.
	Backoff *backoff.Backoff

	Logger *slog.Logger
}

// Conn is an authenticated connection to a server.
type Conn struct {
	channel.Channel
	addr string
}

// Dial connects to addr and completes the handshake. Only failures to reach
// the server are retried; TLS and handshake failures are returned at once.
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("secret is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "client", "addr", addr)

	retry := cfg.Backoff
	if retry == nil {
		retry = &backoff.Backoff{Min: 100 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		raw, err := dialOnce(ctx, addr, cfg.DialTimeout)
		if err == nil {
			return establish(ctx, raw, addr, cfg, logger)
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := retry.Duration()
		logger.Debug("dial failed, retrying", "attempt", attempt, "error", err, "retry_in", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("failed to connect to %s after %d attempts: %w", addr, cfg.MaxAttempts, lastErr)
}

func dialOnce(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	return dialer.DialContext(ctx, "tcp", addr)
}

// establish runs the TLS upgrade and the handshake on a fresh connection.
func establish(ctx context.Context, raw net.Conn, addr string, cfg Config, logger *slog.Logger) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	conn := raw
	if cfg.TLS != nil {
		wrapped, err := cfg.TLS.Wrap(ctx, raw, addr)
		if err != nil {
			return nil, err
		}
		conn = wrapped
	}

	ch := channel.New(conn, channel.Options{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if deadline, ok := ctx.Deadline(); ok {
		if err := ch.SetDeadline(deadline); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}

	if err := handshake.RespondToChallenge(ch, cfg.Secret); err != nil {
		_ = ch.Close()
		if closedByServer(err) {
			return nil, fmt.Errorf("%w: %w", ErrRejected, err)
		}
		return nil, err
	}

	if err := ch.SetDeadline(time.Time{}); err != nil {
		_ = ch.Close()
		return nil, err
	}

	logger.Debug("connected", "tls", cfg.TLS != nil)
	return &Conn{Channel: ch, addr: addr}, nil
}

// Addr returns the address the connection was dialed with.
func (c *Conn) Addr() string {
	return c.addr
}

// Echo sends p and reads back exactly len(p) bytes. A server that closes
// or resets the connection right after the handshake has rejected the
// secret, and Echo reports ErrRejected.
func (c *Conn) Echo(p []byte) ([]byte, error) {
	if err := c.Send(p); err != nil {
		if closedByServer(err) {
			return nil, fmt.Errorf("%w: %w", ErrRejected, err)
		}
		return nil, err
	}

	reply, err := channel.ReceiveFull(c.Channel, len(p))
	if err != nil {
		if len(reply) == 0 && closedByServer(err) {
			return nil, fmt.Errorf("%w: %w", ErrRejected, err)
		}
		return reply, err
	}
	return reply, nil
}

// closedByServer reports whether err means the server hung up, either
// cleanly or with a reset.
func closedByServer(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
