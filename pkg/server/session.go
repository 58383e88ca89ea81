package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/h1dd3n01/authecho/pkg/channel"
)

// State is a connection's position in its lifecycle.
//
//	Accepted -> Handshaking -> Authenticated -> Serving -> Closed
//	Accepted -> Rejected -> Closed
//	Handshaking -> Rejected -> Closed
type State int

const (
	StateAccepted State = iota
	StateHandshaking
	StateAuthenticated
	StateServing
	StateRejected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticated:
		return "authenticated"
	case StateServing:
		return "serving"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is what a Handler sees of an authenticated connection.
type Session struct {
	ID         string
	RemoteAddr net.Addr
	Channel    channel.Channel
	Logger     *slog.Logger
}

// Handler runs the application protocol on an authenticated session. The
// channel is closed by the worker after Serve returns; handlers must not
// keep it.
type Handler interface {
	Serve(ctx context.Context, s *Session) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, s *Session) error

// Serve calls f.
func (f HandlerFunc) Serve(ctx context.Context, s *Session) error {
	return f(ctx, s)
}

// DefaultBufferSize is the largest chunk the echo handler reads at once.
const DefaultBufferSize = 8192

// EchoHandler sends every received chunk straight back until the peer
// closes the connection.
type EchoHandler struct {
	BufferSize int
}

// Serve runs the echo loop. A peer close ends it without error.
func (h EchoHandler) Serve(ctx context.Context, s *Session) error {
	size := h.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := s.Channel.Receive(size)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if err := s.Channel.Send(chunk); err != nil {
			return err
		}
	}
}
