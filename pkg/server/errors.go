package server

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthFailed indicates the peer answered the challenge with a wrong digest.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrPoolExhausted indicates a connection was turned away because every
	// worker slot was busy.
	ErrPoolExhausted = errors.New("worker pool exhausted")

	// ErrAcceptorStopped marks the end of the accepted connection sequence.
	ErrAcceptorStopped = errors.New("acceptor stopped")

	// ErrDrainTimeout indicates workers were still running when the drain
	// deadline passed and had to be closed forcibly.
	ErrDrainTimeout = errors.New("drain deadline exceeded")

	// ErrServerClosed is returned when starting a server that was stopped.
	ErrServerClosed = errors.New("server closed")
)

// BindError reports a failure to bind or listen. It is fatal to the server.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to listen on %s: %v", e.Addr, e.Err)
}

// Unwrap exposes the cause.
func (e *BindError) Unwrap() error {
	return e.Err
}

// AcceptError reports a failed accept attempt. The accept loop logs it and
// keeps going.
type AcceptError struct {
	Err error
}

func (e *AcceptError) Error() string {
	return fmt.Sprintf("failed to accept connection: %v", e.Err)
}

// Unwrap exposes the cause.
func (e *AcceptError) Unwrap() error {
	return e.Err
}
