package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/h1dd3n01/authecho/pkg/channel"
	"github.com/h1dd3n01/authecho/pkg/handshake"
	"github.com/h1dd3n01/authecho/pkg/transport"
)

// workerConfig is shared by every worker of a server. It is never mutated
// after the server is constructed.
type workerConfig struct {
	secret           handshake.Secret
	wrapper          *transport.ServerWrapper
	handler          Handler
	channelOpts      channel.Options
	handshakeTimeout time.Duration
	observe          func(id string, state State)
}

// worker drives one connection from accept to close.
type worker struct {
	cfg    *workerConfig
	id     string
	remote net.Addr
	logger *slog.Logger
	state  State
	stats  channel.Stats
}

func newWorker(cfg *workerConfig, id string, remote net.Addr, logger *slog.Logger) *worker {
	return &worker{
		cfg:    cfg,
		id:     id,
		remote: remote,
		logger: logger.With("session", id, "remote", remote),
		state:  StateAccepted,
	}
}

// run wraps conn when TLS is configured, then serves it. conn is closed on
// every path before run returns.
func (w *worker) run(ctx context.Context, conn net.Conn) error {
	if w.cfg.wrapper != nil {
		wrapCtx := ctx
		if w.cfg.handshakeTimeout > 0 {
			var cancel context.CancelFunc
			wrapCtx, cancel = context.WithTimeout(ctx, w.cfg.handshakeTimeout)
			defer cancel()
		}

		wrapped, err := w.cfg.wrapper.Wrap(wrapCtx, conn)
		if err != nil {
			// The wrapper already closed conn.
			w.transition(StateRejected)
			w.logger.Debug("transport setup failed", "error", err)
			w.transition(StateClosed)
			return err
		}
		conn = wrapped
	}

	return w.serve(ctx, channel.New(conn, w.cfg.channelOpts))
}

// serve authenticates the peer on ch and then hands it to the handler. ch is
// closed exactly once, whatever happens.
func (w *worker) serve(ctx context.Context, ch channel.Channel) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			w.logger.Error("handler panicked", "panic", r)
		}
		reached := w.state
		if closeErr := ch.Close(); closeErr != nil {
			w.logger.Debug("failed to close channel", "error", closeErr)
		}
		if counted, ok := ch.(interface{ Stats() channel.Stats }); ok {
			w.stats = counted.Stats()
		}
		w.transition(StateClosed)
		w.logger.Debug("session closed",
			"reached", reached,
			"sent", sizestr.ToString(int64(w.stats.BytesSent)),
			"received", sizestr.ToString(int64(w.stats.BytesReceived)),
			"error", err,
		)
	}()

	w.transition(StateHandshaking)

	deadliner, hasDeadline := ch.(channel.Deadliner)
	if hasDeadline && w.cfg.handshakeTimeout > 0 {
		if err := deadliner.SetDeadline(time.Now().Add(w.cfg.handshakeTimeout)); err != nil {
			w.transition(StateRejected)
			return err
		}
	}

	ok, err := handshake.AuthenticateClient(ch, w.cfg.secret)
	if err != nil {
		w.transition(StateRejected)
		return err
	}
	if !ok {
		w.transition(StateRejected)
		return ErrAuthFailed
	}

	if hasDeadline {
		if err := deadliner.SetDeadline(time.Time{}); err != nil {
			return err
		}
	}

	w.transition(StateAuthenticated)
	w.logger.Debug("client authenticated")

	w.transition(StateServing)
	return w.cfg.handler.Serve(ctx, &Session{
		ID:         w.id,
		RemoteAddr: w.remote,
		Channel:    ch,
		Logger:     w.logger,
	})
}

func (w *worker) transition(next State) {
	w.state = next
	if w.cfg.observe != nil {
		w.cfg.observe(w.id, next)
	}
}
