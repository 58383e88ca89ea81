package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/spf13/cobra"

	"github.com/h1dd3n01/authecho/pkg/api"
	"github.com/h1dd3n01/authecho/pkg/config"
	"github.com/h1dd3n01/authecho/pkg/handshake"
	"github.com/h1dd3n01/authecho/pkg/server"
	"github.com/h1dd3n01/authecho/pkg/transport"
)

// flagOverrides copies a flag's value from the flag-bound config into the
// effective config. Only flags the user set are applied, so env and file
// values survive unless overridden on the command line.
var flagOverrides = map[string]func(dst, src *config.Config){
	"secret":                  func(d, s *config.Config) { d.Secret = s.Secret },
	"secret-file":             func(d, s *config.Config) { d.SecretFile = s.SecretFile },
	"listen":                  func(d, s *config.Config) { d.Listen = s.Listen },
	"capacity":                func(d, s *config.Config) { d.Capacity = s.Capacity },
	"policy":                  func(d, s *config.Config) { d.Policy = s.Policy },
	"queue-size":              func(d, s *config.Config) { d.QueueSize = s.QueueSize },
	"queue-timeout":           func(d, s *config.Config) { d.QueueTimeout = s.QueueTimeout },
	"handshake-timeout":       func(d, s *config.Config) { d.HandshakeTimeout = s.HandshakeTimeout },
	"read-timeout":            func(d, s *config.Config) { d.ReadTimeout = s.ReadTimeout },
	"write-timeout":           func(d, s *config.Config) { d.WriteTimeout = s.WriteTimeout },
	"drain-timeout":           func(d, s *config.Config) { d.DrainTimeout = s.DrainTimeout },
	"keepalive":               func(d, s *config.Config) { d.KeepAlive = s.KeepAlive },
	"nodelay":                 func(d, s *config.Config) { d.NoDelay = s.NoDelay },
	"buffer-size":             func(d, s *config.Config) { d.BufferSize = s.BufferSize },
	"tls-cert":                func(d, s *config.Config) { d.TLS.CertFile = s.TLS.CertFile },
	"tls-key":                 func(d, s *config.Config) { d.TLS.KeyFile = s.TLS.KeyFile },
	"tls-ca":                  func(d, s *config.Config) { d.TLS.CAFile = s.TLS.CAFile },
	"tls-require-client-cert": func(d, s *config.Config) { d.TLS.RequireClientCert = s.TLS.RequireClientCert },
	"tls-self-signed":         func(d, s *config.Config) { d.TLS.SelfSigned = s.TLS.SelfSigned },
	"verbose":                 func(d, s *config.Config) { d.Verbose = s.Verbose },
}

// serveFunc runs the server once the configuration is resolved.
var serveFunc = runServer

type serveOptions struct {
	flags      config.Config
	configFile string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{flags: *config.NewConfig()}
	policy := string(opts.flags.Policy)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the echo server",
		Long: `Run the authenticated echo server.

Every connection is optionally upgraded to TLS, then must answer a random
challenge with HMAC-SHA256(secret, challenge) before anything is echoed.
Clients that fail are disconnected without explanation.

At most --capacity sessions run at once. When full, new connections are
either closed (--policy reject) or wait in a bounded queue (--policy queue).

On SIGINT or SIGTERM the server stops accepting, waits up to
--drain-timeout for live sessions, then closes the rest.

Examples:
  # Plaintext server
  authecho serve --secret mysecret

  # TLS with a generated certificate
  authecho serve --secret mysecret --tls-self-signed

  # Settings from a file, secret from the environment
  AUTHECHO_SECRET=mysecret authecho serve --config /etc/authecho.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.flags.Policy = server.Policy(policy)
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serveFunc(ctx, cfg, newLogger(cmd.OutOrStdout(), cfg.Verbose), nil)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configFile, "config", "c", "", "Path to a YAML configuration file")
	f.StringVar(&opts.flags.Secret, "secret", "", "Shared secret for the client handshake")
	f.StringVar(&opts.flags.SecretFile, "secret-file", "", "Path to file containing the shared secret")
	f.StringVar(&opts.flags.Listen, "listen", opts.flags.Listen, "Listen address")
	f.IntVar(&opts.flags.Capacity, "capacity", opts.flags.Capacity, "Maximum concurrent sessions")
	f.StringVar(&policy, "policy", policy, "Saturation policy: reject or queue")
	f.IntVar(&opts.flags.QueueSize, "queue-size", opts.flags.QueueSize, "Backlog size for the queue policy")
	f.DurationVar(&opts.flags.QueueTimeout, "queue-timeout", opts.flags.QueueTimeout, "How long a queued connection may wait")
	f.DurationVar(&opts.flags.HandshakeTimeout, "handshake-timeout", opts.flags.HandshakeTimeout, "Deadline for TLS setup and authentication")
	f.DurationVar(&opts.flags.ReadTimeout, "read-timeout", opts.flags.ReadTimeout, "Per-read timeout")
	f.DurationVar(&opts.flags.WriteTimeout, "write-timeout", opts.flags.WriteTimeout, "Per-write timeout")
	f.DurationVar(&opts.flags.DrainTimeout, "drain-timeout", opts.flags.DrainTimeout, "How long shutdown waits for live sessions")
	f.DurationVar(&opts.flags.KeepAlive, "keepalive", opts.flags.KeepAlive, "TCP keepalive period (0 disables)")
	f.BoolVar(&opts.flags.NoDelay, "nodelay", opts.flags.NoDelay, "Disable Nagle's algorithm")
	f.IntVar(&opts.flags.BufferSize, "buffer-size", opts.flags.BufferSize, "Largest chunk echoed at once")
	f.StringVar(&opts.flags.TLS.CertFile, "tls-cert", "", "PEM certificate file")
	f.StringVar(&opts.flags.TLS.KeyFile, "tls-key", "", "PEM private key file")
	f.StringVar(&opts.flags.TLS.CAFile, "tls-ca", "", "PEM CA bundle for client certificates")
	f.BoolVar(&opts.flags.TLS.RequireClientCert, "tls-require-client-cert", false, "Require a verified client certificate")
	f.BoolVar(&opts.flags.TLS.SelfSigned, "tls-self-signed", false, "Serve a generated self-signed certificate")
	f.BoolVarP(&opts.flags.Verbose, "verbose", "v", false, "Enable verbose logging")

	return cmd
}

// resolve builds the effective configuration: defaults, then the config
// file, then the environment, then explicitly set flags.
func (o *serveOptions) resolve(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.NewConfig()

	if o.configFile != "" {
		if err := cfg.LoadFile(o.configFile); err != nil {
			return nil, err
		}
	}

	cfg.LoadFromEnv()

	for name, apply := range flagOverrides {
		if cmd.Flags().Changed(name) {
			apply(cfg, &o.flags)
		}
	}

	if cfg.SocketPath == "" || cmd.Flags().Changed("socket") {
		cfg.SocketPath = socketPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

// runServer runs the echo server and its status API until ctx is done, then
// shuts both down. onReady, if set, is called once the server is listening.
func runServer(ctx context.Context, cfg *config.Config, log *slog.Logger, onReady func(*server.Server)) error {
	log.Info("starting authecho", "version", version, "listen", cfg.Listen, "socket", cfg.SocketPath)
	log.Debug("configuration", "config", cfg.String())

	var wrapper *transport.ServerWrapper
	if cfg.TLS.Enabled() {
		var err error
		wrapper, err = transport.NewServerWrapper(cfg.TLS)
		if err != nil {
			return fmt.Errorf("failed to set up TLS: %w", err)
		}
		log.Info("TLS enabled", "client_auth", wrapper.ClientAuth().String())
	}

	srv, err := server.New(server.Config{
		Addr:             cfg.Listen,
		Secret:           handshake.Secret(cfg.Secret),
		TLS:              wrapper,
		Capacity:         cfg.Capacity,
		Policy:           cfg.Policy,
		QueueSize:        cfg.QueueSize,
		QueueTimeout:     cfg.QueueTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		DrainTimeout:     cfg.DrainTimeout,
		KeepAlive:        cfg.KeepAlive,
		NoDelay:          cfg.NoDelay,
		Handler:          server.EchoHandler{BufferSize: cfg.BufferSize},
		Logger:           log,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	apiServer, err := api.NewServer(&api.ServerConfig{
		SocketPath: cfg.SocketPath,
		Source:     srv,
		Version:    version,
		Logger:     log,
	})
	if err != nil {
		_ = srv.Close()
		return fmt.Errorf("failed to create API server: %w", err)
	}
	if err := apiServer.Start(); err != nil {
		_ = srv.Close()
		return fmt.Errorf("failed to start API server: %w", err)
	}
	defer func() {
		if err := apiServer.Stop(); err != nil {
			log.Error("failed to stop API server", "error", err)
		}
	}()

	log.Info("authecho is running", "addr", srv.Addr(), "capacity", cfg.Capacity, "policy", cfg.Policy)
	if onReady != nil {
		onReady(srv)
	}

	<-ctx.Done()
	log.Info("shutting down", "active", srv.Stats().Active)

	// The drain deadline lives in the server config; this bound only
	// protects against a wedged shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+5*time.Second)
	defer cancel()

	stopErr := srv.Stop(shutdownCtx)
	if errors.Is(stopErr, server.ErrDrainTimeout) {
		log.Error("sessions were still running at the drain deadline and were closed")
	} else if stopErr != nil {
		log.Error("shutdown failed", "error", stopErr)
	}

	stats := srv.Stats()
	log.Info("final statistics",
		"accepted", stats.Accepted,
		"completed", stats.Completed,
		"rejected", stats.Rejected,
		"auth_failures", stats.AuthFailures,
		"bytes_in", sizestr.ToString(int64(stats.BytesIn)),
		"bytes_out", sizestr.ToString(int64(stats.BytesOut)),
		"uptime", time.Since(stats.StartTime).Round(time.Second),
	)

	log.Info("authecho stopped")
	return stopErr
}
