package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/h1dd3n01/authecho/pkg/client"
	"github.com/h1dd3n01/authecho/pkg/handshake"
	"github.com/h1dd3n01/authecho/pkg/transport"
)

type sendOptions struct {
	addr        string
	secret      string
	secretFile  string
	tls         bool
	tlsConfig   transport.ClientConfig
	timeout     time.Duration
	maxAttempts int
	verbose     bool
}

func newSendCmd() *cobra.Command {
	opts := &sendOptions{}

	cmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "Send a message and print the echo",
		Long: `Connect to an authecho server, authenticate with the shared secret and
print what the server echoes back.

The message is taken from the arguments, joined with spaces, or from
stdin when no arguments are given.

Examples:
  # Send a message
  authecho send --secret mysecret --addr localhost:20000 hello world

  # Send a file over TLS, trusting the server's CA
  authecho send --secret mysecret --tls --tls-ca ca.pem < payload.bin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", "localhost:20000", "Server address")
	f.StringVar(&opts.secret, "secret", "", "Shared secret (or AUTHECHO_SECRET)")
	f.StringVar(&opts.secretFile, "secret-file", "", "Path to file containing the shared secret (or AUTHECHO_SECRET_FILE)")
	f.BoolVar(&opts.tls, "tls", false, "Connect over TLS")
	f.StringVar(&opts.tlsConfig.CAFile, "tls-ca", "", "PEM CA bundle used to verify the server")
	f.StringVar(&opts.tlsConfig.CertFile, "tls-cert", "", "PEM client certificate")
	f.StringVar(&opts.tlsConfig.KeyFile, "tls-key", "", "PEM client key")
	f.StringVar(&opts.tlsConfig.ServerName, "tls-server-name", "", "Name expected in the server certificate")
	f.BoolVar(&opts.tlsConfig.InsecureSkipVerify, "tls-insecure", false, "Skip server certificate verification")
	f.DurationVar(&opts.timeout, "timeout", client.DefaultTimeout, "Per-operation timeout")
	f.IntVar(&opts.maxAttempts, "retries", 3, "Connection attempts before giving up")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")

	return cmd
}

func runSend(cmd *cobra.Command, opts *sendOptions, args []string) error {
	secret, err := opts.resolveSecret()
	if err != nil {
		return err
	}

	var message []byte
	if len(args) > 0 {
		message = []byte(strings.Join(args, " "))
	} else {
		message, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
	}
	if len(message) == 0 {
		return fmt.Errorf("nothing to send")
	}

	cfg := client.Config{
		Secret:       handshake.Secret(secret),
		ReadTimeout:  opts.timeout,
		WriteTimeout: opts.timeout,
		MaxAttempts:  opts.maxAttempts,
		Logger:       newLogger(cmd.ErrOrStderr(), opts.verbose),
	}
	if opts.tls {
		wrapper, err := transport.NewClientWrapper(opts.tlsConfig)
		if err != nil {
			return fmt.Errorf("failed to set up TLS: %w", err)
		}
		cfg.TLS = wrapper
	}

	conn, err := client.Dial(cmd.Context(), opts.addr, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	reply, err := conn.Echo(message)
	if err != nil {
		if errors.Is(err, client.ErrRejected) {
			return fmt.Errorf("server rejected the connection (wrong secret?)")
		}
		return fmt.Errorf("echo failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if _, err := out.Write(reply); err != nil {
		return err
	}
	if len(args) > 0 {
		_, _ = fmt.Fprintln(out)
	}
	return nil
}

// resolveSecret picks the secret from flags, then the environment.
func (o *sendOptions) resolveSecret() (string, error) {
	secret, secretFile := o.secret, o.secretFile
	if secret == "" && secretFile == "" {
		secret = os.Getenv("AUTHECHO_SECRET")
		secretFile = os.Getenv("AUTHECHO_SECRET_FILE")
	}

	if secretFile != "" {
		if secret != "" {
			return "", fmt.Errorf("cannot specify both --secret and --secret-file")
		}
		content, err := os.ReadFile(secretFile)
		if err != nil {
			return "", fmt.Errorf("failed to read secret file: %w", err)
		}
		secret = strings.TrimSpace(string(content))
	}

	if secret == "" {
		return "", fmt.Errorf("secret is required (use --secret, AUTHECHO_SECRET, or --secret-file)")
	}
	return secret, nil
}
