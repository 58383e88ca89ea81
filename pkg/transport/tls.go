// Package transport upgrades raw connections to TLS.
//
// Encryption is a wrapping step selected by configuration: the server hands
// each accepted net.Conn to a ServerWrapper and gets back a net.Conn whose
// bytes are encrypted. A nil wrapper means plaintext. The wrapper never
// returns a half-established connection; if the TLS handshake fails, the raw
// connection is closed before the error is returned.
//
// Certificate requirements:
//   - CertFile/KeyFile: PEM server certificate and key, or SelfSigned for an
//     ephemeral development certificate.
//   - CAFile: PEM bundle used to verify client certificates. Required when
//     RequireClientCert is set.
//
// Client certificate verification is independent of the shared-secret
// handshake and can be combined with it.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrTransport marks a failed encrypted-session establishment.
var ErrTransport = errors.New("transport error")

// TransportError wraps the cause of a failed TLS setup.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

// Unwrap exposes the cause.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches ErrTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// Config describes the server side TLS material.
type Config struct {
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	CAFile            string `yaml:"ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
	SelfSigned        bool   `yaml:"self_signed"`
}

// Enabled reports whether the configuration asks for TLS at all.
func (c Config) Enabled() bool {
	return c.SelfSigned || c.CertFile != "" || c.KeyFile != ""
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if !c.Enabled() {
		if c.RequireClientCert || c.CAFile != "" {
			return fmt.Errorf("client certificate settings require TLS to be enabled")
		}
		return nil
	}
	if c.SelfSigned && (c.CertFile != "" || c.KeyFile != "") {
		return fmt.Errorf("cannot combine a self-signed certificate with certificate files")
	}
	if !c.SelfSigned && (c.CertFile == "" || c.KeyFile == "") {
		return fmt.Errorf("both certificate and key files are required")
	}
	if c.RequireClientCert && c.CAFile == "" {
		return fmt.Errorf("requiring client certificates needs a CA bundle")
	}
	return nil
}

// ServerWrapper performs the server side TLS upgrade.
type ServerWrapper struct {
	tlsConfig *tls.Config
}

// NewServerWrapper loads the TLS material once. The result is read-only and
// safe for concurrent use.
func NewServerWrapper(cfg Config) (*ServerWrapper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return nil, fmt.Errorf("TLS is not configured")
	}

	var cert tls.Certificate
	if cfg.SelfSigned {
		pair, err := GenerateSelfSigned("authecho")
		if err != nil {
			return nil, err
		}
		if cert, err = pair.KeyPair(); err != nil {
			return nil, err
		}
	} else {
		var err error
		cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		ClientAuth:   tls.NoClientCert,
	}

	if cfg.CAFile != "" {
		bundle, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle: %w", err)
		}
		pool, err := certPool(bundle)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if cfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return &ServerWrapper{tlsConfig: tlsConfig}, nil
}

// Wrap runs the TLS handshake over raw and returns the encrypted
// connection. On failure raw is closed and a *TransportError is returned.
func (w *ServerWrapper) Wrap(ctx context.Context, raw net.Conn) (net.Conn, error) {
	tlsConn := tls.Server(raw, w.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = tlsConn.Close()
		return nil, &TransportError{Op: "server handshake", Err: err}
	}
	return tlsConn, nil
}

// ClientAuth reports the configured client certificate policy.
func (w *ServerWrapper) ClientAuth() tls.ClientAuthType {
	return w.tlsConfig.ClientAuth
}

// ClientConfig describes the client side TLS material.
type ClientConfig struct {
	// CAFile verifies the server certificate. Empty uses the system pool.
	CAFile string `yaml:"ca_file"`

	// CertFile and KeyFile present a client certificate when set.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// ServerName overrides the name checked against the server certificate.
	ServerName string `yaml:"server_name"`

	// InsecureSkipVerify disables server certificate verification. The
	// shared-secret handshake still authenticates the client.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// ClientWrapper performs the client side TLS upgrade.
type ClientWrapper struct {
	tlsConfig *tls.Config
}

// NewClientWrapper loads the client TLS material once.
func NewClientWrapper(cfg ClientConfig) (*ClientWrapper, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in, the handshake still authenticates
	}

	if cfg.CAFile != "" {
		bundle, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle: %w", err)
		}
		pool, err := certPool(bundle)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return &ClientWrapper{tlsConfig: tlsConfig}, nil
}

// Wrap runs the client TLS handshake over raw. On failure raw is closed.
func (w *ClientWrapper) Wrap(ctx context.Context, raw net.Conn, addr string) (net.Conn, error) {
	cfg := w.tlsConfig
	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			cfg = cfg.Clone()
			cfg.ServerName = host
		}
	}

	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = tlsConn.Close()
		return nil, &TransportError{Op: "client handshake", Err: err}
	}
	return tlsConn, nil
}
