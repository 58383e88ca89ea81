// Package config provides configuration management for the authecho server.
// It handles loading, validation, and display of all server settings including
// the listen address, the shared secret, TLS material, and pool limits.
//
// Configuration Sources:
//
// Configuration can be loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables
//  3. A YAML configuration file
//  4. Default values (lowest priority)
//
// Environment Variables:
//
//   - AUTHECHO_SECRET: Shared secret for the client handshake
//   - AUTHECHO_SECRET_FILE: Path to file containing the shared secret
//   - AUTHECHO_LISTEN: Address to listen on
//   - AUTHECHO_CAPACITY: Maximum number of concurrent sessions
//   - AUTHECHO_POLICY: What to do when saturated ("reject" or "queue")
//   - AUTHECHO_QUEUE_SIZE: Backlog size for the queue policy
//   - AUTHECHO_QUEUE_TIMEOUT: How long a queued connection may wait
//   - AUTHECHO_HANDSHAKE_TIMEOUT: Deadline for TLS setup plus the handshake
//   - AUTHECHO_READ_TIMEOUT / AUTHECHO_WRITE_TIMEOUT: Per-operation I/O limits
//   - AUTHECHO_DRAIN_TIMEOUT: How long shutdown waits for live sessions
//   - AUTHECHO_TLS_CERT / AUTHECHO_TLS_KEY / AUTHECHO_TLS_CA: TLS material
//   - AUTHECHO_TLS_REQUIRE_CLIENT_CERT: Demand a verified client certificate
//   - AUTHECHO_TLS_SELF_SIGNED: Serve a generated self-signed certificate
//   - AUTHECHO_SOCKET: Path of the local status socket
//   - AUTHECHO_VERBOSE: Enable verbose logging
//
// Security:
//
// The shared secret is never logged or displayed in configuration output.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/h1dd3n01/authecho/pkg/server"
	"github.com/h1dd3n01/authecho/pkg/transport"
)

// Config holds all configuration for an authecho server.
type Config struct {
	// Core settings
	Secret     string `yaml:"secret" env:"AUTHECHO_SECRET"`
	SecretFile string `yaml:"secret_file" env:"AUTHECHO_SECRET_FILE"`
	Listen     string `yaml:"listen" env:"AUTHECHO_LISTEN"`

	// Pool
	Capacity     int           `yaml:"capacity" env:"AUTHECHO_CAPACITY"`
	Policy       server.Policy `yaml:"policy" env:"AUTHECHO_POLICY"`
	QueueSize    int           `yaml:"queue_size" env:"AUTHECHO_QUEUE_SIZE"`
	QueueTimeout time.Duration `yaml:"queue_timeout" env:"AUTHECHO_QUEUE_TIMEOUT"`

	// Timeouts
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"AUTHECHO_HANDSHAKE_TIMEOUT"`
	ReadTimeout      time.Duration `yaml:"read_timeout" env:"AUTHECHO_READ_TIMEOUT"`
	WriteTimeout     time.Duration `yaml:"write_timeout" env:"AUTHECHO_WRITE_TIMEOUT"`
	DrainTimeout     time.Duration `yaml:"drain_timeout" env:"AUTHECHO_DRAIN_TIMEOUT"`

	// Socket options
	KeepAlive time.Duration `yaml:"keepalive"`
	NoDelay   bool          `yaml:"nodelay"`

	// Echo chunk size
	BufferSize int `yaml:"buffer_size"`

	TLS transport.Config `yaml:"tls"`

	// Behavior
	SocketPath string `yaml:"socket" env:"AUTHECHO_SOCKET"`
	Verbose    bool   `yaml:"verbose" env:"AUTHECHO_VERBOSE"`
}

// NewConfig creates a new config with defaults suitable for a small server.
//
// Default values:
//   - Listen: :20000
//   - Capacity: 64 concurrent sessions
//   - Policy: reject when saturated
//   - HandshakeTimeout: 10s, Read/WriteTimeout: 30s, DrainTimeout: 10s
//   - BufferSize: 8192 bytes
//
// Users typically only need to set Secret.
func NewConfig() *Config {
	return &Config{
		Listen:           ":20000",
		Capacity:         64,
		Policy:           server.PolicyReject,
		QueueSize:        64,
		QueueTimeout:     server.DefaultQueueTimeout,
		HandshakeTimeout: server.DefaultHandshakeTimeout,
		ReadTimeout:      server.DefaultReadTimeout,
		WriteTimeout:     server.DefaultWriteTimeout,
		DrainTimeout:     server.DefaultDrainTimeout,
		KeepAlive:        server.DefaultKeepAlive,
		NoDelay:          true,
		BufferSize:       server.DefaultBufferSize,
	}
}

// LoadFile overlays the settings present in a YAML file onto c. Keys that
// the file leaves out keep their current values.
func (c *Config) LoadFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(content, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate ensures the configuration is valid and internally consistent.
//
// Validation rules:
//   - Secret is required, from exactly one of --secret/AUTHECHO_SECRET or --secret-file
//   - Listen must be host:port or :port
//   - Capacity must be positive; the queue policy needs a positive queue size
//   - Timeouts must be positive
//   - TLS settings must be consistent
//
// If SecretFile is set, the secret is read from the file.
func (c *Config) Validate() error {
	if c.SecretFile != "" {
		if c.Secret != "" {
			return fmt.Errorf("cannot specify both --secret and --secret-file")
		}

		content, err := os.ReadFile(c.SecretFile)
		if err != nil {
			return fmt.Errorf("failed to read secret file: %w", err)
		}

		c.Secret = strings.TrimSpace(string(content))
	}

	if c.Secret == "" {
		return fmt.Errorf("secret is required (use --secret, AUTHECHO_SECRET, or --secret-file)")
	}

	if err := ValidateAddress(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}

	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive")
	}

	switch c.Policy {
	case server.PolicyReject:
	case server.PolicyQueue:
		if c.QueueSize <= 0 {
			return fmt.Errorf("queue policy requires a positive queue size")
		}
		if c.QueueTimeout <= 0 {
			return fmt.Errorf("queue timeout must be positive")
		}
	default:
		return fmt.Errorf("invalid policy: %s", c.Policy)
	}

	timeouts := []struct {
		name  string
		value time.Duration
	}{
		{"handshake timeout", c.HandshakeTimeout},
		{"read timeout", c.ReadTimeout},
		{"write timeout", c.WriteTimeout},
		{"drain timeout", c.DrainTimeout},
	}
	for _, timeout := range timeouts {
		if timeout.value <= 0 {
			return fmt.Errorf("%s must be positive", timeout.name)
		}
	}

	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive")
	}

	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("invalid TLS configuration: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables, overriding
// any existing values.
//
// Invalid values are silently ignored, keeping the existing configuration.
func (c *Config) LoadFromEnv() {
	if secret := os.Getenv("AUTHECHO_SECRET"); secret != "" {
		c.Secret = secret
	}

	if secretFile := os.Getenv("AUTHECHO_SECRET_FILE"); secretFile != "" {
		c.SecretFile = secretFile
	}

	if listen := os.Getenv("AUTHECHO_LISTEN"); listen != "" {
		c.Listen = listen
	}

	envInt("AUTHECHO_CAPACITY", &c.Capacity)
	envInt("AUTHECHO_QUEUE_SIZE", &c.QueueSize)

	if policy := os.Getenv("AUTHECHO_POLICY"); policy != "" {
		c.Policy = server.Policy(strings.ToLower(policy))
	}

	envDuration("AUTHECHO_QUEUE_TIMEOUT", &c.QueueTimeout)
	envDuration("AUTHECHO_HANDSHAKE_TIMEOUT", &c.HandshakeTimeout)
	envDuration("AUTHECHO_READ_TIMEOUT", &c.ReadTimeout)
	envDuration("AUTHECHO_WRITE_TIMEOUT", &c.WriteTimeout)
	envDuration("AUTHECHO_DRAIN_TIMEOUT", &c.DrainTimeout)

	if cert := os.Getenv("AUTHECHO_TLS_CERT"); cert != "" {
		c.TLS.CertFile = cert
	}
	if key := os.Getenv("AUTHECHO_TLS_KEY"); key != "" {
		c.TLS.KeyFile = key
	}
	if ca := os.Getenv("AUTHECHO_TLS_CA"); ca != "" {
		c.TLS.CAFile = ca
	}
	envBool("AUTHECHO_TLS_REQUIRE_CLIENT_CERT", &c.TLS.RequireClientCert)
	envBool("AUTHECHO_TLS_SELF_SIGNED", &c.TLS.SelfSigned)

	if socket := os.Getenv("AUTHECHO_SOCKET"); socket != "" {
		c.SocketPath = socket
	}

	envBool("AUTHECHO_VERBOSE", &c.Verbose)
}

func envInt(name string, target *int) {
	if value := os.Getenv(name); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			*target = n
		}
	}
}

func envDuration(name string, target *time.Duration) {
	if value := os.Getenv(name); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			*target = d
		}
	}
}

func envBool(name string, target *bool) {
	if value := os.Getenv(name); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			*target = b
		}
	}
}

// ValidateAddress checks that addr looks like host:port or :port. Full
// validation happens when the address is bound or dialed.
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("empty address")
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("address should be in format host:port or :port")
	}
	if port == "" {
		return fmt.Errorf("missing port")
	}
	return nil
}

// String returns a string representation of the config suitable for logging.
// The secret is shown as "[hidden]" if set and "[not set]" if empty.
func (c *Config) String() string {
	secretDisplay := "[hidden]"
	if c.Secret == "" {
		secretDisplay = "[not set]"
	}

	tlsDisplay := "off"
	switch {
	case c.TLS.SelfSigned:
		tlsDisplay = "self-signed"
	case c.TLS.Enabled():
		tlsDisplay = c.TLS.CertFile
	}

	return fmt.Sprintf(
		"Config{Listen: %s, Secret: %s, Capacity: %d, Policy: %s, TLS: %s, HandshakeTimeout: %s, DrainTimeout: %s, Verbose: %v}",
		c.Listen, secretDisplay, c.Capacity, c.Policy, tlsDisplay, c.HandshakeTimeout, c.DrainTimeout, c.Verbose,
	)
}
