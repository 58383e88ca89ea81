package api

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

// Client talks to a running server's API socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// ClientConfig contains configuration for the client.
type ClientConfig struct {
	// SocketPath is the path to the Unix domain socket.
	// If empty, uses the default socket path.
	SocketPath string

	// Timeout for operations. Default is 5 seconds.
	Timeout time.Duration
}

// DefaultSocketPath returns the default socket path based on XDG standards.
func DefaultSocketPath() string {
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return xdg + "/authecho/authecho.sock"
	}
	home := os.Getenv("HOME")
	if home == "" {
		home = "~"
	}
	return home + "/.authecho/authecho.sock"
}

// NewClient creates a new client with the given configuration.
func NewClient(cfg *ClientConfig) *Client {
	if cfg == nil {
		cfg = &ClientConfig{}
	}

	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = DefaultSocketPath()
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// Status retrieves the server's current status.
func (c *Client) Status() (*StatusResponse, error) {
	response, err := c.roundTrip(CommandStatus)
	if err != nil {
		return nil, err
	}
	return ParseStatus(response)
}

// Ping checks that the server answers on its API socket.
func (c *Client) Ping() error {
	response, err := c.roundTrip(CommandPing)
	if err != nil {
		return err
	}
	if response != string(ResponseOK) {
		return fmt.Errorf("ping failed: %s", response)
	}
	return nil
}

// IsRunning checks if the server is running and responsive.
func (c *Client) IsRunning() bool {
	return c.Ping() == nil
}

func (c *Client) roundTrip(cmd Command) (string, error) {
	conn, err := c.dial()
	if err != nil {
		return "", c.handleDialError(err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := fmt.Fprintln(conn, cmd); err != nil {
		return "", fmt.Errorf("failed to send %s command: %w", strings.ToLower(string(cmd)), err)
	}

	return c.readResponse(conn)
}

// dial establishes a connection to the server's socket.
func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set connection deadline: %w", err)
	}

	return conn, nil
}

// readResponse reads a single line response from the connection.
func (c *Client) readResponse(conn net.Conn) (string, error) {
	response, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		if err == io.EOF {
			return "", fmt.Errorf("no response from server")
		}
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	return strings.TrimSpace(response), nil
}

// handleDialError provides appropriate error messages for connection failures.
func (c *Client) handleDialError(err error) error {
	if strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "no such file") {
		return fmt.Errorf("authecho server not running (socket: %s)", c.socketPath)
	}
	return fmt.Errorf("failed to connect to server: %w", err)
}
