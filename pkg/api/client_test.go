package api

import (
	"bufio"
	"net"
	"os"
	"strings"
	"testing"

	"github.com/h1dd3n01/authecho/pkg/testutil"
)

// mockServer creates a simple Unix socket server for testing.
type mockServer struct {
	listener net.Listener
	handler  func(conn net.Conn)
}

func newMockServer(socketPath string, handler func(conn net.Conn)) (*mockServer, error) {
	_ = os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}

	server := &mockServer{listener: listener, handler: handler}
	go server.acceptLoop()
	return server, nil
}

func (s *mockServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handler(conn)
	}
}

func (s *mockServer) Close() error {
	return s.listener.Close()
}

// respond answers any request line with a fixed response.
func respond(response string) func(net.Conn) {
	return func(conn net.Conn) {
		defer func() { _ = conn.Close() }()
		if _, err := bufio.NewReader(conn).ReadString('\n'); err != nil {
			return
		}
		_, _ = conn.Write([]byte(response))
	}
}

func TestDefaultSocketPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	if got := DefaultSocketPath(); got != "/run/user/1000/authecho/authecho.sock" {
		t.Errorf("DefaultSocketPath() = %q", got)
	}

	t.Setenv("XDG_RUNTIME_DIR", "")
	t.Setenv("HOME", "/home/test")
	if got := DefaultSocketPath(); got != "/home/test/.authecho/authecho.sock" {
		t.Errorf("DefaultSocketPath() = %q", got)
	}
}

func TestClientStatus(t *testing.T) {
	tests := []struct {
		name     string
		response string
		wantErr  string
		check    func(t *testing.T, status *StatusResponse)
	}{
		{
			name:     "valid status",
			response: `STATUS {"version":"1.0.0","listen_addr":":20000","tls":true,"policy":"reject","capacity":8,"server_stats":{"accepted":5,"active":1}}` + "\n",
			check: func(t *testing.T, status *StatusResponse) {
				if status.Version != "1.0.0" || status.Capacity != 8 || !status.TLS {
					t.Errorf("status = %+v", status)
				}
				if status.Stats.Accepted != 5 || status.Stats.Active != 1 {
					t.Errorf("stats = %+v", status.Stats)
				}
			},
		},
		{
			name:     "error response",
			response: "ERROR internal failure\n",
			wantErr:  "status failed: internal failure",
		},
		{
			name:     "garbage response",
			response: "HELLO\n",
			wantErr:  "invalid status response",
		},
		{
			name:     "no response",
			response: "",
			wantErr:  "no response from server",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			socketPath := testutil.SocketPath(t)
			server, err := newMockServer(socketPath, respond(tt.response))
			if err != nil {
				t.Fatalf("Failed to create mock server: %v", err)
			}
			defer func() { _ = server.Close() }()

			client := NewClient(&ClientConfig{SocketPath: socketPath})
			status, err := client.Status()

			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Status() error = nil, want %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("Status() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Status() unexpected error = %v", err)
			}
			tt.check(t, status)
		})
	}
}

func TestClientNotRunning(t *testing.T) {
	client := NewClient(&ClientConfig{SocketPath: testutil.SocketPath(t)})

	if client.IsRunning() {
		t.Error("IsRunning() = true with no server")
	}

	_, err := client.Status()
	if err == nil || !strings.Contains(err.Error(), "authecho server not running") {
		t.Errorf("Status() error = %v", err)
	}
}

func TestClientAgainstServer(t *testing.T) {
	socketPath := testutil.SocketPath(t)
	srv, err := NewServer(&ServerConfig{
		SocketPath: socketPath,
		Source:     newMockSource(),
		Version:    "9.9.9",
	})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer func() { _ = srv.Stop() }()

	client := NewClient(&ClientConfig{SocketPath: socketPath})
	if !client.IsRunning() {
		t.Fatal("IsRunning() = false")
	}

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Version != "9.9.9" || status.Policy != "queue" {
		t.Errorf("status = %+v", status)
	}
	if status.Stats.Completed != 8 {
		t.Errorf("Completed = %d", status.Stats.Completed)
	}
}
