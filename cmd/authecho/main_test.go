package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h1dd3n01/authecho/pkg/api"
	"github.com/h1dd3n01/authecho/pkg/config"
	"github.com/h1dd3n01/authecho/pkg/server"
	"github.com/h1dd3n01/authecho/pkg/testutil"
)

// execute runs the root command with args and returns its output.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	err := root.Execute()
	return out.String(), err
}

// captureServe replaces the server run with one that records the resolved
// configuration.
func captureServe(t *testing.T) **config.Config {
	t.Helper()

	var captured *config.Config
	original := serveFunc
	serveFunc = func(_ context.Context, cfg *config.Config, _ *slog.Logger, _ func(*server.Server)) error {
		captured = cfg
		return nil
	}
	t.Cleanup(func() { serveFunc = original })
	return &captured
}

// startTestServer runs the full server in the background and waits until it
// listens.
func startTestServer(t *testing.T, cfg *config.Config) *server.Server {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan *server.Server, 1)
	done := make(chan error, 1)

	go func() {
		done <- runServer(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), func(s *server.Server) {
			ready <- s
		})
	}()

	var srv *server.Server
	select {
	case srv = <-ready:
	case err := <-done:
		cancel()
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server did not start")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.NewConfig()
	cfg.Secret = "cli-secret"
	cfg.Listen = "127.0.0.1:0"
	cfg.SocketPath = testutil.SocketPath(t)
	cfg.DrainTimeout = time.Second
	return cfg
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	assert.Subset(t, names, []string{"serve", "send", "status", "version"})

	assert.NotNil(t, root.PersistentFlags().Lookup("socket"))
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "authecho version dev")
	assert.Contains(t, out, "commit: none")
}

func TestServeConfigPrecedence(t *testing.T) {
	t.Run("defaults with flag secret", func(t *testing.T) {
		captured := captureServe(t)

		_, err := execute(t, "", "serve", "--secret", "flag-secret")
		require.NoError(t, err)
		require.NotNil(t, *captured)

		cfg := *captured
		assert.Equal(t, "flag-secret", cfg.Secret)
		assert.Equal(t, ":20000", cfg.Listen)
		assert.Equal(t, server.PolicyReject, cfg.Policy)
		assert.Equal(t, api.DefaultSocketPath(), cfg.SocketPath)
	})

	t.Run("flags beat env beat file", func(t *testing.T) {
		captured := captureServe(t)

		file := testutil.WriteFile(t, "authecho.yaml", `
listen: "127.0.0.1:7000"
capacity: 5
policy: queue
queue_size: 2
drain_timeout: 3s
`)
		t.Setenv("AUTHECHO_SECRET", "env-secret")
		t.Setenv("AUTHECHO_CAPACITY", "7")
		t.Setenv("AUTHECHO_DRAIN_TIMEOUT", "4s")

		_, err := execute(t, "", "serve",
			"--config", file,
			"--drain-timeout", "9s",
			"--socket", "/tmp/ae-precedence.sock",
		)
		require.NoError(t, err)
		require.NotNil(t, *captured)

		cfg := *captured
		assert.Equal(t, "env-secret", cfg.Secret, "env fills what flags leave out")
		assert.Equal(t, "127.0.0.1:7000", cfg.Listen, "file fills what env leaves out")
		assert.Equal(t, 7, cfg.Capacity, "env beats file")
		assert.Equal(t, 9*time.Second, cfg.DrainTimeout, "flag beats env")
		assert.Equal(t, server.PolicyQueue, cfg.Policy)
		assert.Equal(t, "/tmp/ae-precedence.sock", cfg.SocketPath)
	})

	t.Run("policy flag", func(t *testing.T) {
		captured := captureServe(t)

		_, err := execute(t, "", "serve", "--secret", "s", "--policy", "queue", "--queue-size", "3")
		require.NoError(t, err)
		assert.Equal(t, server.PolicyQueue, (*captured).Policy)
		assert.Equal(t, 3, (*captured).QueueSize)
	})

	t.Run("invalid configuration", func(t *testing.T) {
		captured := captureServe(t)
		t.Setenv("AUTHECHO_SECRET", "")

		_, err := execute(t, "", "serve")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration error")
		assert.Nil(t, *captured)
	})

	t.Run("missing config file", func(t *testing.T) {
		captureServe(t)

		_, err := execute(t, "", "serve", "--secret", "s", "--config", "/nonexistent.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})
}

func TestServeSendStatus(t *testing.T) {
	cfg := testConfig(t)
	srv := startTestServer(t, cfg)
	addr := srv.Addr().String()

	t.Run("send arguments", func(t *testing.T) {
		out, err := execute(t, "", "send", "--addr", addr, "--secret", "cli-secret", "hello", "world")
		require.NoError(t, err)
		assert.Equal(t, "hello world\n", out)
	})

	t.Run("send stdin", func(t *testing.T) {
		out, err := execute(t, "raw\x00bytes", "send", "--addr", addr, "--secret", "cli-secret")
		require.NoError(t, err)
		assert.Equal(t, "raw\x00bytes", out)
	})

	t.Run("send with secret file", func(t *testing.T) {
		secretFile := testutil.WriteFile(t, "secret", "cli-secret\n")
		out, err := execute(t, "", "send", "--addr", addr, "--secret-file", secretFile, "filed")
		require.NoError(t, err)
		assert.Equal(t, "filed\n", out)
	})

	t.Run("send with wrong secret", func(t *testing.T) {
		_, err := execute(t, "", "send", "--addr", addr, "--secret", "wrong", "--timeout", "2s", "hello")
		require.Error(t, err)
	})

	t.Run("status json", func(t *testing.T) {
		assert.Eventually(t, func() bool {
			return srv.Stats().Completed >= 3
		}, 2*time.Second, 10*time.Millisecond)

		out, err := execute(t, "", "status", "--json", "--socket", cfg.SocketPath)
		require.NoError(t, err)

		var status api.StatusResponse
		require.NoError(t, json.Unmarshal([]byte(out), &status))
		assert.Equal(t, addr, status.ListenAddr)
		assert.Equal(t, "reject", status.Policy)
		assert.Equal(t, cfg.Capacity, status.Capacity)
		assert.GreaterOrEqual(t, status.Stats.Completed, uint64(3))
		assert.GreaterOrEqual(t, status.Stats.AuthFailures, uint64(1))
	})

	t.Run("status human", func(t *testing.T) {
		out, err := execute(t, "", "status", "--socket", cfg.SocketPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Listen Address:")
		assert.Contains(t, out, "Auth Failures:")
		assert.Contains(t, out, "TLS:")
	})
}

func TestServeTLS(t *testing.T) {
	certs := testutil.WriteCertificate(t, "cli")

	cfg := testConfig(t)
	cfg.TLS.CertFile = certs.Cert
	cfg.TLS.KeyFile = certs.Key
	srv := startTestServer(t, cfg)

	out, err := execute(t, "", "send",
		"--addr", srv.Addr().String(),
		"--secret", "cli-secret",
		"--tls", "--tls-ca", certs.Cert,
		"secure",
	)
	require.NoError(t, err)
	assert.Equal(t, "secure\n", out)
}

func TestSendErrors(t *testing.T) {
	t.Run("no secret", func(t *testing.T) {
		t.Setenv("AUTHECHO_SECRET", "")
		t.Setenv("AUTHECHO_SECRET_FILE", "")
		_, err := execute(t, "", "send", "hello")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "secret is required")
	})

	t.Run("nothing to send", func(t *testing.T) {
		_, err := execute(t, "", "send", "--secret", "s")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nothing to send")
	})

	t.Run("no server", func(t *testing.T) {
		_, err := execute(t, "", "send", "--secret", "s", "--addr", "127.0.0.1:1", "--retries", "1", "hi")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to connect")
	})
}

func TestStatusNotRunning(t *testing.T) {
	_, err := execute(t, "", "status", "--socket", testutil.SocketPath(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestResolveSecret(t *testing.T) {
	tests := []struct {
		name    string
		opts    sendOptions
		env     map[string]string
		want    string
		wantErr string
	}{
		{name: "flag", opts: sendOptions{secret: "flag"}, want: "flag"},
		{name: "env", env: map[string]string{"AUTHECHO_SECRET": "env"}, want: "env"},
		{
			name: "flag beats env",
			opts: sendOptions{secret: "flag"},
			env:  map[string]string{"AUTHECHO_SECRET": "env"},
			want: "flag",
		},
		{
			name:    "both sources",
			opts:    sendOptions{secret: "a", secretFile: "/tmp/x"},
			wantErr: "cannot specify both",
		},
		{name: "none", wantErr: "secret is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("AUTHECHO_SECRET", "")
			t.Setenv("AUTHECHO_SECRET_FILE", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got, err := tt.opts.resolveSecret()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
