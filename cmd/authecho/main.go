// Package main implements the authecho CLI: an echo server that only talks
// to clients proving knowledge of a shared secret, optionally over TLS.
//
// # Commands
//
//   - serve: run the server until SIGINT or SIGTERM, then drain
//   - send: connect, authenticate and echo a message
//   - status: query a running server over its local socket
//   - version: print build information
//
// # Example Usage
//
//	# Start a server
//	authecho serve --secret mysecret --listen :20000
//
//	# Start a TLS server with a queue for bursts
//	authecho serve --secret-file /etc/authecho/secret --tls-cert server.crt --tls-key server.key --policy queue
//
//	# Talk to it
//	authecho send --secret mysecret --addr localhost:20000 hello
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/h1dd3n01/authecho/pkg/api"
)

var (
	// Version information (set by build flags)
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// socketPath is the status API socket shared by serve and status.
	socketPath string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "authecho",
		Short: "Authenticated echo server",
		Long: `authecho accepts TCP connections, proves each client knows a shared
secret with an HMAC challenge-response, and echoes whatever authenticated
clients send. Connections can be upgraded to TLS before the handshake.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&socketPath, "socket", api.DefaultSocketPath(), "Path of the local status socket")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSendCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(versionCmd)

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
