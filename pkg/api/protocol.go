// Package api provides the local Unix socket API of a running authecho
// server. It lets the command line inspect the server without going through
// the authenticated TCP port.
package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Command represents the type of command sent by the client.
type Command string

// Command constants define the available commands in the protocol.
const (
	CommandPing   Command = "PING"
	CommandStatus Command = "STATUS"
)

// Response represents the type of response sent by the server.
type Response string

// Response constants define the possible response types.
const (
	ResponseOK    Response = "OK"
	ResponseError Response = "ERROR"
)

// Request represents a parsed client request.
type Request struct {
	Command Command
}

// StatusResponse contains information about the server's current state.
type StatusResponse struct {
	Uptime     time.Time   `json:"uptime"`
	Version    string      `json:"version"`
	ListenAddr string      `json:"listen_addr,omitempty"`
	TLS        bool        `json:"tls"`
	Policy     string      `json:"policy"`
	Capacity   int         `json:"capacity"`
	Stats      ServerStats `json:"server_stats"`
}

// ServerStats contains connection statistics.
type ServerStats struct {
	Accepted        uint64 `json:"accepted"`
	Rejected        uint64 `json:"rejected"`
	AuthFailures    uint64 `json:"auth_failures"`
	ProtocolErrors  uint64 `json:"protocol_errors"`
	TransportErrors uint64 `json:"transport_errors"`
	IOErrors        uint64 `json:"io_errors"`
	Completed       uint64 `json:"completed"`
	BytesIn         uint64 `json:"bytes_in"`
	BytesOut        uint64 `json:"bytes_out"`
	Active          int    `json:"active"`
	Queued          int    `json:"queued"`
	Peak            int    `json:"peak"`
}

// ParseRequest parses a command line into a Request.
// Expected format: "COMMAND\n".
func ParseRequest(line string) (*Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	command := Command(fields[0])
	switch command {
	case CommandPing, CommandStatus:
		return &Request{Command: command}, nil
	default:
		return nil, fmt.Errorf("unknown command: %s", fields[0])
	}
}

// FormatResponse formats a response for transmission.
func FormatResponse(resp Response, data any) ([]byte, error) {
	switch resp {
	case ResponseOK:
		switch v := data.(type) {
		case *StatusResponse:
			jsonData, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal status: %w", err)
			}
			return []byte(fmt.Sprintf("STATUS %s\n", jsonData)), nil
		case nil:
			// PING
			return []byte("OK\n"), nil
		default:
			return nil, fmt.Errorf("unsupported response data type: %T", v)
		}
	case ResponseError:
		if msg, ok := data.(string); ok {
			return []byte(fmt.Sprintf("ERROR %s\n", msg)), nil
		}
		return []byte("ERROR unknown error\n"), nil
	default:
		return nil, fmt.Errorf("unknown response type: %s", resp)
	}
}

// ParseStatus decodes a "STATUS <json>" line.
func ParseStatus(line string) (*StatusResponse, error) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, string(ResponseError)) {
		return nil, fmt.Errorf("status failed: %s", strings.TrimSpace(strings.TrimPrefix(line, string(ResponseError))))
	}
	if !strings.HasPrefix(line, "STATUS ") {
		return nil, fmt.Errorf("invalid status response: %s", line)
	}

	var status StatusResponse
	if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "STATUS ")), &status); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}
	return &status, nil
}
