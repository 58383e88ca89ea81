package api

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		want    *Request
		name    string
		input   string
		errMsg  string
		wantErr bool
	}{
		{
			name:  "status command",
			input: "STATUS",
			want:  &Request{Command: CommandStatus},
		},
		{
			name:  "ping command",
			input: "PING",
			want:  &Request{Command: CommandPing},
		},
		{
			name:  "command with extra spaces",
			input: "  STATUS  ",
			want:  &Request{Command: CommandStatus},
		},
		{
			name:  "extra parameters ignored",
			input: "STATUS verbose",
			want:  &Request{Command: CommandStatus},
		},
		{
			name:    "unknown command",
			input:   "UNKNOWN",
			wantErr: true,
			errMsg:  "unknown command: UNKNOWN",
		},
		{
			name:    "lowercase is not a command",
			input:   "status",
			wantErr: true,
			errMsg:  "unknown command: status",
		},
		{
			name:    "empty command",
			input:   "",
			wantErr: true,
			errMsg:  "empty command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequest(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseRequest() error = nil, wantErr %v", tt.wantErr)
					return
				}
				if tt.errMsg != "" && err.Error() != tt.errMsg {
					t.Errorf("ParseRequest() error = %v, want %v", err.Error(), tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Errorf("ParseRequest() unexpected error = %v", err)
				return
			}
			if got.Command != tt.want.Command {
				t.Errorf("ParseRequest() Command = %v, want %v", got.Command, tt.want.Command)
			}
		})
	}
}

func TestFormatResponse(t *testing.T) {
	tests := []struct {
		name    string
		resp    Response
		data    any
		want    string
		wantErr bool
	}{
		{
			name: "OK response for PING",
			resp: ResponseOK,
			data: nil,
			want: "OK\n",
		},
		{
			name: "ERROR response with message",
			resp: ResponseError,
			data: "something went wrong",
			want: "ERROR something went wrong\n",
		},
		{
			name: "ERROR response without message",
			resp: ResponseError,
			data: 42,
			want: "ERROR unknown error\n",
		},
		{
			name:    "unsupported data type",
			resp:    ResponseOK,
			data:    3.14,
			wantErr: true,
		},
		{
			name:    "unknown response type",
			resp:    Response("MAYBE"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatResponse(tt.resp, tt.data)
			if tt.wantErr {
				if err == nil {
					t.Errorf("FormatResponse() error = nil, wantErr %v", tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("FormatResponse() unexpected error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("FormatResponse() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatStatusResponse(t *testing.T) {
	status := &StatusResponse{
		Uptime:     time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Version:    "1.0.0",
		ListenAddr: "127.0.0.1:20000",
		TLS:        true,
		Policy:     "queue",
		Capacity:   16,
		Stats: ServerStats{
			Accepted:     10,
			AuthFailures: 2,
			BytesIn:      1024,
		},
	}

	got, err := FormatResponse(ResponseOK, status)
	if err != nil {
		t.Fatalf("FormatResponse() error = %v", err)
	}

	line := string(got)
	if !strings.HasPrefix(line, "STATUS ") || !strings.HasSuffix(line, "\n") {
		t.Fatalf("unexpected status framing: %q", line)
	}

	var decoded StatusResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "STATUS "))), &decoded); err != nil {
		t.Fatalf("status payload is not JSON: %v", err)
	}
	if decoded.Capacity != 16 || decoded.Policy != "queue" || !decoded.TLS {
		t.Errorf("decoded status = %+v", decoded)
	}

	parsed, err := ParseStatus(line)
	if err != nil {
		t.Fatalf("ParseStatus() error = %v", err)
	}
	if parsed.Stats.AuthFailures != 2 || parsed.Stats.BytesIn != 1024 {
		t.Errorf("ParseStatus() stats = %+v", parsed.Stats)
	}
	if !parsed.Uptime.Equal(status.Uptime) {
		t.Errorf("ParseStatus() uptime = %v, want %v", parsed.Uptime, status.Uptime)
	}
}

func TestParseStatusErrors(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		errMsg string
	}{
		{name: "error response", line: "ERROR boom", errMsg: "status failed: boom"},
		{name: "wrong prefix", line: "OK", errMsg: "invalid status response: OK"},
		{name: "bad json", line: "STATUS {", errMsg: "failed to parse status response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStatus(tt.line)
			if err == nil {
				t.Fatal("ParseStatus() error = nil")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("ParseStatus() error = %v, want containing %q", err, tt.errMsg)
			}
		})
	}
}
