// Package testutil provides common test utilities for the authecho project.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/h1dd3n01/authecho/pkg/transport"
)

// SocketPath creates a short socket path to avoid macOS path length limits.
// macOS has a 104 character limit for Unix domain socket paths, while Linux has 108.
// This function creates paths directly in /tmp to keep them short.
func SocketPath(t *testing.T) string {
	t.Helper()

	name := fmt.Sprintf("ae-%d-%d.sock", os.Getpid(), time.Now().UnixNano()%100000)
	path := filepath.Join("/tmp", name)

	t.Cleanup(func() {
		_ = os.Remove(path)
	})

	return path
}

// CertFiles holds the paths of a generated certificate.
type CertFiles struct {
	Cert string
	Key  string
}

// WriteCertificate generates a self-signed certificate, which doubles as its
// own CA, and writes it into a temporary directory.
func WriteCertificate(t *testing.T, name string) CertFiles {
	t.Helper()

	pair, err := transport.GenerateSelfSigned(name)
	if err != nil {
		t.Fatalf("failed to generate certificate: %v", err)
	}

	dir := t.TempDir()
	files := CertFiles{
		Cert: filepath.Join(dir, name+".crt"),
		Key:  filepath.Join(dir, name+".key"),
	}
	if err := os.WriteFile(files.Cert, pair.Cert, 0o600); err != nil {
		t.Fatalf("failed to write certificate: %v", err)
	}
	if err := os.WriteFile(files.Key, pair.Key, 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return files
}

// WriteFile writes content into a temporary file and returns its path.
func WriteFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}
