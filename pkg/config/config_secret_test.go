package config

import (
	"strings"
	"testing"

	"github.com/h1dd3n01/authecho/pkg/testutil"
)

func TestSecretFileHandling(t *testing.T) {
	t.Run("secret from file", func(t *testing.T) {
		secretFile := testutil.WriteFile(t, "secret.txt", "test-secret-from-file")

		cfg := NewConfig()
		cfg.SecretFile = secretFile

		if err := cfg.Validate(); err != nil {
			t.Fatalf("validation failed: %v", err)
		}

		if cfg.Secret != "test-secret-from-file" {
			t.Errorf("expected secret %q, got %q", "test-secret-from-file", cfg.Secret)
		}
	})

	t.Run("secret from file with whitespace", func(t *testing.T) {
		secretFile := testutil.WriteFile(t, "secret.txt", "  test-secret-with-spaces  \n")

		cfg := NewConfig()
		cfg.SecretFile = secretFile

		if err := cfg.Validate(); err != nil {
			t.Fatalf("validation failed: %v", err)
		}

		if cfg.Secret != "test-secret-with-spaces" {
			t.Errorf("expected secret %q, got %q", "test-secret-with-spaces", cfg.Secret)
		}
	})

	t.Run("both secret and secret-file specified", func(t *testing.T) {
		secretFile := testutil.WriteFile(t, "secret.txt", "file-secret")

		cfg := NewConfig()
		cfg.Secret = "direct-secret"
		cfg.SecretFile = secretFile

		err := cfg.Validate()
		if err == nil {
			t.Fatal("expected error when both secret and secret-file are specified")
		}

		if err.Error() != "cannot specify both --secret and --secret-file" {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("secret file does not exist", func(t *testing.T) {
		cfg := NewConfig()
		cfg.SecretFile = "/nonexistent/secret.txt"

		err := cfg.Validate()
		if err == nil {
			t.Fatal("expected error for nonexistent secret file")
		}

		if !strings.Contains(err.Error(), "failed to read secret file") {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("empty secret file", func(t *testing.T) {
		secretFile := testutil.WriteFile(t, "secret.txt", "\n\n")

		cfg := NewConfig()
		cfg.SecretFile = secretFile

		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "secret is required") {
			t.Errorf("expected missing secret error, got %v", err)
		}
	})

	t.Run("secret file from environment", func(t *testing.T) {
		secretFile := testutil.WriteFile(t, "secret.txt", "env-file-secret")
		t.Setenv("AUTHECHO_SECRET_FILE", secretFile)

		cfg := NewConfig()
		cfg.LoadFromEnv()

		if err := cfg.Validate(); err != nil {
			t.Fatalf("validation failed: %v", err)
		}
		if cfg.Secret != "env-file-secret" {
			t.Errorf("expected secret from env file, got %q", cfg.Secret)
		}
	})
}

func TestConfigStringHidesSecret(t *testing.T) {
	cfg := NewConfig()
	cfg.Secret = "super-secret-value"

	out := cfg.String()
	if strings.Contains(out, "super-secret-value") {
		t.Errorf("String() leaked the secret: %s", out)
	}
	if !strings.Contains(out, "Secret: [hidden]") {
		t.Errorf("String() should mark the secret hidden: %s", out)
	}
	if !strings.Contains(out, "TLS: off") {
		t.Errorf("String() should show TLS state: %s", out)
	}

	cfg.Secret = ""
	if !strings.Contains(cfg.String(), "Secret: [not set]") {
		t.Errorf("String() should mark a missing secret: %s", cfg.String())
	}

	cfg.TLS.SelfSigned = true
	if !strings.Contains(cfg.String(), "TLS: self-signed") {
		t.Errorf("String() should show self-signed TLS: %s", cfg.String())
	}
}
