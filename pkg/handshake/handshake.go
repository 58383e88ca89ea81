// Package handshake implements the shared-secret challenge-response
// authentication run before a server trusts a client.
//
// Wire format, no framing:
//
//	server -> client: 32 random bytes (challenge)
//	client -> server: HMAC-SHA256(secret, challenge), 32 bytes (digest)
//
// The secret never crosses the wire. A fresh challenge per attempt prevents
// replay, and digests are only ever compared with hmac.Equal.
package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"

	"github.com/h1dd3n01/authecho/pkg/channel"
)

const (
	// ChallengeSize is the length of the server challenge in bytes.
	ChallengeSize = 32

	// DigestSize is the length of the client response in bytes.
	DigestSize = sha256.Size
)

// ErrProtocol marks a malformed, short or timed-out handshake.
var ErrProtocol = errors.New("handshake protocol error")

// ProtocolError describes which handshake step failed.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("handshake %s: %v", e.Op, e.Err)
}

// Unwrap exposes the cause.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Is reports ErrProtocol as a match so callers can test the category.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// Secret is the shared key. It never prints or logs its contents.
type Secret []byte

// String hides the secret.
func (s Secret) String() string {
	if len(s) == 0 {
		return "[not set]"
	}
	return "[hidden]"
}

// LogValue hides the secret from slog.
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

// NewChallenge returns a fresh random challenge.
func NewChallenge() ([]byte, error) {
	challenge := make([]byte, ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("failed to generate challenge: %w", err)
	}
	return challenge, nil
}

// ComputeDigest returns HMAC-SHA256(secret, challenge).
func ComputeDigest(secret Secret, challenge []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(challenge)
	return h.Sum(nil)
}

// AuthenticateClient runs the server side of the handshake. It reports
// whether the peer proved knowledge of secret. It does not close ch.
func AuthenticateClient(ch channel.Channel, secret Secret) (bool, error) {
	challenge, err := NewChallenge()
	if err != nil {
		return false, err
	}

	if err := ch.Send(challenge); err != nil {
		return false, &ProtocolError{Op: "send challenge", Err: err}
	}

	expected := ComputeDigest(secret, challenge)

	response, err := channel.ReceiveFull(ch, len(expected))
	if err != nil {
		return false, &ProtocolError{Op: "receive digest", Err: err}
	}

	return digestsMatch(expected, response), nil
}

// digestsMatch compares two digests in constant time.
func digestsMatch(expected, got []byte) bool {
	return hmac.Equal(expected, got)
}

// RespondToChallenge runs the client side of the handshake. Success only
// means the digest was sent; the server makes the trust decision.
func RespondToChallenge(ch channel.Channel, secret Secret) error {
	challenge, err := channel.ReceiveFull(ch, ChallengeSize)
	if err != nil {
		return &ProtocolError{Op: "receive challenge", Err: err}
	}

	if err := ch.Send(ComputeDigest(secret, challenge)); err != nil {
		return &ProtocolError{Op: "send digest", Err: err}
	}
	return nil
}
