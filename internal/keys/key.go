package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
)

var (
	// ErrKeyUnavailable means no Active key is loaded. It is a configuration
	// failure and is not retried.
	ErrKeyUnavailable = errors.New("keys: no active signing key")
	// ErrUnknownKey is returned for key ids outside the verification set.
	ErrUnknownKey = errors.New("keys: unknown key id")
	// ErrKeyRevoked is returned when the key id exists but may no longer verify.
	ErrKeyRevoked = errors.New("keys: key revoked")
	// ErrActiveKey is returned when revoking the key that currently signs.
	ErrActiveKey = errors.New("keys: active key cannot be revoked")
	// ErrNoKey is returned by a Store that holds no current key.
	ErrNoKey = errors.New("keys: no stored key")
)

// State is the lifecycle position of a signing key.
type State int

const (
	StateActive State = iota + 1
	StateRetiring
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateRetiring:
		return "retiring"
	case StateRevoked:
		return "revoked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Key is an immutable snapshot of one keypair. Transitions produce copies.
// Private is nil for keys that only verify.
type Key struct {
	ID          string
	Private     *rsa.PrivateKey
	Public      *rsa.PublicKey
	GeneratedAt time.Time
	RetiredAt   time.Time
	State       State
}

// KeyInfo is the public view of a key used for status reporting.
type KeyInfo struct {
	ID          string     `json:"kid"`
	State       string     `json:"state"`
	GeneratedAt time.Time  `json:"generated_at"`
	RetiredAt   *time.Time `json:"retired_at,omitempty"`
	ExpiresAt   *time.Time `json:"verify_until,omitempty"`
}

// Generate creates a fresh Active key.
func Generate(bits int, now time.Time) (*Key, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return newKey(priv, &priv.PublicKey, now)
}

func newKey(priv *rsa.PrivateKey, pub *rsa.PublicKey, generated time.Time) (*Key, error) {
	kid, err := Thumbprint(pub)
	if err != nil {
		return nil, err
	}
	return &Key{
		ID:          kid,
		Private:     priv,
		Public:      pub,
		GeneratedAt: generated.UTC(),
		State:       StateActive,
	}, nil
}

// Thumbprint derives the key id: the RFC 7638 SHA-256 JWK thumbprint,
// base64url encoded.
func Thumbprint(pub *rsa.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

func (k *Key) retire(at time.Time) *Key {
	cp := *k
	cp.State = StateRetiring
	cp.RetiredAt = at.UTC()
	return &cp
}

func (k *Key) revoke() *Key {
	cp := *k
	cp.State = StateRevoked
	cp.Private = nil
	return &cp
}

// verifiesAt reports whether the key may still verify tokens at now.
func (k *Key) verifiesAt(now time.Time, grace time.Duration) bool {
	switch k.State {
	case StateActive:
		return true
	case StateRetiring:
		return now.Before(k.RetiredAt.Add(grace))
	default:
		return false
	}
}

func (k *Key) info(grace time.Duration) KeyInfo {
	out := KeyInfo{ID: k.ID, State: k.State.String(), GeneratedAt: k.GeneratedAt}
	if !k.RetiredAt.IsZero() {
		retired := k.RetiredAt
		out.RetiredAt = &retired
		if k.State == StateRetiring {
			until := retired.Add(grace)
			out.ExpiresAt = &until
		}
	}
	return out
}
