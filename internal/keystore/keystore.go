// Package keystore supplies the per-user, per-device symmetric keys consumed
// by the message translator.
package keystore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the length of derived keys (AES-256).
	KeySize = 32
	// DefaultIterations is the PBKDF2 iteration count used when none is configured.
	DefaultIterations = 100_000
)

// ErrNoKey is returned when no key is available for a user/device pair.
var ErrNoKey = errors.New("keystore: no key for device")

// Provider returns the encryption key for a user's device.
type Provider interface {
	Key(ctx context.Context, username, deviceID string) ([]byte, error)
}

// Derived derives keys from a master secret with PBKDF2-SHA256, salting with
// the username and device ID. Derived keys are cached in memory.
type Derived struct {
	secret     []byte
	iterations int

	mu    sync.Mutex
	cache map[string][]byte
}

// NewDerived returns a Derived provider. iterations <= 0 uses DefaultIterations.
func NewDerived(masterSecret []byte, iterations int) (*Derived, error) {
	if len(masterSecret) == 0 {
		return nil, errors.New("keystore: master secret cannot be empty")
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	s := make([]byte, len(masterSecret))
	copy(s, masterSecret)
	return &Derived{secret: s, iterations: iterations, cache: make(map[string][]byte)}, nil
}

// Key implements Provider.
func (d *Derived) Key(_ context.Context, username, deviceID string) ([]byte, error) {
	if username == "" || deviceID == "" {
		return nil, fmt.Errorf("%w: username and device id are required", ErrNoKey)
	}
	salt := username + "\x00" + deviceID

	d.mu.Lock()
	defer d.mu.Unlock()
	k, ok := d.cache[salt]
	if !ok {
		k = pbkdf2.Key(d.secret, []byte(salt), d.iterations, KeySize, sha256.New)
		d.cache[salt] = k
	}
	return bytes.Clone(k), nil
}

// Static serves fixed keys keyed by username and device ID.
type Static struct {
	keys map[string][]byte
}

// NewStatic returns an empty Static provider.
func NewStatic() *Static { return &Static{keys: make(map[string][]byte)} }

// Set registers a copy of key for the given user's device.
func (s *Static) Set(username, deviceID string, key []byte) {
	s.keys[username+"\x00"+deviceID] = bytes.Clone(key)
}

// Key implements Provider.
func (s *Static) Key(_ context.Context, username, deviceID string) ([]byte, error) {
	k, ok := s.keys[username+"\x00"+deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoKey, username, deviceID)
	}
	return bytes.Clone(k), nil
}
