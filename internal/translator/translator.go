// Package translator converts between typed application payloads and
// Messages, encrypting and integrity-checking the payload on the way.
//
// A Translator is bound to one user's device and, optionally, one key. It
// holds no mutable state, so a single instance may be shared by goroutines
// working on that device's messages.
package translator

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/snehjoshi/syncq/internal/crypto"
	"github.com/snehjoshi/syncq/internal/keystore"
	"github.com/snehjoshi/syncq/internal/types"
)

// ErrMessaging is wrapped by every translation failure: type mismatch,
// integrity mismatch, cipher failure, malformed payload or missing context.
var ErrMessaging = errors.New("translator: messaging error")

// Payload is an application structure that travels inside a Message.
type Payload interface {
	// TypeID is the message type code, at most types.MaxTypeIDLength characters.
	TypeID() string
	Priority() types.Priority
	MarshalPayload() ([]byte, error)
	UnmarshalPayload(data []byte) error
}

// Translator maps payloads to messages for one user's device.
type Translator struct {
	username string
	deviceID string
	key      []byte // nil disables encryption
}

// New returns a Translator. A nil or empty key produces plaintext messages.
func New(username, deviceID string, key []byte) *Translator {
	return &Translator{username: username, deviceID: deviceID, key: key}
}

// ForDevice returns a Translator whose key comes from keys.
func ForDevice(ctx context.Context, keys keystore.Provider, username, deviceID string) (*Translator, error) {
	key, err := keys.Key(ctx, username, deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: key for %s/%s: %w", ErrMessaging, username, deviceID, err)
	}
	return New(username, deviceID, key), nil
}

func (t *Translator) Encrypts() bool { return len(t.key) > 0 }

// ToMessage serialises p into a new INITIALIZED message. With a key the
// payload is encrypted under a fresh IV and the plaintext digest is recorded.
func (t *Translator) ToMessage(p Payload, correlationID string) (*types.Message, error) {
	if t.username == "" || t.deviceID == "" {
		return nil, fmt.Errorf("%w: username and device id are required", ErrMessaging)
	}
	data, err := p.MarshalPayload()
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s payload: %w", ErrMessaging, p.TypeID(), err)
	}

	var hash, ivText string
	if t.Encrypts() {
		iv, err := crypto.NewIV()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMessaging, err)
		}
		hash = crypto.Digest(data)
		if data, err = crypto.Encrypt(t.key, iv, data); err != nil {
			return nil, fmt.Errorf("%w: encrypt %s payload: %w", ErrMessaging, p.TypeID(), err)
		}
		ivText = crypto.EncodeIV(iv)
	}

	m, err := types.NewMessage(p.TypeID(), t.username, t.deviceID, correlationID, p.Priority(), data, hash, ivText)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMessaging, err)
	}
	return m, nil
}

// FromMessage fills p from m, decrypting and verifying the digest when m is
// encrypted.
func (t *Translator) FromMessage(m *types.Message, p Payload) error {
	if m.TypeID != p.TypeID() {
		return fmt.Errorf("%w: message %s has type %q, payload expects %q", ErrMessaging, m.ID, m.TypeID, p.TypeID())
	}
	data, err := t.Open(m)
	if err != nil {
		return err
	}
	if err := p.UnmarshalPayload(data); err != nil {
		return fmt.Errorf("%w: unmarshal message %s: %w", ErrMessaging, m.ID, err)
	}
	return nil
}

// Open returns the plaintext payload of m, verifying its digest when it is
// encrypted. The message is not modified.
func (t *Translator) Open(m *types.Message) ([]byte, error) {
	if !m.IsEncrypted() {
		return m.Data, nil
	}
	if !t.Encrypts() {
		return nil, fmt.Errorf("%w: message %s is encrypted and no key is configured", ErrMessaging, m.ID)
	}
	if m.EncryptionIV == "" {
		return nil, fmt.Errorf("%w: message %s is encrypted without an iv", ErrMessaging, m.ID)
	}
	iv, err := crypto.DecodeIV(m.EncryptionIV)
	if err != nil {
		return nil, fmt.Errorf("%w: message %s: %w", ErrMessaging, m.ID, err)
	}
	plain, err := crypto.Decrypt(t.key, iv, m.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt message %s: %w", ErrMessaging, m.ID, err)
	}
	if subtle.ConstantTimeCompare([]byte(crypto.Digest(plain)), []byte(m.DataHash)) != 1 {
		return nil, fmt.Errorf("%w: message %s failed the integrity check", ErrMessaging, m.ID)
	}
	return plain, nil
}

// DecodeMessage decodes a wire buffer received from a device.
func DecodeMessage(buf []byte) (*types.Message, error) {
	m, err := types.UnmarshalMessage(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMessaging, err)
	}
	return m, nil
}

// DecodeMessagePart decodes a wire buffer holding a message part.
func DecodeMessagePart(buf []byte) (*types.MessagePart, error) {
	p, err := types.UnmarshalMessagePart(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMessaging, err)
	}
	return p, nil
}
