// Package crypto provides the symmetric encryption and content digest used to
// protect message payloads end-to-end.
//
// Payloads are encrypted with AES in CBC mode using PKCS#7 padding. The key
// length selects AES-128, AES-192 or AES-256. Every encryption must use a
// fresh IV from NewIV; reusing an IV under the same key is a caller error.
//
// Digest is SHA-256, base64 (standard encoding) for storage in the message's
// data hash. Each call constructs its own hash state, so all functions here
// are safe for concurrent use.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// BlockSize is the AES block size and therefore the IV length.
const BlockSize = aes.BlockSize

// CryptoError reports a cipher-level failure.
type CryptoError struct {
	Op  string // "encrypt" or "decrypt"
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto: %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

var (
	// ErrNoKey is wrapped by CryptoError when the key is nil or empty.
	ErrNoKey = errors.New("no encryption key")
	// ErrBadPadding is wrapped by CryptoError when PKCS#7 padding is invalid,
	// which usually means a wrong key or corrupted ciphertext.
	ErrBadPadding = errors.New("invalid padding")
)

// NewIV returns a random IV sized to the cipher block.
func NewIV() ([]byte, error) {
	iv := make([]byte, BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("crypto: generate iv: %w", err)
	}
	return iv, nil
}

// Encrypt pads plaintext and encrypts it with key and iv.
func Encrypt(key, iv, plaintext []byte) ([]byte, error) {
	mode, err := newMode("encrypt", key, iv, true)
	if err != nil {
		return nil, err
	}
	padded := pad(plaintext)
	out := make([]byte, len(padded))
	mode.CryptBlocks(out, padded)
	return out, nil
}

// Decrypt decrypts ciphertext with key and iv and strips the padding.
func Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%BlockSize != 0 {
		return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("ciphertext length %d is not a positive multiple of %d", len(ciphertext), BlockSize)}
	}
	mode, err := newMode("decrypt", key, iv, false)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	mode.CryptBlocks(out, ciphertext)
	plain, err := unpad(out)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: err}
	}
	return plain, nil
}

// Digest returns the base64-encoded SHA-256 of payload.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// EncodeIV / DecodeIV convert between raw IV bytes and the base64 text form
// stored on a message.
func EncodeIV(iv []byte) string { return base64.StdEncoding.EncodeToString(iv) }

func DecodeIV(s string) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode iv: %w", err)
	}
	return iv, nil
}

func newMode(op string, key, iv []byte, encrypt bool) (cipher.BlockMode, error) {
	if len(key) == 0 {
		return nil, &CryptoError{Op: op, Err: ErrNoKey}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &CryptoError{Op: op, Err: fmt.Errorf("create AES cipher: %w", err)}
	}
	if len(iv) != BlockSize {
		return nil, &CryptoError{Op: op, Err: fmt.Errorf("invalid iv length: got %d want %d", len(iv), BlockSize)}
	}
	if encrypt {
		return cipher.NewCBCEncrypter(block, iv), nil
	}
	return cipher.NewCBCDecrypter(block, iv), nil
}

func pad(b []byte) []byte {
	n := BlockSize - len(b)%BlockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > BlockSize || n > len(b) {
		return nil, ErrBadPadding
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, ErrBadPadding
		}
	}
	return b[:len(b)-n], nil
}
