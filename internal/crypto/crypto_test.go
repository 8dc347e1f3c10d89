package crypto_test

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/snehjoshi/syncq/internal/crypto"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return b
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	for _, keyLen := range []int{16, 24, 32} {
		for _, size := range []int{0, 1, 15, 16, 17, 1000, 40_000} {
			key := randomBytes(t, keyLen)
			iv, err := crypto.NewIV()
			if err != nil {
				t.Fatalf("NewIV: %v", err)
			}
			plain := randomBytes(t, size)

			ct, err := crypto.Encrypt(key, iv, plain)
			if err != nil {
				t.Fatalf("Encrypt(key=%d, size=%d): %v", keyLen, size, err)
			}
			if len(ct)%crypto.BlockSize != 0 || len(ct) <= size-crypto.BlockSize {
				t.Errorf("unexpected ciphertext length %d for plaintext %d", len(ct), size)
			}

			got, err := crypto.Decrypt(key, iv, ct)
			if err != nil {
				t.Fatalf("Decrypt(key=%d, size=%d): %v", keyLen, size, err)
			}
			if !bytes.Equal(got, plain) {
				t.Errorf("round trip mismatch for key=%d size=%d", keyLen, size)
			}
		}
	}
}

func TestEncrypt_Errors(t *testing.T) {
	iv, _ := crypto.NewIV()
	tests := []struct {
		name string
		key  []byte
		iv   []byte
	}{
		{"nil key", nil, iv},
		{"empty key", []byte{}, iv},
		{"bad key length", make([]byte, 7), iv},
		{"short iv", make([]byte, 32), iv[:8]},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := crypto.Encrypt(tc.key, tc.iv, []byte("hello"))
			var ce *crypto.CryptoError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *CryptoError, got %v", err)
			}
		})
	}

	_, err := crypto.Encrypt(nil, iv, []byte("x"))
	if !errors.Is(err, crypto.ErrNoKey) {
		t.Errorf("expected ErrNoKey, got %v", err)
	}
}

func TestDecrypt_WrongKeyOrCorruption(t *testing.T) {
	key := randomBytes(t, 32)
	iv, _ := crypto.NewIV()
	ct, err := crypto.Encrypt(key, iv, []byte("a secret sync payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Not a multiple of the block size.
	if _, err := crypto.Decrypt(key, iv, ct[:len(ct)-1]); err == nil {
		t.Error("expected error for truncated ciphertext")
	}

	// A wrong key either fails the padding check or yields different bytes;
	// it must never yield the original plaintext.
	other := randomBytes(t, 32)
	if got, err := crypto.Decrypt(other, iv, ct); err == nil && string(got) == "a secret sync payload" {
		t.Error("wrong key decrypted to the original plaintext")
	}

	if _, err := crypto.Decrypt(nil, iv, ct); !errors.Is(err, crypto.ErrNoKey) {
		t.Errorf("expected ErrNoKey, got %v", err)
	}
}

func TestDigest_StableAndSensitive(t *testing.T) {
	payload := []byte("device sync payload")
	a := crypto.Digest(payload)
	b := crypto.Digest(append([]byte{}, payload...))
	if a != b {
		t.Errorf("digest not stable: %s != %s", a, b)
	}
	if len(a) != 44 {
		t.Errorf("base64 SHA-256 should be 44 chars, got %d", len(a))
	}

	for i := range payload {
		mutated := append([]byte{}, payload...)
		mutated[i] ^= 0x01
		if crypto.Digest(mutated) == a {
			t.Fatalf("digest unchanged after flipping byte %d", i)
		}
	}
}

func TestIVEncoding(t *testing.T) {
	iv, err := crypto.NewIV()
	if err != nil {
		t.Fatalf("NewIV: %v", err)
	}
	got, err := crypto.DecodeIV(crypto.EncodeIV(iv))
	if err != nil {
		t.Fatalf("DecodeIV: %v", err)
	}
	if !bytes.Equal(got, iv) {
		t.Error("iv round trip mismatch")
	}
	if _, err := crypto.DecodeIV("not base64!"); err == nil {
		t.Error("expected error for invalid base64")
	}
}
