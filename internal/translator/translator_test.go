package translator_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/snehjoshi/syncq/internal/crypto"
	"github.com/snehjoshi/syncq/internal/keystore"
	"github.com/snehjoshi/syncq/internal/translator"
	"github.com/snehjoshi/syncq/internal/types"
)

type note struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (n *note) TypeID() string                  { return "note.update" }
func (n *note) Priority() types.Priority        { return types.PriorityMedium }
func (n *note) MarshalPayload() ([]byte, error) { return json.Marshal(n) }
func (n *note) UnmarshalPayload(b []byte) error { return json.Unmarshal(b, n) }

type other struct{ note }

func (o *other) TypeID() string { return "other.type" }

var testKey = bytes.Repeat([]byte{7}, 32)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		key  []byte
	}{
		{"plaintext", nil},
		{"encrypted", testKey},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := translator.New("alice", "phone", tc.key)
			in := &note{Title: "groceries", Body: "milk, eggs"}

			m, err := tr.ToMessage(in, "corr-1")
			if err != nil {
				t.Fatalf("ToMessage: %v", err)
			}
			if m.Status != types.StatusInitialized || m.TypeID != "note.update" || m.CorrelationID != "corr-1" {
				t.Errorf("unexpected message header: %+v", m)
			}
			if m.IsEncrypted() != (tc.key != nil) {
				t.Errorf("IsEncrypted = %v", m.IsEncrypted())
			}
			if tc.key != nil {
				plain, _ := in.MarshalPayload()
				if bytes.Equal(m.Data, plain) {
					t.Error("encrypted message carries the plaintext")
				}
				if m.DataHash != crypto.Digest(plain) {
					t.Error("data hash must be the digest of the plaintext")
				}
			}

			var out note
			if err := tr.FromMessage(m, &out); err != nil {
				t.Fatalf("FromMessage: %v", err)
			}
			if out != *in {
				t.Errorf("got %+v, want %+v", out, *in)
			}
		})
	}
}

func TestFreshIVPerMessage(t *testing.T) {
	tr := translator.New("alice", "phone", testKey)
	a, _ := tr.ToMessage(&note{Title: "same"}, "")
	b, _ := tr.ToMessage(&note{Title: "same"}, "")
	if a.EncryptionIV == b.EncryptionIV || bytes.Equal(a.Data, b.Data) {
		t.Error("identical payloads must encrypt under different IVs")
	}
}

func TestFromMessage_DetectsTampering(t *testing.T) {
	tr := translator.New("alice", "phone", testKey)
	m, err := tr.ToMessage(&note{Title: "t", Body: "a body long enough to span a few cipher blocks"}, "")
	if err != nil {
		t.Fatalf("ToMessage: %v", err)
	}

	for i := range m.Data {
		tampered := m.Clone()
		tampered.Data[i] ^= 0x01
		var out note
		if err := tr.FromMessage(tampered, &out); !errors.Is(err, translator.ErrMessaging) {
			t.Fatalf("byte %d: expected ErrMessaging, got %v", i, err)
		}
	}
}

func TestFromMessage_Errors(t *testing.T) {
	enc := translator.New("alice", "phone", testKey)
	m, _ := enc.ToMessage(&note{Title: "x"}, "")

	t.Run("type mismatch", func(t *testing.T) {
		if err := enc.FromMessage(m, &other{}); !errors.Is(err, translator.ErrMessaging) {
			t.Errorf("expected ErrMessaging, got %v", err)
		}
	})
	t.Run("wrong key", func(t *testing.T) {
		wrong := translator.New("alice", "phone", bytes.Repeat([]byte{9}, 32))
		if err := wrong.FromMessage(m, &note{}); !errors.Is(err, translator.ErrMessaging) {
			t.Errorf("expected ErrMessaging, got %v", err)
		}
	})
	t.Run("no key", func(t *testing.T) {
		plain := translator.New("alice", "phone", nil)
		if err := plain.FromMessage(m, &note{}); !errors.Is(err, translator.ErrMessaging) {
			t.Errorf("expected ErrMessaging, got %v", err)
		}
	})
	t.Run("missing iv", func(t *testing.T) {
		c := m.Clone()
		c.EncryptionIV = ""
		if err := enc.FromMessage(c, &note{}); !errors.Is(err, translator.ErrMessaging) {
			t.Errorf("expected ErrMessaging, got %v", err)
		}
	})
	t.Run("unparseable payload", func(t *testing.T) {
		plain := translator.New("alice", "phone", nil)
		pm, _ := plain.ToMessage(&note{}, "")
		pm.Data = []byte("{not json")
		if err := plain.FromMessage(pm, &note{}); !errors.Is(err, translator.ErrMessaging) {
			t.Errorf("expected ErrMessaging, got %v", err)
		}
	})
}

func TestToMessage_RequiresDeviceContext(t *testing.T) {
	for _, tr := range []*translator.Translator{
		translator.New("", "phone", nil),
		translator.New("alice", "", testKey),
	} {
		if _, err := tr.ToMessage(&note{}, ""); !errors.Is(err, translator.ErrMessaging) {
			t.Errorf("expected ErrMessaging, got %v", err)
		}
	}
}

func TestForDevice(t *testing.T) {
	keys := keystore.NewStatic()
	keys.Set("bob", "laptop", testKey)

	tr, err := translator.ForDevice(context.Background(), keys, "bob", "laptop")
	if err != nil {
		t.Fatalf("ForDevice: %v", err)
	}
	if !tr.Encrypts() {
		t.Error("translator from a key provider must encrypt")
	}
	if _, err := translator.ForDevice(context.Background(), keys, "bob", "phone"); !errors.Is(err, keystore.ErrNoKey) {
		t.Errorf("expected ErrNoKey, got %v", err)
	}
}

func TestDecodeMessage(t *testing.T) {
	m, _ := translator.New("alice", "phone", nil).ToMessage(&note{Title: "w"}, "")
	buf, err := m.MarshalWire()
	if err != nil {
		t.Fatalf("MarshalWire: %v", err)
	}
	got, err := translator.DecodeMessage(buf)
	if err != nil || got.ID != m.ID {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if _, err := translator.DecodeMessage(buf[:len(buf)-1]); !errors.Is(err, translator.ErrMessaging) {
		t.Errorf("expected ErrMessaging for truncated buffer, got %v", err)
	}
}
