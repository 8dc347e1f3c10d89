package assembly_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/snehjoshi/syncq/internal/assembly"
	"github.com/snehjoshi/syncq/internal/types"
)

func message(t *testing.T, size int) *types.Message {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	m, err := types.NewMessage("photo.upload", "alice", "phone", "", types.PriorityLow, data, "", "")
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return m
}

func TestSplit(t *testing.T) {
	tests := []struct {
		size, partSize, wantParts int
	}{
		{0, 10, 1},
		{5, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
		{95, 10, 10},
		{100_001, assembly.DefaultPartSize, 3},
	}
	for _, tc := range tests {
		m := message(t, tc.size)
		parts, err := assembly.Split(m, tc.partSize)
		if err != nil {
			t.Fatalf("Split(%d, %d): %v", tc.size, tc.partSize, err)
		}
		if len(parts) != tc.wantParts {
			t.Fatalf("Split(%d, %d): %d parts, want %d", tc.size, tc.partSize, len(parts), tc.wantParts)
		}
		for i, p := range parts {
			if p.PartNo != i+1 || p.TotalParts != tc.wantParts || p.MessageID != m.ID {
				t.Errorf("part %d has bad header: %+v", i, p)
			}
			if len(p.Data) > tc.partSize {
				t.Errorf("part %d carries %d bytes", i, len(p.Data))
			}
		}
	}

	if _, err := assembly.Split(message(t, 1), 0); err == nil {
		t.Error("expected error for zero part size")
	}
}

func TestAssemble_OrdersByPartNo(t *testing.T) {
	m := message(t, 95)
	parts, _ := assembly.Split(m, 10)

	// Reverse the insertion order.
	shuffled := make([]*types.MessagePart, 0, len(parts))
	for i := len(parts) - 1; i >= 0; i-- {
		shuffled = append(shuffled, parts[i])
	}

	got, err := assembly.Assemble(shuffled, len(parts))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !bytes.Equal(got.Data, m.Data) {
		t.Error("payload not rebuilt in part order")
	}
	if got.ID != m.ID || got.TypeID != m.TypeID || !got.Created.Equal(m.Created) || got.Priority != m.Priority {
		t.Errorf("identity not carried over: %+v", got)
	}
}

func TestComplete(t *testing.T) {
	parts, _ := assembly.Split(message(t, 30), 10)

	if assembly.Complete(parts[:2], 3) {
		t.Error("two of three parts reported complete")
	}
	if !assembly.Complete(parts, 3) {
		t.Error("full set reported incomplete")
	}
	dup := []*types.MessagePart{parts[0], parts[1], parts[1]}
	if assembly.Complete(dup, 3) {
		t.Error("duplicate part number reported complete")
	}
	if assembly.Complete(parts, 4) {
		t.Error("wrong total reported complete")
	}
}

func TestAssemble_Errors(t *testing.T) {
	m := message(t, 30)

	t.Run("missing part", func(t *testing.T) {
		parts, _ := assembly.Split(m, 10)
		_, err := assembly.Assemble(parts[1:], 3)
		if !errors.Is(err, assembly.ErrIncomplete) {
			t.Errorf("expected ErrIncomplete, got %v", err)
		}
	})
	t.Run("no parts", func(t *testing.T) {
		if _, err := assembly.Assemble(nil, 3); !errors.Is(err, assembly.ErrIncomplete) {
			t.Errorf("expected ErrIncomplete, got %v", err)
		}
	})
	t.Run("mismatched metadata", func(t *testing.T) {
		parts, _ := assembly.Split(m, 10)
		parts[2].MessageDeviceID = "tablet"
		if _, err := assembly.Assemble(parts, 3); !errors.Is(err, assembly.ErrInconsistent) {
			t.Errorf("expected ErrInconsistent, got %v", err)
		}
	})
	t.Run("duplicate part number", func(t *testing.T) {
		parts, _ := assembly.Split(m, 10)
		parts[2].PartNo = 2
		if _, err := assembly.Assemble(parts, 3); !errors.Is(err, assembly.ErrInconsistent) {
			t.Errorf("expected ErrInconsistent, got %v", err)
		}
	})
	t.Run("wrong total", func(t *testing.T) {
		parts, _ := assembly.Split(m, 10)
		if _, err := assembly.Assemble(parts, 4); !errors.Is(err, assembly.ErrInconsistent) {
			t.Errorf("expected ErrInconsistent, got %v", err)
		}
	})
	t.Run("corrupted payload", func(t *testing.T) {
		parts, _ := assembly.Split(m, 10)
		parts[1].Data[0] ^= 0xFF
		if _, err := assembly.Assemble(parts, 3); !errors.Is(err, assembly.ErrChecksum) {
			t.Errorf("expected ErrChecksum, got %v", err)
		}
	})
}

func TestNeedsSplit(t *testing.T) {
	if assembly.NeedsSplit(message(t, types.MaxMessageSize)) {
		t.Error("payload at the threshold must not be split")
	}
	if !assembly.NeedsSplit(message(t, types.MaxMessageSize+1)) {
		t.Error("payload over the threshold must be split")
	}
}
