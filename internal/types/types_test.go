package types_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/snehjoshi/syncq/internal/types"
	"github.com/snehjoshi/syncq/internal/wire"
)

func intp(n int) *int { return &n }

func newMessage(t *testing.T) *types.Message {
	t.Helper()
	m, err := types.NewMessage("contact.sync", "alice", "phone-1", "corr-7",
		types.PriorityHigh, []byte("payload \x00 bytes"), "", "")
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return m
}

func TestMessage_WireRoundTrip(t *testing.T) {
	last := time.Date(2024, 3, 1, 12, 30, 45, 123456789, time.UTC)

	tests := []struct {
		name   string
		mutate func(m *types.Message)
	}{
		{"fresh", func(m *types.Message) {}},
		{"attempts set", func(m *types.Message) {
			m.SendAttempts = intp(2)
			m.ProcessAttempts = intp(0)
			m.DownloadAttempts = intp(7)
			m.LastProcessed = &last
		}},
		{"locked and encrypted", func(m *types.Message) {
			m.Status = types.StatusProcessing
			m.LockName = "node/session/1"
			m.DataHash = "aGFzaA=="
			m.EncryptionIV = "aXY="
		}},
		{"empty payload", func(m *types.Message) { m.Data = []byte{} }},
		{"no correlation id", func(m *types.Message) { m.CorrelationID = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := newMessage(t)
			tc.mutate(m)

			buf, err := m.MarshalWire()
			if err != nil {
				t.Fatalf("MarshalWire: %v", err)
			}
			got, err := types.UnmarshalMessage(buf)
			if err != nil {
				t.Fatalf("UnmarshalMessage: %v", err)
			}
			if diff := cmp.Diff(m, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMessage_AbsentAttemptsStayAbsent(t *testing.T) {
	m := newMessage(t)
	m.ProcessAttempts = intp(0)

	buf, _ := m.MarshalWire()
	doc, err := wire.Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if doc.Has("sendAttempts") {
		t.Error("unset send attempts must be omitted from the wire form")
	}

	got, err := types.MessageFromDocument(doc)
	if err != nil {
		t.Fatalf("MessageFromDocument: %v", err)
	}
	if got.SendAttempts != nil {
		t.Errorf("absent send attempts decoded as %d", *got.SendAttempts)
	}
	if got.ProcessAttempts == nil || *got.ProcessAttempts != 0 {
		t.Errorf("zero process attempts must survive, got %v", got.ProcessAttempts)
	}
}

func TestMessage_IncrementAttempts(t *testing.T) {
	m := newMessage(t)
	if m.ProcessAttempts != nil {
		t.Fatal("new message must start with unset attempts")
	}
	for want := 1; want <= 3; want++ {
		if got := m.IncrementProcessAttempts(); got != want {
			t.Fatalf("attempt %d: got %d", want, got)
		}
	}
	if types.Attempts(m.ProcessAttempts) != 3 || types.Attempts(m.DownloadAttempts) != 0 {
		t.Errorf("unexpected counters: process=%v download=%v", m.ProcessAttempts, m.DownloadAttempts)
	}
	m.IncrementDownloadAttempts()
	m.IncrementSendAttempts()
	if *m.DownloadAttempts != 1 || *m.SendAttempts != 1 {
		t.Error("first increment must set the counter to 1")
	}
}

func TestMessage_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *types.Message)
	}{
		{"missing type", func(m *types.Message) { m.TypeID = "" }},
		{"type too long", func(m *types.Message) { m.TypeID = strings.Repeat("x", types.MaxTypeIDLength+1) }},
		{"missing username", func(m *types.Message) { m.Username = "" }},
		{"missing device", func(m *types.Message) { m.DeviceID = "" }},
		{"bad priority", func(m *types.Message) { m.Priority = 3 }},
		{"bad status", func(m *types.Message) { m.Status = 200 }},
		{"hash without iv", func(m *types.Message) { m.DataHash = "aGFzaA==" }},
		{"zero created", func(m *types.Message) { m.Created = time.Time{} }},
		{"created before 1678", func(m *types.Message) { m.Created = time.Date(1500, 1, 1, 0, 0, 0, 0, time.UTC) }},
		{"created after 2262", func(m *types.Message) { m.Created = time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := newMessage(t)
			tc.mutate(m)
			if err := m.Validate(); !errors.Is(err, types.ErrInvalidMessage) {
				t.Errorf("expected ErrInvalidMessage, got %v", err)
			}
		})
	}

	m := newMessage(t)
	m.TypeID = strings.Repeat("x", types.MaxTypeIDLength)
	if err := m.Validate(); err != nil {
		t.Errorf("type id of exactly %d chars must be valid: %v", types.MaxTypeIDLength, err)
	}
	if m.IsEncrypted() {
		t.Error("message without data hash reported encrypted")
	}
}

func TestMessage_Clone(t *testing.T) {
	m := newMessage(t)
	m.IncrementProcessAttempts()
	c := m.Clone()
	c.Data[0] = 'X'
	*c.ProcessAttempts = 9
	if m.Data[0] == 'X' || *m.ProcessAttempts != 1 {
		t.Error("clone shares state with the original")
	}
}

func TestUnmarshalMessage_RejectsOtherDocuments(t *testing.T) {
	ack := &types.MessageReceivedRequest{DeviceID: "d", MessageID: "m"}
	buf, err := ack.MarshalWire()
	if err != nil {
		t.Fatalf("MarshalWire: %v", err)
	}
	if _, err := types.UnmarshalMessage(buf); !errors.Is(err, wire.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}

	doc := newMessage(t).Document()
	doc.Set("priority", "not-a-number")
	buf, _ = wire.Encode(doc)
	if _, err := types.UnmarshalMessage(buf); !errors.Is(err, wire.ErrMalformed) {
		t.Errorf("expected ErrMalformed for bad priority, got %v", err)
	}
}

func TestMessagePart_WireRoundTrip(t *testing.T) {
	m := newMessage(t)
	m.DataHash = "aGFzaA=="
	m.EncryptionIV = "aXY="

	p, err := types.NewMessagePart(m, 2, 3, "Y2hlY2s=", []byte{0, 1, 2, 255})
	if err != nil {
		t.Fatalf("NewMessagePart: %v", err)
	}
	p.Status = types.StatusQueuedForDownload
	p.DownloadAttempts = intp(1)
	p.LockName = "w1"

	buf, err := p.MarshalWire()
	if err != nil {
		t.Fatalf("MarshalWire: %v", err)
	}
	got, err := types.UnmarshalMessagePart(buf)
	if err != nil {
		t.Fatalf("UnmarshalMessagePart: %v", err)
	}
	if diff := cmp.Diff(p, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if !got.MessageIsEncrypted() {
		t.Error("part of an encrypted message must report MessageIsEncrypted")
	}
	if got.SendAttempts != nil {
		t.Error("absent send attempts decoded as present")
	}
}

func TestMessagePart_Validate(t *testing.T) {
	m := newMessage(t)
	tests := []struct {
		name     string
		partNo   int
		total    int
		checksum string
	}{
		{"zero part number", 0, 2, "c"},
		{"part beyond total", 3, 2, "c"},
		{"zero total", 1, 0, "c"},
		{"missing checksum", 1, 1, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := types.NewMessagePart(m, tc.partNo, tc.total, tc.checksum, []byte("x"))
			if !errors.Is(err, types.ErrInvalidMessage) {
				t.Errorf("expected ErrInvalidMessage, got %v", err)
			}
		})
	}
}

func TestMessagePart_ValidateCreated(t *testing.T) {
	m := newMessage(t)
	p, err := types.NewMessagePart(m, 1, 1, "c", []byte("x"))
	if err != nil {
		t.Fatalf("NewMessagePart: %v", err)
	}
	p.MessageCreated = time.Time{}
	if err := p.Validate(); !errors.Is(err, types.ErrInvalidMessage) {
		t.Errorf("zero creation time: expected ErrInvalidMessage, got %v", err)
	}

	m.Created = time.Time{}
	if _, err := types.NewMessagePart(m, 1, 1, "c", []byte("x")); !errors.Is(err, types.ErrInvalidMessage) {
		t.Errorf("part of a message without creation time: expected ErrInvalidMessage, got %v", err)
	}
}

func TestValidCreated(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"zero", time.Time{}, false},
		{"now", time.Now(), true},
		{"epoch", time.Unix(0, 0), true},
		{"year 1600", time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC), false},
		{"year 2262 start", time.Date(2262, 1, 1, 0, 0, 0, 0, time.UTC), true},
		{"year 2263", time.Date(2263, 1, 1, 0, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := types.ValidCreated(tc.t); got != tc.want {
				t.Errorf("ValidCreated(%s) = %v, want %v", tc.t, got, tc.want)
			}
		})
	}
}

func TestMessagePart_SameMessage(t *testing.T) {
	m := newMessage(t)
	a, _ := types.NewMessagePart(m, 1, 2, "sum", []byte("a"))
	b, _ := types.NewMessagePart(m, 2, 2, "sum", []byte("b"))
	if !a.SameMessage(b) {
		t.Fatal("parts of one message must match")
	}
	b.MessageUsername = "mallory"
	if a.SameMessage(b) {
		t.Error("differing metadata must not match")
	}
}

func TestArchivedMessage(t *testing.T) {
	m := newMessage(t)
	m.LockName = "worker"
	at := time.Now()

	a := types.NewArchivedMessage(m, at)
	if a.ID != m.ID || a.LockName != "" || !a.Archived.Equal(at) {
		t.Errorf("unexpected snapshot: %+v", a)
	}
	m.Data[0] = 'Z'
	if a.Data[0] == 'Z' {
		t.Error("snapshot must not share the payload")
	}
}

func TestMessageReceivedRequest_Wire(t *testing.T) {
	req := &types.MessageReceivedRequest{DeviceID: "phone-1", MessageID: "01HZZZ"}
	buf, err := req.MarshalWire()
	if err != nil {
		t.Fatalf("MarshalWire: %v", err)
	}
	got, err := types.UnmarshalMessageReceivedRequest(buf)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(req, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if err := (&types.MessageReceivedRequest{DeviceID: "d"}).Validate(); !errors.Is(err, types.ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage, got %v", err)
	}
}
