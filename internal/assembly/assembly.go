// Package assembly splits oversized messages into parts and rebuilds them.
//
// The functions here are pure: they never touch a store. The messaging
// service runs Assemble inside the store transaction that deletes the parts.
package assembly

import (
	"errors"
	"fmt"
	"sort"

	"github.com/snehjoshi/syncq/internal/crypto"
	"github.com/snehjoshi/syncq/internal/types"
)

// DefaultPartSize is the payload carried by each part when splitting.
const DefaultPartSize = types.MaxMessageSize

var (
	// ErrIncomplete means part numbers 1..N are not all present.
	ErrIncomplete = errors.New("assembly: part set incomplete")
	// ErrInconsistent means parts disagree on the parent metadata, or a part
	// number is duplicated or out of range.
	ErrInconsistent = errors.New("assembly: part set inconsistent")
	// ErrChecksum means the concatenated payload does not match the checksum
	// carried by the parts.
	ErrChecksum = errors.New("assembly: checksum mismatch")
)

// Split cuts m's payload into parts of at most partSize bytes. Every part
// carries m's metadata and the digest of the whole payload. A payload that
// fits in one part still yields one part.
func Split(m *types.Message, partSize int) ([]*types.MessagePart, error) {
	if partSize <= 0 {
		return nil, fmt.Errorf("assembly: split %s: part size must be positive", m.ID)
	}
	total := (len(m.Data) + partSize - 1) / partSize
	if total == 0 {
		total = 1
	}
	checksum := crypto.Digest(m.Data)

	parts := make([]*types.MessagePart, 0, total)
	for i := 0; i < total; i++ {
		lo := i * partSize
		hi := min(lo+partSize, len(m.Data))
		chunk := make([]byte, hi-lo)
		copy(chunk, m.Data[lo:hi])

		p, err := types.NewMessagePart(m, i+1, total, checksum, chunk)
		if err != nil {
			return nil, fmt.Errorf("assembly: split %s: %w", m.ID, err)
		}
		parts = append(parts, p)
	}
	return parts, nil
}

// NeedsSplit reports whether m is too large to travel as a single message.
func NeedsSplit(m *types.Message) bool { return len(m.Data) > types.MaxMessageSize }

// Complete reports whether parts hold exactly the numbers 1..totalParts.
func Complete(parts []*types.MessagePart, totalParts int) bool {
	if totalParts < 1 || len(parts) != totalParts {
		return false
	}
	seen := make([]bool, totalParts+1)
	for _, p := range parts {
		if p.PartNo < 1 || p.PartNo > totalParts || seen[p.PartNo] {
			return false
		}
		seen[p.PartNo] = true
	}
	return true
}

// Validate checks that parts form one consistent, complete set for a message
// of totalParts parts.
func Validate(parts []*types.MessagePart, totalParts int) error {
	if len(parts) == 0 {
		return fmt.Errorf("%w: no parts", ErrIncomplete)
	}
	first := parts[0]
	seen := make(map[int]bool, len(parts))
	for _, p := range parts {
		if p.TotalParts != totalParts {
			return fmt.Errorf("%w: part %s claims %d parts, expected %d", ErrInconsistent, p.ID, p.TotalParts, totalParts)
		}
		if !p.SameMessage(first) {
			return fmt.Errorf("%w: part %s metadata differs from part %s", ErrInconsistent, p.ID, first.ID)
		}
		if p.PartNo < 1 || p.PartNo > totalParts {
			return fmt.Errorf("%w: part %s number %d out of 1..%d", ErrInconsistent, p.ID, p.PartNo, totalParts)
		}
		if seen[p.PartNo] {
			return fmt.Errorf("%w: part number %d duplicated", ErrInconsistent, p.PartNo)
		}
		seen[p.PartNo] = true
	}
	if len(seen) != totalParts {
		return fmt.Errorf("%w: have %d of %d parts for message %s", ErrIncomplete, len(seen), totalParts, first.MessageID)
	}
	return nil
}

// Assemble validates parts and concatenates their payloads in part-number
// order into a new INITIALIZED message with the parent's identity.
func Assemble(parts []*types.MessagePart, totalParts int) (*types.Message, error) {
	if err := Validate(parts, totalParts); err != nil {
		return nil, err
	}
	ordered := make([]*types.MessagePart, len(parts))
	copy(ordered, parts)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].PartNo < ordered[j].PartNo })

	size := 0
	for _, p := range ordered {
		size += len(p.Data)
	}
	data := make([]byte, 0, size)
	for _, p := range ordered {
		data = append(data, p.Data...)
	}

	head := ordered[0]
	if crypto.Digest(data) != head.MessageChecksum {
		return nil, fmt.Errorf("%w: message %s", ErrChecksum, head.MessageID)
	}

	m := &types.Message{
		ID:            head.MessageID,
		TypeID:        head.MessageTypeID,
		Username:      head.MessageUsername,
		DeviceID:      head.MessageDeviceID,
		CorrelationID: head.MessageCorrelationID,
		Priority:      head.MessagePriority,
		Status:        types.StatusInitialized,
		Created:       head.MessageCreated,
		Data:          data,
		DataHash:      head.MessageDataHash,
		EncryptionIV:  head.MessageEncryptionIV,
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInconsistent, err)
	}
	return m, nil
}
