package types

import (
	"fmt"
	"time"

	"github.com/snehjoshi/syncq/internal/wire"
)

// ArchivedMessage is an immutable snapshot of a Message taken at archival time.
type ArchivedMessage struct {
	Message
	Archived time.Time
}

// NewArchivedMessage snapshots m. The lock owner is not carried over.
func NewArchivedMessage(m *Message, at time.Time) *ArchivedMessage {
	c := m.Clone()
	c.LockName = ""
	return &ArchivedMessage{Message: *c, Archived: at.UTC()}
}

const attrAckMessageID = "messageId"

// MessageReceivedRequest acknowledges that a device received a message.
// It exists only on the wire.
type MessageReceivedRequest struct {
	DeviceID  string
	MessageID string
}

func (r *MessageReceivedRequest) Validate() error {
	if r.DeviceID == "" || r.MessageID == "" {
		return fmt.Errorf("%w: received request needs device id and message id", ErrInvalidMessage)
	}
	return nil
}

func (r *MessageReceivedRequest) Document() *wire.Document {
	doc := wire.NewDocument(wire.RootMessageReceivedRequest)
	doc.Set(attrDeviceID, r.DeviceID)
	doc.Set(attrAckMessageID, r.MessageID)
	return doc
}

func (r *MessageReceivedRequest) MarshalWire() ([]byte, error) {
	return wire.Encode(r.Document())
}

// UnmarshalMessageReceivedRequest decodes a wire buffer into an acknowledgement.
func UnmarshalMessageReceivedRequest(buf []byte) (*MessageReceivedRequest, error) {
	doc, err := wire.Decode(buf)
	if err != nil {
		return nil, err
	}
	if !wire.Valid(doc, wire.RootMessageReceivedRequest, attrDeviceID, attrAckMessageID) {
		return nil, wire.Malformed("not a valid %s document", wire.RootMessageReceivedRequest)
	}
	r := &MessageReceivedRequest{}
	r.DeviceID, _ = doc.Get(attrDeviceID)
	r.MessageID, _ = doc.Get(attrAckMessageID)
	return r, nil
}
