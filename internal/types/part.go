package types

import (
	"fmt"
	"strconv"
	"time"

	"github.com/snehjoshi/syncq/internal/node"
	"github.com/snehjoshi/syncq/internal/wire"
)

// MessagePart attribute names on the wire.
const (
	attrPartNo               = "partNo"
	attrTotalParts           = "totalParts"
	attrMessageID            = "messageId"
	attrMessageTypeID        = "messageTypeId"
	attrMessageUsername      = "messageUsername"
	attrMessageDeviceID      = "messageDeviceId"
	attrMessageCorrelationID = "messageCorrelationId"
	attrMessagePriority      = "messagePriority"
	attrMessageCreated       = "messageCreated"
	attrMessageDataHash      = "messageDataHash"
	attrMessageEncryptionIV  = "messageEncryptionIV"
	attrMessageChecksum      = "messageChecksum"
)

var partRequiredAttrs = []string{
	attrID, attrPartNo, attrTotalParts, attrStatus,
	attrMessageID, attrMessageTypeID, attrMessageUsername, attrMessageDeviceID,
	attrMessagePriority, attrMessageCreated, attrMessageChecksum,
}

// MessagePart is one chunk of an oversized message.
//
// Every part carries a full copy of the parent's metadata so a receiver can
// validate and rebuild the message from the parts alone.
type MessagePart struct {
	ID         string
	PartNo     int // 1-based
	TotalParts int
	Status     Status

	SendAttempts     *int
	DownloadAttempts *int
	LockName         string

	// Parent message metadata.
	MessageID            string
	MessageTypeID        string
	MessageUsername      string
	MessageDeviceID      string
	MessageCorrelationID string
	MessagePriority      Priority
	MessageCreated       time.Time
	MessageDataHash      string
	MessageEncryptionIV  string
	// MessageChecksum is the digest of the whole stored payload of the parent.
	MessageChecksum string

	Data []byte
}

// NewMessagePart returns a part of m in INITIALIZED status holding data.
func NewMessagePart(m *Message, partNo, totalParts int, checksum string, data []byte) (*MessagePart, error) {
	id, err := node.NewID()
	if err != nil {
		return nil, fmt.Errorf("new message part: generate id: %w", err)
	}
	p := &MessagePart{
		ID:                   id,
		PartNo:               partNo,
		TotalParts:           totalParts,
		Status:               StatusInitialized,
		MessageID:            m.ID,
		MessageTypeID:        m.TypeID,
		MessageUsername:      m.Username,
		MessageDeviceID:      m.DeviceID,
		MessageCorrelationID: m.CorrelationID,
		MessagePriority:      m.Priority,
		MessageCreated:       m.Created,
		MessageDataHash:      m.DataHash,
		MessageEncryptionIV:  m.EncryptionIV,
		MessageChecksum:      checksum,
		Data:                 data,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *MessagePart) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: part missing id", ErrInvalidMessage)
	case p.MessageID == "":
		return fmt.Errorf("%w: part %s: missing message id", ErrInvalidMessage, p.ID)
	case p.TotalParts < 1:
		return fmt.Errorf("%w: part %s: total parts %d", ErrInvalidMessage, p.ID, p.TotalParts)
	case p.PartNo < 1 || p.PartNo > p.TotalParts:
		return fmt.Errorf("%w: part %s: part number %d out of 1..%d", ErrInvalidMessage, p.ID, p.PartNo, p.TotalParts)
	case p.MessageTypeID == "" || len(p.MessageTypeID) > MaxTypeIDLength:
		return fmt.Errorf("%w: part %s: invalid type id %q", ErrInvalidMessage, p.ID, p.MessageTypeID)
	case p.MessageUsername == "" || p.MessageDeviceID == "":
		return fmt.Errorf("%w: part %s: missing username or device id", ErrInvalidMessage, p.ID)
	case !p.MessagePriority.Valid():
		return fmt.Errorf("%w: part %s: invalid priority %d", ErrInvalidMessage, p.ID, p.MessagePriority)
	case !p.Status.Valid():
		return fmt.Errorf("%w: part %s: invalid status %d", ErrInvalidMessage, p.ID, p.Status)
	case !ValidCreated(p.MessageCreated):
		return fmt.Errorf("%w: part %s: message creation time %s out of range", ErrInvalidMessage, p.ID, p.MessageCreated.Format(time.RFC3339))
	case p.MessageChecksum == "":
		return fmt.Errorf("%w: part %s: missing message checksum", ErrInvalidMessage, p.ID)
	case p.MessageDataHash != "" && p.MessageEncryptionIV == "":
		return fmt.Errorf("%w: part %s: encrypted payload without encryption iv", ErrInvalidMessage, p.ID)
	}
	return nil
}

// MessageIsEncrypted reports whether the parent payload is encrypted.
func (p *MessagePart) MessageIsEncrypted() bool { return p.MessageDataHash != "" }

func (p *MessagePart) IsLocked() bool { return p.LockName != "" }

func (p *MessagePart) IncrementSendAttempts() int { return increment(&p.SendAttempts) }

func (p *MessagePart) IncrementDownloadAttempts() int { return increment(&p.DownloadAttempts) }

// SameMessage reports whether p and o carry identical parent metadata.
func (p *MessagePart) SameMessage(o *MessagePart) bool {
	return p.MessageID == o.MessageID &&
		p.TotalParts == o.TotalParts &&
		p.MessageTypeID == o.MessageTypeID &&
		p.MessageUsername == o.MessageUsername &&
		p.MessageDeviceID == o.MessageDeviceID &&
		p.MessageCorrelationID == o.MessageCorrelationID &&
		p.MessagePriority == o.MessagePriority &&
		p.MessageCreated.Equal(o.MessageCreated) &&
		p.MessageDataHash == o.MessageDataHash &&
		p.MessageEncryptionIV == o.MessageEncryptionIV &&
		p.MessageChecksum == o.MessageChecksum
}

// Clone returns a deep copy of the part.
func (p *MessagePart) Clone() *MessagePart {
	c := *p
	c.Data = cloneBytes(p.Data)
	c.SendAttempts = cloneInt(p.SendAttempts)
	c.DownloadAttempts = cloneInt(p.DownloadAttempts)
	return &c
}

// Document maps the part onto a wire document.
func (p *MessagePart) Document() *wire.Document {
	doc := wire.NewDocument(wire.RootMessagePart)
	doc.Set(attrID, p.ID)
	doc.Set(attrPartNo, strconv.Itoa(p.PartNo))
	doc.Set(attrTotalParts, strconv.Itoa(p.TotalParts))
	doc.Set(attrStatus, strconv.Itoa(int(p.Status)))
	setOptionalInt(doc, attrSendAttempts, p.SendAttempts)
	setOptionalInt(doc, attrDownloadAttempts, p.DownloadAttempts)
	doc.SetOptional(attrLockName, p.LockName)

	doc.Set(attrMessageID, p.MessageID)
	doc.Set(attrMessageTypeID, p.MessageTypeID)
	doc.Set(attrMessageUsername, p.MessageUsername)
	doc.Set(attrMessageDeviceID, p.MessageDeviceID)
	doc.SetOptional(attrMessageCorrelationID, p.MessageCorrelationID)
	doc.Set(attrMessagePriority, strconv.Itoa(int(p.MessagePriority)))
	doc.Set(attrMessageCreated, formatTime(p.MessageCreated))
	doc.SetOptional(attrMessageDataHash, p.MessageDataHash)
	doc.SetOptional(attrMessageEncryptionIV, p.MessageEncryptionIV)
	doc.Set(attrMessageChecksum, p.MessageChecksum)

	doc.Data = p.Data
	if doc.Data == nil {
		doc.Data = []byte{}
	}
	return doc
}

// MarshalWire encodes the part in the wire format.
func (p *MessagePart) MarshalWire() ([]byte, error) {
	return wire.Encode(p.Document())
}

// IsMessagePartDocument reports whether doc is a valid MessagePart document.
func IsMessagePartDocument(doc *wire.Document) bool {
	return wire.Valid(doc, wire.RootMessagePart, partRequiredAttrs...)
}

// MessagePartFromDocument materialises a MessagePart from a decoded document.
func MessagePartFromDocument(doc *wire.Document) (*MessagePart, error) {
	if !IsMessagePartDocument(doc) {
		return nil, wire.Malformed("not a valid %s document", wire.RootMessagePart)
	}
	r := &attrReader{doc: doc}
	p := &MessagePart{
		ID:                   r.str(attrID),
		PartNo:               r.int(attrPartNo),
		TotalParts:           r.int(attrTotalParts),
		Status:               r.status(attrStatus),
		SendAttempts:         r.optionalInt(attrSendAttempts),
		DownloadAttempts:     r.optionalInt(attrDownloadAttempts),
		LockName:             r.str(attrLockName),
		MessageID:            r.str(attrMessageID),
		MessageTypeID:        r.str(attrMessageTypeID),
		MessageUsername:      r.str(attrMessageUsername),
		MessageDeviceID:      r.str(attrMessageDeviceID),
		MessageCorrelationID: r.str(attrMessageCorrelationID),
		MessagePriority:      r.priority(attrMessagePriority),
		MessageCreated:       r.time(attrMessageCreated),
		MessageDataHash:      r.str(attrMessageDataHash),
		MessageEncryptionIV:  r.str(attrMessageEncryptionIV),
		MessageChecksum:      r.str(attrMessageChecksum),
		Data:                 doc.Data,
	}
	if r.err != nil {
		return nil, r.err
	}
	if p.Data == nil {
		p.Data = []byte{}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// UnmarshalMessagePart decodes a wire buffer into a MessagePart.
func UnmarshalMessagePart(buf []byte) (*MessagePart, error) {
	doc, err := wire.Decode(buf)
	if err != nil {
		return nil, err
	}
	return MessagePartFromDocument(doc)
}
