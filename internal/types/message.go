package types

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/snehjoshi/syncq/internal/node"
	"github.com/snehjoshi/syncq/internal/wire"
)

// MaxMessageSize is the largest payload, in bytes, that may travel as a single
// Message. Larger payloads must be split into MessageParts.
const MaxMessageSize = 40_000

// MaxTypeIDLength caps the length of a message type code.
const MaxTypeIDLength = 50

// ErrInvalidMessage is returned when a Message or MessagePart fails validation.
var ErrInvalidMessage = errors.New("invalid message")

// Creation times must fit in int64 nanoseconds since the epoch; the store
// orders queues by that value.
var (
	minCreated = time.Unix(0, math.MinInt64+1).UTC()
	maxCreated = time.Unix(0, math.MaxInt64).UTC()
)

// ValidCreated reports whether t is a usable creation time: set, and within
// the years 1678 to 2262.
func ValidCreated(t time.Time) bool {
	return !t.IsZero() && !t.Before(minCreated) && !t.After(maxCreated)
}

// Message attribute names on the wire.
const (
	attrID               = "id"
	attrTypeID           = "typeId"
	attrUsername         = "username"
	attrDeviceID         = "deviceId"
	attrCorrelationID    = "correlationId"
	attrPriority         = "priority"
	attrStatus           = "status"
	attrCreated          = "created"
	attrDataHash         = "dataHash"
	attrEncryptionIV     = "encryptionIV"
	attrSendAttempts     = "sendAttempts"
	attrProcessAttempts  = "processAttempts"
	attrDownloadAttempts = "downloadAttempts"
	attrLastProcessed    = "lastProcessed"
	attrLockName         = "lockName"
)

var messageRequiredAttrs = []string{
	attrID, attrTypeID, attrUsername, attrDeviceID, attrPriority, attrStatus, attrCreated,
}

// Message is the unit of work moving through the store-and-forward pipeline.
//
// Design rules:
//   - IDs are ULID strings: time-sortable and globally unique.
//   - DataHash is the base64 SHA-256 of the unencrypted payload. Its presence
//     means Data is encrypted, and EncryptionIV must then be set.
//   - Attempt counters are nil until the first attempt; nil and zero are
//     distinct states and both survive the wire format.
//   - LockName is non-empty while a worker owns the message.
type Message struct {
	ID            string
	TypeID        string
	Username      string
	DeviceID      string
	CorrelationID string
	Priority      Priority
	Status        Status
	Created       time.Time

	// Data is the opaque payload, encrypted when DataHash is set.
	Data         []byte
	DataHash     string
	EncryptionIV string

	SendAttempts     *int
	ProcessAttempts  *int
	DownloadAttempts *int
	LastProcessed    *time.Time
	LockName         string
}

// NewMessage builds a validated message in INITIALIZED status with a fresh ID.
func NewMessage(typeID, username, deviceID, correlationID string, priority Priority,
	data []byte, dataHash, encryptionIV string) (*Message, error) {
	id, err := node.NewID()
	if err != nil {
		return nil, fmt.Errorf("new message: generate id: %w", err)
	}
	m := &Message{
		ID:            id,
		TypeID:        typeID,
		Username:      username,
		DeviceID:      deviceID,
		CorrelationID: correlationID,
		Priority:      priority,
		Status:        StatusInitialized,
		Created:       time.Now().UTC(),
		Data:          data,
		DataHash:      dataHash,
		EncryptionIV:  encryptionIV,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the invariants every stored or transmitted message holds.
func (m *Message) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	case m.TypeID == "":
		return fmt.Errorf("%w %s: missing type id", ErrInvalidMessage, m.ID)
	case len(m.TypeID) > MaxTypeIDLength:
		return fmt.Errorf("%w %s: type id longer than %d characters", ErrInvalidMessage, m.ID, MaxTypeIDLength)
	case m.Username == "":
		return fmt.Errorf("%w %s: missing username", ErrInvalidMessage, m.ID)
	case m.DeviceID == "":
		return fmt.Errorf("%w %s: missing device id", ErrInvalidMessage, m.ID)
	case !m.Priority.Valid():
		return fmt.Errorf("%w %s: invalid priority %d", ErrInvalidMessage, m.ID, m.Priority)
	case !m.Status.Valid():
		return fmt.Errorf("%w %s: invalid status %d", ErrInvalidMessage, m.ID, m.Status)
	case !ValidCreated(m.Created):
		return fmt.Errorf("%w %s: creation time %s out of range", ErrInvalidMessage, m.ID, m.Created.Format(time.RFC3339))
	case m.DataHash != "" && m.EncryptionIV == "":
		return fmt.Errorf("%w %s: encrypted payload without encryption iv", ErrInvalidMessage, m.ID)
	}
	return nil
}

// IsEncrypted reports whether the payload is encrypted.
func (m *Message) IsEncrypted() bool { return m.DataHash != "" }

// IsLocked reports whether a worker currently owns the message.
func (m *Message) IsLocked() bool { return m.LockName != "" }

// IncrementSendAttempts records a send attempt and returns the new count.
func (m *Message) IncrementSendAttempts() int { return increment(&m.SendAttempts) }

// IncrementProcessAttempts records a processing attempt and returns the new count.
func (m *Message) IncrementProcessAttempts() int { return increment(&m.ProcessAttempts) }

// IncrementDownloadAttempts records a download attempt and returns the new count.
func (m *Message) IncrementDownloadAttempts() int { return increment(&m.DownloadAttempts) }

// Attempts dereferences an attempt counter, treating nil as zero.
func Attempts(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	c.Data = cloneBytes(m.Data)
	c.SendAttempts = cloneInt(m.SendAttempts)
	c.ProcessAttempts = cloneInt(m.ProcessAttempts)
	c.DownloadAttempts = cloneInt(m.DownloadAttempts)
	c.LastProcessed = cloneTime(m.LastProcessed)
	return &c
}

// Document maps the message onto a wire document.
func (m *Message) Document() *wire.Document {
	doc := wire.NewDocument(wire.RootMessage)
	doc.Set(attrID, m.ID)
	doc.Set(attrTypeID, m.TypeID)
	doc.Set(attrUsername, m.Username)
	doc.Set(attrDeviceID, m.DeviceID)
	doc.SetOptional(attrCorrelationID, m.CorrelationID)
	doc.Set(attrPriority, strconv.Itoa(int(m.Priority)))
	doc.Set(attrStatus, strconv.Itoa(int(m.Status)))
	doc.Set(attrCreated, formatTime(m.Created))
	doc.SetOptional(attrDataHash, m.DataHash)
	doc.SetOptional(attrEncryptionIV, m.EncryptionIV)
	setOptionalInt(doc, attrSendAttempts, m.SendAttempts)
	setOptionalInt(doc, attrProcessAttempts, m.ProcessAttempts)
	setOptionalInt(doc, attrDownloadAttempts, m.DownloadAttempts)
	setOptionalTime(doc, attrLastProcessed, m.LastProcessed)
	doc.SetOptional(attrLockName, m.LockName)
	doc.Data = m.Data
	if doc.Data == nil {
		doc.Data = []byte{}
	}
	return doc
}

// MarshalWire encodes the message in the wire format.
func (m *Message) MarshalWire() ([]byte, error) {
	return wire.Encode(m.Document())
}

// IsMessageDocument reports whether doc is a valid Message document.
func IsMessageDocument(doc *wire.Document) bool {
	return wire.Valid(doc, wire.RootMessage, messageRequiredAttrs...)
}

// MessageFromDocument materialises a Message from a decoded document.
func MessageFromDocument(doc *wire.Document) (*Message, error) {
	if !IsMessageDocument(doc) {
		return nil, wire.Malformed("not a valid %s document", wire.RootMessage)
	}
	r := &attrReader{doc: doc}
	m := &Message{
		ID:               r.str(attrID),
		TypeID:           r.str(attrTypeID),
		Username:         r.str(attrUsername),
		DeviceID:         r.str(attrDeviceID),
		CorrelationID:    r.str(attrCorrelationID),
		Priority:         r.priority(attrPriority),
		Status:           r.status(attrStatus),
		Created:          r.time(attrCreated),
		DataHash:         r.str(attrDataHash),
		EncryptionIV:     r.str(attrEncryptionIV),
		SendAttempts:     r.optionalInt(attrSendAttempts),
		ProcessAttempts:  r.optionalInt(attrProcessAttempts),
		DownloadAttempts: r.optionalInt(attrDownloadAttempts),
		LastProcessed:    r.optionalTime(attrLastProcessed),
		LockName:         r.str(attrLockName),
		Data:             doc.Data,
	}
	if r.err != nil {
		return nil, r.err
	}
	if m.Data == nil {
		m.Data = []byte{}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// UnmarshalMessage decodes a wire buffer into a Message.
func UnmarshalMessage(buf []byte) (*Message, error) {
	doc, err := wire.Decode(buf)
	if err != nil {
		return nil, err
	}
	return MessageFromDocument(doc)
}
