// Package wire implements the compact binary document format exchanged with
// remote devices.
//
// A document is a single named root element carrying string attributes and at
// most one opaque binary blob. Entities (Message, MessagePart,
// MessageReceivedRequest) are mapped onto documents by the types package; this
// package knows nothing about them beyond the set of legal root names.
//
// Layout (all lengths are unsigned varints):
//
//	[magic    : 2 bytes "SQ"]
//	[version  : 1 byte]
//	[nameLen  ][name]
//	[attrCount]
//	  repeated, sorted by key:
//	  [keyLen][key][valLen][val]
//	[hasData  : 1 byte, 0 or 1]
//	[dataLen  ][data]          ← only when hasData == 1; must consume the rest
//
// Attributes are written in key order so Encode is deterministic. The blob is
// written raw (no escaping) and must end exactly at the end of the buffer.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// Root element names understood by Decode.
const (
	RootMessage                = "Message"
	RootMessagePart            = "MessagePart"
	RootMessageReceivedRequest = "MessageReceivedRequest"
)

const formatVersion uint8 = 1

var magic = [2]byte{'S', 'Q'}

// ErrMalformed is matched (via errors.Is) by every MalformedDocumentError.
var ErrMalformed = errors.New("wire: malformed document")

// MalformedDocumentError reports why a buffer could not be decoded.
type MalformedDocumentError struct {
	Reason string
}

func (e *MalformedDocumentError) Error() string {
	return "wire: malformed document: " + e.Reason
}

// Is lets errors.Is(err, ErrMalformed) match any MalformedDocumentError.
func (e *MalformedDocumentError) Is(target error) bool { return target == ErrMalformed }

func malformed(format string, args ...any) error {
	return &MalformedDocumentError{Reason: fmt.Sprintf(format, args...)}
}

// Malformed builds a MalformedDocumentError. Exposed so entity decoders can
// report attribute-level problems with the same error type.
func Malformed(format string, args ...any) error { return malformed(format, args...) }

// Document is the decoded form of a wire buffer.
type Document struct {
	// Name is the root element name.
	Name string

	// Attributes are plain string key/value pairs.
	Attributes map[string]string

	// Data is the opaque blob. nil means the document has no blob; a non-nil
	// empty slice is a zero-length blob.
	Data []byte
}

// NewDocument returns an empty document with the given root name.
func NewDocument(name string) *Document {
	return &Document{Name: name, Attributes: make(map[string]string)}
}

// Set stores an attribute.
func (d *Document) Set(key, value string) {
	if d.Attributes == nil {
		d.Attributes = make(map[string]string)
	}
	d.Attributes[key] = value
}

// SetOptional stores an attribute only when value is non-empty.
func (d *Document) SetOptional(key, value string) {
	if value != "" {
		d.Set(key, value)
	}
}

// Get returns the attribute value and whether it was present.
func (d *Document) Get(key string) (string, bool) {
	v, ok := d.Attributes[key]
	return v, ok
}

// Has reports whether the attribute is present.
func (d *Document) Has(key string) bool {
	_, ok := d.Attributes[key]
	return ok
}

// knownRoots is the closed set of root names Decode accepts.
var knownRoots = map[string]struct{}{
	RootMessage:                {},
	RootMessagePart:            {},
	RootMessageReceivedRequest: {},
}

// Encode serialises doc. It fails only if the root name is empty.
func Encode(doc *Document) ([]byte, error) {
	if doc == nil || doc.Name == "" {
		return nil, errors.New("wire: encode: document has no root name")
	}

	keys := make([]string, 0, len(doc.Attributes))
	size := len(magic) + 1 + binary.MaxVarintLen64 + len(doc.Name) + binary.MaxVarintLen64 + 1
	for k, v := range doc.Attributes {
		keys = append(keys, k)
		size += 2*binary.MaxVarintLen64 + len(k) + len(v)
	}
	sort.Strings(keys)
	if doc.Data != nil {
		size += binary.MaxVarintLen64 + len(doc.Data)
	}

	w := &writer{buf: make([]byte, 0, size)}
	w.write(magic[:])
	w.writeByte(formatVersion)
	w.writeString(doc.Name)
	w.writeUvarint(uint64(len(keys)))
	for _, k := range keys {
		w.writeString(k)
		w.writeString(doc.Attributes[k])
	}
	if doc.Data == nil {
		w.writeByte(0)
	} else {
		w.writeByte(1)
		w.writeUvarint(uint64(len(doc.Data)))
		w.write(doc.Data)
	}
	return w.buf, nil
}

// Decode parses buf into a Document. Any structural problem yields a
// *MalformedDocumentError.
func Decode(buf []byte) (*Document, error) {
	r := &reader{buf: buf}

	hdr, ok := r.read(len(magic))
	if !ok || hdr[0] != magic[0] || hdr[1] != magic[1] {
		return nil, malformed("missing magic header")
	}
	version, ok := r.readByte()
	if !ok {
		return nil, malformed("truncated before version")
	}
	if version != formatVersion {
		return nil, malformed("unsupported version %d", version)
	}

	name, ok := r.readString()
	if !ok {
		return nil, malformed("truncated root name")
	}
	if _, known := knownRoots[name]; !known {
		return nil, malformed("unrecognised root element %q", name)
	}

	count, ok := r.readUvarint()
	if !ok {
		return nil, malformed("truncated attribute count")
	}
	// Every attribute needs at least two length bytes.
	if count > uint64(r.remaining())/2 {
		return nil, malformed("attribute count %d exceeds buffer", count)
	}

	doc := &Document{Name: name, Attributes: make(map[string]string, count)}
	for i := uint64(0); i < count; i++ {
		k, ok := r.readString()
		if !ok {
			return nil, malformed("truncated attribute key %d", i)
		}
		v, ok := r.readString()
		if !ok {
			return nil, malformed("truncated value for attribute %q", k)
		}
		if _, dup := doc.Attributes[k]; dup {
			return nil, malformed("duplicate attribute %q", k)
		}
		doc.Attributes[k] = v
	}

	hasData, ok := r.readByte()
	if !ok {
		return nil, malformed("truncated data flag")
	}
	switch hasData {
	case 0:
		if r.remaining() != 0 {
			return nil, malformed("%d trailing bytes after document", r.remaining())
		}
	case 1:
		n, ok := r.readUvarint()
		if !ok {
			return nil, malformed("truncated data length")
		}
		if n != uint64(r.remaining()) {
			return nil, malformed("data length %d does not match remaining %d bytes", n, r.remaining())
		}
		data, _ := r.read(int(n))
		doc.Data = make([]byte, len(data))
		copy(doc.Data, data)
	default:
		return nil, malformed("invalid data flag %d", hasData)
	}

	return doc, nil
}

// Valid reports whether doc is an instance of the given root element carrying
// every required attribute. Used before materialising a typed entity.
func Valid(doc *Document, root string, required ...string) bool {
	if doc == nil || doc.Name != root {
		return false
	}
	for _, name := range required {
		if !doc.Has(name) {
			return false
		}
	}
	return true
}

// ---- byte-level writer / reader --------------------------------------------

type writer struct{ buf []byte }

func (w *writer) writeByte(v byte) { w.buf = append(w.buf, v) }
func (w *writer) write(v []byte)   { w.buf = append(w.buf, v...) }
func (w *writer) writeUvarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}
func (w *writer) writeString(s string) {
	w.writeUvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

type reader struct {
	buf    []byte
	offset int
}

func (r *reader) remaining() int { return len(r.buf) - r.offset }

func (r *reader) readByte() (byte, bool) {
	if r.remaining() < 1 {
		return 0, false
	}
	v := r.buf[r.offset]
	r.offset++
	return v, true
}

func (r *reader) read(n int) ([]byte, bool) {
	if n < 0 || r.remaining() < n {
		return nil, false
	}
	v := r.buf[r.offset : r.offset+n]
	r.offset += n
	return v, true
}

func (r *reader) readUvarint() (uint64, bool) {
	v, n := binary.Uvarint(r.buf[r.offset:])
	if n <= 0 {
		return 0, false
	}
	r.offset += n
	return v, true
}

func (r *reader) readString() (string, bool) {
	n, ok := r.readUvarint()
	if !ok || n > uint64(r.remaining()) {
		return "", false
	}
	b, _ := r.read(int(n))
	return string(b), true
}
