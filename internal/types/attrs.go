package types

import (
	"strconv"
	"time"

	"github.com/snehjoshi/syncq/internal/wire"
)

// Timestamps travel as ISO-8601 (RFC 3339 with nanoseconds, UTC).
const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func setOptionalInt(doc *wire.Document, key string, v *int) {
	if v != nil {
		doc.Set(key, strconv.Itoa(*v))
	}
}

func setOptionalTime(doc *wire.Document, key string, v *time.Time) {
	if v != nil {
		doc.Set(key, formatTime(*v))
	}
}

// attrReader pulls typed attributes out of a document, remembering the first
// failure so callers can decode a whole entity and check once.
type attrReader struct {
	doc *wire.Document
	err error
}

func (r *attrReader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = wire.Malformed(format, args...)
	}
}

func (r *attrReader) str(key string) string {
	v, _ := r.doc.Get(key)
	return v
}

func (r *attrReader) required(key string) string {
	v, ok := r.doc.Get(key)
	if !ok {
		r.fail("%s: missing attribute %q", r.doc.Name, key)
	}
	return v
}

func (r *attrReader) int(key string) int {
	v := r.required(key)
	if r.err != nil {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail("%s: attribute %q: %v", r.doc.Name, key, err)
	}
	return n
}

func (r *attrReader) optionalInt(key string) *int {
	v, ok := r.doc.Get(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail("%s: attribute %q: %v", r.doc.Name, key, err)
		return nil
	}
	return &n
}

func (r *attrReader) time(key string) time.Time {
	v := r.required(key)
	if r.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		r.fail("%s: attribute %q: %v", r.doc.Name, key, err)
	}
	return t
}

func (r *attrReader) optionalTime(key string) *time.Time {
	v, ok := r.doc.Get(key)
	if !ok {
		return nil
	}
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		r.fail("%s: attribute %q: %v", r.doc.Name, key, err)
		return nil
	}
	return &t
}

func (r *attrReader) status(key string) Status {
	v := r.required(key)
	if r.err != nil {
		return 0
	}
	s, err := ParseStatus(v)
	if err != nil {
		r.fail("%s: attribute %q: %v", r.doc.Name, key, err)
	}
	return s
}

func (r *attrReader) priority(key string) Priority {
	v := r.required(key)
	if r.err != nil {
		return 0
	}
	p, err := ParsePriority(v)
	if err != nil {
		r.fail("%s: attribute %q: %v", r.doc.Name, key, err)
	}
	return p
}

func increment(p **int) int {
	if *p == nil {
		n := 1
		*p = &n
		return n
	}
	**p++
	return **p
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
