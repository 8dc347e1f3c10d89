// Package metrics keeps syncq's counters and renders them in the Prometheus
// text exposition format without pulling in a client library.
//
// Message counters are keyed by message type code. LocksReset is keyed by
// "kind\tstatus" (kind is "message" or "part"), built with ResetKey.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── Counter ─────────────────────────────────────────────────────────────────

// Counter is a lock-free counter family keyed by a label string.
type Counter struct {
	vals sync.Map // string → *atomic.Int64
}

func (c *Counter) get(key string) *atomic.Int64 {
	v, _ := c.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func (c *Counter) Inc(key string) { c.get(key).Add(1) }

func (c *Counter) Add(key string, n int64) { c.get(key).Add(n) }

// Value returns the current count for key.
func (c *Counter) Value(key string) int64 {
	v, ok := c.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key in sorted order.
func (c *Counter) Each(fn func(key string, val int64)) {
	var keys []string
	c.vals.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	for _, k := range keys {
		fn(k, c.Value(k))
	}
}

// ─── Registry ────────────────────────────────────────────────────────────────

// Registry holds every syncq counter. The zero value is ready to use.
type Registry struct {
	Created    Counter // messages accepted into the store
	Assembled  Counter // messages rebuilt from parts
	Processed  Counter // handler runs that succeeded
	Failed     Counter // messages moved to FAILED
	Requeued   Counter // processing failures sent back for another attempt
	Archived   Counter // snapshots written to the archive
	Downloaded Counter // messages and parts acknowledged by devices

	LocksReset Counter // records released by the recovery sweep
}

// ResetKey builds the LocksReset label key.
func ResetKey(kind, status string) string { return kind + "\t" + status }

type family struct {
	name, help string
	c          *Counter
	labels     func(key string) string
}

func byType(key string) string { return fmt.Sprintf("type=%q", key) }

func byKindStatus(key string) string {
	kind, status, _ := strings.Cut(key, "\t")
	return fmt.Sprintf("kind=%q,status=%q", kind, status)
}

func (r *Registry) families() []family {
	return []family{
		{"syncq_messages_created_total", "Messages stored for processing or download", &r.Created, byType},
		{"syncq_messages_assembled_total", "Messages assembled from parts", &r.Assembled, byType},
		{"syncq_messages_processed_total", "Messages processed successfully", &r.Processed, byType},
		{"syncq_messages_failed_total", "Messages moved to the failed status", &r.Failed, byType},
		{"syncq_messages_requeued_total", "Processing failures requeued for another attempt", &r.Requeued, byType},
		{"syncq_messages_archived_total", "Messages copied to the archive", &r.Archived, byType},
		{"syncq_messages_downloaded_total", "Messages and parts acknowledged by devices", &r.Downloaded, byType},
		{"syncq_locks_reset_total", "Records released by the lock recovery sweep", &r.LocksReset, byKindStatus},
	}
}

// WriteTo renders every non-empty family in the Prometheus text format.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	for _, f := range r.families() {
		var lines []string
		f.c.Each(func(key string, val int64) {
			lines = append(lines, fmt.Sprintf("%s{%s} %d\n", f.name, f.labels(key), val))
		})
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n", f.name, f.help, f.name)
		for _, l := range lines {
			b.WriteString(l)
		}
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// Handler serves the registry (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = r.WriteTo(w)
	})
}
