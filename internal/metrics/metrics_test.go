package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/snehjoshi/syncq/internal/metrics"
)

func TestCounter(t *testing.T) {
	var reg metrics.Registry
	reg.Created.Inc("contact.sync")
	reg.Created.Inc("contact.sync")
	reg.Created.Add("contact.sync", 3)

	if got := reg.Created.Value("contact.sync"); got != 5 {
		t.Fatalf("Created = %d, want 5", got)
	}
	if got := reg.Created.Value("never"); got != 0 {
		t.Errorf("unknown key = %d, want 0", got)
	}

	var keys []string
	reg.Failed.Inc("b")
	reg.Failed.Inc("a")
	reg.Failed.Each(func(k string, _ int64) { keys = append(keys, k) })
	if strings.Join(keys, ",") != "a,b" {
		t.Errorf("Each order = %v", keys)
	}
}

func TestHandler_PrometheusText(t *testing.T) {
	var reg metrics.Registry
	reg.Processed.Inc("ping")
	reg.LocksReset.Add(metrics.ResetKey("part", "ASSEMBLING"), 2)

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	for _, want := range []string{
		"# TYPE syncq_messages_processed_total counter",
		`syncq_messages_processed_total{type="ping"} 1`,
		`syncq_locks_reset_total{kind="part",status="ASSEMBLING"} 2`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "syncq_messages_failed_total") {
		t.Error("empty families must be omitted")
	}
}
