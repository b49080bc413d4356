package statserve

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerOutput(t *testing.T) {
	collectors := map[string]MetricFunc{
		"heap": func() map[string]float64 {
			return map[string]float64{
				"bytes_in_use": 4096,
				"alloc_count":  12,
			}
		},
		"bad name!": func() map[string]float64 {
			return map[string]float64{"x": 1}
		},
		"nil": nil,
	}

	req := httptest.NewRequest("GET", "/stats", nil)
	rec := httptest.NewRecorder()

	Handler(collectors).ServeHTTP(rec, req)

	body := rec.Body.String()

	// Deterministic ordering: collectors sorted, then keys sorted.
	want := "bad_name__x 1\nheap_alloc_count 12\nheap_bytes_in_use 4096\n"
	if body != want {
		t.Errorf("exposition mismatch:\ngot:\n%s\nwant:\n%s", body, want)
	}

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestSanitizeMetricToken(t *testing.T) {
	tests := map[string]string{
		"heap_bytes":  "heap_bytes",
		"a b-c":       "a_b_c",
		"ns:metric_1": "ns:metric_1",
		"über/metric": "_ber_metric",
	}

	for in, want := range tests {
		if got := sanitizeMetricToken(in); got != want {
			t.Errorf("sanitizeMetricToken(%q) = %q, want %q", in, got, want)
		}
	}
}
