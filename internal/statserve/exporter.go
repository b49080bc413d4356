// Package statserve exposes heap allocator statistics over HTTP in a
// plain text exposition format, optionally via HTTP/3. Collectors are
// snapshot functions: the allocator itself is single-threaded, so the
// host publishes copies of its counters and the server only ever reads
// those.
package statserve

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"
)

// MetricFunc returns a snapshot of metric name -> value. Names should be
// simple tokens using [a-zA-Z0-9_:] to ease exposition.
type MetricFunc func() map[string]float64

// Handler builds the /stats handler aggregating all collectors with
// deterministic output ordering.
func Handler(collectors map[string]MetricFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		names := make([]string, 0, len(collectors))
		for name := range collectors {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			fn := collectors[name]
			if fn == nil {
				continue
			}

			snapshot := fn()

			keys := make([]string, 0, len(snapshot))
			for k := range snapshot {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			for _, k := range keys {
				// Example line: heap_bytes_in_use 4096
				fmt.Fprintf(w, "%s %g\n", sanitizeMetricToken(name+"_"+k), snapshot[k])
			}
		}
	})

	return mux
}

// Start serves the stats endpoint on addr (host:port). It returns the
// bound address (which may differ if port 0 was used) and a shutdown
// function.
func Start(addr string, collectors map[string]MetricFunc) (string, func(ctx context.Context) error, error) {
	srv := &http.Server{Addr: addr, Handler: Handler(collectors), ReadHeaderTimeout: 3 * time.Second}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}

	bound := ln.Addr().String()

	go func() {
		_ = srv.Serve(ln)
	}()

	stop := func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	}

	return bound, stop, nil
}

// sanitizeMetricToken rewrites arbitrary names into exposition-safe
// tokens.
func sanitizeMetricToken(s string) string {
	var b strings.Builder

	b.Grow(len(s))

	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	return b.String()
}
