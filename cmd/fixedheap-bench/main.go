// Command fixedheap-bench drives synthetic allocation workloads against a
// fixed-region heap and reports allocator statistics. Workloads are
// described by a YAML scenario file; with --watch the tool re-runs the
// scenario whenever the file changes, and with --serve / --serve-h3 it
// exposes live statistics for scraping while a run is in progress.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	fixedheap "github.com/orizon-lang/fixedheap"
	"github.com/orizon-lang/fixedheap/internal/statserve"
	"github.com/orizon-lang/fixedheap/trace"
)

func main() {
	var (
		scenarioPath = flag.String("scenario", "", "YAML scenario file describing the workload")
		watch        = flag.Bool("watch", false, "re-run the scenario whenever the file changes")
		serveAddr    = flag.String("serve", "", "expose live stats over HTTP on this address (e.g. :9190)")
		serveH3Addr  = flag.String("serve-h3", "", "expose live stats over HTTP/3 on this address")
		certFile     = flag.String("cert", "", "TLS certificate for --serve-h3")
		keyFile      = flag.String("key", "", "TLS key for --serve-h3")
		traceOut     = flag.String("trace-out", "", "record the workload to a trace file")
		traceIn      = flag.String("trace-in", "", "replay a recorded trace instead of running a scenario")
		heapSize     = flag.Uint64("heap-size", 16*1024*1024, "heap size for --trace-in replays")
		verbose      = flag.Bool("verbose", false, "verbose output")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Fixed-region heap workload driver.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEXAMPLES:\n")
		fmt.Fprintf(os.Stderr, "  %s --scenario mixed.yaml                # run once\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --scenario mixed.yaml --watch        # re-run on edit\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --scenario mixed.yaml --serve :9190  # live stats\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --trace-in run.trace                 # replay a trace\n", os.Args[0])
	}

	flag.Parse()

	bench := &Bench{
		Verbose:  *verbose,
		TraceOut: *traceOut,
		stats:    newStatsHolder(),
	}

	if *serveAddr != "" {
		bound, _, err := statserve.Start(*serveAddr, bench.Collectors())
		if err != nil {
			fatal("stats server: %v", err)
		}

		fmt.Printf("serving stats on http://%s/stats\n", bound)
	}

	if *serveH3Addr != "" {
		tlsCfg, err := loadTLS(*certFile, *keyFile)
		if err != nil {
			fatal("stats server (h3): %v", err)
		}

		bound, stopH3, err := statserve.StartH3(*serveH3Addr, tlsCfg, bench.Collectors())
		if err != nil {
			fatal("stats server (h3): %v", err)
		}

		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			_ = stopH3(ctx)
		}()

		fmt.Printf("serving stats on https://%s/stats (h3)\n", bound)
	}

	switch {
	case *traceIn != "":
		if err := bench.Replay(*traceIn, uintptr(*heapSize)); err != nil {
			fatal("%v", err)
		}

	case *scenarioPath != "":
		if err := bench.RunFile(*scenarioPath); err != nil {
			fatal("%v", err)
		}

		if *watch {
			if err := bench.Watch(*scenarioPath); err != nil {
				fatal("%v", err)
			}
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
}

// Replay runs a recorded trace against a fresh allocator.
func (b *Bench) Replay(path string, heapSize uintptr) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	alloc, err := fixedheap.New(heapSize)
	if err != nil {
		return err
	}

	start := time.Now()

	rs, err := trace.Replay(f, alloc)
	if err != nil {
		return err
	}

	b.stats.Update(alloc.Stats())
	fmt.Printf("replayed %d ops (%d alloc, %d free, %d realloc) in %v\n",
		rs.Ops, rs.Allocs, rs.Frees, rs.Reallocs, time.Since(start).Round(time.Millisecond))

	if rs.Mismatches > 0 {
		fmt.Printf("warning: %d operations diverged from the recording\n", rs.Mismatches)
	}

	b.report(alloc.Stats())

	return nil
}

// Watch blocks, re-running the scenario whenever the file is written.
func (b *Bench) Watch(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(path); err != nil {
		return err
	}

	fmt.Printf("watching %s\n", path)

	var pending <-chan time.Time

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// Editors often fire several events per save; settle first.
				pending = time.After(100 * time.Millisecond)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}

			fmt.Fprintf(os.Stderr, "watch: %v\n", err)

		case <-pending:
			pending = nil

			if err := b.RunFile(path); err != nil {
				fmt.Fprintf(os.Stderr, "run: %v\n", err)
			}
		}
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "fixedheap-bench: "+format+"\n", args...)
	os.Exit(1)
}
