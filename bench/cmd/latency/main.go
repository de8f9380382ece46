// Package bench — latency/main.go
//
// Frame seal/open and catalog merge latency measurement tool.
//
// Measures two hot paths from spec.md §4.11's "bounded steady-state work
// per tick" requirement:
//
//  1. Seal+Open round trip: one AEAD seal and the matching open of a
//     maximum-payload wire frame, the per-frame cost paid on every send and
//     every receive (spec.md §4.2, §4.11).
//  2. Catalog merge: one LWW Merge call against a warm catalog of a fixed
//     size, the per-record cost paid for every deploy and every gossip pull
//     response (spec.md §4.6).
//
// Method: runtime.LockOSThread to minimise scheduling jitter, time.Now()
// before/after each operation, results written to a CSV file, p50/p95/p99
// computed from a microsecond histogram.
//
// Output CSV columns:
//
//	iteration, seal_open_us, merge_us
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/mycomesh/myco/internal/catalog"
	"github.com/mycomesh/myco/internal/secure"
	"github.com/mycomesh/myco/internal/wire"
)

const histBuckets = 10001 // 0-10000us

func main() {
	iterations := flag.Int("iterations", 100000, "Number of operations to measure")
	outputFile := flag.String("output", "latency_raw.csv", "Output CSV file path")
	catalogSize := flag.Int("catalog-size", 500, "Number of warm records in the catalog before measuring Merge")
	p99TargetUs := flag.Int("p99-target-us", 200, "p99 latency target in microseconds; exceeding it fails the run")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "seal_open_us", "merge_us"})

	var a, b [32]byte
	a[0], b[0] = 1, 2
	key := secure.DeriveKey(a, b, []byte("bench-psk"), 1)
	sender, err := secure.NewChannel(key, 1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "NewChannel sender: %v\n", err)
		os.Exit(1)
	}
	receiver, err := secure.NewChannel(key, 1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "NewChannel receiver: %v\n", err)
		os.Exit(1)
	}
	payload := make([]byte, wire.PayloadCapacity)

	cat := catalog.New(nil)
	for i := 0; i < *catalogSize; i++ {
		name := fmt.Sprintf("warm-svc-%d", i)
		cat.Merge(catalog.Record{Name: name, Version: 1}) //nolint:errcheck
	}

	var sealOpenHist, mergeHist [histBuckets]int

	for i := 0; i < *iterations; i++ {
		frame := &wire.Frame{Version: wire.ProtocolVersion, MsgType: wire.MsgGossipSummary, SenderID: a}

		start := time.Now()
		if err := sender.Seal(frame, payload); err != nil {
			fmt.Fprintf(os.Stderr, "Seal: %v\n", err)
			os.Exit(1)
		}
		if _, err := receiver.Open(frame); err != nil {
			fmt.Fprintf(os.Stderr, "Open: %v\n", err)
			os.Exit(1)
		}
		sealOpenUs := int(time.Since(start).Microseconds())

		name := fmt.Sprintf("warm-svc-%d", i%*catalogSize)
		existing, _ := cat.Get(name)
		start = time.Now()
		cat.Merge(catalog.Record{Name: name, Version: existing.Version + 1}) //nolint:errcheck
		mergeUs := int(time.Since(start).Microseconds())

		if sealOpenUs < histBuckets {
			sealOpenHist[sealOpenUs]++
		}
		if mergeUs < histBuckets {
			mergeHist[mergeUs]++
		}

		_ = w.Write([]string{
			strconv.Itoa(i),
			strconv.Itoa(sealOpenUs),
			strconv.Itoa(mergeUs),
		})
	}

	soP50, soP95, soP99 := computePercentiles(sealOpenHist[:], *iterations)
	mP50, mP95, mP99 := computePercentiles(mergeHist[:], *iterations)

	fmt.Printf("Myco Latency Results (%d iterations, catalog_size=%d)\n", *iterations, *catalogSize)
	fmt.Printf("  Seal+Open  p50: %dus  p95: %dus  p99: %dus\n", soP50, soP95, soP99)
	fmt.Printf("  Merge      p50: %dus  p95: %dus  p99: %dus\n", mP50, mP95, mP99)
	fmt.Printf("  Output: %s\n", *outputFile)

	if soP99 > *p99TargetUs {
		fmt.Fprintf(os.Stderr, "FAIL: seal+open p99 %dus exceeds %dus target\n", soP99, *p99TargetUs)
		os.Exit(1)
	}
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
